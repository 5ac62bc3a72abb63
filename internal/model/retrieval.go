package model

// RetrievalResult 定义了一条相似度检索命中，按检索即时生成，不做持久化。
type RetrievalResult struct {
	FragmentID   string  `json:"fragmentId"`
	DocumentID   string  `json:"documentId"`
	DocumentName string  `json:"documentName,omitempty"`
	ChunkIndex   int     `json:"chunkIndex"`
	TextContent  string  `json:"textContent"`
	Pages        []int   `json:"pages"`
	Score        float64 `json:"score"`
}

// Answer 定义了一次问答的结构化结果：答案文本与实际参考的分片。
type Answer struct {
	Text            string            `json:"text"`
	SourceFragments []RetrievalResult `json:"sourceFragments"`
}
