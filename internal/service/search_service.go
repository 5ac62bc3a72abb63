// Package service 提供了检索与问答相关的业务逻辑。
package service

import (
	"context"
	"fmt"

	"doc-qa-go/internal/model"
	"doc-qa-go/internal/repository"
	"doc-qa-go/internal/store"
	"doc-qa-go/pkg/embedding"
	"doc-qa-go/pkg/log"
)

// SearchService 接口定义了语义检索操作。
// documentID 非空时只在该文档内检索；空结果是合法状态，不是错误。
type SearchService interface {
	Retrieve(ctx context.Context, query string, topK int, documentID string) ([]model.RetrievalResult, error)
}

type searchService struct {
	embeddingClient embedding.Client
	fragmentStore   store.FragmentStore
	docRepo         repository.DocumentRepository
	defaultTopK     int
}

// NewSearchService 创建一个新的 SearchService 实例。
func NewSearchService(embeddingClient embedding.Client, fragmentStore store.FragmentStore, docRepo repository.DocumentRepository, defaultTopK int) SearchService {
	if defaultTopK <= 0 {
		defaultTopK = 5
	}
	return &searchService{
		embeddingClient: embeddingClient,
		fragmentStore:   fragmentStore,
		docRepo:         docRepo,
		defaultTopK:     defaultTopK,
	}
}

// Retrieve 向量化查询并做近邻检索，结果按相似度降序且带文档名。
func (s *searchService) Retrieve(ctx context.Context, query string, topK int, documentID string) ([]model.RetrievalResult, error) {
	if query == "" {
		return []model.RetrievalResult{}, nil
	}
	if topK <= 0 {
		topK = s.defaultTopK
	}
	log.Infof("[SearchService] 开始检索, query: '%s', topK: %d, documentID: '%s'", query, topK, documentID)

	vectors, err := s.embeddingClient.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("向量化查询失败: %w", err)
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("向量化查询返回了 %d 个向量", len(vectors))
	}

	results, err := s.fragmentStore.Search(ctx, vectors[0], topK, documentID)
	if err != nil {
		return nil, fmt.Errorf("向量检索失败: %w", err)
	}
	if len(results) == 0 {
		log.Infof("[SearchService] 检索无命中, query: '%s'", query)
		return []model.RetrievalResult{}, nil
	}

	s.fillDocumentNames(results)
	log.Infof("[SearchService] 检索完毕, 返回 %d 条结果", len(results))
	return results, nil
}

// fillDocumentNames 补充命中分片所属的文档名，查不到时保持为空。
func (s *searchService) fillDocumentNames(results []model.RetrievalResult) {
	names := make(map[string]string)
	for i := range results {
		docID := results[i].DocumentID
		name, ok := names[docID]
		if !ok {
			doc, err := s.docRepo.FindByID(docID)
			if err != nil {
				log.Warnf("[SearchService] 查询文档名失败, DocumentID: %s, Error: %v", docID, err)
				names[docID] = ""
				continue
			}
			name = doc.Name
			names[docID] = name
		}
		results[i].DocumentName = name
	}
}
