// Package tasks defines the structure for jobs that are sent to Kafka.
package tasks

// IngestionJob represents the payload of a document ingestion job.
// 任务只存在于队列上和处理过程中，没有独立的持久化生命周期。
type IngestionJob struct {
	JobID      string            `json:"job_id"`
	DocumentID string            `json:"document_id"`
	ObjectKey  string            `json:"object_key"`
	FileName   string            `json:"file_name"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}
