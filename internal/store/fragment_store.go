// Package store 把 MySQL 与 Elasticsearch 组合成统一的分片存储。
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"doc-qa-go/internal/model"
	"doc-qa-go/internal/repository"
	"doc-qa-go/pkg/es"
	"doc-qa-go/pkg/log"
)

// ErrStorageWriteFailed 表示分片写入存储失败，任务可以重试。
var ErrStorageWriteFailed = errors.New("分片写入存储失败")

// FragmentStore 定义了分片的写入、检索与删除操作。
// MySQL 是持久化的事实来源，Elasticsearch 承担向量检索。
type FragmentStore interface {
	// ReplaceDocumentFragments 用新分片整体替换文档的旧分片。
	// fragments 与 vectors 按下标一一对应。
	ReplaceDocumentFragments(ctx context.Context, documentID string, fragments []*model.Fragment, vectors [][]float32) error
	// Search 对向量做近邻检索，documentID 非空时只在该文档内检索。
	Search(ctx context.Context, vector []float32, topK int, documentID string) ([]model.RetrievalResult, error)
	// DeleteDocument 删除文档在两个存储中的全部分片。
	DeleteDocument(ctx context.Context, documentID string) error
}

type compositeFragmentStore struct {
	fragmentRepo repository.FragmentRepository
	indexName    string
}

// NewFragmentStore 创建一个由 MySQL 与 Elasticsearch 组成的 FragmentStore。
func NewFragmentStore(fragmentRepo repository.FragmentRepository, indexName string) FragmentStore {
	return &compositeFragmentStore{fragmentRepo: fragmentRepo, indexName: indexName}
}

// ReplaceDocumentFragments 先在 MySQL 事务内替换分片，再重建 ES 索引。
// 索引重建采用先写后退：新批次带独立 run_id 整体写入，成功后才删除旧
// 批次，检索方在窗口期内看到的是新旧并存而不是空集；写入失败时回滚
// 新批次，旧批次原样保留。
func (s *compositeFragmentStore) ReplaceDocumentFragments(ctx context.Context, documentID string, fragments []*model.Fragment, vectors [][]float32) error {
	if len(fragments) != len(vectors) {
		return fmt.Errorf("%w: 分片数 %d 与向量数 %d 不一致", ErrStorageWriteFailed, len(fragments), len(vectors))
	}

	if err := s.fragmentRepo.ReplaceByDocumentID(documentID, fragments); err != nil {
		return fmt.Errorf("%w: 写入 MySQL 失败: %v", ErrStorageWriteFailed, err)
	}

	if len(fragments) == 0 {
		// 空文档：没有新批次要写，直接清掉旧批次
		if err := es.DeleteByDocumentID(ctx, s.indexName, documentID); err != nil {
			return fmt.Errorf("%w: 清理旧索引失败: %v", ErrStorageWriteFailed, err)
		}
		return nil
	}

	runID := uuid.NewString()
	esDocs := make([]model.EsFragment, 0, len(fragments))
	for i, f := range fragments {
		esDocs = append(esDocs, model.EsFragment{
			FragmentID:   fmt.Sprintf("%s_%d_%s", documentID, f.ChunkIndex, runID),
			DocumentID:   documentID,
			ChunkIndex:   f.ChunkIndex,
			TextContent:  f.TextContent,
			Vector:       vectors[i],
			Pages:        []int(f.Pages),
			ModelVersion: f.ModelVersion,
			RunID:        runID,
		})
	}

	if err := es.BulkIndexFragments(ctx, s.indexName, esDocs); err != nil {
		// 回滚写入一半的新批次，旧批次仍然完整可查
		if cleanErr := es.DeleteRun(ctx, s.indexName, documentID, runID); cleanErr != nil {
			log.Errorf("回滚新批次索引失败: DocumentID=%s, RunID=%s, Error: %v", documentID, runID, cleanErr)
		}
		return fmt.Errorf("%w: 写入 Elasticsearch 失败: %v", ErrStorageWriteFailed, err)
	}

	if err := es.DeleteStaleRuns(ctx, s.indexName, documentID, runID); err != nil {
		// 新批次已生效，旧批次残留由下一次检索去重兜底，不影响正确性
		log.Errorf("清理旧批次索引失败: DocumentID=%s, Error: %v", documentID, err)
	}
	return nil
}

// Search 执行向量近邻检索并把命中整理为检索结果。
func (s *compositeFragmentStore) Search(ctx context.Context, vector []float32, topK int, documentID string) ([]model.RetrievalResult, error) {
	if topK <= 0 {
		return nil, nil
	}
	hits, err := es.KnnSearch(ctx, s.indexName, vector, topK, documentID)
	if err != nil {
		return nil, err
	}

	results := make([]model.RetrievalResult, 0, len(hits))
	for _, h := range hits {
		results = append(results, model.RetrievalResult{
			FragmentID:  h.Source.FragmentID,
			DocumentID:  h.Source.DocumentID,
			ChunkIndex:  h.Source.ChunkIndex,
			TextContent: h.Source.TextContent,
			Pages:       h.Source.Pages,
			Score:       h.Score,
		})
	}
	return rankResults(dedupeByChunk(results), topK), nil
}

// DeleteDocument 删除文档在 MySQL 与 Elasticsearch 中的全部分片。
func (s *compositeFragmentStore) DeleteDocument(ctx context.Context, documentID string) error {
	if err := s.fragmentRepo.DeleteByDocumentID(documentID); err != nil {
		return fmt.Errorf("%w: 删除 MySQL 分片失败: %v", ErrStorageWriteFailed, err)
	}
	if err := es.DeleteByDocumentID(ctx, s.indexName, documentID); err != nil {
		return fmt.Errorf("%w: 删除索引分片失败: %v", ErrStorageWriteFailed, err)
	}
	return nil
}

// dedupeByChunk 对同一文档的同一分块只保留得分最高的命中。
// 再摄取的新旧批次短暂并存时，读取方据此只看到每个分块的一份内容。
func dedupeByChunk(results []model.RetrievalResult) []model.RetrievalResult {
	type chunkKey struct {
		documentID string
		chunkIndex int
	}
	best := make(map[chunkKey]int, len(results))
	out := results[:0]
	for _, r := range results {
		key := chunkKey{r.DocumentID, r.ChunkIndex}
		if i, ok := best[key]; ok {
			if r.Score > out[i].Score {
				out[i] = r
			}
			continue
		}
		best[key] = len(out)
		out = append(out, r)
	}
	return out
}

// rankResults 按相似度降序排列结果并截断到 topK。
// 相似度相同的分片按分块序号排序，保证结果稳定可复现。
func rankResults(results []model.RetrievalResult, topK int) []model.RetrievalResult {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if results[i].DocumentID != results[j].DocumentID {
			return results[i].DocumentID < results[j].DocumentID
		}
		return results[i].ChunkIndex < results[j].ChunkIndex
	})
	if len(results) > topK {
		results = results[:topK]
	}
	return results
}
