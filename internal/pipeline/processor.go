// Package pipeline 定义了文档摄取的核心流程。
package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"doc-qa-go/internal/model"
	"doc-qa-go/internal/notify"
	"doc-qa-go/internal/repository"
	"doc-qa-go/internal/store"
	"doc-qa-go/pkg/chunker"
	"doc-qa-go/pkg/embedding"
	"doc-qa-go/pkg/log"
	"doc-qa-go/pkg/tasks"
)

// 摄取流程的阶段名，进度通知里原样透出。
const (
	StageExtracting = "extracting"
	StageChunking   = "chunking"
	StageEmbedding  = "embedding"
	StageStoring    = "storing"
)

// TextExtractor 从原始文件流里提取按页组织的文本。
type TextExtractor interface {
	ExtractText(fileReader io.Reader, fileName string) ([]chunker.Page, error)
}

// ObjectFetcher 按对象键拉取原始文件。调用方负责关闭返回的流。
type ObjectFetcher func(ctx context.Context, objectKey string) (io.ReadCloser, error)

// Processor 封装了文档摄取的所有依赖和逻辑。
type Processor struct {
	extractor       TextExtractor
	embeddingClient embedding.Client
	fragmentStore   store.FragmentStore
	docRepo         repository.DocumentRepository
	notifier        notify.Notifier
	fetchObject     ObjectFetcher
	splitter        *chunker.Chunker
	modelVersion    string
}

// NewProcessor 创建一个新的 Processor 实例。
func NewProcessor(
	extractor TextExtractor,
	embeddingClient embedding.Client,
	fragmentStore store.FragmentStore,
	docRepo repository.DocumentRepository,
	notifier notify.Notifier,
	fetchObject ObjectFetcher,
	splitter *chunker.Chunker,
	modelVersion string,
) *Processor {
	return &Processor{
		extractor:       extractor,
		embeddingClient: embeddingClient,
		fragmentStore:   fragmentStore,
		docRepo:         docRepo,
		notifier:        notifier,
		fetchObject:     fetchObject,
		splitter:        splitter,
		modelVersion:    modelVersion,
	}
}

// Process 是文档摄取的主函数。任何阶段失败都会把文档置为 failed
// 并记录原因，错误继续向上抛给消费者决定是否重试。
func (p *Processor) Process(ctx context.Context, job tasks.IngestionJob) error {
	log.Infof("[Processor] 开始处理文档, JobID: %s, DocumentID: %s, FileName: %s", job.JobID, job.DocumentID, job.FileName)

	if err := p.docRepo.SetStatus(job.DocumentID, model.DocStatusProcessing); err != nil {
		return fmt.Errorf("更新文档状态失败: %w", err)
	}

	fragments, vectors, err := p.run(ctx, job)
	if err != nil {
		log.Errorf("[Processor] 文档处理失败, DocumentID: %s, Error: %v", job.DocumentID, err)
		if dbErr := p.docRepo.SetFailed(job.DocumentID, err.Error()); dbErr != nil {
			log.Errorf("[Processor] 记录失败状态失败, DocumentID: %s, Error: %v", job.DocumentID, dbErr)
		}
		p.notifier.NotifyProgress(ctx, job.DocumentID, "", model.DocStatusFailed, err.Error())
		return err
	}

	// 存储阶段：要么整套分片落库，要么一条都不留
	p.notifier.NotifyProgress(ctx, job.DocumentID, StageStoring, model.DocStatusProcessing, "")
	if err := p.fragmentStore.ReplaceDocumentFragments(ctx, job.DocumentID, fragments, vectors); err != nil {
		log.Errorf("[Processor] 分片存储失败, DocumentID: %s, Error: %v", job.DocumentID, err)
		if dbErr := p.docRepo.SetFailed(job.DocumentID, err.Error()); dbErr != nil {
			log.Errorf("[Processor] 记录失败状态失败, DocumentID: %s, Error: %v", job.DocumentID, dbErr)
		}
		p.notifier.NotifyProgress(ctx, job.DocumentID, StageStoring, model.DocStatusFailed, err.Error())
		return err
	}

	if err := p.docRepo.SetStatus(job.DocumentID, model.DocStatusReady); err != nil {
		return fmt.Errorf("更新文档状态失败: %w", err)
	}
	p.notifier.NotifyProgress(ctx, job.DocumentID, "", model.DocStatusReady, fmt.Sprintf("共 %d 个分片", len(fragments)))
	log.Infof("[Processor] 文档处理成功完成, DocumentID: %s, 分片数: %d", job.DocumentID, len(fragments))
	return nil
}

// run 执行提取、分块、向量化三个阶段，返回待存储的分片与向量。
func (p *Processor) run(ctx context.Context, job tasks.IngestionJob) ([]*model.Fragment, [][]float32, error) {
	// 1. 从对象存储下载原始文件
	p.notifier.NotifyProgress(ctx, job.DocumentID, StageExtracting, model.DocStatusProcessing, "")
	object, err := p.fetchObject(ctx, job.ObjectKey)
	if err != nil {
		return nil, nil, fmt.Errorf("从对象存储下载文件失败: %w", err)
	}
	buf := new(bytes.Buffer)
	size, err := buf.ReadFrom(object)
	object.Close()
	if err != nil {
		return nil, nil, fmt.Errorf("读取对象流失败: %w", err)
	}
	log.Infof("[Processor] 文件下载成功, 大小: %d 字节", size)

	// 2. 使用 Tika 提取按页组织的文本。提取失败是文档级的终态，不在本层重试。
	pages, err := p.extractor.ExtractText(bytes.NewReader(buf.Bytes()), job.FileName)
	if err != nil {
		return nil, nil, fmt.Errorf("提取文本失败: %w", err)
	}

	// 3. 文本分块
	p.notifier.NotifyProgress(ctx, job.DocumentID, StageChunking, model.DocStatusProcessing, "")
	chunks := p.splitter.SplitPages(pages)
	log.Infof("[Processor] 文本分块完成, 共生成 %d 个分块", len(chunks))
	if len(chunks) == 0 {
		// 空文档不是错误：存一套空分片，同时清掉旧版本的内容
		return nil, nil, nil
	}

	// 4. 向量化。Embedder 内部重试耗尽后这里直接失败，不落半套数据。
	p.notifier.NotifyProgress(ctx, job.DocumentID, StageEmbedding, model.DocStatusProcessing, "")
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	vectors, err := p.embeddingClient.Embed(ctx, texts)
	if err != nil {
		return nil, nil, fmt.Errorf("向量化失败: %w", err)
	}
	if len(vectors) != len(chunks) {
		return nil, nil, fmt.Errorf("向量化结果数量不符: 期望 %d, 实际 %d", len(chunks), len(vectors))
	}

	fragments := make([]*model.Fragment, 0, len(chunks))
	for _, c := range chunks {
		fragments = append(fragments, &model.Fragment{
			DocumentID:   job.DocumentID,
			ChunkIndex:   c.Index,
			TextContent:  c.Text,
			Pages:        model.IntList(c.Pages),
			Metadata:     model.MetaMap(job.Metadata),
			ModelVersion: p.modelVersion,
		})
	}
	return fragments, vectors, nil
}
