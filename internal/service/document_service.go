package service

import (
	"context"
	"fmt"
	"io"
	"path"

	"github.com/google/uuid"

	"doc-qa-go/internal/config"
	"doc-qa-go/internal/model"
	"doc-qa-go/internal/repository"
	"doc-qa-go/internal/store"
	"doc-qa-go/pkg/log"
	"doc-qa-go/pkg/storage"
	"doc-qa-go/pkg/tasks"
)

// JobProducer 把摄取任务投递到队列。
type JobProducer func(job tasks.IngestionJob) error

// DocumentService 定义了文档生命周期的业务操作。
// 上传只做受理：落对象存储、建 pending 记录、投递任务，不做内容处理。
type DocumentService interface {
	Upload(ctx context.Context, fileName string, reader io.Reader, size int64, contentType string, metadata map[string]string) (*model.Document, error)
	List(offset, limit int) ([]model.Document, int64, error)
	Get(documentID string) (*model.Document, error)
	Delete(ctx context.Context, documentID string) error
}

type documentService struct {
	docRepo       repository.DocumentRepository
	fragmentStore store.FragmentStore
	produce       JobProducer
	minioCfg      config.MinIOConfig
}

// NewDocumentService 创建一个新的 DocumentService 实例。
func NewDocumentService(docRepo repository.DocumentRepository, fragmentStore store.FragmentStore, produce JobProducer, minioCfg config.MinIOConfig) DocumentService {
	return &documentService{
		docRepo:       docRepo,
		fragmentStore: fragmentStore,
		produce:       produce,
		minioCfg:      minioCfg,
	}
}

// Upload 受理一次文档上传。原始文件先落对象存储，再建 pending
// 记录并投递摄取任务。任务投递失败时把文档直接置为 failed，
// 不会留下一条永远 pending 的孤儿记录。
func (s *documentService) Upload(ctx context.Context, fileName string, reader io.Reader, size int64, contentType string, metadata map[string]string) (*model.Document, error) {
	if fileName == "" {
		return nil, fmt.Errorf("文件名不能为空")
	}

	docID := uuid.NewString()
	objectKey := fmt.Sprintf("documents/%s/%s", docID, path.Base(fileName))

	if err := storage.PutObject(ctx, s.minioCfg.BucketName, objectKey, reader, size, contentType); err != nil {
		return nil, fmt.Errorf("上传原始文件失败: %w", err)
	}

	doc := &model.Document{
		ID:        docID,
		Name:      fileName,
		ObjectKey: objectKey,
		Status:    model.DocStatusPending,
	}
	if err := s.docRepo.Create(doc); err != nil {
		// 回收已上传的对象，避免孤儿文件
		if rmErr := storage.RemoveObject(ctx, s.minioCfg.BucketName, objectKey); rmErr != nil {
			log.Errorf("[DocumentService] 回收对象失败, ObjectKey: %s, Error: %v", objectKey, rmErr)
		}
		return nil, fmt.Errorf("创建文档记录失败: %w", err)
	}

	job := tasks.IngestionJob{
		JobID:      uuid.NewString(),
		DocumentID: docID,
		ObjectKey:  objectKey,
		FileName:   fileName,
		Metadata:   metadata,
	}
	if err := s.produce(job); err != nil {
		log.Errorf("[DocumentService] 投递摄取任务失败, DocumentID: %s, Error: %v", docID, err)
		if dbErr := s.docRepo.SetFailed(docID, "投递摄取任务失败"); dbErr != nil {
			log.Errorf("[DocumentService] 记录失败状态失败, DocumentID: %s, Error: %v", docID, dbErr)
		}
		return nil, fmt.Errorf("投递摄取任务失败: %w", err)
	}

	log.Infof("[DocumentService] 文档上传受理成功, DocumentID: %s, FileName: %s", docID, fileName)
	return doc, nil
}

// List 分页检索文档记录。
func (s *documentService) List(offset, limit int) ([]model.Document, int64, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return s.docRepo.FindWithPagination(offset, limit)
}

// Get 查询单个文档的状态。
func (s *documentService) Get(documentID string) (*model.Document, error) {
	return s.docRepo.FindByID(documentID)
}

// Delete 级联删除文档：分片（MySQL 与 ES）、原始对象、文档记录。
func (s *documentService) Delete(ctx context.Context, documentID string) error {
	doc, err := s.docRepo.FindByID(documentID)
	if err != nil {
		return fmt.Errorf("查询文档失败: %w", err)
	}

	if err := s.fragmentStore.DeleteDocument(ctx, documentID); err != nil {
		return fmt.Errorf("删除文档分片失败: %w", err)
	}
	if err := storage.RemoveObject(ctx, s.minioCfg.BucketName, doc.ObjectKey); err != nil {
		// 对象删除失败不阻断：记录元数据已不可见，对象可由后台清理
		log.Warnf("[DocumentService] 删除原始对象失败, ObjectKey: %s, Error: %v", doc.ObjectKey, err)
	}
	if err := s.docRepo.Delete(documentID); err != nil {
		return fmt.Errorf("删除文档记录失败: %w", err)
	}

	log.Infof("[DocumentService] 文档删除成功, DocumentID: %s", documentID)
	return nil
}
