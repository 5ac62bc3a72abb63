package repository

import (
	"gorm.io/gorm"

	"doc-qa-go/internal/model"
)

// FragmentRepository 定义了对 fragments 表的数据操作接口。
type FragmentRepository interface {
	ReplaceByDocumentID(documentID string, fragments []*model.Fragment) error
	FindByDocumentID(documentID string) ([]*model.Fragment, error)
	CountByDocumentID(documentID string) (int64, error)
	DeleteByDocumentID(documentID string) error
}

type fragmentRepository struct {
	db *gorm.DB
}

// NewFragmentRepository 创建一个新的 FragmentRepository 实例。
func NewFragmentRepository(db *gorm.DB) FragmentRepository {
	return &fragmentRepository{db: db}
}

// ReplaceByDocumentID 在一个事务内用新分片整体替换文档的旧分片。
// 同一文档重复摄取时不会出现新旧混存的中间状态。
func (r *fragmentRepository) ReplaceByDocumentID(documentID string, fragments []*model.Fragment) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("document_id = ?", documentID).Delete(&model.Fragment{}).Error; err != nil {
			return err
		}
		if len(fragments) == 0 {
			return nil
		}
		return tx.CreateInBatches(fragments, 100).Error // 每100条记录一批
	})
}

// FindByDocumentID 查找文档的全部分片，按分块序号排序。
func (r *fragmentRepository) FindByDocumentID(documentID string) ([]*model.Fragment, error) {
	var fragments []*model.Fragment
	err := r.db.Where("document_id = ?", documentID).Order("chunk_index ASC").Find(&fragments).Error
	return fragments, err
}

// CountByDocumentID 统计文档的分片数量。
func (r *fragmentRepository) CountByDocumentID(documentID string) (int64, error) {
	var count int64
	err := r.db.Model(&model.Fragment{}).Where("document_id = ?", documentID).Count(&count).Error
	return count, err
}

// DeleteByDocumentID 删除文档的全部分片记录。
func (r *fragmentRepository) DeleteByDocumentID(documentID string) error {
	return r.db.Where("document_id = ?", documentID).Delete(&model.Fragment{}).Error
}
