// Package repository 提供了数据访问层的实现。
package repository

import (
	"gorm.io/gorm"

	"doc-qa-go/internal/model"
)

// DocumentRepository 接口定义了文档元数据的持久化操作。
type DocumentRepository interface {
	Create(doc *model.Document) error
	FindByID(id string) (*model.Document, error)
	FindAll() ([]model.Document, error)
	FindWithPagination(offset, limit int) ([]model.Document, int64, error)
	SetStatus(id string, status string) error
	SetFailed(id string, reason string) error
	Delete(id string) error
}

// documentRepository 是 DocumentRepository 接口的 GORM 实现。
type documentRepository struct {
	db *gorm.DB
}

// NewDocumentRepository 创建一个新的 DocumentRepository 实例。
func NewDocumentRepository(db *gorm.DB) DocumentRepository {
	return &documentRepository{db: db}
}

// Create 在数据库中创建一条新的文档记录。
func (r *documentRepository) Create(doc *model.Document) error {
	return r.db.Create(doc).Error
}

// FindByID 根据文档 ID 查找一条文档记录。
func (r *documentRepository) FindByID(id string) (*model.Document, error) {
	var doc model.Document
	err := r.db.Where("id = ?", id).First(&doc).Error
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// FindAll 检索所有文档记录，按创建时间倒序。
func (r *documentRepository) FindAll() ([]model.Document, error) {
	var docs []model.Document
	err := r.db.Order("created_at DESC").Find(&docs).Error
	return docs, err
}

// FindWithPagination 分页检索文档记录，返回列表和总数。
func (r *documentRepository) FindWithPagination(offset, limit int) ([]model.Document, int64, error) {
	var docs []model.Document
	var total int64
	if err := r.db.Model(&model.Document{}).Count(&total).Error; err != nil {
		return nil, 0, err
	}
	err := r.db.Order("created_at DESC").Offset(offset).Limit(limit).Find(&docs).Error
	return docs, total, err
}

// SetStatus 更新文档的处理状态，并清空历史失败原因。
func (r *documentRepository) SetStatus(id string, status string) error {
	return r.db.Model(&model.Document{}).Where("id = ?", id).
		Updates(map[string]interface{}{"status": status, "fail_reason": ""}).Error
}

// SetFailed 将文档标记为失败并记录原因。
func (r *documentRepository) SetFailed(id string, reason string) error {
	return r.db.Model(&model.Document{}).Where("id = ?", id).
		Updates(map[string]interface{}{"status": model.DocStatusFailed, "fail_reason": reason}).Error
}

// Delete 删除一条文档记录。
func (r *documentRepository) Delete(id string) error {
	return r.db.Where("id = ?", id).Delete(&model.Document{}).Error
}
