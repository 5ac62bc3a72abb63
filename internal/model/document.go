// Package model 定义了与数据库表对应的 Go 结构体。
package model

import "time"

// Document 的处理状态。状态只能由摄取管道推进，终态为 ready 或 failed。
const (
	DocStatusPending    = "pending"
	DocStatusProcessing = "processing"
	DocStatusReady      = "ready"
	DocStatusFailed     = "failed"
)

// Document 定义了 documents 表的 ORM 模型。
// 它记录了每个已接收文档的元数据和处理状态。
type Document struct {
	ID         string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	Name       string    `gorm:"type:varchar(255);not null" json:"name"`
	ObjectKey  string    `gorm:"type:varchar(512);not null" json:"objectKey"`
	Status     string    `gorm:"type:varchar(16);not null;default:pending;index" json:"status"`
	FailReason string    `gorm:"type:text" json:"failReason,omitempty"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updatedAt"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (Document) TableName() string {
	return "documents"
}
