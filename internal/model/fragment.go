package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// IntList 是存入 JSON 列的有序整型序列（分片的页码来源）。
type IntList []int

// Value 实现 driver.Valuer，序列化为 JSON。
func (l IntList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal(l)
	return string(b), err
}

// Scan 实现 sql.Scanner。
func (l *IntList) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*l = nil
		return nil
	case []byte:
		return json.Unmarshal(v, l)
	case string:
		return json.Unmarshal([]byte(v), l)
	default:
		return fmt.Errorf("无法将 %T 解析为 IntList", value)
	}
}

// MetaMap 是存入 JSON 列的自由键值元数据。
type MetaMap map[string]string

// Value 实现 driver.Valuer。
func (m MetaMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	return string(b), err
}

// Scan 实现 sql.Scanner。
func (m *MetaMap) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*m = nil
		return nil
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	default:
		return fmt.Errorf("无法将 %T 解析为 MetaMap", value)
	}
}

// Fragment 对应于数据库中的 fragments 表。
// 分片在摄取时一次性创建，之后不可变；重新摄取会整体替换同一文档的分片集。
type Fragment struct {
	ID           uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	DocumentID   string    `gorm:"type:varchar(36);not null;index" json:"documentId"`
	ChunkIndex   int       `gorm:"not null" json:"chunkIndex"`
	TextContent  string    `gorm:"type:text;not null" json:"textContent"`
	Pages        IntList   `gorm:"type:json" json:"pages"`
	Metadata     MetaMap   `gorm:"type:json" json:"metadata,omitempty"`
	ModelVersion string    `gorm:"type:varchar(64)" json:"modelVersion"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"createdAt"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (Fragment) TableName() string {
	return "fragments"
}

// EsFragment 代表存储在 Elasticsearch 中的分片文档结构。
// 向量只存在索引里，MySQL 的 fragments 表是事务性的事实来源。
type EsFragment struct {
	FragmentID   string    `json:"fragment_id"` // 唯一标识：documentID_chunkIndex
	DocumentID   string    `json:"document_id"`
	ChunkIndex   int       `json:"chunk_index"`
	TextContent  string    `json:"text_content"`
	Vector       []float32 `json:"vector"`
	Pages        []int     `json:"pages"`
	ModelVersion string    `json:"model_version"`
	RunID        string    `json:"run_id"` // 单次摄取的标识，新旧分片集靠它区分
}
