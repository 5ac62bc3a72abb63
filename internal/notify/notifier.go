// Package notify 负责向外广播文档处理进度。
package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"

	"doc-qa-go/pkg/log"
)

// ProgressChannel 是文档处理进度广播使用的 Redis 频道。
const ProgressChannel = "documents:progress"

// ProgressEvent 是一次进度广播的载荷。
type ProgressEvent struct {
	DocumentID string `json:"document_id"`
	Stage      string `json:"stage"`
	Status     string `json:"status"`
	Detail     string `json:"detail,omitempty"`
	Timestamp  int64  `json:"timestamp"`
}

// Notifier 向订阅方广播文档处理进度。广播失败不影响主流程。
type Notifier interface {
	NotifyProgress(ctx context.Context, documentID, stage, status, detail string)
}

type redisNotifier struct {
	redisClient *redis.Client
}

// NewRedisNotifier 创建一个基于 Redis 发布订阅的 Notifier。
func NewRedisNotifier(redisClient *redis.Client) Notifier {
	return &redisNotifier{redisClient: redisClient}
}

// NotifyProgress 把进度事件发布到 Redis 频道。发布失败只记日志。
func (n *redisNotifier) NotifyProgress(ctx context.Context, documentID, stage, status, detail string) {
	event := ProgressEvent{
		DocumentID: documentID,
		Stage:      stage,
		Status:     status,
		Detail:     detail,
		Timestamp:  time.Now().Unix(),
	}
	payload, err := json.Marshal(event)
	if err != nil {
		log.Errorf("序列化进度事件失败: %v", err)
		return
	}
	if err := n.redisClient.Publish(ctx, ProgressChannel, payload).Err(); err != nil {
		log.Warnf("发布进度事件失败: DocumentID=%s, Stage=%s, Error: %v", documentID, stage, err)
	}
}

// NopNotifier 是不做任何事的 Notifier，用于测试或禁用通知的场景。
type NopNotifier struct{}

// NotifyProgress 空实现。
func (NopNotifier) NotifyProgress(context.Context, string, string, string, string) {}
