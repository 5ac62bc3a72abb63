package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"doc-qa-go/internal/model"
)

// ConversationRepository 定义了对话历史记录的操作接口。
// 历史按会话 ID 隔离，超出轮数上限时淘汰最早的消息。
type ConversationRepository interface {
	GetHistory(ctx context.Context, conversationID string) ([]model.ChatMessage, error)
	AppendMessages(ctx context.Context, conversationID string, messages ...model.ChatMessage) error
	Clear(ctx context.Context, conversationID string) error
}

// NewConversationRepository 根据配置的后端类型创建实例。
// backend 为 redis 时历史跨进程共享，否则退回进程内存实现。
func NewConversationRepository(backend string, maxTurns int, redisClient *redis.Client) ConversationRepository {
	if backend == "redis" && redisClient != nil {
		return &redisConversationRepository{redisClient: redisClient, maxTurns: maxTurns}
	}
	return NewMemoryConversationRepository(maxTurns)
}

// conversationState 是单个会话的历史及其专属锁。
type conversationState struct {
	mu       sync.Mutex
	messages []model.ChatMessage
}

// memoryConversationRepository 是进程内存实现，服务重启后历史即丢失。
// 互斥按会话粒度持有，不同会话的读写互不阻塞；全局锁只保护会话表本身。
type memoryConversationRepository struct {
	mu       sync.Mutex
	convs    map[string]*conversationState
	maxTurns int
}

// NewMemoryConversationRepository 创建一个内存对话历史实例。
func NewMemoryConversationRepository(maxTurns int) ConversationRepository {
	return &memoryConversationRepository{
		convs:    make(map[string]*conversationState),
		maxTurns: maxTurns,
	}
}

// lookup 返回会话状态，create 为 true 时按需建立。
func (r *memoryConversationRepository) lookup(conversationID string, create bool) *conversationState {
	r.mu.Lock()
	defer r.mu.Unlock()
	conv, ok := r.convs[conversationID]
	if !ok && create {
		conv = &conversationState{}
		r.convs[conversationID] = conv
	}
	return conv
}

// GetHistory 返回会话历史的副本，调用方修改不会影响存储。
func (r *memoryConversationRepository) GetHistory(_ context.Context, conversationID string) ([]model.ChatMessage, error) {
	conv := r.lookup(conversationID, false)
	if conv == nil {
		return []model.ChatMessage{}, nil
	}
	conv.mu.Lock()
	defer conv.mu.Unlock()
	out := make([]model.ChatMessage, len(conv.messages))
	copy(out, conv.messages)
	return out, nil
}

// AppendMessages 追加消息并按轮数上限淘汰最早的消息。
func (r *memoryConversationRepository) AppendMessages(_ context.Context, conversationID string, messages ...model.ChatMessage) error {
	conv := r.lookup(conversationID, true)
	conv.mu.Lock()
	defer conv.mu.Unlock()
	conv.messages = trimHistory(append(conv.messages, messages...), r.maxTurns)
	return nil
}

// Clear 删除会话的全部历史。
func (r *memoryConversationRepository) Clear(_ context.Context, conversationID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.convs, conversationID)
	return nil
}

// redisConversationRepository 把历史存为 Redis 列表，每条消息一个元素。
// 追加用 RPUSH + LTRIM，由服务端原子执行，并发追加不会互相覆盖。
type redisConversationRepository struct {
	redisClient *redis.Client
	maxTurns    int
}

func conversationKey(conversationID string) string {
	return fmt.Sprintf("conversation:%s", conversationID)
}

// GetHistory 从 Redis 获取对话历史记录。
func (r *redisConversationRepository) GetHistory(ctx context.Context, conversationID string) ([]model.ChatMessage, error) {
	entries, err := r.redisClient.LRange(ctx, conversationKey(conversationID), 0, -1).Result()
	if err == redis.Nil {
		return []model.ChatMessage{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("获取对话历史失败: %w", err)
	}
	return decodeTurns(entries)
}

// AppendMessages 把消息逐条推入列表尾部并裁剪到轮数上限。
func (r *redisConversationRepository) AppendMessages(ctx context.Context, conversationID string, messages ...model.ChatMessage) error {
	if len(messages) == 0 {
		return nil
	}
	entries, err := encodeTurns(messages)
	if err != nil {
		return err
	}

	key := conversationKey(conversationID)
	pipe := r.redisClient.TxPipeline()
	pipe.RPush(ctx, key, entries...)
	if r.maxTurns > 0 {
		pipe.LTrim(ctx, key, -int64(r.maxTurns*2), -1)
	}
	pipe.Expire(ctx, key, 7*24*time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("保存对话历史失败: %w", err)
	}
	return nil
}

// Clear 删除会话的全部历史。
func (r *redisConversationRepository) Clear(ctx context.Context, conversationID string) error {
	return r.redisClient.Del(ctx, conversationKey(conversationID)).Err()
}

// encodeTurns 把消息序列化为列表元素。
func encodeTurns(messages []model.ChatMessage) ([]interface{}, error) {
	entries := make([]interface{}, 0, len(messages))
	for _, m := range messages {
		data, err := json.Marshal(m)
		if err != nil {
			return nil, fmt.Errorf("序列化对话消息失败: %w", err)
		}
		entries = append(entries, data)
	}
	return entries, nil
}

// decodeTurns 把列表元素还原为消息序列。
func decodeTurns(entries []string) ([]model.ChatMessage, error) {
	messages := make([]model.ChatMessage, 0, len(entries))
	for _, e := range entries {
		var m model.ChatMessage
		if err := json.Unmarshal([]byte(e), &m); err != nil {
			return nil, fmt.Errorf("解析对话历史失败: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, nil
}

// trimHistory 把历史裁剪到最近 maxTurns 轮（一轮为一问一答两条消息）。
func trimHistory(messages []model.ChatMessage, maxTurns int) []model.ChatMessage {
	if maxTurns <= 0 {
		return messages
	}
	maxMessages := maxTurns * 2
	if len(messages) > maxMessages {
		return messages[len(messages)-maxMessages:]
	}
	return messages
}
