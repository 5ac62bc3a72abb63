// Package embedding provides a client for interacting with embedding models.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"doc-qa-go/internal/config"
	"doc-qa-go/pkg/log"
)

// ErrUnavailable 表示 Embedding 服务在有限次重试后仍不可用。
// 调用方必须感知该错误，不允许静默吞掉。
var ErrUnavailable = errors.New("embedding 服务不可用")

// Client defines the interface for an embedding client.
type Client interface {
	// Embed 将一批文本向量化，返回与输入一一对应、顺序一致的向量序列。
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// Dimensions 返回配置的向量维度。
	Dimensions() int
}

type openAICompatibleClient struct {
	cfg     config.EmbeddingConfig
	client  *http.Client
	backoff func(attempt int) time.Duration
}

// NewClient creates a new embedding client based on the config.
func NewClient(cfg config.EmbeddingConfig) Client {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 16
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return &openAICompatibleClient{
		cfg:    cfg,
		client: &http.Client{Timeout: 60 * time.Second},
		backoff: func(attempt int) time.Duration {
			// 指数退避: 500ms, 1s, 2s, ...
			return 500 * time.Millisecond << attempt
		},
	}
}

type embeddingRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

// Dimensions 返回配置的向量维度。
func (c *openAICompatibleClient) Dimensions() int {
	return c.cfg.Dimensions
}

// Embed 将输入按 MaxBatchSize 拆批并依次调用 API。
// 瞬时失败（限流/网络/5xx）按批次做有限次指数退避重试；
// 维度不匹配属于配置错误，立即失败不重试。
func (c *openAICompatibleClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	vectors := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += c.cfg.MaxBatchSize {
		end := start + c.cfg.MaxBatchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch, err := c.embedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		vectors = append(vectors, batch...)
	}
	return vectors, nil
}

// embedBatch 带重试地向量化一个批次。
func (c *openAICompatibleClient) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			log.Warnf("[EmbeddingClient] 第 %d 次重试, 上次错误: %v", attempt, lastErr)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.backoff(attempt - 1)):
			}
		}

		vectors, retryable, err := c.callOnce(ctx, texts)
		if err == nil {
			return vectors, nil
		}
		if !retryable {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("%w: %d 次尝试均失败: %v", ErrUnavailable, c.cfg.MaxRetries, lastErr)
}

// callOnce 执行一次 API 调用。第二个返回值表示该错误是否可重试。
func (c *openAICompatibleClient) callOnce(ctx context.Context, texts []string) ([][]float32, bool, error) {
	reqBody := embeddingRequest{
		Model:      c.cfg.Model,
		Input:      texts,
		Dimensions: c.cfg.Dimensions,
	}

	reqBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, false, fmt.Errorf("序列化 embedding 请求失败: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.cfg.BaseURL+"/embeddings", bytes.NewReader(reqBytes))
	if err != nil {
		return nil, false, fmt.Errorf("创建 embedding 请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.client.Do(req)
	if err != nil {
		// 网络错误视为瞬时失败
		return nil, true, fmt.Errorf("调用 embedding api 失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		return nil, retryable, fmt.Errorf("embedding api 返回 %s: %s", resp.Status, string(body))
	}

	var embeddingResp embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&embeddingResp); err != nil {
		return nil, true, fmt.Errorf("解析 embedding 响应失败: %w", err)
	}

	if len(embeddingResp.Data) != len(texts) {
		return nil, false, fmt.Errorf("embedding api 返回 %d 条向量, 期望 %d 条", len(embeddingResp.Data), len(texts))
	}

	// 按响应里的 index 恢复输入顺序
	vectors := make([][]float32, len(texts))
	for _, item := range embeddingResp.Data {
		if item.Index < 0 || item.Index >= len(texts) {
			return nil, false, fmt.Errorf("embedding api 返回非法 index: %d", item.Index)
		}
		if c.cfg.Dimensions > 0 && len(item.Embedding) != c.cfg.Dimensions {
			// 维度不匹配说明模型配置有误，重试无意义
			return nil, false, fmt.Errorf("向量维度不匹配: 期望 %d, 实际 %d", c.cfg.Dimensions, len(item.Embedding))
		}
		vectors[item.Index] = item.Embedding
	}
	for i, v := range vectors {
		if v == nil {
			return nil, false, fmt.Errorf("embedding api 未返回第 %d 条输入的向量", i)
		}
	}
	return vectors, true, nil
}
