// Package llm provides a client for interacting with Large Language Models.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"doc-qa-go/internal/config"
	"doc-qa-go/pkg/log"

	"github.com/gorilla/websocket"
)

// ErrUnavailable 表示生成服务在有限次重试后仍然失败。
// 对当前问答请求是致命的，但对话上下文由调用方负责保留。
var ErrUnavailable = errors.New("生成服务不可用")

// MessageWriter defines an interface for writing WebSocket messages.
// This allows both a standard websocket.Conn and our interceptor to be used.
type MessageWriter interface {
	WriteMessage(messageType int, data []byte) error
}

// Client defines the interface for an LLM client.
type Client interface {
	// ChatMessages 以 role-based 消息调用聊天接口，阻塞直到生成完成并返回完整文本。
	ChatMessages(ctx context.Context, messages []Message, gen *GenerationParams) (string, error)
	// StreamChatMessages 以流式方式调用聊天接口，并将分块写入 writer。
	StreamChatMessages(ctx context.Context, messages []Message, gen *GenerationParams, writer MessageWriter) error
}

// Message 表示一条角色消息
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GenerationParams 控制生成行为
type GenerationParams struct {
	Temperature *float64
	TopP        *float64
	MaxTokens   *int
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Stream      bool      `json:"stream"`
	Temperature *float64  `json:"temperature,omitempty"`
	TopP        *float64  `json:"top_p,omitempty"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
}

type chatStreamResponse struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// chatClient 是 OpenAI 兼容聊天接口的实现，deepseek 与 openai 走同一条路径，
// 只有默认 BaseURL 不同。提供方由配置选择，核心逻辑不感知。
type chatClient struct {
	cfg     config.LLMConfig
	client  *http.Client
	backoff func(attempt int) time.Duration
}

// NewClient creates a new LLM client based on the provider in the config.
func NewClient(cfg config.LLMConfig) Client {
	if cfg.BaseURL == "" {
		switch cfg.Provider {
		case "deepseek":
			cfg.BaseURL = "https://api.deepseek.com/v1"
		default:
			cfg.BaseURL = "https://api.openai.com/v1"
		}
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 2
	}
	return &chatClient{
		cfg:    cfg,
		client: &http.Client{},
		backoff: func(attempt int) time.Duration {
			return time.Second << attempt
		},
	}
}

// ChatMessages 阻塞式生成。瞬时失败有限次重试，耗尽后返回 ErrUnavailable。
func (c *chatClient) ChatMessages(ctx context.Context, messages []Message, gen *GenerationParams) (string, error) {
	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			log.Warnf("[LLMClient] 第 %d 次重试, 上次错误: %v", attempt, lastErr)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(c.backoff(attempt - 1)):
			}
		}
		text, retryable, err := c.callOnce(ctx, messages, gen)
		if err == nil {
			return text, nil
		}
		if !retryable {
			return "", err
		}
		lastErr = err
	}
	return "", fmt.Errorf("%w: %d 次尝试均失败: %v", ErrUnavailable, c.cfg.MaxRetries, lastErr)
}

func (c *chatClient) callOnce(ctx context.Context, messages []Message, gen *GenerationParams) (string, bool, error) {
	resp, err := c.post(ctx, messages, gen, false)
	if err != nil {
		return "", true, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		return "", retryable, fmt.Errorf("chat api 返回 %s: %s", resp.Status, string(body))
	}

	var chatResp chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return "", true, fmt.Errorf("解析 chat 响应失败: %w", err)
	}
	if len(chatResp.Choices) == 0 {
		return "", false, errors.New("chat api 返回了空的 choices")
	}
	return chatResp.Choices[0].Message.Content, false, nil
}

// StreamChatMessages 流式生成，将 SSE 分块写入 writer。
// 只在还没有任何内容写出之前重试；一旦开始下发就不再重试，避免重复内容。
func (c *chatClient) StreamChatMessages(ctx context.Context, messages []Message, gen *GenerationParams, writer MessageWriter) error {
	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.backoff(attempt - 1)):
			}
		}
		wrote, err := c.streamOnce(ctx, messages, gen, writer)
		if err == nil {
			return nil
		}
		if wrote {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("%w: %d 次尝试均失败: %v", ErrUnavailable, c.cfg.MaxRetries, lastErr)
}

func (c *chatClient) streamOnce(ctx context.Context, messages []Message, gen *GenerationParams, writer MessageWriter) (bool, error) {
	resp, err := c.post(ctx, messages, gen, true)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return false, fmt.Errorf("chat api 返回 %s: %s", resp.Status, string(body))
	}

	wrote := false
	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				break
			}
			return wrote, fmt.Errorf("读取流式响应失败: %w", err)
		}

		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if strings.TrimSpace(data) == "[DONE]" {
			break
		}

		var chunk chatStreamResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if len(chunk.Choices) > 0 {
			content := chunk.Choices[0].Delta.Content
			if content == "" {
				continue
			}
			if err := writer.WriteMessage(websocket.TextMessage, []byte(content)); err != nil {
				return wrote, fmt.Errorf("写入 websocket 失败: %w", err)
			}
			wrote = true
		}
	}
	return wrote, nil
}

func (c *chatClient) post(ctx context.Context, messages []Message, gen *GenerationParams, stream bool) (*http.Response, error) {
	reqBody := chatRequest{
		Model:    c.cfg.Model,
		Messages: messages,
		Stream:   stream,
	}
	// 从配置或传参注入生成参数（传参优先生效）
	if gen != nil {
		reqBody.Temperature = gen.Temperature
		reqBody.TopP = gen.TopP
		reqBody.MaxTokens = gen.MaxTokens
	} else {
		if c.cfg.Generation.Temperature != 0 {
			t := c.cfg.Generation.Temperature
			reqBody.Temperature = &t
		}
		if c.cfg.Generation.TopP != 0 {
			p := c.cfg.Generation.TopP
			reqBody.TopP = &p
		}
		if c.cfg.Generation.MaxTokens != 0 {
			m := c.cfg.Generation.MaxTokens
			reqBody.MaxTokens = &m
		}
	}

	reqBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("序列化 chat 请求失败: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.cfg.BaseURL+"/chat/completions", bytes.NewReader(reqBytes))
	if err != nil {
		return nil, fmt.Errorf("创建 chat 请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("调用 chat api 失败: %w", err)
	}
	return resp, nil
}
