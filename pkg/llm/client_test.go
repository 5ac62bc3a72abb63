package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"doc-qa-go/internal/config"
)

func newTestClient(url string, retries int) *chatClient {
	return &chatClient{
		cfg: config.LLMConfig{
			BaseURL:    url,
			Model:      "test-model",
			MaxRetries: retries,
		},
		client:  &http.Client{Timeout: time.Second},
		backoff: func(int) time.Duration { return 0 },
	}
}

func TestChatMessages_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"choices":[{"message":{"content":"四十二"}}]}`)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, 2)
	text, err := c.ChatMessages(context.Background(), []Message{{Role: "user", Content: "答案是什么?"}}, nil)
	if err != nil {
		t.Fatalf("未预期的错误: %v", err)
	}
	if text != "四十二" {
		t.Errorf("期望 '四十二', 实际 %q", text)
	}
}

func TestChatMessages_RetryThenSucceed(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{"choices":[{"message":{"content":"ok"}}]}`)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, 2)
	text, err := c.ChatMessages(context.Background(), []Message{{Role: "user", Content: "q"}}, nil)
	if err != nil {
		t.Fatalf("重试后应成功: %v", err)
	}
	if text != "ok" || atomic.LoadInt32(&calls) != 2 {
		t.Errorf("期望第 2 次成功, text=%q calls=%d", text, calls)
	}
}

func TestChatMessages_ExhaustionReturnsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, 2)
	_, err := c.ChatMessages(context.Background(), []Message{{Role: "user", Content: "q"}}, nil)
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("重试耗尽应返回 ErrUnavailable, 实际: %v", err)
	}
}

// captureWriter 收集写出的流式分块。
type captureWriter struct {
	chunks []string
}

func (c *captureWriter) WriteMessage(_ int, data []byte) error {
	c.chunks = append(c.chunks, string(data))
	return nil
}

func TestStreamChatMessages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Hello\"}}]}\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\" world\"}}]}\n")
		fmt.Fprint(w, "data: [DONE]\n")
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, 2)
	var w captureWriter
	if err := c.StreamChatMessages(context.Background(), []Message{{Role: "user", Content: "q"}}, nil, &w); err != nil {
		t.Fatalf("未预期的错误: %v", err)
	}
	if got := strings.Join(w.chunks, ""); got != "Hello world" {
		t.Errorf("流式拼接结果不符: %q", got)
	}
}

func TestNewClient_ProviderDefaults(t *testing.T) {
	openai := NewClient(config.LLMConfig{Provider: "openai"}).(*chatClient)
	if !strings.Contains(openai.cfg.BaseURL, "openai.com") {
		t.Errorf("openai provider 默认地址不符: %s", openai.cfg.BaseURL)
	}
	deepseek := NewClient(config.LLMConfig{Provider: "deepseek"}).(*chatClient)
	if !strings.Contains(deepseek.cfg.BaseURL, "deepseek.com") {
		t.Errorf("deepseek provider 默认地址不符: %s", deepseek.cfg.BaseURL)
	}
	custom := NewClient(config.LLMConfig{Provider: "deepseek", BaseURL: "http://localhost:8000/v1"}).(*chatClient)
	if custom.cfg.BaseURL != "http://localhost:8000/v1" {
		t.Errorf("显式 BaseURL 应优先于 provider 默认值: %s", custom.cfg.BaseURL)
	}
}
