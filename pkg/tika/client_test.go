package tika

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"doc-qa-go/internal/config"
)

func newTestClient(handler http.HandlerFunc) (*Client, *httptest.Server) {
	srv := httptest.NewServer(handler)
	return NewClient(config.TikaConfig{ServerURL: srv.URL}), srv
}

func TestExtractText_PagedOutput(t *testing.T) {
	c, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("期望 PUT 请求, 实际 %s", r.Method)
		}
		_, _ = w.Write([]byte("page one text\fpage two text\f\f  \fpage five text"))
	})
	defer srv.Close()

	pages, err := c.ExtractText(strings.NewReader("%PDF-1.4 ..."), "report.pdf")
	if err != nil {
		t.Fatalf("未预期的错误: %v", err)
	}
	if len(pages) != 3 {
		t.Fatalf("空白页应被剔除, 期望 3 页, 实际 %d", len(pages))
	}
	if pages[0].Number != 1 || pages[1].Number != 2 {
		t.Errorf("页码应保持原始位置: %d, %d", pages[0].Number, pages[1].Number)
	}
	if pages[2].Number != 5 {
		t.Errorf("空白页被剔除后原页号应保留, 期望 5, 实际 %d", pages[2].Number)
	}
	if !strings.Contains(pages[1].Text, "page two") {
		t.Errorf("第 2 页内容不符: %q", pages[1].Text)
	}
}

func TestExtractText_PlainTextSinglePage(t *testing.T) {
	c, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("no form feeds here"))
	})
	defer srv.Close()

	pages, err := c.ExtractText(strings.NewReader("hello"), "notes.txt")
	if err != nil {
		t.Fatalf("未预期的错误: %v", err)
	}
	if len(pages) != 1 || pages[0].Number != 0 {
		t.Fatalf("无换页符的文本应返回单页且页码为 0, 实际 %+v", pages)
	}
}

func TestExtractText_CorruptDocument(t *testing.T) {
	c, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Unsupported Media Type", http.StatusUnprocessableEntity)
	})
	defer srv.Close()

	_, err := c.ExtractText(strings.NewReader("\x00\x01garbage"), "broken.pdf")
	if err == nil {
		t.Fatal("损坏文档应返回错误")
	}
	if !errors.Is(err, ErrExtractionFailed) {
		t.Errorf("错误应可被识别为 ErrExtractionFailed, 实际: %v", err)
	}
}
