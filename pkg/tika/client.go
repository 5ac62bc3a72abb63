// Package tika 提供了一个与 Apache Tika 服务器交互的客户端。
package tika

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strings"

	"doc-qa-go/internal/config"
	"doc-qa-go/pkg/chunker"
)

// ErrExtractionFailed 表示文档无法被抽取（损坏或不支持的格式）。
// 这是文档级的致命错误，管道不会在本层重试。
var ErrExtractionFailed = errors.New("文档文本抽取失败")

// Client 是 Tika 服务器的客户端。
type Client struct {
	serverURL  string
	httpClient *http.Client
}

// NewClient 创建一个新的 Tika 客户端实例。
func NewClient(cfg config.TikaConfig) *Client {
	return &Client{serverURL: cfg.ServerURL, httpClient: http.DefaultClient}
}

// ExtractText 自动根据文件后缀推断 MIME 类型，调用 Tika 抽取文本，
// 并按 Tika 输出的换页符（\f）切出页边界。
// 没有换页符的文档返回单页，页码为 0（表示无页码信息）。
func (c *Client) ExtractText(fileReader io.Reader, fileName string) ([]chunker.Page, error) {
	contentType := detectMimeType(fileName)

	req, err := http.NewRequest("PUT", c.serverURL+"/tika", fileReader)
	if err != nil {
		return nil, fmt.Errorf("创建请求失败: %w", err)
	}

	req.Header.Set("Accept", "text/plain")
	req.Header.Set("Content-Type", contentType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: 调用 Tika 失败: %v", ErrExtractionFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("%w: Tika 返回 [%d]: %s", ErrExtractionFailed, resp.StatusCode, string(body))
	}

	buf := new(bytes.Buffer)
	if _, err := io.Copy(buf, resp.Body); err != nil {
		return nil, fmt.Errorf("%w: 读取 Tika 响应失败: %v", ErrExtractionFailed, err)
	}

	return splitPages(buf.String()), nil
}

// splitPages 按换页符划分页，剔除空白页。
func splitPages(text string) []chunker.Page {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if !strings.ContainsRune(text, '\f') {
		return []chunker.Page{{Number: 0, Text: text}}
	}
	var pages []chunker.Page
	for i, seg := range strings.Split(text, "\f") {
		if strings.TrimSpace(seg) == "" {
			continue
		}
		pages = append(pages, chunker.Page{Number: i + 1, Text: seg})
	}
	return pages
}

// detectMimeType 根据文件扩展名判断 Content-Type
func detectMimeType(fileName string) string {
	ext := filepath.Ext(fileName)
	if ext == "" {
		return "application/octet-stream"
	}
	mimeType := mime.TypeByExtension(ext)
	if mimeType == "" {
		// fallback 默认
		return "application/octet-stream"
	}
	return mimeType
}
