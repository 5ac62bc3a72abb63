// Package service 包含了应用的业务逻辑层。
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"doc-qa-go/internal/config"
	"doc-qa-go/internal/model"
	"doc-qa-go/internal/repository"
	"doc-qa-go/pkg/llm"
	"doc-qa-go/pkg/log"
)

// ChatService 定义了基于检索增强的问答操作。
type ChatService interface {
	// Answer 阻塞式问答，返回答案文本与实际参考的分片。
	Answer(ctx context.Context, conversationID, question, documentID string) (*model.Answer, error)
	// StreamAnswer 把答案分块写入 websocket，返回实际参考的分片。
	StreamAnswer(ctx context.Context, conversationID, question, documentID string, ws *websocket.Conn, shouldStop func() bool) ([]model.RetrievalResult, error)
}

type chatService struct {
	searchService    SearchService
	llmClient        llm.Client
	conversationRepo repository.ConversationRepository
	topK             int
	promptCfg        config.LLMPromptConfig
	genCfg           config.LLMGenerationConfig
}

// NewChatService 创建一个新的 ChatService 实例。
func NewChatService(searchService SearchService, llmClient llm.Client, conversationRepo repository.ConversationRepository, topK int, llmCfg config.LLMConfig) ChatService {
	return &chatService{
		searchService:    searchService,
		llmClient:        llmClient,
		conversationRepo: conversationRepo,
		topK:             topK,
		promptCfg:        llmCfg.Prompt,
		genCfg:           llmCfg.Generation,
	}
}

// Answer 协调完整的 RAG 流程：检索、拼装提示词、调用生成模型、落历史。
// 检索无命中时仍然作答（提示词里声明没有参考内容）；生成失败时
// 用户的问题照样写入历史，便于调用方带着上下文重试。
func (s *chatService) Answer(ctx context.Context, conversationID, question, documentID string) (*model.Answer, error) {
	results, messages, err := s.prepare(ctx, conversationID, question, documentID)
	if err != nil {
		return nil, err
	}

	text, err := s.llmClient.ChatMessages(ctx, messages, buildGenerationParams(s.genCfg))
	if err != nil {
		s.saveTurns(conversationID, question, "")
		return nil, fmt.Errorf("生成答案失败: %w", err)
	}

	s.saveTurns(conversationID, question, text)
	return &model.Answer{Text: text, SourceFragments: results}, nil
}

// StreamAnswer 与 Answer 同流程，但答案分块经 websocket 下发。
func (s *chatService) StreamAnswer(ctx context.Context, conversationID, question, documentID string, ws *websocket.Conn, shouldStop func() bool) ([]model.RetrievalResult, error) {
	results, messages, err := s.prepare(ctx, conversationID, question, documentID)
	if err != nil {
		return nil, err
	}

	answerBuilder := &strings.Builder{}
	interceptor := &wsWriterInterceptor{conn: ws, writer: answerBuilder, shouldStop: shouldStop}

	if err := s.llmClient.StreamChatMessages(ctx, messages, buildGenerationParams(s.genCfg), interceptor); err != nil {
		s.saveTurns(conversationID, question, answerBuilder.String())
		return nil, fmt.Errorf("生成答案失败: %w", err)
	}

	sendCompletion(ws, results)
	s.saveTurns(conversationID, question, answerBuilder.String())
	return results, nil
}

// prepare 执行检索并组装发给生成模型的消息序列。
func (s *chatService) prepare(ctx context.Context, conversationID, question, documentID string) ([]model.RetrievalResult, []llm.Message, error) {
	results, err := s.searchService.Retrieve(ctx, question, s.topK, documentID)
	if err != nil {
		return nil, nil, fmt.Errorf("检索上下文失败: %w", err)
	}

	history, err := s.conversationRepo.GetHistory(ctx, conversationID)
	if err != nil {
		log.Errorf("加载对话历史失败: %v", err)
		history = []model.ChatMessage{}
	}

	systemMsg := buildSystemMessage(s.promptCfg, buildContextText(results))
	messages := make([]llm.Message, 0, len(history)+2)
	messages = append(messages, llm.Message{Role: "system", Content: systemMsg})
	for _, m := range history {
		messages = append(messages, llm.Message{Role: m.Role, Content: m.Content})
	}
	messages = append(messages, llm.Message{Role: "user", Content: question})
	return results, messages, nil
}

// saveTurns 把问答两条消息写入历史。answer 为空时只记录问题，
// 保证生成失败后上下文不丢。使用后台上下文，请求取消不影响落历史。
func (s *chatService) saveTurns(conversationID, question, answer string) {
	turns := []model.ChatMessage{
		{Role: "user", Content: question, Timestamp: time.Now()},
	}
	if answer != "" {
		turns = append(turns, model.ChatMessage{Role: "assistant", Content: answer, Timestamp: time.Now()})
	}
	if err := s.conversationRepo.AppendMessages(context.Background(), conversationID, turns...); err != nil {
		log.Errorf("保存对话历史失败: %v", err)
	}
}

// buildContextText 把检索结果渲染为带出处的紧凑上下文。
func buildContextText(results []model.RetrievalResult) string {
	if len(results) == 0 {
		return ""
	}
	var contextBuilder strings.Builder
	for i, r := range results {
		label := r.DocumentName
		if label == "" {
			label = r.DocumentID
		}
		if len(r.Pages) > 0 {
			pageParts := make([]string, len(r.Pages))
			for j, p := range r.Pages {
				pageParts[j] = fmt.Sprintf("%d", p)
			}
			label = fmt.Sprintf("%s, 第%s页", label, strings.Join(pageParts, ","))
		}
		contextBuilder.WriteString(fmt.Sprintf("[%d] (%s) %s\n", i+1, label, r.TextContent))
	}
	return contextBuilder.String()
}

// buildSystemMessage 按配置的规则与包裹符组装 system 消息。
func buildSystemMessage(prompt config.LLMPromptConfig, contextText string) string {
	refStart := prompt.RefStart
	if refStart == "" {
		refStart = "<<REF>>"
	}
	refEnd := prompt.RefEnd
	if refEnd == "" {
		refEnd = "<<END>>"
	}

	var sys strings.Builder
	if prompt.Rules != "" {
		sys.WriteString(prompt.Rules)
		sys.WriteString("\n\n")
	}
	sys.WriteString(refStart)
	sys.WriteString("\n")
	if contextText != "" {
		sys.WriteString(contextText)
	} else {
		noRes := prompt.NoResultText
		if noRes == "" {
			noRes = "（本轮无检索结果，请基于通用知识作答并明确说明没有参考内容）"
		}
		sys.WriteString(noRes)
		sys.WriteString("\n")
	}
	sys.WriteString(refEnd)
	return sys.String()
}

func buildGenerationParams(gen config.LLMGenerationConfig) *llm.GenerationParams {
	var gp llm.GenerationParams
	if gen.Temperature != 0 {
		t := gen.Temperature
		gp.Temperature = &t
	}
	if gen.TopP != 0 {
		p := gen.TopP
		gp.TopP = &p
	}
	if gen.MaxTokens != 0 {
		m := gen.MaxTokens
		gp.MaxTokens = &m
	}
	if gp.Temperature == nil && gp.TopP == nil && gp.MaxTokens == nil {
		return nil
	}
	return &gp
}

// wsWriterInterceptor 是对 websocket.Conn 的封装，用于捕获写入的消息。
type wsWriterInterceptor struct {
	conn       *websocket.Conn
	writer     *strings.Builder
	shouldStop func() bool
}

// WriteMessage 满足 llm.MessageWriter 接口。
func (w *wsWriterInterceptor) WriteMessage(messageType int, data []byte) error {
	if w.shouldStop != nil && w.shouldStop() {
		// 停止标志生效：跳过下发
		return nil
	}
	w.writer.Write(data)
	// 将原始分块包装成 {"chunk":"..."}
	payload := map[string]string{"chunk": string(data)}
	b, _ := json.Marshal(payload)
	return w.conn.WriteMessage(messageType, b)
}

// sendCompletion 发送完成通知，附带本轮实际参考的分片。
func sendCompletion(ws *websocket.Conn, results []model.RetrievalResult) {
	notif := map[string]interface{}{
		"type":            "completion",
		"status":          "finished",
		"sourceFragments": results,
		"timestamp":       time.Now().UnixMilli(),
	}
	b, _ := json.Marshal(notif)
	_ = ws.WriteMessage(websocket.TextMessage, b)
}
