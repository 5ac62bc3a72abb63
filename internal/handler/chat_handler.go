package handler

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"doc-qa-go/internal/service"
	"doc-qa-go/pkg/log"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // 允许所有来源
	},
}

// ChatHandler 负责处理问答请求：WebSocket 流式与阻塞式 HTTP 两个入口。
type ChatHandler struct {
	chatService service.ChatService
}

// NewChatHandler 创建一个新的 ChatHandler。
func NewChatHandler(chatService service.ChatService) *ChatHandler {
	return &ChatHandler{chatService: chatService}
}

// askRequest 是一次提问的载荷。conversationId 为空时由服务端生成。
type askRequest struct {
	Type           string `json:"type"`
	Question       string `json:"question"`
	ConversationID string `json:"conversationId"`
	DocumentID     string `json:"documentId"`
}

// Answer 处理阻塞式问答请求。
func (h *ChatHandler) Answer(c *gin.Context) {
	var req askRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Question == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "无效的请求体"})
		return
	}
	if req.ConversationID == "" {
		req.ConversationID = uuid.NewString()
	}

	answer, err := h.chatService.Answer(c.Request.Context(), req.ConversationID, req.Question, req.DocumentID)
	if err != nil {
		log.Errorf("[ChatHandler] 问答失败, ConversationID: %s, Error: %v", req.ConversationID, err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "生成答案失败"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"data":    gin.H{"conversationId": req.ConversationID, "answer": answer},
		"message": "success",
	})
}

// Handle 处理一个传入的 WebSocket 连接，逐条消息做流式问答。
func (h *ChatHandler) Handle(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error("WebSocket 升级失败", err)
		return
	}
	defer conn.Close()

	conversationID := c.Query("conversationId")
	if conversationID == "" {
		conversationID = uuid.NewString()
	}
	log.Infof("WebSocket 连接已建立, ConversationID: %s", conversationID)

	// 每连接一个停止标志，收到 stop 指令后丢弃后续分块
	var stopped atomic.Bool

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			log.Warnf("从 WebSocket 读取消息失败: %v", err)
			break
		}

		var req askRequest
		if err := json.Unmarshal(message, &req); err != nil {
			writeWsError(conn, "无效的消息格式")
			continue
		}

		if req.Type == "stop" {
			stopped.Store(true)
			resp := map[string]interface{}{
				"type":      "stop",
				"message":   "响应已停止",
				"timestamp": time.Now().UnixMilli(),
			}
			b, _ := json.Marshal(resp)
			_ = conn.WriteMessage(websocket.TextMessage, b)
			continue
		}
		if req.Question == "" {
			writeWsError(conn, "question 不能为空")
			continue
		}
		if req.ConversationID != "" {
			conversationID = req.ConversationID
		}

		stopped.Store(false)
		_, err = h.chatService.StreamAnswer(c.Request.Context(), conversationID, req.Question, req.DocumentID, conn, stopped.Load)
		if err != nil {
			log.Errorf("[ChatHandler] 流式问答失败, ConversationID: %s, Error: %v", conversationID, err)
			writeWsError(conn, "生成答案失败")
		}
	}
}

func writeWsError(conn *websocket.Conn, message string) {
	payload := map[string]string{"type": "error", "message": message}
	b, _ := json.Marshal(payload)
	_ = conn.WriteMessage(websocket.TextMessage, b)
}
