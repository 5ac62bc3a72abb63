// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"doc-qa-go/internal/service"
	"doc-qa-go/pkg/log"
)

// DocumentHandler 负责文档上传与生命周期管理的 HTTP 入口。
type DocumentHandler struct {
	documentService service.DocumentService
}

// NewDocumentHandler 创建一个新的 DocumentHandler 实例。
func NewDocumentHandler(documentService service.DocumentService) *DocumentHandler {
	return &DocumentHandler{documentService: documentService}
}

// Upload 受理 multipart 文档上传，返回 pending 状态的文档记录。
func (h *DocumentHandler) Upload(c *gin.Context) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "缺少 file 字段"})
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		log.Errorf("[DocumentHandler] 打开上传文件失败: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "读取上传文件失败"})
		return
	}
	defer file.Close()

	metadata := make(map[string]string)
	for key, values := range c.Request.PostForm {
		if key != "file" && len(values) > 0 {
			metadata[key] = values[0]
		}
	}

	contentType := fileHeader.Header.Get("Content-Type")
	doc, err := h.documentService.Upload(c.Request.Context(), fileHeader.Filename, file, fileHeader.Size, contentType, metadata)
	if err != nil {
		log.Errorf("[DocumentHandler] 上传受理失败, FileName: %s, Error: %v", fileHeader.Filename, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "上传受理失败"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"code": http.StatusAccepted, "data": doc, "message": "success"})
}

// List 分页列出文档及其处理状态。
func (h *DocumentHandler) List(c *gin.Context) {
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))

	docs, total, err := h.documentService.List(offset, limit)
	if err != nil {
		log.Errorf("[DocumentHandler] 查询文档列表失败: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "查询文档列表失败"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"data":    gin.H{"items": docs, "total": total},
		"message": "success",
	})
}

// Get 查询单个文档的处理状态。
func (h *DocumentHandler) Get(c *gin.Context) {
	documentID := c.Param("documentId")
	doc, err := h.documentService.Get(documentID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "文档不存在"})
			return
		}
		log.Errorf("[DocumentHandler] 查询文档失败, DocumentID: %s, Error: %v", documentID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "查询文档失败"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "data": doc, "message": "success"})
}

// Delete 级联删除文档及其分片与原始文件。
func (h *DocumentHandler) Delete(c *gin.Context) {
	documentID := c.Param("documentId")
	if err := h.documentService.Delete(c.Request.Context(), documentID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "文档不存在"})
			return
		}
		log.Errorf("[DocumentHandler] 删除文档失败, DocumentID: %s, Error: %v", documentID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "删除文档失败"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "data": nil, "message": "success"})
}
