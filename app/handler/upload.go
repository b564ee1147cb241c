package handler

import (
	"errors"
	"hanbok-fusion/app/logger"
	"hanbok-fusion/app/middleware"
	"hanbok-fusion/app/model"
	"hanbok-fusion/app/service"
	"net/http"

	"github.com/gin-gonic/gin"
)

// UploadHandler 用户照片上传
type UploadHandler struct {
	logger  *logger.Logger
	service *service.UploadService
}

// NewUploadHandler 创建上传处理器
func NewUploadHandler(log *logger.Logger, svc *service.UploadService) *UploadHandler {
	return &UploadHandler{
		logger:  log,
		service: svc,
	}
}

// UploadRequest 上传请求，图片以 base64 编码
type UploadRequest struct {
	File struct {
		Base64      string `json:"base64"`
		ContentType string `json:"contentType"`
	} `json:"file"`
}

// UploadUserImage 上传用户照片并返回签名链接
func (h *UploadHandler) UploadUserImage(c *gin.Context) {
	var req UploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	if req.File.Base64 == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No file provided"})
		return
	}

	image, err := h.service.Upload(c.Request.Context(), middleware.CurrentUserID(c), req.File.Base64, req.File.ContentType)
	if err != nil {
		if !errors.Is(err, model.ErrInvalidInput) {
			h.logger.Errorf("上传用户照片失败: %v", err)
		}
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"image":   image,
	})
}
