package handler

import (
	"crypto/subtle"
	"hanbok-fusion/app/logger"
	"hanbok-fusion/app/service"
	"net/http"

	"github.com/gin-gonic/gin"
)

// WebhookHandler 处理推理服务的回调
type WebhookHandler struct {
	logger  *logger.Logger
	secret  string
	service *service.WebhookService
}

// NewWebhookHandler 创建回调处理器，secret 为空时不校验 X-Webhook-Secret
func NewWebhookHandler(log *logger.Logger, secret string, svc *service.WebhookService) *WebhookHandler {
	return &WebhookHandler{
		logger:  log,
		secret:  secret,
		service: svc,
	}
}

// HanbokWebhook 推理完成或失败的回调。
// 除了密钥不匹配之外始终返回 {"ok": true}，避免推理服务反复重试。
func (h *WebhookHandler) HanbokWebhook(c *gin.Context) {
	if h.secret != "" {
		got := c.GetHeader("X-Webhook-Secret")
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.secret)) != 1 {
			h.logger.Warnf("回调密钥不匹配: client=%s", c.ClientIP())
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}
	}

	var payload service.WebhookPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		h.logger.Warnf("解析回调请求体失败: %v", err)
	}
	if taskID := c.Query("task_id"); taskID != "" {
		payload.TaskID = taskID
	}

	outcome := h.service.Handle(c.Request.Context(), payload)
	h.logger.Debugf("回调处理完成: TaskID=%s, outcome=%s", payload.TaskID, outcome)

	c.JSON(http.StatusOK, gin.H{"ok": true})
}
