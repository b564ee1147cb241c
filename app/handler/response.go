package handler

import (
	"errors"
	"hanbok-fusion/app/model"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// errorStatus 把错误分类映射为 HTTP 状态码
func errorStatus(err error) int {
	switch {
	case errors.Is(err, model.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, model.ErrTooManyStreams):
		return http.StatusServiceUnavailable
	case errors.Is(err, model.ErrUpstream):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// errorMessage 对客户端可见的错误信息，内部错误不暴露细节
func errorMessage(err error) string {
	switch {
	case errors.Is(err, model.ErrInvalidInput):
		msg := err.Error()
		if _, detail, ok := strings.Cut(msg, ": "); ok && detail != "" {
			return detail
		}
		return msg
	case errors.Is(err, model.ErrNotFound):
		return "Task not found"
	case errors.Is(err, model.ErrUnauthorized):
		return "Unauthorized"
	case errors.Is(err, model.ErrTooManyStreams):
		return "Too many open status streams"
	case errors.Is(err, model.ErrStorage):
		return "Failed to store image"
	default:
		return "Internal server error"
	}
}

// respondError 统一的错误响应 {"error": msg}
func respondError(c *gin.Context, err error) {
	c.JSON(errorStatus(err), gin.H{"error": errorMessage(err)})
}

// respondNotFound 任务不存在时附带 task_id，兼容旧客户端
func respondNotFound(c *gin.Context, taskID string) {
	c.JSON(http.StatusNotFound, gin.H{
		"error":   "Task not found",
		"task_id": taskID,
		"status":  "not_found",
	})
}
