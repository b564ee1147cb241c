package handler

import (
	"errors"
	"hanbok-fusion/app/logger"
	"hanbok-fusion/app/middleware"
	"hanbok-fusion/app/model"
	"hanbok-fusion/app/service"
	"hanbok-fusion/app/utils/ssehelper"
	"net/http"

	"github.com/gin-gonic/gin"
)

// TaskHandler 生成任务和状态查询
type TaskHandler struct {
	logger     *logger.Logger
	dispatcher *service.Dispatcher
	status     *service.StatusService
}

// NewTaskHandler 创建任务处理器
func NewTaskHandler(log *logger.Logger, dispatcher *service.Dispatcher, status *service.StatusService) *TaskHandler {
	return &TaskHandler{
		logger:     log,
		dispatcher: dispatcher,
		status:     status,
	}
}

// GenerateRequest 生成请求，兼容旧字段名
type GenerateRequest struct {
	SourceReference string `json:"source_reference"`
	TargetReference string `json:"target_reference"`
	SourceImageURL  string `json:"sourceImageUrl"`
	TargetImageURL  string `json:"targetImageUrl"`
}

func (r *GenerateRequest) source() string {
	if r.SourceReference != "" {
		return r.SourceReference
	}
	return r.SourceImageURL
}

func (r *GenerateRequest) target() string {
	if r.TargetReference != "" {
		return r.TargetReference
	}
	return r.TargetImageURL
}

// Generate 创建生成任务，推理请求在后台进行
func (h *TaskHandler) Generate(c *gin.Context) {
	var req GenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	userID := middleware.CurrentUserID(c)
	result, err := h.dispatcher.CreateTask(c.Request.Context(), userID, req.source(), req.target())
	if err != nil {
		if !errors.Is(err, model.ErrInvalidInput) {
			h.logger.Errorf("创建生成任务失败: user=%s, 错误: %v", userID, err)
		}
		respondError(c, err)
		return
	}

	if result.Cached {
		c.JSON(http.StatusOK, gin.H{
			"success":   true,
			"task_id":   result.Task.ID,
			"cached":    true,
			"status":    model.TaskStatusCompleted,
			"image_url": result.Task.ResultURL,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"task_id": result.Task.ID,
		"message": "Hanbok image generation request has been submitted successfully",
		"status":  result.Task.Status,
	})
}

type checkStatusRequest struct {
	TaskID string `json:"task_id" form:"task_id"`
}

// CheckStatus 查询任务状态，GET 使用查询参数，POST 使用请求体
func (h *TaskHandler) CheckStatus(c *gin.Context) {
	var req checkStatusRequest
	if c.Request.Method == http.MethodPost {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}
	} else {
		req.TaskID = c.Query("task_id")
	}

	if req.TaskID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "task_id is required"})
		return
	}

	record, err := h.status.Poll(c.Request.Context(), req.TaskID, middleware.CurrentUserID(c))
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			respondNotFound(c, req.TaskID)
			return
		}
		h.logger.Errorf("查询任务状态失败: TaskID=%s, 错误: %v", req.TaskID, err)
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, record)
}

// CheckStatusSSE 以 SSE 推送任务状态，进入终态后关闭连接
func (h *TaskHandler) CheckStatusSSE(c *gin.Context) {
	taskID := c.Query("task_id")
	if taskID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "task_id is required"})
		return
	}

	stream, err := h.status.OpenStream(c.Request.Context(), taskID, middleware.CurrentUserID(c))
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			respondNotFound(c, taskID)
			return
		}
		if errors.Is(err, model.ErrTooManyStreams) {
			h.logger.Warnf("SSE 连接数已达上限，拒绝连接: TaskID=%s", taskID)
		} else {
			h.logger.Errorf("打开 SSE 连接失败: TaskID=%s, 错误: %v", taskID, err)
		}
		respondError(c, err)
		return
	}

	ssehelper.SetHeaders(c.Writer.Header())
	c.Status(http.StatusOK)
	c.Writer.Flush()

	if err := stream.Run(c.Request.Context(), &sseSink{c: c}); err != nil {
		h.logger.Debugf("SSE 连接异常结束: TaskID=%s, 错误: %v", taskID, err)
	}
}

// sseSink 把事件写到 gin 的响应流
type sseSink struct {
	c *gin.Context
}

func (s *sseSink) Event(record *model.TaskStatusRecord) error {
	if err := ssehelper.WriteData(s.c.Writer, record); err != nil {
		return err
	}
	s.c.Writer.Flush()
	return nil
}

func (s *sseSink) Comment(text string) error {
	if err := ssehelper.WriteComment(s.c.Writer, text); err != nil {
		return err
	}
	s.c.Writer.Flush()
	return nil
}
