package service

import (
	"context"
	"errors"
	"hanbok-fusion/app/logger"
	"hanbok-fusion/app/metrics"
	"hanbok-fusion/app/model"
	"strings"
)

// WebhookPayload 推理服务回调的请求体
type WebhookPayload struct {
	TaskID       string `json:"task_id"`
	Status       string `json:"status"`
	ResultURL    string `json:"result_url"`
	ImageURL     string `json:"image_url"`
	ErrorMessage string `json:"error_message"`
	Error        string `json:"error"`
}

func (p *WebhookPayload) resultURL() string {
	if p.ResultURL != "" {
		return p.ResultURL
	}
	return p.ImageURL
}

func (p *WebhookPayload) errorMessage() string {
	if p.ErrorMessage != "" {
		return p.ErrorMessage
	}
	if p.Error != "" {
		return p.Error
	}
	return "inference failed"
}

// WebhookOutcome 回调的处理结果，只用于日志和指标
type WebhookOutcome string

const (
	WebhookApplied     WebhookOutcome = "applied"
	WebhookIgnored     WebhookOutcome = "ignored"
	WebhookUnknownTask WebhookOutcome = "unknown_task"
	WebhookTerminal    WebhookOutcome = "terminal"
	WebhookStoreError  WebhookOutcome = "store_error"
)

// WebhookService 处理推理服务的完成/失败回调
type WebhookService struct {
	store   *TaskStore
	log     *logger.Logger
	metrics *metrics.Metrics
}

// NewWebhookService 创建回调处理服务
func NewWebhookService(store *TaskStore, log *logger.Logger, m *metrics.Metrics) *WebhookService {
	return &WebhookService{
		store:   store,
		log:     log,
		metrics: m,
	}
}

// Handle 应用一次回调。未知任务或已终态任务只记录日志，调用方始终应答成功
func (s *WebhookService) Handle(ctx context.Context, payload WebhookPayload) WebhookOutcome {
	outcome := s.apply(ctx, payload)
	s.metrics.WebhookTotal.WithLabelValues(string(outcome)).Inc()
	return outcome
}

func (s *WebhookService) apply(ctx context.Context, payload WebhookPayload) WebhookOutcome {
	if payload.TaskID == "" {
		s.log.Warnf("收到缺少 task_id 的回调: status=%s", payload.Status)
		return WebhookIgnored
	}

	status, opts, ok := s.translate(payload)
	if !ok {
		s.log.Infof("回调状态无需处理: TaskID=%s, status=%s", payload.TaskID, payload.Status)
		return WebhookIgnored
	}

	task, err := s.store.Lookup(ctx, payload.TaskID)
	if errors.Is(err, model.ErrNotFound) {
		s.log.Warnf("收到未知任务的回调: TaskID=%s, status=%s", payload.TaskID, payload.Status)
		return WebhookUnknownTask
	}
	if err != nil {
		s.log.Errorf("查询回调任务失败: TaskID=%s, 错误: %v", payload.TaskID, err)
		return WebhookStoreError
	}
	if task.Status.IsTerminal() {
		s.log.Warnf("任务已处于终态，忽略回调: TaskID=%s, 当前状态=%s, 回调状态=%s", task.ID, task.Status, payload.Status)
		return WebhookTerminal
	}

	err = s.store.UpdateStatus(ctx, task.ID, status, opts)
	switch {
	case err == nil:
		s.log.Infof("回调已应用: TaskID=%s, status=%s", task.ID, status)
		return WebhookApplied
	case errors.Is(err, model.ErrInvalidTransition):
		s.log.Warnf("任务已处于终态，忽略回调: TaskID=%s, 回调状态=%s", task.ID, payload.Status)
		return WebhookTerminal
	case errors.Is(err, model.ErrNotFound):
		s.log.Warnf("任务已失效，忽略回调: TaskID=%s", task.ID)
		return WebhookUnknownTask
	default:
		s.log.Errorf("应用回调失败: TaskID=%s, 错误: %v", task.ID, err)
		return WebhookStoreError
	}
}

// translate 把回调里的状态映射为任务状态，返回 false 表示进度类通知等无需处理的回调
func (s *WebhookService) translate(payload WebhookPayload) (model.TaskStatus, UpdateOptions, bool) {
	switch strings.ToLower(strings.TrimSpace(payload.Status)) {
	case "completed", "success", "succeeded":
		if payload.resultURL() == "" {
			return model.TaskStatusError, UpdateOptions{ErrorMessage: "webhook reported completion without result url"}, true
		}
		return model.TaskStatusCompleted, UpdateOptions{ResultURL: payload.resultURL()}, true
	case "failed":
		return model.TaskStatusFailed, UpdateOptions{ErrorMessage: payload.errorMessage()}, true
	case "error":
		return model.TaskStatusError, UpdateOptions{ErrorMessage: payload.errorMessage()}, true
	default:
		return "", UpdateOptions{}, false
	}
}
