package inferencehelper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hanbok-fusion/app/model"
	"strings"
	"time"

	"resty.dev/v3"
)

// Request 推理请求体
type Request struct {
	SourcePath string `json:"source_path"`
	TargetPath string `json:"target_path"`
	WebhookURL string `json:"webhook_url"`
	TaskID     string `json:"task_id"`
}

// Ack 推理服务的即时应答，真正的结果通过 webhook 回调
type Ack struct {
	JobID  string `json:"job_id"`
	TaskID string `json:"task_id"`
}

// RemoteID 推理服务自己的任务ID，旧版本服务用 task_id 字段返回
func (a *Ack) RemoteID() string {
	if a == nil {
		return ""
	}
	if a.JobID != "" {
		return a.JobID
	}
	return a.TaskID
}

// ErrInvalidAck 推理服务返回了 2xx，但应答不是 JSON 对象
var ErrInvalidAck = errors.New("invalid inference response")

// UpstreamError 推理服务返回了非 2xx 响应
type UpstreamError struct {
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("推理服务返回错误，状态码: %d, 响应: %s", e.StatusCode, e.Body)
}

func (e *UpstreamError) Unwrap() error {
	return model.ErrUpstream
}

// Client 推理服务客户端
type Client struct {
	client *resty.Client
	path   string
}

// New 创建推理服务客户端
func New(baseURL, path string, timeout time.Duration) *Client {
	client := resty.New()
	client.SetBaseURL(baseURL)
	client.SetTimeout(timeout)
	client.SetHeader("Content-Type", "application/json")

	return &Client{
		client: client,
		path:   path,
	}
}

// Submit 提交一次推理任务。
// 传输层错误原样返回，2xx 但无法解析为 JSON 对象的应答返回 ErrInvalidAck。
func (c *Client) Submit(ctx context.Context, req Request) (*Ack, error) {
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(req).
		Post(c.path)

	if err != nil {
		return nil, err
	}

	if !resp.IsSuccess() {
		return nil, &UpstreamError{StatusCode: resp.StatusCode(), Body: resp.String()}
	}

	// resty 只在响应声明为 JSON 时才解码 SetResult，这里不看 Content-Type 一律按 JSON 解析
	body := strings.TrimSpace(resp.String())
	if !strings.HasPrefix(body, "{") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAck, body)
	}
	var ack Ack
	if err := json.Unmarshal([]byte(body), &ack); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidAck, err)
	}

	return &ack, nil
}

// Close 释放底层连接
func (c *Client) Close() error {
	return c.client.Close()
}
