package service

import (
	"context"
	"errors"
	"fmt"
	"hanbok-fusion/app/logger"
	"hanbok-fusion/app/metrics"
	"hanbok-fusion/app/model"
	"hanbok-fusion/app/utils/inferencehelper"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/sony/gobreaker/v2"
)

// InferenceClient 远程推理服务
type InferenceClient interface {
	Submit(ctx context.Context, req inferencehelper.Request) (*inferencehelper.Ack, error)
}

// DispatcherConfig 派发配置
type DispatcherConfig struct {
	WebhookURL      string        // 回调地址，会追加 task_id 查询参数
	Timeout         time.Duration // 单次推理请求超时
	CacheTTL        time.Duration // 已完成结果的内存缓存时间
	BreakerFailures uint32        // 连续失败多少次后熔断
	BreakerCooldown time.Duration // 熔断持续时间
}

// CreateResult 创建任务的结果
type CreateResult struct {
	Task   *model.HanbokTask
	Cached bool
}

// Dispatcher 创建任务并在后台把任务交给推理服务
type Dispatcher struct {
	store   *TaskStore
	client  InferenceClient
	cfg     DispatcherConfig
	log     *logger.Logger
	metrics *metrics.Metrics
	results *cache.Cache
	breaker *gobreaker.CircuitBreaker[*inferencehelper.Ack]
	wg      sync.WaitGroup
}

// NewDispatcher 创建派发器
func NewDispatcher(store *TaskStore, client InferenceClient, cfg DispatcherConfig, log *logger.Logger, m *metrics.Metrics) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Hour
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 30 * time.Second
	}

	failures := cfg.BreakerFailures
	breaker := gobreaker.NewCircuitBreaker[*inferencehelper.Ack](gobreaker.Settings{
		Name:        "inference",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warnf("推理服务熔断状态变化: %s -> %s", from, to)
		},
	})

	return &Dispatcher{
		store:   store,
		client:  client,
		cfg:     cfg,
		log:     log,
		metrics: m,
		results: cache.New(cfg.CacheTTL, 10*time.Minute),
		breaker: breaker,
	}
}

// CreateTask 命中缓存时直接返回已有结果，否则创建任务并立即返回，推理请求在后台进行
func (d *Dispatcher) CreateTask(ctx context.Context, ownerID, sourceURL, targetURL string) (*CreateResult, error) {
	if strings.TrimSpace(sourceURL) == "" {
		return nil, fmt.Errorf("%w: Source image URL is required", model.ErrInvalidInput)
	}
	if strings.TrimSpace(targetURL) == "" {
		return nil, fmt.Errorf("%w: Target hanbok image URL is required", model.ErrInvalidInput)
	}

	key := resultCacheKey(ownerID, sourceURL, targetURL)
	if v, found := d.results.Get(key); found {
		d.metrics.TasksCreatedTotal.WithLabelValues("true").Inc()
		return &CreateResult{Task: v.(*model.HanbokTask), Cached: true}, nil
	}

	existing, err := d.store.FindCached(ctx, ownerID, sourceURL, targetURL)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.HasResult() {
		d.log.Infof("命中已完成的结果: TaskID=%s", existing.ID)
		d.results.Set(key, existing, cache.DefaultExpiration)
		d.metrics.TasksCreatedTotal.WithLabelValues("true").Inc()
		return &CreateResult{Task: existing, Cached: true}, nil
	}

	task, err := d.store.Create(ctx, ownerID, sourceURL, targetURL)
	if err != nil {
		return nil, err
	}
	d.metrics.TasksCreatedTotal.WithLabelValues("false").Inc()

	d.log.Infof("任务已创建，后台提交推理请求: TaskID=%s", task.ID)
	d.dispatch(task)

	return &CreateResult{Task: task}, nil
}

// dispatch 在独立的 goroutine 中提交推理请求，任何错误包括 panic 都会记录到任务上
func (d *Dispatcher) dispatch(task *model.HanbokTask) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				d.log.Errorf("后台推理请求发生panic: TaskID=%s, 错误: %v", task.ID, r)
				d.metrics.DispatchTotal.WithLabelValues("panic").Inc()
				d.recordFailure(task.ID, fmt.Sprintf("Background processing error: %v", r))
			}
		}()

		d.submit(task)
	}()
}

func (d *Dispatcher) submit(task *model.HanbokTask) {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.Timeout)
	defer cancel()

	req := inferencehelper.Request{
		SourcePath: task.SourceImageURL,
		TargetPath: task.TargetImageURL,
		WebhookURL: callbackURL(d.cfg.WebhookURL, task.ID),
		TaskID:     task.ID,
	}

	start := time.Now()
	ack, err := d.breaker.Execute(func() (*inferencehelper.Ack, error) {
		return d.client.Submit(ctx, req)
	})
	d.metrics.DispatchDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		var upstream *inferencehelper.UpstreamError
		if errors.As(err, &upstream) {
			d.log.Errorf("推理服务返回错误: TaskID=%s, 状态码: %d, 响应: %s", task.ID, upstream.StatusCode, upstream.Body)
			d.metrics.DispatchTotal.WithLabelValues("upstream_error").Inc()
			d.recordFailure(task.ID, "Inference error: "+upstream.Body)
			return
		}

		d.log.Errorf("后台推理请求失败: TaskID=%s, 错误: %v", task.ID, err)
		d.metrics.DispatchTotal.WithLabelValues("error").Inc()
		d.recordFailure(task.ID, "Background processing error: "+err.Error())
		return
	}

	d.metrics.DispatchTotal.WithLabelValues("accepted").Inc()

	remoteID := ack.RemoteID()
	if remoteID == "" {
		d.log.Infof("推理服务已接受任务: TaskID=%s", task.ID)
		return
	}

	d.log.Infof("推理服务已接受任务: TaskID=%s, JobID=%s", task.ID, remoteID)
	if err := d.store.UpdateStatus(ctx, task.ID, model.TaskStatusProcessing, UpdateOptions{ExternalJobID: remoteID}); err != nil {
		// 回调可能已经先到达，任务进入终态后不再记录外部ID
		d.log.Warnf("记录推理任务ID失败: TaskID=%s, 错误: %v", task.ID, err)
	}
}

// recordFailure 把任务标记为 error，写库失败只能记录日志
func (d *Dispatcher) recordFailure(taskID, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := d.store.UpdateStatus(ctx, taskID, model.TaskStatusError, UpdateOptions{ErrorMessage: message})
	if err != nil {
		d.log.Errorf("记录任务失败状态失败，任务可能停留在处理中: TaskID=%s, 错误: %v", taskID, err)
	}
}

// Wait 等待所有后台派发结束
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func resultCacheKey(ownerID, sourceURL, targetURL string) string {
	return ownerID + "\x00" + sourceURL + "\x00" + targetURL
}

// callbackURL 在回调地址上追加 task_id 参数
func callbackURL(base, taskID string) string {
	u, err := url.Parse(base)
	if err != nil {
		return base + "?task_id=" + url.QueryEscape(taskID)
	}
	q := u.Query()
	q.Set("task_id", taskID)
	u.RawQuery = q.Encode()
	return u.String()
}
