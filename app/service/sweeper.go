package service

import (
	"context"
	"errors"
	"fmt"
	"hanbok-fusion/app/logger"
	"hanbok-fusion/app/metrics"
	"hanbok-fusion/app/model"
	"time"

	"github.com/robfig/cron/v3"
)

const staleTaskMessage = "inference timed out"

// Sweeper 定时把长时间没有回调的处理中任务标记为 error
type Sweeper struct {
	store      *TaskStore
	schedule   string
	staleAfter time.Duration
	log        *logger.Logger
	metrics    *metrics.Metrics
	cron       *cron.Cron
}

// NewSweeper 创建超时任务清理器
func NewSweeper(store *TaskStore, schedule string, staleAfter time.Duration, log *logger.Logger, m *metrics.Metrics) *Sweeper {
	if schedule == "" {
		schedule = "@every 1m"
	}
	if staleAfter <= 0 {
		staleAfter = 30 * time.Minute
	}
	return &Sweeper{
		store:      store,
		schedule:   schedule,
		staleAfter: staleAfter,
		log:        log,
		metrics:    m,
	}
}

// Start 启动定时任务
func (s *Sweeper) Start() error {
	cl := cronLogger{log: s.log}
	c := cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))
	if _, err := c.AddFunc(s.schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		s.Sweep(ctx)
	}); err != nil {
		return fmt.Errorf("无效的清理计划 %q: %w", s.schedule, err)
	}

	s.cron = c
	c.Start()
	s.log.Infof("超时任务清理已启动: schedule=%s, stale_after=%s", s.schedule, s.staleAfter)
	return nil
}

// Stop 停止定时任务并等待正在执行的清理结束
func (s *Sweeper) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
}

// Sweep 执行一次清理，返回被标记为 error 的任务数
func (s *Sweeper) Sweep(ctx context.Context) int {
	cutoff := time.Now().Add(-s.staleAfter)
	tasks, err := s.store.ListStale(ctx, cutoff)
	if err != nil {
		s.log.Errorf("查询超时任务失败: %v", err)
		return 0
	}

	swept := 0
	for _, task := range tasks {
		err := s.store.UpdateStatus(ctx, task.ID, model.TaskStatusError, UpdateOptions{ErrorMessage: staleTaskMessage})
		switch {
		case err == nil:
			swept++
			s.log.Warnf("任务超时未收到回调，已标记为失败: TaskID=%s, 创建于 %s", task.ID, task.CreatedAt.Format(time.DateTime))
		case errors.Is(err, model.ErrInvalidTransition), errors.Is(err, model.ErrNotFound):
			// 回调刚好先到达
		default:
			s.log.Errorf("标记超时任务失败: TaskID=%s, 错误: %v", task.ID, err)
		}
	}

	if swept > 0 {
		s.metrics.SweptTasksTotal.Add(float64(swept))
	}
	return swept
}

// cronLogger 把 cron 的日志转到 zap，定时任务里恢复的 panic 以 error 级别记录
type cronLogger struct {
	log *logger.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Sugar().Debugw("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Sugar().Errorw("cron: "+msg, append(keysAndValues, "error", err)...)
}
