package service

import (
	"context"
	"errors"
	"hanbok-fusion/app/logger"
	"hanbok-fusion/app/metrics"
	"hanbok-fusion/app/model"
	"hanbok-fusion/app/notify"
	"sync"
	"time"
)

// StreamConfig SSE 推送配置
type StreamConfig struct {
	MaxConnections    int
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
}

// StreamState 单个 SSE 连接的状态
type StreamState int32

const (
	StreamConnecting StreamState = iota
	StreamStreaming
	StreamClosed
)

func (s StreamState) String() string {
	switch s {
	case StreamConnecting:
		return "CONNECTING"
	case StreamStreaming:
		return "STREAMING"
	case StreamClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// StreamSink SSE 连接的写入端
type StreamSink interface {
	// Event 推送一条状态记录
	Event(record *model.TaskStatusRecord) error
	// Comment 推送一行注释，客户端会忽略它
	Comment(text string) error
}

// StatusService 提供任务状态的轮询和流式推送
type StatusService struct {
	store    *TaskStore
	notifier notify.Notifier
	cfg      StreamConfig
	log      *logger.Logger
	metrics  *metrics.Metrics
	slots    chan struct{}

	done         chan struct{}
	shutdownOnce sync.Once
}

// NewStatusService 创建状态服务
func NewStatusService(store *TaskStore, notifier notify.Notifier, cfg StreamConfig, log *logger.Logger, m *metrics.Metrics) *StatusService {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 1000
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 15 * time.Second
	}

	return &StatusService{
		store:    store,
		notifier: notifier,
		cfg:      cfg,
		log:      log,
		metrics:  m,
		slots:    make(chan struct{}, cfg.MaxConnections),
		done:     make(chan struct{}),
	}
}

// Shutdown 通知所有 SSE 连接结束，普通请求不受影响。可重复调用
func (s *StatusService) Shutdown() {
	s.shutdownOnce.Do(func() {
		close(s.done)
	})
}

// Poll 返回任务当前的状态记录
func (s *StatusService) Poll(ctx context.Context, taskID, ownerID string) (*model.TaskStatusRecord, error) {
	task, err := s.store.Get(ctx, taskID, ownerID)
	if err != nil {
		return nil, err
	}
	return task.StatusRecord(), nil
}

// OpenStream 校验任务归属并占用一个连接名额，失败时不占用任何资源。
// 先订阅再读取当前状态，保证两者之间发生的变更不会丢失。
func (s *StatusService) OpenStream(ctx context.Context, taskID, ownerID string) (*StatusStream, error) {
	select {
	case s.slots <- struct{}{}:
	default:
		s.metrics.RejectedStreams.Inc()
		return nil, model.ErrTooManyStreams
	}

	changes, unsubscribe := s.notifier.Subscribe(taskID)

	task, err := s.store.Get(ctx, taskID, ownerID)
	if err != nil {
		unsubscribe()
		<-s.slots
		return nil, err
	}

	s.metrics.OpenStreams.Inc()

	return &StatusStream{
		svc:         s,
		taskID:      taskID,
		ownerID:     ownerID,
		initial:     task.StatusRecord(),
		changes:     changes,
		unsubscribe: unsubscribe,
		state:       StreamConnecting,
	}, nil
}

// OpenStreams 当前打开的连接数
func (s *StatusService) OpenStreams() int {
	return len(s.slots)
}

func (s *StatusService) release() {
	<-s.slots
	s.metrics.OpenStreams.Dec()
}

// StatusStream 一个已通过校验的 SSE 连接
type StatusStream struct {
	svc         *StatusService
	taskID      string
	ownerID     string
	initial     *model.TaskStatusRecord
	changes     <-chan struct{}
	unsubscribe func()

	mu        sync.Mutex
	state     StreamState
	closeOnce sync.Once
}

// State 当前连接状态
func (st *StatusStream) State() StreamState {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.state
}

func (st *StatusStream) setState(state StreamState) {
	st.mu.Lock()
	st.state = state
	st.mu.Unlock()
}

// Run 推送当前状态，之后每次状态变化推送一次，直到终态、任务消失、写入失败、服务关闭或 ctx 结束
func (st *StatusStream) Run(ctx context.Context, sink StreamSink) error {
	defer st.Close()

	st.setState(StreamStreaming)
	log := st.svc.log

	last := st.initial
	if err := sink.Event(last); err != nil {
		return err
	}
	if last.Status.IsTerminal() {
		return nil
	}

	poll := time.NewTicker(st.svc.cfg.PollInterval)
	defer poll.Stop()
	heartbeat := time.NewTicker(st.svc.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debugf("SSE 客户端断开: TaskID=%s", st.taskID)
			return nil
		case <-st.svc.done:
			log.Debugf("服务关闭，结束 SSE 连接: TaskID=%s", st.taskID)
			return nil
		case <-heartbeat.C:
			if err := sink.Comment("keep-alive"); err != nil {
				return err
			}
			continue
		case <-st.changes:
		case <-poll.C:
		}

		task, err := st.svc.store.Get(ctx, st.taskID, st.ownerID)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, model.ErrNotFound) {
				log.Infof("SSE 任务已不存在，关闭连接: TaskID=%s", st.taskID)
				_ = sink.Comment("error task not found")
				return nil
			}
			log.Errorf("SSE 查询任务状态失败: TaskID=%s, 错误: %v", st.taskID, err)
			_ = sink.Comment("error " + err.Error())
			return err
		}

		record := task.StatusRecord()
		if record.Status == last.Status {
			continue
		}
		if err := sink.Event(record); err != nil {
			return err
		}
		last = record

		if record.Status.IsTerminal() {
			log.Debugf("SSE 任务进入终态，关闭连接: TaskID=%s, status=%s", st.taskID, record.Status)
			return nil
		}
	}
}

// Close 释放订阅和连接名额，可重复调用
func (st *StatusStream) Close() {
	st.closeOnce.Do(func() {
		st.setState(StreamClosed)
		st.unsubscribe()
		st.svc.release()
	})
}
