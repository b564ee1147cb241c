package service

import (
	"context"
	"errors"
	"hanbok-fusion/app/model"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingSink 记录推送的事件和注释
type recordingSink struct {
	mu       sync.Mutex
	events   []*model.TaskStatusRecord
	comments []string
	notify   chan struct{}
	failWith error
}

func newRecordingSink() *recordingSink {
	return &recordingSink{notify: make(chan struct{}, 1)}
}

func (s *recordingSink) Event(record *model.TaskStatusRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	s.events = append(s.events, record)
	s.signal()
	return nil
}

func (s *recordingSink) Comment(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.comments = append(s.comments, text)
	s.signal()
	return nil
}

func (s *recordingSink) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *recordingSink) snapshot() ([]*model.TaskStatusRecord, []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*model.TaskStatusRecord(nil), s.events...), append([]string(nil), s.comments...)
}

func (s *recordingSink) waitFor(t *testing.T, cond func(events []*model.TaskStatusRecord, comments []string) bool) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		if cond(s.snapshot()) {
			return
		}
		select {
		case <-s.notify:
		case <-deadline:
			events, comments := s.snapshot()
			t.Fatalf("condition not met: %d events, comments %v", len(events), comments)
		}
	}
}

func newTestStatusService(env *testEnv, cfg StreamConfig) *StatusService {
	if cfg.PollInterval == 0 {
		// 放大兜底轮询，确保测试走的是通知路径
		cfg.PollInterval = time.Hour
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = time.Hour
	}
	return NewStatusService(env.store, env.hub, cfg, env.log, env.m)
}

func runStream(ctx context.Context, stream *StatusStream, sink StreamSink) <-chan error {
	done := make(chan error, 1)
	go func() {
		done <- stream.Run(ctx, sink)
	}()
	return done
}

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("stream did not close")
		return nil
	}
}

func TestStatusService_Poll(t *testing.T) {
	env := newTestEnv(t)
	svc := newTestStatusService(env, StreamConfig{})
	ctx := context.Background()

	task, err := env.store.Create(ctx, "A", "S", "T")
	require.NoError(t, err)

	record, err := svc.Poll(ctx, task.ID, "A")
	require.NoError(t, err)
	assert.Equal(t, task.ID, record.TaskID)
	assert.Equal(t, model.TaskStatusProcessing, record.Status)
	assert.Empty(t, record.ImageURL)
	assert.Empty(t, record.ErrorMessage)

	_, err = svc.Poll(ctx, task.ID, "B")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestStatusStream_ClosesAfterTerminalEvent(t *testing.T) {
	env := newTestEnv(t)
	svc := newTestStatusService(env, StreamConfig{})
	ctx := context.Background()

	task, err := env.store.Create(ctx, "A", "S", "T")
	require.NoError(t, err)

	stream, err := svc.OpenStream(ctx, task.ID, "A")
	require.NoError(t, err)
	assert.Equal(t, StreamConnecting, stream.State())

	sink := newRecordingSink()
	done := runStream(ctx, stream, sink)

	sink.waitFor(t, func(events []*model.TaskStatusRecord, _ []string) bool { return len(events) == 1 })
	assert.Equal(t, StreamStreaming, stream.State())

	require.NoError(t, env.store.UpdateStatus(ctx, task.ID, model.TaskStatusFailed, UpdateOptions{ErrorMessage: "no face"}))
	require.NoError(t, waitDone(t, done))

	events, _ := sink.snapshot()
	require.Len(t, events, 2)
	assert.Equal(t, model.TaskStatusProcessing, events[0].Status)
	assert.Equal(t, model.TaskStatusFailed, events[1].Status)
	assert.Equal(t, "no face", events[1].ErrorMessage)

	assert.Equal(t, StreamClosed, stream.State())
	assert.Equal(t, 0, svc.OpenStreams())
	assert.Equal(t, 0, env.hub.Subscribers(task.ID))
}

func TestStatusStream_TerminalTaskSendsSingleEvent(t *testing.T) {
	env := newTestEnv(t)
	svc := newTestStatusService(env, StreamConfig{})
	ctx := context.Background()

	task, err := env.store.Create(ctx, "A", "S", "T")
	require.NoError(t, err)
	require.NoError(t, env.store.UpdateStatus(ctx, task.ID, model.TaskStatusCompleted, UpdateOptions{ResultURL: "R1"}))

	stream, err := svc.OpenStream(ctx, task.ID, "A")
	require.NoError(t, err)

	sink := newRecordingSink()
	require.NoError(t, stream.Run(ctx, sink))

	events, _ := sink.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, model.TaskStatusCompleted, events[0].Status)
	assert.Equal(t, "R1", events[0].ImageURL)
}

func TestStatusStream_FallbackPollDetectsChange(t *testing.T) {
	env := newTestEnv(t)
	// 用另一个 hub 写入，订阅方收不到通知，只能靠轮询
	silent := NewTaskStore(env.db, newNoopNotifier(), env.log)
	svc := newTestStatusService(env, StreamConfig{PollInterval: 20 * time.Millisecond})
	ctx := context.Background()

	task, err := env.store.Create(ctx, "A", "S", "T")
	require.NoError(t, err)

	stream, err := svc.OpenStream(ctx, task.ID, "A")
	require.NoError(t, err)
	sink := newRecordingSink()
	done := runStream(ctx, stream, sink)

	sink.waitFor(t, func(events []*model.TaskStatusRecord, _ []string) bool { return len(events) == 1 })
	require.NoError(t, silent.UpdateStatus(ctx, task.ID, model.TaskStatusCompleted, UpdateOptions{ResultURL: "R1"}))

	require.NoError(t, waitDone(t, done))
	events, _ := sink.snapshot()
	require.Len(t, events, 2)
	assert.Equal(t, model.TaskStatusCompleted, events[1].Status)
}

func TestStatusStream_DoesNotRepeatUnchangedStatus(t *testing.T) {
	env := newTestEnv(t)
	svc := newTestStatusService(env, StreamConfig{PollInterval: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	task, err := env.store.Create(ctx, "A", "S", "T")
	require.NoError(t, err)

	stream, err := svc.OpenStream(ctx, task.ID, "A")
	require.NoError(t, err)
	sink := newRecordingSink()
	done := runStream(ctx, stream, sink)

	// 记录外部任务ID不改变状态
	require.NoError(t, env.store.UpdateStatus(ctx, task.ID, model.TaskStatusProcessing, UpdateOptions{ExternalJobID: "J1"}))
	time.Sleep(100 * time.Millisecond)

	cancel()
	require.NoError(t, waitDone(t, done))

	events, _ := sink.snapshot()
	assert.Len(t, events, 1)
}

func TestStatusStream_ClientDisconnectReleasesResources(t *testing.T) {
	env := newTestEnv(t)
	svc := newTestStatusService(env, StreamConfig{})
	ctx := context.Background()

	task, err := env.store.Create(ctx, "A", "S", "T")
	require.NoError(t, err)

	clientCtx, disconnect := context.WithCancel(ctx)
	stream, err := svc.OpenStream(clientCtx, task.ID, "A")
	require.NoError(t, err)
	assert.Equal(t, 1, svc.OpenStreams())
	assert.Equal(t, 1, env.hub.Subscribers(task.ID))

	sink := newRecordingSink()
	done := runStream(clientCtx, stream, sink)
	sink.waitFor(t, func(events []*model.TaskStatusRecord, _ []string) bool { return len(events) == 1 })

	disconnect()
	require.NoError(t, waitDone(t, done))

	assert.Equal(t, 0, svc.OpenStreams())
	assert.Equal(t, 0, env.hub.Subscribers(task.ID))

	// 任务本身不受影响
	got, err := env.store.Get(ctx, task.ID, "A")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusProcessing, got.Status)
}

func TestStatusService_ShutdownEndsOpenStreams(t *testing.T) {
	env := newTestEnv(t)
	svc := newTestStatusService(env, StreamConfig{})
	ctx := context.Background()

	task, err := env.store.Create(ctx, "A", "S", "T")
	require.NoError(t, err)

	stream, err := svc.OpenStream(ctx, task.ID, "A")
	require.NoError(t, err)

	sink := newRecordingSink()
	done := runStream(ctx, stream, sink)
	sink.waitFor(t, func(events []*model.TaskStatusRecord, _ []string) bool { return len(events) == 1 })

	svc.Shutdown()
	svc.Shutdown()
	require.NoError(t, waitDone(t, done))

	assert.Equal(t, StreamClosed, stream.State())
	assert.Equal(t, 0, svc.OpenStreams())
	assert.Equal(t, 0, env.hub.Subscribers(task.ID))

	// 关闭流不影响任务本身的更新
	require.NoError(t, env.store.UpdateStatus(ctx, task.ID, model.TaskStatusCompleted, UpdateOptions{ResultURL: "R1"}))
}

func TestStatusStream_TaskSupersededMidStream(t *testing.T) {
	env := newTestEnv(t)
	svc := newTestStatusService(env, StreamConfig{})
	ctx := context.Background()

	task, err := env.store.Create(ctx, "A", "S", "T")
	require.NoError(t, err)

	stream, err := svc.OpenStream(ctx, task.ID, "A")
	require.NoError(t, err)
	sink := newRecordingSink()
	done := runStream(ctx, stream, sink)
	sink.waitFor(t, func(events []*model.TaskStatusRecord, _ []string) bool { return len(events) == 1 })

	_, err = env.store.Create(ctx, "A", "S", "T")
	require.NoError(t, err)

	require.NoError(t, waitDone(t, done))
	events, comments := sink.snapshot()
	assert.Len(t, events, 1)
	assert.Contains(t, comments, "error task not found")
}

func TestStatusStream_Heartbeat(t *testing.T) {
	env := newTestEnv(t)
	svc := newTestStatusService(env, StreamConfig{HeartbeatInterval: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	task, err := env.store.Create(ctx, "A", "S", "T")
	require.NoError(t, err)

	stream, err := svc.OpenStream(ctx, task.ID, "A")
	require.NoError(t, err)
	sink := newRecordingSink()
	done := runStream(ctx, stream, sink)

	sink.waitFor(t, func(_ []*model.TaskStatusRecord, comments []string) bool {
		return len(comments) >= 2 && comments[0] == "keep-alive"
	})
	cancel()
	require.NoError(t, waitDone(t, done))
}

func TestStatusStream_SinkErrorClosesStream(t *testing.T) {
	env := newTestEnv(t)
	svc := newTestStatusService(env, StreamConfig{})
	ctx := context.Background()

	task, err := env.store.Create(ctx, "A", "S", "T")
	require.NoError(t, err)

	stream, err := svc.OpenStream(ctx, task.ID, "A")
	require.NoError(t, err)

	broken := errors.New("broken pipe")
	sink := newRecordingSink()
	sink.failWith = broken

	assert.ErrorIs(t, stream.Run(ctx, sink), broken)
	assert.Equal(t, 0, svc.OpenStreams())
}

func TestStatusService_OpenStreamChecks(t *testing.T) {
	env := newTestEnv(t)
	svc := newTestStatusService(env, StreamConfig{MaxConnections: 1})
	ctx := context.Background()

	task, err := env.store.Create(ctx, "A", "S", "T")
	require.NoError(t, err)

	// 不属于自己的任务不占用名额
	_, err = svc.OpenStream(ctx, task.ID, "B")
	assert.ErrorIs(t, err, model.ErrNotFound)
	assert.Equal(t, 0, svc.OpenStreams())
	assert.Equal(t, 0, env.hub.Subscribers(task.ID))

	first, err := svc.OpenStream(ctx, task.ID, "A")
	require.NoError(t, err)

	_, err = svc.OpenStream(ctx, task.ID, "A")
	assert.ErrorIs(t, err, model.ErrTooManyStreams)

	first.Close()
	first.Close()
	assert.Equal(t, 0, svc.OpenStreams())

	again, err := svc.OpenStream(ctx, task.ID, "A")
	require.NoError(t, err)
	again.Close()
}

type noopNotifier struct{}

func newNoopNotifier() *noopNotifier { return &noopNotifier{} }

func (noopNotifier) Publish(context.Context, string) {}

func (noopNotifier) Subscribe(string) (<-chan struct{}, func()) {
	return make(chan struct{}), func() {}
}

func (noopNotifier) Close() error { return nil }
