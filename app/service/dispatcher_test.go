package service

import (
	"context"
	"errors"
	"hanbok-fusion/app/model"
	"hanbok-fusion/app/utils/inferencehelper"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDispatcher(env *testEnv, client InferenceClient) *Dispatcher {
	return NewDispatcher(env.store, client, DispatcherConfig{
		WebhookURL: "http://localhost:5000/api/hanbok-webhook",
		Timeout:    5 * time.Second,
	}, env.log, env.m)
}

func TestDispatcher_RecordsExternalJobID(t *testing.T) {
	env := newTestEnv(t)
	fake := &fakeInference{submit: func(ctx context.Context, req inferencehelper.Request) (*inferencehelper.Ack, error) {
		return &inferencehelper.Ack{JobID: "J1"}, nil
	}}
	d := newTestDispatcher(env, fake)

	result, err := d.CreateTask(context.Background(), "U", "S1", "T1")
	require.NoError(t, err)
	assert.False(t, result.Cached)
	assert.Equal(t, model.TaskStatusProcessing, result.Task.Status)

	d.Wait()

	task, err := env.store.Lookup(context.Background(), result.Task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusProcessing, task.Status)
	assert.Equal(t, "J1", task.ExternalJobID)

	req := fake.lastRequest()
	assert.Equal(t, "S1", req.SourcePath)
	assert.Equal(t, "T1", req.TargetPath)
	assert.Equal(t, result.Task.ID, req.TaskID)

	callback, err := url.Parse(req.WebhookURL)
	require.NoError(t, err)
	assert.Equal(t, "/api/hanbok-webhook", callback.Path)
	assert.Equal(t, result.Task.ID, callback.Query().Get("task_id"))
}

func TestDispatcher_CacheHitSkipsInference(t *testing.T) {
	env := newTestEnv(t)
	fake := &fakeInference{}
	d := newTestDispatcher(env, fake)
	ctx := context.Background()

	first, err := d.CreateTask(ctx, "U", "S1", "T1")
	require.NoError(t, err)
	d.Wait()
	require.EqualValues(t, 1, fake.calls.Load())

	require.NoError(t, env.store.UpdateStatus(ctx, first.Task.ID, model.TaskStatusCompleted, UpdateOptions{ResultURL: "R1"}))

	for i := 0; i < 2; i++ {
		again, err := d.CreateTask(ctx, "U", "S1", "T1")
		require.NoError(t, err)
		assert.True(t, again.Cached)
		assert.Equal(t, first.Task.ID, again.Task.ID)
		assert.Equal(t, "R1", again.Task.ResultURL)
	}
	d.Wait()
	assert.EqualValues(t, 1, fake.calls.Load())

	// 不同用户不会命中别人的结果
	other, err := d.CreateTask(ctx, "V", "S1", "T1")
	require.NoError(t, err)
	assert.False(t, other.Cached)
	d.Wait()
	assert.EqualValues(t, 2, fake.calls.Load())
}

func TestDispatcher_ProcessingTaskIsNotReused(t *testing.T) {
	env := newTestEnv(t)
	fake := &fakeInference{}
	d := newTestDispatcher(env, fake)
	ctx := context.Background()

	first, err := d.CreateTask(ctx, "U", "S1", "T1")
	require.NoError(t, err)
	second, err := d.CreateTask(ctx, "U", "S1", "T1")
	require.NoError(t, err)
	d.Wait()

	assert.False(t, second.Cached)
	assert.NotEqual(t, first.Task.ID, second.Task.ID)
	assert.EqualValues(t, 2, fake.calls.Load())
}

func TestDispatcher_ReturnsBeforeInferenceResolves(t *testing.T) {
	env := newTestEnv(t)
	release := make(chan struct{})
	fake := &fakeInference{submit: func(ctx context.Context, req inferencehelper.Request) (*inferencehelper.Ack, error) {
		<-release
		return &inferencehelper.Ack{JobID: "slow"}, nil
	}}
	d := newTestDispatcher(env, fake)

	start := time.Now()
	result, err := d.CreateTask(context.Background(), "U", "S1", "T1")
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, model.TaskStatusProcessing, result.Task.Status)

	close(release)
	d.Wait()

	task, err := env.store.Lookup(context.Background(), result.Task.ID)
	require.NoError(t, err)
	assert.Equal(t, "slow", task.ExternalJobID)
}

func TestDispatcher_UpstreamErrorMarksTask(t *testing.T) {
	env := newTestEnv(t)
	fake := &fakeInference{submit: func(ctx context.Context, req inferencehelper.Request) (*inferencehelper.Ack, error) {
		return nil, &inferencehelper.UpstreamError{StatusCode: 500, Body: "GPU unavailable"}
	}}
	d := newTestDispatcher(env, fake)

	result, err := d.CreateTask(context.Background(), "U", "S1", "T1")
	require.NoError(t, err)
	d.Wait()

	task, err := env.store.Lookup(context.Background(), result.Task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusError, task.Status)
	assert.Equal(t, "Inference error: GPU unavailable", task.ErrorMessage)
}

func TestDispatcher_TransportErrorMarksTask(t *testing.T) {
	env := newTestEnv(t)
	fake := &fakeInference{submit: func(ctx context.Context, req inferencehelper.Request) (*inferencehelper.Ack, error) {
		return nil, errors.New("connection refused")
	}}
	d := newTestDispatcher(env, fake)

	result, err := d.CreateTask(context.Background(), "U", "S1", "T1")
	require.NoError(t, err)
	d.Wait()

	task, err := env.store.Lookup(context.Background(), result.Task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusError, task.Status)
	assert.Contains(t, task.ErrorMessage, "Background processing error")
	assert.Contains(t, task.ErrorMessage, "connection refused")
}

func TestDispatcher_PanicIsRecovered(t *testing.T) {
	env := newTestEnv(t)
	fake := &fakeInference{submit: func(ctx context.Context, req inferencehelper.Request) (*inferencehelper.Ack, error) {
		panic("unexpected payload")
	}}
	d := newTestDispatcher(env, fake)

	result, err := d.CreateTask(context.Background(), "U", "S1", "T1")
	require.NoError(t, err)
	d.Wait()

	task, err := env.store.Lookup(context.Background(), result.Task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusError, task.Status)
	assert.Equal(t, "Background processing error: unexpected payload", task.ErrorMessage)
}

func TestDispatcher_WebhookBeforeAckKeepsTerminalState(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	var taskID string
	fake := &fakeInference{submit: func(ctx context.Context, req inferencehelper.Request) (*inferencehelper.Ack, error) {
		taskID = req.TaskID
		// 回调在应答之前到达
		assert.NoError(t, env.store.UpdateStatus(ctx, req.TaskID, model.TaskStatusCompleted, UpdateOptions{ResultURL: "R1"}))
		return &inferencehelper.Ack{JobID: "J1"}, nil
	}}
	d := newTestDispatcher(env, fake)

	_, err := d.CreateTask(ctx, "U", "S1", "T1")
	require.NoError(t, err)
	d.Wait()

	task, err := env.store.Lookup(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusCompleted, task.Status)
	assert.Empty(t, task.ExternalJobID)
}

func TestDispatcher_RejectsMissingInput(t *testing.T) {
	env := newTestEnv(t)
	fake := &fakeInference{}
	d := newTestDispatcher(env, fake)

	_, err := d.CreateTask(context.Background(), "U", "", "T1")
	assert.ErrorIs(t, err, model.ErrInvalidInput)

	_, err = d.CreateTask(context.Background(), "U", "S1", "  ")
	assert.ErrorIs(t, err, model.ErrInvalidInput)

	assert.EqualValues(t, 0, fake.calls.Load())
}

func TestDispatcher_OpenBreakerFailsFast(t *testing.T) {
	env := newTestEnv(t)
	fake := &fakeInference{submit: func(ctx context.Context, req inferencehelper.Request) (*inferencehelper.Ack, error) {
		return nil, errors.New("connection refused")
	}}
	d := NewDispatcher(env.store, fake, DispatcherConfig{
		WebhookURL:      "http://localhost/hook",
		BreakerFailures: 2,
		BreakerCooldown: time.Hour,
	}, env.log, env.m)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := d.CreateTask(ctx, "U", "S", "T")
		require.NoError(t, err)
		d.Wait()
	}

	// 熔断后第三次不会真正调用推理服务，但任务仍然被记录为失败
	assert.EqualValues(t, 2, fake.calls.Load())

	task, err := env.store.FindCached(ctx, "U", "S", "T")
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, model.TaskStatusError, task.Status)
	assert.Contains(t, task.ErrorMessage, "circuit breaker is open")
}

func TestCallbackURL(t *testing.T) {
	assert.Equal(t, "http://h/api/hook?task_id=abc", callbackURL("http://h/api/hook", "abc"))
	assert.Equal(t, "http://h/hook?key=1&task_id=abc", callbackURL("http://h/hook?key=1", "abc"))
}

func TestDispatcher_NonJSONAckRecordsError(t *testing.T) {
	inference := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("OK"))
	}))
	defer inference.Close()

	env := newTestEnv(t)
	client := inferencehelper.New(inference.URL, "/inference", 5*time.Second)
	defer client.Close()
	d := newTestDispatcher(env, client)

	result, err := d.CreateTask(context.Background(), "U", "S1", "T1")
	require.NoError(t, err)
	d.Wait()

	task, err := env.store.Lookup(context.Background(), result.Task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusError, task.Status)
	assert.Equal(t, `Background processing error: invalid inference response: "OK"`, task.ErrorMessage)
	assert.Empty(t, task.ExternalJobID)
}

func TestDispatcher_TransportErrorMessage(t *testing.T) {
	inference := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	unreachable := inference.URL
	inference.Close()

	env := newTestEnv(t)
	client := inferencehelper.New(unreachable, "/inference", time.Second)
	defer client.Close()
	d := newTestDispatcher(env, client)

	result, err := d.CreateTask(context.Background(), "U", "S1", "T1")
	require.NoError(t, err)
	d.Wait()

	task, err := env.store.Lookup(context.Background(), result.Task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusError, task.Status)
	assert.True(t, strings.HasPrefix(task.ErrorMessage, "Background processing error: "), task.ErrorMessage)
	assert.NotContains(t, task.ErrorMessage, "推理服务")
}
