package service

import (
	"context"
	"hanbok-fusion/app/logger"
	"hanbok-fusion/app/model"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestSweeper_MarksStaleTasks(t *testing.T) {
	env := newTestEnv(t)
	sweeper := NewSweeper(env.store, "@every 1h", 30*time.Minute, env.log, env.m)
	ctx := context.Background()

	stale, err := env.store.Create(ctx, "U", "S1", "T")
	require.NoError(t, err)
	fresh, err := env.store.Create(ctx, "U", "S2", "T")
	require.NoError(t, err)

	require.NoError(t, env.db.Model(&model.HanbokTask{}).
		Where("id = ?", stale.ID).
		UpdateColumn("updated_at", time.Now().Add(-time.Hour)).Error)

	assert.Equal(t, 1, sweeper.Sweep(ctx))

	got, err := env.store.Lookup(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusError, got.Status)
	assert.Equal(t, "inference timed out", got.ErrorMessage)

	got, err = env.store.Lookup(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusProcessing, got.Status)

	// 再次执行没有可清理的任务
	assert.Equal(t, 0, sweeper.Sweep(ctx))
}

func TestSweeper_StartRejectsBadSchedule(t *testing.T) {
	env := newTestEnv(t)

	bad := NewSweeper(env.store, "not a schedule", time.Minute, env.log, env.m)
	assert.Error(t, bad.Start())
	bad.Stop()

	good := NewSweeper(env.store, "@every 1h", time.Minute, env.log, env.m)
	require.NoError(t, good.Start())
	good.Stop()
}

func TestCronLogger_RecordsRecoveredPanic(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	cl := cronLogger{log: logger.FromZap(zap.New(core))}

	job := cron.NewChain(cron.Recover(cl)).Then(cron.FuncJob(func() { panic("boom") }))
	assert.NotPanics(t, job.Run)

	entries := logs.FilterLevelExact(zapcore.ErrorLevel).All()
	require.Len(t, entries, 1)
	assert.Equal(t, "cron: panic", entries[0].Message)
	assert.Equal(t, "boom", entries[0].ContextMap()["error"])
	assert.Contains(t, entries[0].ContextMap(), "stack")
}
