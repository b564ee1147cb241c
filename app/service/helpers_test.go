package service

import (
	"context"
	"hanbok-fusion/app/config"
	"hanbok-fusion/app/database"
	"hanbok-fusion/app/logger"
	"hanbok-fusion/app/metrics"
	"hanbok-fusion/app/notify"
	"hanbok-fusion/app/utils/inferencehelper"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := database.Open(config.DatabaseConfig{
		Driver: "sqlite",
		DSN:    "file:" + uuid.NewString() + "?mode=memory&cache=shared",
	})
	require.NoError(t, err)
	require.NoError(t, database.AutoMigrate(db))

	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

type testEnv struct {
	db    *gorm.DB
	hub   *notify.Hub
	store *TaskStore
	log   *logger.Logger
	m     *metrics.Metrics
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db := newTestDB(t)
	hub := notify.NewHub()
	log := logger.NewNop()
	return &testEnv{
		db:    db,
		hub:   hub,
		store: NewTaskStore(db, hub, log),
		log:   log,
		m:     metrics.NewUnregistered(),
	}
}

// fakeInference 可编程的推理服务
type fakeInference struct {
	calls  atomic.Int32
	mu     sync.Mutex
	last   inferencehelper.Request
	submit func(ctx context.Context, req inferencehelper.Request) (*inferencehelper.Ack, error)
}

func (f *fakeInference) Submit(ctx context.Context, req inferencehelper.Request) (*inferencehelper.Ack, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.last = req
	f.mu.Unlock()

	if f.submit == nil {
		return &inferencehelper.Ack{}, nil
	}
	return f.submit(ctx, req)
}

func (f *fakeInference) lastRequest() inferencehelper.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}
