package worker

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/document-reconciler/pkg/logger"
	"github.com/feichai0017/document-reconciler/pkg/queue"
	"github.com/feichai0017/document-reconciler/pkg/storage"
)

type brokenStorage struct{ storage.Storage }

func (brokenStorage) CleanupBefore(context.Context, string, time.Time) (int, error) {
	return 0, errors.New("bucket unreachable")
}

func put(t *testing.T, s storage.Storage, key string) {
	t.Helper()
	require.NoError(t, s.Store(context.Background(), key, bytes.NewReader([]byte("x")), 1, "image/png"))
}

func newWorker(store storage.Storage, log logger.Logger) *CleanupWorker {
	return NewCleanupWorker(&Config{Queue: &queue.QueueConfig{RedisAddr: "localhost:0"}, Concurrency: 1}, store, nil, log)
}

func TestHandleCleanup(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	store := storage.NewMemoryStorage()

	store.SetClock(func() time.Time { return base })
	put(t, store, "intake/s1/a.png")
	put(t, store, "intake/s2/b.png")
	put(t, store, "customer-documents/c1/1_id_card.png")
	store.SetClock(func() time.Time { return base.Add(2 * time.Hour) })
	put(t, store, "intake/s3/fresh.png")

	w := newWorker(store, logger.NewTestLogger())
	w.now = func() time.Time { return base.Add(3 * time.Hour) }

	task, err := queue.NewCleanupTask(queue.CleanupPayload{Prefix: "intake/", OlderThan: 2 * time.Hour})
	require.NoError(t, err)
	require.NoError(t, w.HandleCleanup(context.Background(), task))

	assert.Equal(t, []string{"customer-documents/c1/1_id_card.png", "intake/s3/fresh.png"}, store.Keys())
}

func TestHandleCleanup_WholeSession(t *testing.T) {
	store := storage.NewMemoryStorage()
	put(t, store, "intake/s1/a.png")
	put(t, store, "intake/s2/b.png")

	w := newWorker(store, logger.NewTestLogger())
	w.now = func() time.Time { return time.Now().Add(time.Second) }

	task, err := queue.NewCleanupTask(queue.CleanupPayload{Prefix: "intake/s1/"})
	require.NoError(t, err)
	require.NoError(t, w.HandleCleanup(context.Background(), task))
	assert.Equal(t, []string{"intake/s2/b.png"}, store.Keys())
}

func TestHandleCleanup_Errors(t *testing.T) {
	log := logger.NewTestLogger()
	w := newWorker(brokenStorage{storage.NewMemoryStorage()}, log)

	err := w.HandleCleanup(context.Background(), asynq.NewTask(queue.TaskTypeIntakeCleanup, []byte(`{}`)))
	assert.ErrorIs(t, err, asynq.SkipRetry)

	task, _ := queue.NewCleanupTask(queue.CleanupPayload{Prefix: "intake/"})
	err = w.HandleCleanup(context.Background(), task)
	assert.ErrorContains(t, err, "bucket unreachable")
	assert.NotErrorIs(t, err, asynq.SkipRetry)
	assert.True(t, log.HasEntry("ERROR", "Cleanup failed"))
}
