package checkpoint

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/document-reconciler/internal/models"
	"github.com/feichai0017/document-reconciler/pkg/logger"
)

var savedAt = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func sampleTasks() []models.Task {
	return []models.Task{
		{ID: "a", FileName: "a.jpg", Status: models.StatusMatched, Preview: "data:image/jpeg;base64,AAAA",
			ExtractedIdentifier: "29012345678", MatchedCustomer: &models.CustomerRef{ID: "c1"}},
		{ID: "b", FileName: "b.jpg", Status: models.StatusPending, Preview: "data:image/jpeg;base64,BBBB"},
	}
}

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStore(client, "", DefaultStaleness), mr
}

func TestStores_RoundTripStripsPreviews(t *testing.T) {
	rs, _ := newRedisStore(t)
	stores := map[string]Store{
		"memory": NewMemoryStore(),
		"file":   NewFileStore(filepath.Join(t.TempDir(), "nested", "checkpoint.json")),
		"redis":  rs,
	}
	for name, store := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := store.Load(ctx)
			assert.ErrorIs(t, err, ErrNotFound)

			in := &State{Tasks: sampleTasks(), Progress: models.BatchProgress{Total: 2, Processed: 1, Successful: 1}, SavedAt: savedAt}
			require.NoError(t, store.Save(ctx, in))
			assert.NotEmpty(t, in.Tasks[0].Preview, "caller's state must not be modified")

			out, err := store.Load(ctx)
			require.NoError(t, err)
			require.Len(t, out.Tasks, 2)
			assert.Empty(t, out.Tasks[0].Preview)
			assert.Equal(t, "c1", out.Tasks[0].MatchedCustomer.ID)
			assert.Equal(t, models.StatusPending, out.Tasks[1].Status)
			assert.Equal(t, 1, out.Progress.Processed)
			assert.True(t, savedAt.Equal(out.SavedAt))

			require.NoError(t, store.Clear(ctx))
			_, err = store.Load(ctx)
			assert.ErrorIs(t, err, ErrNotFound)
			require.NoError(t, store.Clear(ctx))
		})
	}
}

func TestRedisStore_UsesTTL(t *testing.T) {
	store, mr := newRedisStore(t)
	require.NoError(t, store.Save(context.Background(), &State{SavedAt: savedAt}))
	assert.Equal(t, DefaultStaleness, mr.TTL(DefaultKey))

	mr.FastForward(DefaultStaleness + time.Second)
	_, err := store.Load(context.Background())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestManager_LoadResumable(t *testing.T) {
	tests := []struct {
		name     string
		elapsed  time.Duration
		progress models.BatchProgress
		offered  bool
	}{
		{"fresh and unfinished", time.Hour, models.BatchProgress{Total: 10, Processed: 4}, true},
		{"stale", 25 * time.Hour, models.BatchProgress{Total: 10, Processed: 4}, false},
		{"finished", time.Hour, models.BatchProgress{Total: 10, Processed: 10}, false},
		{"empty", time.Hour, models.BatchProgress{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewMemoryStore()
			now := savedAt
			m := NewManager(store, logger.NewTestLogger(), WithClock(func() time.Time { return now }))

			m.Save(context.Background(), sampleTasks(), tt.progress)
			now = savedAt.Add(tt.elapsed)

			state := m.LoadResumable(context.Background())
			if tt.offered {
				require.NotNil(t, state)
				assert.Len(t, state.Tasks, 2)
			} else {
				assert.Nil(t, state)
			}
		})
	}
}

type brokenStore struct{}

func (brokenStore) Save(context.Context, *State) error   { return errors.New("disk full") }
func (brokenStore) Load(context.Context) (*State, error) { return nil, errors.New("corrupt") }
func (brokenStore) Clear(context.Context) error          { return errors.New("read-only") }

type opRecorder struct{ ops []string }

func (r *opRecorder) CheckpointError(op string) { r.ops = append(r.ops, op) }

func TestManager_FailuresAreWarnings(t *testing.T) {
	log := logger.NewTestLogger()
	rec := &opRecorder{}
	m := NewManager(brokenStore{}, log, WithErrorObserver(rec))

	m.Save(context.Background(), sampleTasks(), models.BatchProgress{Total: 2})
	assert.Nil(t, m.LoadResumable(context.Background()))
	m.Clear(context.Background())

	assert.Equal(t, []string{"save", "load", "clear"}, rec.ops)
	assert.True(t, log.HasEntry("WARN", "checkpoint save failed"))
	assert.True(t, log.HasEntry("WARN", "checkpoint load failed"))
}
