package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/document-reconciler/internal/models"
	"github.com/feichai0017/document-reconciler/internal/taskstore"
	"github.com/feichai0017/document-reconciler/pkg/logger"
)

// fakeProcessor settles tasks according to outcome, keyed by task id.
type fakeProcessor struct {
	store   *taskstore.Store
	outcome map[string]models.Status
	delay   time.Duration
	block   bool

	active, peak atomic.Int32
	mu           sync.Mutex
	order        []string
}

func (f *fakeProcessor) Process(ctx context.Context, id string) models.Task {
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	f.mu.Lock()
	f.order = append(f.order, id)
	f.mu.Unlock()

	if _, err := f.store.Apply(id, taskstore.Scanning()); err != nil {
		t, _ := f.store.Get(id)
		return t
	}
	if f.block {
		<-ctx.Done()
		t, _ := f.store.Apply(id, taskstore.Cancelled())
		return t
	}
	time.Sleep(f.delay)

	var tr taskstore.Transition
	switch f.outcome[id] {
	case models.StatusError:
		tr = taskstore.Failed(models.KindOCRFailed, "unreadable")
	case models.StatusNotFound:
		tr = taskstore.NotFound(taskstore.Scan{Identifier: "29099999999"}, models.KindNotFound, "no match")
	default:
		tr = taskstore.Matched(taskstore.Scan{Identifier: "29012345678"}, &models.CustomerRef{ID: "c1"})
	}
	t, _ := f.store.Apply(id, tr)
	return t
}

type fakeCheckpoints struct {
	mu      sync.Mutex
	saves   []models.BatchProgress
	cleared int
}

func (c *fakeCheckpoints) Save(_ context.Context, _ []models.Task, p models.BatchProgress) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.saves = append(c.saves, p)
}

func (c *fakeCheckpoints) Clear(context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleared++
}

func fastConfig() Config {
	return Config{ChunkSize: 4, WaveSize: 2, PausePoll: 5 * time.Millisecond, MaxRetries: 3}
}

func newStore(t *testing.T, n int) *taskstore.Store {
	t.Helper()
	store := taskstore.New(logger.NewTestLogger())
	t.Cleanup(store.Close)
	for i := 0; i < n; i++ {
		require.NoError(t, store.Add(models.Task{ID: fmt.Sprintf("t%02d", i), FileName: fmt.Sprintf("f%02d.jpg", i)}))
	}
	return store
}

func TestRun_EmptyQueueIsNoop(t *testing.T) {
	store := newStore(t, 0)
	cp := &fakeCheckpoints{}
	calls := 0
	s := New(fastConfig(), store, &fakeProcessor{store: store}, logger.NewTestLogger(),
		WithCheckpointer(cp),
		WithProgress(func(models.BatchProgress, int) { calls++ }),
	)

	p, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.BatchProgress{}, p)
	assert.Zero(t, calls)
	assert.Empty(t, cp.saves)
	assert.Zero(t, cp.cleared)
}

func TestRun_ChunksAndCounters(t *testing.T) {
	store := newStore(t, 10)
	proc := &fakeProcessor{store: store, delay: 5 * time.Millisecond, outcome: map[string]models.Status{
		"t01": models.StatusError,
		"t04": models.StatusNotFound,
		"t09": models.StatusError,
	}}
	cp := &fakeCheckpoints{}
	var snapshots []models.BatchProgress
	s := New(fastConfig(), store, proc, logger.NewTestLogger(),
		WithCheckpointer(cp),
		WithProgress(func(p models.BatchProgress, _ int) { snapshots = append(snapshots, p) }),
	)

	final, err := s.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 10, final.Total)
	assert.Equal(t, 10, final.Processed)
	assert.Equal(t, 7, final.Successful)
	assert.Equal(t, 3, final.Failed)
	assert.Equal(t, 3, final.TotalChunks)
	assert.Equal(t, 100, final.Percent())

	require.Len(t, snapshots, 3)
	for _, p := range snapshots {
		assert.Equal(t, p.Successful+p.Failed, p.Processed)
		assert.Equal(t, p.Total-p.Processed, p.Pending)
		assert.Zero(t, p.InProgress)
	}
	assert.Equal(t, []int{4, 8, 10}, []int{snapshots[0].Processed, snapshots[1].Processed, snapshots[2].Processed})

	assert.Len(t, cp.saves, 3)
	assert.Equal(t, 1, cp.cleared)
	assert.LessOrEqual(t, proc.peak.Load(), int32(2))
	assert.Empty(t, store.List(models.StatusPending))
	assert.ElementsMatch(t, []string{"t00", "t01"}, proc.order[:2])
}

func TestRun_WaveSmallerThanChunk(t *testing.T) {
	store := newStore(t, 4)
	proc := &fakeProcessor{store: store, delay: 10 * time.Millisecond}
	cfg := fastConfig()
	cfg.WaveSize = cfg.ChunkSize
	s := New(cfg, store, proc, logger.NewTestLogger())

	final, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, final.Successful)
	assert.LessOrEqual(t, proc.peak.Load(), int32(cfg.ChunkSize-1))
}

func TestRun_FailureDoesNotAffectOthers(t *testing.T) {
	store := newStore(t, 5)
	proc := &fakeProcessor{store: store, outcome: map[string]models.Status{"t02": models.StatusError}}
	s := New(fastConfig(), store, proc, logger.NewTestLogger())

	_, err := s.Run(context.Background())
	require.NoError(t, err)
	for _, task := range store.List() {
		assert.True(t, task.Status.IsSettled(), task.ID)
	}
	assert.Len(t, store.List(models.StatusError), 1)
}

func TestRun_StopKeepsCheckpoint(t *testing.T) {
	store := newStore(t, 10)
	cp := &fakeCheckpoints{}
	var (
		s    *Scheduler
		once sync.Once
	)
	s = New(fastConfig(), store, &fakeProcessor{store: store}, logger.NewTestLogger(),
		WithCheckpointer(cp),
		WithProgress(func(models.BatchProgress, int) { once.Do(s.Stop) }),
	)

	p, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, p.Stopped)
	assert.Equal(t, 4, p.Processed)
	assert.Len(t, store.List(models.StatusPending), 6)
	assert.Len(t, cp.saves, 1)
	assert.Zero(t, cp.cleared)

	// a later run picks up where the stopped one left off
	p, err = s.RunFrom(context.Background(), p)
	require.NoError(t, err)
	assert.False(t, p.Stopped)
	assert.Equal(t, 10, p.Total)
	assert.Equal(t, 10, p.Processed)
}

func TestRun_PauseHoldsNextChunk(t *testing.T) {
	store := newStore(t, 4)
	proc := &fakeProcessor{store: store}
	s := New(fastConfig(), store, proc, logger.NewTestLogger())
	s.Pause()

	done := make(chan models.BatchProgress)
	go func() {
		p, _ := s.Run(context.Background())
		done <- p
	}()

	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, proc.order)
	assert.True(t, s.Progress().Paused)
	assert.True(t, s.Running())

	s.Resume()
	select {
	case p := <-done:
		assert.Equal(t, 4, p.Processed)
		assert.False(t, p.Paused)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not resume")
	}
}

func TestRun_RejectsConcurrentRun(t *testing.T) {
	store := newStore(t, 2)
	s := New(fastConfig(), store, &fakeProcessor{store: store}, logger.NewTestLogger())
	s.Pause()

	go func() { _, _ = s.Run(context.Background()) }()
	require.Eventually(t, s.Running, time.Second, time.Millisecond)

	_, err := s.Run(context.Background())
	assert.ErrorIs(t, err, ErrRunInProgress)
	s.Stop()
	require.Eventually(t, func() bool { return !s.Running() }, time.Second, time.Millisecond)
}

func TestRun_CancelLeavesTasksPending(t *testing.T) {
	store := newStore(t, 3)
	cp := &fakeCheckpoints{}
	s := New(fastConfig(), store, &fakeProcessor{store: store, block: true}, logger.NewTestLogger(), WithCheckpointer(cp))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	p, err := s.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, p.Stopped)
	assert.Zero(t, p.Processed)
	assert.Len(t, store.List(models.StatusPending), 3)
	assert.Zero(t, cp.cleared)
}

func TestRunFrom_CarriesCounters(t *testing.T) {
	store := newStore(t, 3)
	s := New(fastConfig(), store, &fakeProcessor{store: store}, logger.NewTestLogger())

	p, err := s.RunFrom(context.Background(), models.BatchProgress{Total: 8, Processed: 5, Successful: 4, Failed: 1})
	require.NoError(t, err)
	assert.Equal(t, 8, p.Total)
	assert.Equal(t, 8, p.Processed)
	assert.Equal(t, 7, p.Successful)
	assert.Equal(t, 1, p.Failed)
}

func TestRun_UploadedTasksAreLeftAlone(t *testing.T) {
	store := newStore(t, 0)
	require.NoError(t, store.Add(models.Task{ID: "done", Status: models.StatusUploaded}))
	before, _ := store.Get("done")

	proc := &fakeProcessor{store: store}
	_, err := New(fastConfig(), store, proc, logger.NewTestLogger()).Run(context.Background())
	require.NoError(t, err)

	after, _ := store.Get("done")
	assert.Equal(t, before, after)
	assert.Empty(t, proc.order)
}

func TestRetryFailed(t *testing.T) {
	store := newStore(t, 3)
	proc := &fakeProcessor{store: store, outcome: map[string]models.Status{
		"t00": models.StatusError,
		"t01": models.StatusNotFound,
	}}
	cfg := fastConfig()
	cfg.MaxRetries = 1
	s := New(cfg, store, proc, logger.NewTestLogger())

	_, err := s.Run(context.Background())
	require.NoError(t, err)

	proc.outcome = map[string]models.Status{"t01": models.StatusNotFound}
	n, p, err := s.RetryFailed(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, p.Total)
	assert.Equal(t, 1, p.Successful)

	t0, _ := store.Get("t00")
	assert.Equal(t, models.StatusMatched, t0.Status)
	t1, _ := store.Get("t01")
	assert.Equal(t, models.StatusNotFound, t1.Status)
	assert.Equal(t, 1, t1.RetryCount)

	// t01 has used its retries
	n, _, err = s.RetryFailed(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}
