package reconcile

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"image"
	"image/color"
	"image/png"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/document-reconciler/config"
	"github.com/feichai0017/document-reconciler/internal/checkpoint"
	"github.com/feichai0017/document-reconciler/internal/models"
	"github.com/feichai0017/document-reconciler/internal/ocr"
	"github.com/feichai0017/document-reconciler/internal/registry"
	"github.com/feichai0017/document-reconciler/pkg/logger"
	"github.com/feichai0017/document-reconciler/pkg/queue"
	"github.com/feichai0017/document-reconciler/pkg/storage"
)

type fakeRegistry struct {
	mu        sync.Mutex
	customers []models.Customer
	docs      []models.CustomerDocument
	updates   map[string]map[string]any
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		customers: []models.Customer{
			{ID: "c1", OrgID: "org", Name: "Sara Ahmed", NationalID: "29012345678"},
			{ID: "c2", OrgID: "org", Name: "Omar Ali", NationalID: "28505051234"},
			{ID: "c9", OrgID: "other", Name: "Nour", NationalID: "27701011234"},
		},
		updates: make(map[string]map[string]any),
	}
}

func (r *fakeRegistry) ListCustomers(_ context.Context, orgID string) ([]models.Customer, error) {
	var out []models.Customer
	for _, c := range r.customers {
		if c.OrgID == orgID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (r *fakeRegistry) Capabilities(context.Context) registry.Capabilities {
	return registry.Guaranteed()
}

func (r *fakeRegistry) UpdateCustomer(_ context.Context, id string, fields map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates[id] = fields
	return nil
}

func (r *fakeRegistry) InsertDocument(_ context.Context, doc *models.CustomerDocument) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.docs = append(r.docs, *doc)
	return nil
}

// fakeOCR answers by file name. The file named slow waits for block.
type fakeOCR struct {
	mu    sync.Mutex
	texts map[string]string
	fail  map[string]bool
	block chan struct{}
	slow  string
}

func (f *fakeOCR) Recognize(ctx context.Context, img ocr.Image, progress ocr.ProgressFunc) (*ocr.Result, error) {
	if img.FileName == f.slow && f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	progress(50)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[img.FileName] {
		return nil, errors.New("unreadable")
	}
	return &ocr.Result{Text: f.texts[img.FileName], Confidence: 0.9, Backend: "fake"}, nil
}

func (f *fakeOCR) set(name, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts[name] = text
	delete(f.fail, name)
}

type fakeCleaner struct {
	prefixes []string
	err      error
}

func (c *fakeCleaner) EnqueueCleanup(_ context.Context, p queue.CleanupPayload) (string, error) {
	if c.err != nil {
		return "", c.err
	}
	c.prefixes = append(c.prefixes, p.Prefix)
	return "job-" + p.Prefix, nil
}

// card renders a distinct PNG large enough to pass intake validation.
func card(t *testing.T, seed uint8) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 320, 320))
	img.SetGray(0, 0, color.Gray{Y: seed})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func testConfig() config.PipelineConfig {
	cfg := config.DefaultPipelineConfig()
	cfg.WaveDelay = 0
	cfg.ChunkDelay = 0
	cfg.PausePoll = time.Millisecond
	cfg.Checkpoint.Backend = config.CheckpointMemory
	cfg.PreviewSize = 32
	return cfg
}

type harness struct {
	session *Session
	store   *storage.MemoryStorage
	reg     *fakeRegistry
	ocr     *fakeOCR
	cps     *checkpoint.MemoryStore
}

func newHarness(t *testing.T, opts ...func(*Deps)) *harness {
	t.Helper()
	h := &harness{
		store: storage.NewMemoryStorage(),
		reg:   newFakeRegistry(),
		ocr: &fakeOCR{
			texts: map[string]string{
				"sara.png":     "ID No: 29012345678  Name: SARA AHMED  D.O.B 01-02-1990",
				"stranger.png": "ID No: 21111111111  Name: NOBODY",
			},
			fail: map[string]bool{"blurry.png": true},
		},
		cps: checkpoint.NewMemoryStore(),
	}
	deps := Deps{
		Config:      testConfig(),
		Storage:     h.store,
		Registry:    h.reg,
		Recognizer:  h.ocr,
		Checkpoints: h.cps,
		Logger:      logger.NewTestLogger(),
	}
	for _, o := range opts {
		o(&deps)
	}
	s, err := New(deps, WithSessionID("s1"))
	require.NoError(t, err)
	t.Cleanup(s.Close)
	h.session = s
	return h
}

func (h *harness) intake(t *testing.T, names ...string) []models.Task {
	t.Helper()
	files := make([]File, len(names))
	for i, n := range names {
		files[i] = File{Name: n, Data: card(t, uint8(i+1))}
	}
	res, err := h.session.Intake(context.Background(), files)
	require.NoError(t, err)
	require.Empty(t, res.Rejected)
	return res.Accepted
}

func byName(tasks []models.Task) map[string]models.Task {
	out := make(map[string]models.Task, len(tasks))
	for _, t := range tasks {
		out[t.FileName] = t
	}
	return out
}

func TestIntake(t *testing.T) {
	h := newHarness(t)
	good := card(t, 1)

	res, err := h.session.Intake(context.Background(), []File{
		{Name: "sara.png", Data: good},
		{Name: "notes.txt", Data: []byte("hello")},
		{Name: "copy.png", Data: good},
		{Name: "omar.png", Data: card(t, 2)},
	})
	require.NoError(t, err)

	require.Len(t, res.Accepted, 2)
	assert.Equal(t, "sara.png", res.Accepted[0].FileName)
	assert.Equal(t, "omar.png", res.Accepted[1].FileName)
	for _, task := range res.Accepted {
		assert.Equal(t, models.StatusPending, task.Status)
		assert.Equal(t, "image/png", task.MimeType)
		assert.True(t, strings.HasPrefix(task.PayloadRef, "intake/s1/"+task.ID))
		assert.True(t, strings.HasPrefix(task.Preview, "data:image/jpeg;base64,"))
	}

	require.Len(t, res.Rejected, 2)
	assert.Equal(t, "notes.txt", res.Rejected[0].FileName)
	assert.Equal(t, "duplicate of sara.png", res.Rejected[1].Reason)

	assert.Len(t, h.store.Keys(), 2)
	assert.Len(t, h.session.Tasks(), 2)
}

func TestRun_RequiresRegistry(t *testing.T) {
	h := newHarness(t)
	h.intake(t, "sara.png")

	_, err := h.session.Run(context.Background())
	assert.ErrorIs(t, err, ErrNoRegistry)
	assert.ErrorIs(t, h.session.Start(context.Background()), ErrNoRegistry)

	_, err = h.session.LoadRegistry(context.Background(), "  ")
	assert.ErrorIs(t, err, ErrEmptyOrganization)
}

func TestSession_EndToEnd(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.intake(t, "sara.png", "stranger.png", "blurry.png")

	n, err := h.session.LoadRegistry(ctx, "org")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	p, err := h.session.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, p.Total)
	assert.Equal(t, 3, p.Processed)
	assert.Equal(t, 1, p.Successful)
	assert.Equal(t, 2, p.Failed)

	tasks := byName(h.session.Tasks())
	assert.Equal(t, models.StatusMatched, tasks["sara.png"].Status)
	assert.Equal(t, "c1", tasks["sara.png"].MatchedCustomer.ID)
	assert.Equal(t, models.StatusNotFound, tasks["stranger.png"].Status)
	assert.Equal(t, models.KindNotFound, tasks["stranger.png"].LastErrorKind)
	assert.Equal(t, models.StatusError, tasks["blurry.png"].Status)
	assert.Equal(t, models.KindOCRFailed, tasks["blurry.png"].LastErrorKind)

	st := h.session.Status()
	assert.Equal(t, 100, st.Percent)
	assert.Equal(t, 2, st.Customers)
	assert.False(t, st.Running)

	// 报告只包含未上传的任务
	var buf bytes.Buffer
	require.NoError(t, h.session.WriteReport(&buf, FormatCSV))
	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	assert.Len(t, rows, 4)

	// 人工录入证件号
	_, err = h.session.ManualMatch(tasks["stranger.png"].ID, "99999999999")
	assert.ErrorIs(t, err, ErrUnknownIdentifier)
	matched, err := h.session.ManualMatch(tasks["stranger.png"].ID, "285 0505 1234")
	require.NoError(t, err)
	assert.Equal(t, models.StatusMatched, matched.Status)
	assert.Equal(t, "28505051234", matched.ExtractedIdentifier)

	sum, err := h.session.Commit(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Committed)
	assert.Zero(t, sum.Failed)

	tasks = byName(h.session.Tasks())
	assert.Equal(t, models.StatusUploaded, tasks["sara.png"].Status)
	assert.True(t, strings.HasPrefix(tasks["sara.png"].ArtifactPath, "customer-documents/c1/"))
	assert.Len(t, h.reg.docs, 2)
	assert.Equal(t, "SARA AHMED", h.reg.updates["c1"]["name"])

	buf.Reset()
	require.NoError(t, h.session.WriteReport(&buf, FormatXLSX))
	assert.NotZero(t, buf.Len())
	assert.ErrorIs(t, h.session.WriteReport(&buf, "pdf"), ErrUnsupportedFormat)
}

func TestRetryTask(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.intake(t, "blurry.png")
	_, err := h.session.LoadRegistry(ctx, "org")
	require.NoError(t, err)
	_, err = h.session.Run(ctx)
	require.NoError(t, err)

	id := h.session.Tasks()[0].ID
	h.ocr.set("blurry.png", "ID No: 29012345678")

	task, err := h.session.RetryTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusMatched, task.Status)
	assert.Equal(t, 1, task.RetryCount)

	_, err = h.session.RetryTask(ctx, id)
	assert.Error(t, err, "matched tasks cannot be retried")

	reset, err := h.session.ResetTask(id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, reset.Status)
	assert.Zero(t, reset.RetryCount)
}

func TestRetryTask_Capped(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.intake(t, "blurry.png")
	_, err := h.session.LoadRegistry(ctx, "org")
	require.NoError(t, err)
	_, err = h.session.Run(ctx)
	require.NoError(t, err)

	id := h.session.Tasks()[0].ID
	for i := 1; i <= 3; i++ {
		task, err := h.session.RetryTask(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.StatusError, task.Status)
		assert.Equal(t, i, task.RetryCount)
	}

	task, err := h.session.RetryTask(ctx, id)
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.Equal(t, 3, task.RetryCount)
	assert.Equal(t, models.StatusError, task.Status)

	// 重置后重新计数
	_, err = h.session.ResetTask(id)
	require.NoError(t, err)
	_, err = h.session.Run(ctx)
	require.NoError(t, err)
	_, err = h.session.RetryTask(ctx, id)
	assert.NoError(t, err)
}

func TestRetryFailed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.intake(t, "sara.png", "blurry.png")
	_, err := h.session.LoadRegistry(ctx, "org")
	require.NoError(t, err)
	_, err = h.session.Run(ctx)
	require.NoError(t, err)

	h.ocr.set("blurry.png", "ID No: 28505051234")
	n, p, err := h.session.RetryFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, p.Successful)
	assert.Len(t, h.session.Tasks(models.StatusMatched), 2)
}

func TestStart_ExclusiveRun(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.ocr.slow = "sara.png"
	h.ocr.block = make(chan struct{})
	h.intake(t, "sara.png")
	_, err := h.session.LoadRegistry(ctx, "org")
	require.NoError(t, err)

	require.NoError(t, h.session.Start(ctx))
	assert.True(t, h.session.Status().Running)

	assert.ErrorIs(t, h.session.Start(ctx), ErrRunInProgress)
	_, err = h.session.Run(ctx)
	assert.ErrorIs(t, err, ErrRunInProgress)
	_, err = h.session.Commit(ctx)
	assert.ErrorIs(t, err, ErrRunInProgress)
	_, err = h.session.ClearBatch(ctx)
	assert.ErrorIs(t, err, ErrRunInProgress)

	id := h.session.Tasks()[0].ID
	require.Eventually(t, func() bool {
		task, _ := h.session.Task(id)
		return task.Status == models.StatusScanning
	}, time.Second, time.Millisecond)
	assert.ErrorIs(t, h.session.DeleteTask(ctx, id), ErrTaskBusy)

	close(h.ocr.block)
	h.session.Wait()

	st := h.session.Status()
	assert.False(t, st.Running)
	assert.Empty(t, st.LastError)
	assert.Equal(t, 1, st.Counts[models.StatusMatched])
}

func TestRestore(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	payload := card(t, 7)
	for _, key := range []string{"intake/old/t1.png", "intake/old/t2.png", "intake/old/t3.png"} {
		require.NoError(t, h.store.Store(ctx, key, bytes.NewReader(payload), int64(len(payload)), "image/png"))
	}
	saved := &checkpoint.State{
		Tasks: []models.Task{
			{ID: "t1", FileName: "done.png", PayloadRef: "intake/old/t1.png", MimeType: "image/png", Status: models.StatusMatched,
				MatchedCustomer: &models.CustomerRef{ID: "c1", OrgID: "org"}},
			{ID: "t2", FileName: "sara.png", PayloadRef: "intake/old/t2.png", MimeType: "image/png", Status: models.StatusScanning, Progress: 40},
			{ID: "t3", FileName: "stranger.png", PayloadRef: "intake/old/t3.png", MimeType: "image/png", Status: models.StatusPending},
		},
		Progress: models.BatchProgress{Total: 3, Processed: 1, Successful: 1, InProgress: 1, Pending: 1, Stopped: true},
		SavedAt:  time.Now().Add(-time.Hour),
	}
	require.NoError(t, h.cps.Save(ctx, saved))

	offer := h.session.ResumeOffer(ctx)
	require.NotNil(t, offer)
	assert.Equal(t, 3, offer.Tasks)
	assert.Equal(t, 1, offer.Progress.Processed)

	_, err := h.session.Restore(ctx)
	require.NoError(t, err)

	tasks := byName(h.session.Tasks())
	assert.Equal(t, models.StatusPending, tasks["sara.png"].Status)
	assert.Zero(t, tasks["sara.png"].Progress)
	assert.NotEmpty(t, tasks["sara.png"].Preview)

	_, err = h.session.LoadRegistry(ctx, "org")
	require.NoError(t, err)
	p, err := h.session.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, p.Total)
	assert.Equal(t, 3, p.Processed)
	assert.Equal(t, 2, p.Successful)
	assert.Equal(t, 1, p.Failed)

	assert.Nil(t, h.session.ResumeOffer(ctx), "finished run clears the checkpoint")
	_, err = h.session.Restore(ctx)
	assert.ErrorIs(t, err, ErrNoCheckpoint)
}

func TestRestore_Stale(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.cps.Save(ctx, &checkpoint.State{
		Tasks:    []models.Task{{ID: "t1", Status: models.StatusPending}},
		Progress: models.BatchProgress{Total: 2, Processed: 1},
		SavedAt:  time.Now().Add(-25 * time.Hour),
	}))
	assert.Nil(t, h.session.ResumeOffer(ctx))

	require.NoError(t, h.cps.Save(ctx, &checkpoint.State{
		Tasks:    []models.Task{{ID: "t1", Status: models.StatusPending}},
		Progress: models.BatchProgress{Total: 2, Processed: 1},
		SavedAt:  time.Now(),
	}))
	require.NotNil(t, h.session.ResumeOffer(ctx))
	h.session.DiscardCheckpoint(ctx)
	assert.Nil(t, h.session.ResumeOffer(ctx))
}

func TestDeleteTask(t *testing.T) {
	h := newHarness(t)
	tasks := h.intake(t, "sara.png", "omar.png")

	require.NoError(t, h.session.DeleteTask(context.Background(), tasks[0].ID))
	assert.Len(t, h.session.Tasks(), 1)
	assert.Equal(t, []string{tasks[1].PayloadRef}, h.store.Keys())
	assert.Error(t, h.session.DeleteTask(context.Background(), tasks[0].ID))
}

func TestClearBatch(t *testing.T) {
	t.Run("queued cleanup", func(t *testing.T) {
		cleaner := &fakeCleaner{}
		h := newHarness(t, func(d *Deps) { d.Cleaner = cleaner })
		h.intake(t, "sara.png")

		jobs, err := h.session.ClearBatch(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []string{"job-intake/s1/"}, jobs)
		assert.Empty(t, h.session.Tasks())
		assert.Zero(t, h.session.Status().Progress.Total)
		// 由 worker 清理
		assert.Len(t, h.store.Keys(), 1)
	})

	t.Run("inline fallback", func(t *testing.T) {
		cleaner := &fakeCleaner{err: errors.New("redis down")}
		h := newHarness(t, func(d *Deps) { d.Cleaner = cleaner })
		h.intake(t, "sara.png", "omar.png")

		jobs, err := h.session.ClearBatch(context.Background())
		require.NoError(t, err)
		assert.Empty(t, jobs)
		assert.Empty(t, h.store.Keys())

		// 清空后可以重新上传相同文件
		h.intake(t, "sara.png")
	})
}
