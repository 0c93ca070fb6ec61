package reconcile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/feichai0017/document-reconciler/config"
	"github.com/feichai0017/document-reconciler/internal/checkpoint"
	"github.com/feichai0017/document-reconciler/internal/commit"
	"github.com/feichai0017/document-reconciler/internal/imageprep"
	"github.com/feichai0017/document-reconciler/internal/matcher"
	"github.com/feichai0017/document-reconciler/internal/models"
	"github.com/feichai0017/document-reconciler/internal/processor"
	"github.com/feichai0017/document-reconciler/internal/report"
	"github.com/feichai0017/document-reconciler/internal/scheduler"
	"github.com/feichai0017/document-reconciler/internal/taskstore"
	"github.com/feichai0017/document-reconciler/internal/utils/validator"
	"github.com/feichai0017/document-reconciler/pkg/logger"
	"github.com/feichai0017/document-reconciler/pkg/metrics"
	"github.com/feichai0017/document-reconciler/pkg/queue"
	"github.com/feichai0017/document-reconciler/pkg/storage"
)

// IntakePrefix is where uploaded payloads are staged until commit or cleanup.
const IntakePrefix = "intake"

const intakeConcurrency = 4

// Registry is satisfied by *registry.Registry.
type Registry interface {
	commit.Registry
	ListCustomers(ctx context.Context, orgID string) ([]models.Customer, error)
}

// Cleaner schedules the purge of staged payloads. *queue.AsynqQueue
// implements it.
type Cleaner interface {
	EnqueueCleanup(ctx context.Context, payload queue.CleanupPayload) (string, error)
}

// Deps wires a session. Storage, Registry and Recognizer are required.
type Deps struct {
	Config      config.PipelineConfig
	Storage     storage.Storage
	Registry    Registry
	Recognizer  processor.Recognizer
	Checkpoints checkpoint.Store
	Cleaner     Cleaner
	Metrics     *metrics.Metrics
	Logger      logger.Logger
}

type Option func(*Session)

// WithProgress forwards scheduler progress snapshots.
func WithProgress(fn scheduler.ProgressFunc) Option {
	return func(s *Session) { s.onProgress = fn }
}

// WithClock overrides the clock used for checkpoints and cleanup thresholds.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// WithSessionID fixes the session id instead of generating one.
func WithSessionID(id string) Option {
	return func(s *Session) { s.id = id }
}

// customerIndex swaps the registry snapshot atomically so a reload never
// races with a running scan.
type customerIndex struct {
	idx atomic.Pointer[matcher.Index]
}

func (c *customerIndex) Match(identifier string) (models.Customer, bool) {
	idx := c.idx.Load()
	if idx == nil {
		return models.Customer{}, false
	}
	return idx.Match(identifier)
}

func (c *customerIndex) loaded() bool { return c.idx.Load() != nil }

func (c *customerIndex) size() int {
	if idx := c.idx.Load(); idx != nil {
		return idx.Len()
	}
	return 0
}

// Session implements Service.
type Session struct {
	id          string
	cfg         config.PipelineConfig
	tasks       *taskstore.Store
	staging     storage.Storage
	registry    Registry
	customers   customerIndex
	validator   *validator.DocumentValidator
	checkpoints *checkpoint.Manager
	processor   *processor.Processor
	scheduler   *scheduler.Scheduler
	committer   *commit.Committer
	cleaner     Cleaner
	onProgress  scheduler.ProgressFunc
	now         func() time.Time
	logger      logger.Logger

	mu        sync.Mutex
	active    bool
	orgID     string
	carried   models.BatchProgress
	hashes    map[string]string
	lastErr   string
	cancelRun context.CancelFunc
	wg        sync.WaitGroup
}

var _ Service = (*Session)(nil)

// New builds a session.
func New(deps Deps, opts ...Option) (*Session, error) {
	switch {
	case deps.Storage == nil:
		return nil, errors.New("storage is required")
	case deps.Registry == nil:
		return nil, errors.New("registry is required")
	case deps.Recognizer == nil:
		return nil, errors.New("recognizer is required")
	case deps.Logger == nil:
		return nil, errors.New("logger is required")
	}
	if err := deps.Config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pipeline config: %w", err)
	}

	s := &Session{
		id:       uuid.New().String(),
		cfg:      deps.Config,
		staging:  deps.Storage,
		registry: deps.Registry,
		cleaner:  deps.Cleaner,
		now:      time.Now,
		hashes:   make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = deps.Logger.Named("reconcile").With(logger.String("session_id", s.id))

	cfg := deps.Config
	m := deps.Metrics

	s.tasks = taskstore.New(s.logger, taskstore.WithClock(s.now))

	vcfg := validator.DefaultConfig()
	if cfg.Intake.MaxFileSize > 0 {
		vcfg.MaxFileSize = cfg.Intake.MaxFileSize
	}
	vcfg.MinDimension = cfg.Intake.MinDimension
	s.validator = validator.NewDocumentValidator(s.logger, vcfg)

	store := deps.Checkpoints
	if store == nil {
		store = checkpoint.NewMemoryStore()
	}
	cpOpts := []checkpoint.ManagerOption{
		checkpoint.WithStaleness(cfg.Staleness),
		checkpoint.WithClock(s.now),
	}
	if m != nil {
		cpOpts = append(cpOpts, checkpoint.WithErrorObserver(m))
	}
	s.checkpoints = checkpoint.NewManager(store, s.logger, cpOpts...)

	loader := processor.LoaderFunc(func(ctx context.Context, ref string) ([]byte, error) {
		return storage.ReadAll(ctx, s.staging, ref, cfg.Intake.MaxFileSize)
	})

	procOpts := []processor.Option{processor.WithSnippetLength(cfg.SnippetLength)}
	schedOpts := []scheduler.Option{
		scheduler.WithCheckpointer(s.checkpoints),
		scheduler.WithProgress(s.progress),
	}
	commitOpts := []commit.Option{
		commit.WithConcurrency(cfg.CommitConcurrency),
		commit.WithClock(s.now),
	}
	if m != nil {
		procOpts = append(procOpts, processor.WithObserver(m))
		schedOpts = append(schedOpts, scheduler.WithObserver(m))
		commitOpts = append(commitOpts, commit.WithObserver(m))
	}

	s.processor = processor.New(s.tasks, loader, deps.Recognizer, &s.customers, s.logger, procOpts...)
	s.scheduler = scheduler.New(scheduler.Config{
		ChunkSize:  cfg.ChunkSize,
		WaveSize:   cfg.WaveSize,
		WaveDelay:  cfg.WaveDelay,
		ChunkDelay: cfg.ChunkDelay,
		PausePoll:  cfg.PausePoll,
		MaxRetries: cfg.MaxRetries,
	}, s.tasks, s.processor, s.logger, schedOpts...)
	s.committer = commit.New(s.tasks, loader, deps.Storage, deps.Registry, s.logger, commitOpts...)

	return s, nil
}

func (s *Session) ID() string { return s.id }

func (s *Session) progress(p models.BatchProgress, percent int) {
	if s.onProgress != nil {
		s.onProgress(p, percent)
	}
}

// acquire marks the session busy. Runs, retries, commits, restores and
// clears are mutually exclusive.
func (s *Session) acquire() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active {
		return ErrRunInProgress
	}
	s.active = true
	return nil
}

func (s *Session) release() {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()
}

type staged struct {
	file     File
	info     validator.FileInfo
	task     models.Task
	rejected *Rejection
}

// Intake validates and stages files. Accepted files become pending tasks in
// upload order; a rejected file never becomes a task.
func (s *Session) Intake(ctx context.Context, files []File) (*IntakeResult, error) {
	results := s.screen(files)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(intakeConcurrency)
	for i := range results {
		if results[i].rejected != nil {
			continue
		}
		i := i
		g.Go(func() error {
			s.stage(gctx, &results[i])
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := &IntakeResult{Accepted: []models.Task{}, Rejected: []Rejection{}}
	for _, r := range results {
		if r.rejected != nil {
			out.Rejected = append(out.Rejected, *r.rejected)
			continue
		}
		out.Accepted = append(out.Accepted, r.task)
	}
	if err := s.tasks.Add(out.Accepted...); err != nil {
		return nil, fmt.Errorf("failed to add tasks: %w", err)
	}

	s.logger.Info("files intaken",
		logger.Int("accepted", len(out.Accepted)),
		logger.Int("rejected", len(out.Rejected)),
	)
	return out, nil
}

// screen validates files and drops duplicates in upload order.
func (s *Session) screen(files []File) []staged {
	results := make([]staged, len(files))

	s.mu.Lock()
	defer s.mu.Unlock()
	for i, f := range files {
		results[i].file = f
		result := s.validator.Validate(f.Name, f.Data)
		if !result.IsValid {
			results[i].rejected = &Rejection{FileName: f.Name, Reason: result.Reason(), Errors: result.Errors}
			continue
		}
		// 同一会话内去重
		if prev, ok := s.hashes[result.FileInfo.Hash]; ok {
			results[i].rejected = &Rejection{FileName: f.Name, Reason: "duplicate of " + prev}
			continue
		}
		s.hashes[result.FileInfo.Hash] = f.Name
		results[i].info = result.FileInfo
	}
	return results
}

// stage uploads the payload to the staging area and renders its preview.
func (s *Session) stage(ctx context.Context, r *staged) {
	id := uuid.New().String()
	key := fmt.Sprintf("%s/%s/%s%s", IntakePrefix, s.id, id, r.info.Extension)
	if err := s.staging.Store(ctx, key, bytes.NewReader(r.file.Data), r.info.Size, r.info.MimeType); err != nil {
		s.mu.Lock()
		delete(s.hashes, r.info.Hash)
		s.mu.Unlock()
		s.logger.Warn("failed to stage file", logger.String("file", r.file.Name), logger.Error(err))
		r.rejected = &Rejection{FileName: r.file.Name, Reason: "failed to stage file: " + err.Error()}
		return
	}

	r.task = models.Task{
		ID:         id,
		FileName:   r.file.Name,
		PayloadRef: key,
		Preview:    s.preview(r.file.Name, r.info.MimeType, r.file.Data),
		MimeType:   r.info.MimeType,
		Size:       r.info.Size,
		Status:     models.StatusPending,
	}
}

// preview renders a thumbnail. PDFs and formats the decoder cannot read get none.
func (s *Session) preview(name, mimeType string, data []byte) string {
	if mimeType == "application/pdf" || mimeType == "image/webp" {
		return ""
	}
	uri, err := imageprep.Thumbnail(data, s.cfg.PreviewSize)
	if err != nil {
		s.logger.Debug("no preview", logger.String("file", name), logger.Error(err))
		return ""
	}
	return uri
}

// LoadRegistry snapshots the organization's customers for matching.
func (s *Session) LoadRegistry(ctx context.Context, orgID string) (int, error) {
	orgID = strings.TrimSpace(orgID)
	if orgID == "" {
		return 0, ErrEmptyOrganization
	}
	customers, err := s.registry.ListCustomers(ctx, orgID)
	if err != nil {
		return 0, fmt.Errorf("failed to load customers: %w", err)
	}
	idx := matcher.New(customers)
	s.customers.idx.Store(idx)

	s.mu.Lock()
	s.orgID = orgID
	s.mu.Unlock()

	s.logger.Info("registry loaded",
		logger.String("org_id", orgID),
		logger.Int("customers", len(customers)),
		logger.Int("indexed", idx.Len()),
	)
	return idx.Len(), nil
}

// Start runs the batch in the background. The run outlives ctx's
// cancellation; use Stop to end it.
func (s *Session) Start(ctx context.Context) error {
	if !s.customers.loaded() {
		return ErrNoRegistry
	}
	if err := s.acquire(); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.mu.Lock()
	s.cancelRun = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		defer s.release()
		_, _ = s.run(runCtx)
	}()
	return nil
}

// Run processes every pending task and blocks until done, stopped or
// cancelled. Cancelled tasks go back to pending.
func (s *Session) Run(ctx context.Context) (models.BatchProgress, error) {
	if !s.customers.loaded() {
		return s.scheduler.Progress(), ErrNoRegistry
	}
	if err := s.acquire(); err != nil {
		return s.scheduler.Progress(), err
	}
	defer s.release()
	return s.run(ctx)
}

func (s *Session) run(ctx context.Context) (models.BatchProgress, error) {
	s.mu.Lock()
	carried := s.carried
	s.carried = models.BatchProgress{}
	s.lastErr = ""
	s.mu.Unlock()

	p, err := s.scheduler.RunFrom(ctx, carried)
	if err != nil {
		s.mu.Lock()
		s.lastErr = err.Error()
		s.mu.Unlock()
	}
	return p, err
}

func (s *Session) Pause()  { s.scheduler.Pause() }
func (s *Session) Resume() { s.scheduler.Resume() }
func (s *Session) Stop()   { s.scheduler.Stop() }

// Wait blocks until a background run started by Start returns.
func (s *Session) Wait() { s.wg.Wait() }

func (s *Session) Status() Status {
	s.mu.Lock()
	st := Status{
		SessionID: s.id,
		OrgID:     s.orgID,
		Running:   s.active,
		LastError: s.lastErr,
	}
	s.mu.Unlock()

	st.Customers = s.customers.size()
	st.Counts = s.tasks.Counts()
	st.Progress = s.scheduler.Progress()
	if s.tasks.Len() == 0 {
		st.Progress = models.BatchProgress{Paused: st.Progress.Paused}
	}
	st.Percent = st.Progress.Percent()
	return st
}

func (s *Session) Tasks(statuses ...models.Status) []models.Task {
	return s.tasks.List(statuses...)
}

func (s *Session) Task(id string) (models.Task, error) {
	return s.tasks.Get(id)
}

// RetryFailed re-runs failed tasks that still have attempts left.
func (s *Session) RetryFailed(ctx context.Context) (int, models.BatchProgress, error) {
	if !s.customers.loaded() {
		return 0, s.scheduler.Progress(), ErrNoRegistry
	}
	if err := s.acquire(); err != nil {
		return 0, s.scheduler.Progress(), err
	}
	defer s.release()
	return s.scheduler.RetryFailed(ctx)
}

// RetryTask sends one failed task back to pending and scans it right away.
// It shares the MaxRetries cap with RetryFailed.
func (s *Session) RetryTask(ctx context.Context, id string) (models.Task, error) {
	if !s.customers.loaded() {
		return models.Task{}, ErrNoRegistry
	}
	if err := s.acquire(); err != nil {
		return models.Task{}, err
	}
	defer s.release()

	task, err := s.tasks.Get(id)
	if err != nil {
		return models.Task{}, err
	}
	if task.RetryCount >= s.cfg.MaxRetries {
		return task, fmt.Errorf("%w: %d of %d used", ErrRetriesExhausted, task.RetryCount, s.cfg.MaxRetries)
	}
	if _, err := s.tasks.Apply(id, taskstore.Retry()); err != nil {
		return models.Task{}, err
	}
	return s.processor.Process(ctx, id), nil
}

// ResetTask is the operator's reset to pending.
func (s *Session) ResetTask(id string) (models.Task, error) {
	return s.tasks.Apply(id, taskstore.Reset())
}

// ManualMatch matches a failed task with an operator-entered identifier.
func (s *Session) ManualMatch(id, identifier string) (models.Task, error) {
	if !s.customers.loaded() {
		return models.Task{}, ErrNoRegistry
	}
	normalized := matcher.Normalize(identifier)
	customer, ok := s.customers.Match(normalized)
	if !ok {
		return models.Task{}, fmt.Errorf("%w: %s", ErrUnknownIdentifier, normalized)
	}
	return s.tasks.Apply(id, taskstore.ManualMatch(normalized, customer.Ref()))
}

// DeleteTask removes a task and its staged payload. Committed artifacts are
// kept.
func (s *Session) DeleteTask(ctx context.Context, id string) error {
	t, err := s.tasks.Get(id)
	if err != nil {
		return err
	}
	if t.Status == models.StatusScanning {
		return ErrTaskBusy
	}
	if err := s.tasks.Remove(id); err != nil {
		return err
	}
	if err := s.staging.Delete(context.WithoutCancel(ctx), t.PayloadRef); err != nil {
		s.logger.Warn("failed to delete staged payload",
			logger.String("task_id", id),
			logger.String("ref", t.PayloadRef),
			logger.Error(err),
		)
	}
	return nil
}

// ClearBatch drops every task and the checkpoint, and purges staged
// payloads. It returns the ids of queued cleanup jobs, if any.
func (s *Session) ClearBatch(ctx context.Context) ([]string, error) {
	if err := s.acquire(); err != nil {
		return nil, err
	}
	defer s.release()

	prefixes := s.stagingPrefixes()
	s.tasks.Clear()
	s.checkpoints.Clear(ctx)

	s.mu.Lock()
	s.hashes = make(map[string]string)
	s.carried = models.BatchProgress{}
	s.lastErr = ""
	s.mu.Unlock()

	var jobs []string
	for _, prefix := range prefixes {
		if s.cleaner != nil {
			id, err := s.cleaner.EnqueueCleanup(ctx, queue.CleanupPayload{Prefix: prefix})
			if err == nil {
				jobs = append(jobs, id)
				continue
			}
			s.logger.Warn("failed to enqueue cleanup, purging inline",
				logger.String("prefix", prefix),
				logger.Error(err),
			)
		}
		n, err := s.staging.CleanupBefore(ctx, prefix, s.now().Add(time.Minute))
		if err != nil {
			s.logger.Warn("failed to purge staged payloads", logger.String("prefix", prefix), logger.Error(err))
			continue
		}
		s.logger.Debug("staged payloads purged", logger.String("prefix", prefix), logger.Int("removed", n))
	}

	s.logger.Info("batch cleared", logger.Int("cleanup_jobs", len(jobs)))
	return jobs, nil
}

// stagingPrefixes lists this session's prefix plus those of restored tasks.
func (s *Session) stagingPrefixes() []string {
	set := map[string]struct{}{fmt.Sprintf("%s/%s/", IntakePrefix, s.id): {}}
	for _, t := range s.tasks.List() {
		if strings.HasPrefix(t.PayloadRef, IntakePrefix+"/") {
			set[path.Dir(t.PayloadRef)+"/"] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Commit uploads every matched task and merges extracted fields.
func (s *Session) Commit(ctx context.Context) (commit.Summary, error) {
	if err := s.acquire(); err != nil {
		return commit.Summary{}, err
	}
	defer s.release()
	return s.committer.CommitAll(ctx), nil
}

// CommitTask commits one matched task. A failed commit returns the task
// as recorded together with the error.
func (s *Session) CommitTask(ctx context.Context, id string) (models.Task, error) {
	if err := s.acquire(); err != nil {
		return models.Task{}, err
	}
	defer s.release()
	err := s.committer.Commit(ctx, id)
	t, gerr := s.tasks.Get(id)
	if gerr != nil {
		return models.Task{}, gerr
	}
	return t, err
}

// WriteReport writes the failure report in csv or xlsx.
func (s *Session) WriteReport(w io.Writer, format string) error {
	tasks := s.tasks.List()
	switch strings.ToLower(format) {
	case FormatCSV, "":
		return report.WriteCSV(w, tasks)
	case FormatXLSX:
		return report.WriteXLSX(w, tasks, s.Status().Progress)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
}

// ResumeOffer returns the stored checkpoint if it can be resumed.
func (s *Session) ResumeOffer(ctx context.Context) *Offer {
	state := s.checkpoints.LoadResumable(ctx)
	if state == nil {
		return nil
	}
	return &Offer{SavedAt: state.SavedAt, Progress: state.Progress, Tasks: len(state.Tasks)}
}

// Restore replaces the batch with the checkpointed one. Tasks caught
// mid-scan go back to pending and previews are rendered again from the
// staged payloads. The next run continues the stored counters.
func (s *Session) Restore(ctx context.Context) (*Offer, error) {
	if err := s.acquire(); err != nil {
		return nil, err
	}
	defer s.release()

	state := s.checkpoints.LoadResumable(ctx)
	if state == nil {
		return nil, ErrNoCheckpoint
	}

	tasks := make([]models.Task, len(state.Tasks))
	for i, t := range state.Tasks {
		if t.Status == models.StatusScanning {
			t.Status = models.StatusPending
		}
		if t.Status == models.StatusPending {
			t.Progress = 0
		}
		if t.Preview == "" && t.PayloadRef != "" {
			if data, err := storage.ReadAll(ctx, s.staging, t.PayloadRef, s.cfg.Intake.MaxFileSize); err == nil {
				t.Preview = s.preview(t.FileName, t.MimeType, data)
			} else {
				s.logger.Debug("payload unavailable for preview", logger.String("task_id", t.ID), logger.Error(err))
			}
		}
		tasks[i] = t
	}
	if err := s.tasks.Replace(tasks); err != nil {
		return nil, fmt.Errorf("failed to restore tasks: %w", err)
	}

	carried := state.Progress
	carried.InProgress = 0
	carried.Paused = false
	carried.Stopped = false
	s.mu.Lock()
	s.carried = carried
	s.hashes = make(map[string]string)
	s.mu.Unlock()

	s.logger.Info("checkpoint restored",
		logger.Int("tasks", len(tasks)),
		logger.Int("processed", carried.Processed),
		logger.Int("total", carried.Total),
	)
	return &Offer{SavedAt: state.SavedAt, Progress: state.Progress, Tasks: len(tasks)}, nil
}

// DiscardCheckpoint drops the stored checkpoint.
func (s *Session) DiscardCheckpoint(ctx context.Context) {
	s.checkpoints.Clear(ctx)
}

// Close stops a background run, waits for it and releases the task store.
func (s *Session) Close() {
	s.scheduler.Stop()
	s.mu.Lock()
	cancel := s.cancelRun
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	s.tasks.Close()
}
