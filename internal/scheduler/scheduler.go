// Package scheduler runs the pending tasks of a batch in chunks and waves.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/feichai0017/document-reconciler/internal/models"
	"github.com/feichai0017/document-reconciler/internal/taskstore"
	"github.com/feichai0017/document-reconciler/pkg/logger"
)

// ErrRunInProgress is returned when a run is started while another is active.
var ErrRunInProgress = errors.New("a run is already in progress")

// Config sizes chunks and waves and paces them.
type Config struct {
	ChunkSize  int
	WaveSize   int
	WaveDelay  time.Duration
	ChunkDelay time.Duration
	PausePoll  time.Duration
	MaxRetries int
}

func DefaultConfig() Config {
	return Config{
		ChunkSize:  10,
		WaveSize:   3,
		WaveDelay:  300 * time.Millisecond,
		ChunkDelay: 2 * time.Second,
		PausePoll:  500 * time.Millisecond,
		MaxRetries: 3,
	}
}

// TaskProcessor is satisfied by *processor.Processor.
type TaskProcessor interface {
	Process(ctx context.Context, taskID string) models.Task
}

// Checkpointer is satisfied by *checkpoint.Manager.
type Checkpointer interface {
	Save(ctx context.Context, tasks []models.Task, progress models.BatchProgress)
	Clear(ctx context.Context)
}

// Observer is satisfied by *metrics.Metrics.
type Observer interface {
	RunStarted()
	RunFinished()
	ChunkCompleted()
}

// ProgressFunc receives a snapshot after every chunk and on state changes.
type ProgressFunc func(progress models.BatchProgress, percent int)

type Scheduler struct {
	cfg         Config
	store       *taskstore.Store
	proc        TaskProcessor
	checkpoints Checkpointer
	observer    Observer
	onProgress  ProgressFunc
	logger      logger.Logger

	mu       sync.Mutex
	running  bool
	paused   bool
	stopped  bool
	progress models.BatchProgress
}

type Option func(*Scheduler)

func WithCheckpointer(c Checkpointer) Option {
	return func(s *Scheduler) { s.checkpoints = c }
}

func WithObserver(o Observer) Option {
	return func(s *Scheduler) { s.observer = o }
}

func WithProgress(fn ProgressFunc) Option {
	return func(s *Scheduler) { s.onProgress = fn }
}

func New(cfg Config, store *taskstore.Store, proc TaskProcessor, log logger.Logger, opts ...Option) *Scheduler {
	def := DefaultConfig()
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = def.ChunkSize
	}
	if cfg.WaveSize <= 0 {
		cfg.WaveSize = def.WaveSize
	}
	// 每个块至少分两波, 单文件块除外
	if cfg.WaveSize >= cfg.ChunkSize {
		cfg.WaveSize = max(1, cfg.ChunkSize-1)
	}
	if cfg.PausePoll <= 0 {
		cfg.PausePoll = def.PausePoll
	}
	s := &Scheduler{
		cfg:    cfg,
		store:  store,
		proc:   proc,
		logger: log.Named("scheduler"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Pause holds the run before its next chunk.
func (s *Scheduler) Pause() {
	s.setFlags(func() { s.paused = true; s.progress.Paused = true })
}

// Resume releases a paused run.
func (s *Scheduler) Resume() {
	s.setFlags(func() { s.paused = false; s.progress.Paused = false })
}

// Stop ends the run at the next chunk boundary. Unprocessed tasks stay
// pending and the checkpoint is kept.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
}

func (s *Scheduler) setFlags(fn func()) {
	s.mu.Lock()
	fn()
	snapshot := s.progress
	s.mu.Unlock()
	s.publish(snapshot)
}

// Running reports whether a run is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Progress returns the counters of the current or last run.
func (s *Scheduler) Progress() models.BatchProgress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progress
}

// Run processes every pending task.
func (s *Scheduler) Run(ctx context.Context) (models.BatchProgress, error) {
	return s.RunFrom(ctx, models.BatchProgress{})
}

// RunFrom processes every pending task, continuing the counters of an
// interrupted run.
func (s *Scheduler) RunFrom(ctx context.Context, carried models.BatchProgress) (models.BatchProgress, error) {
	queue := s.store.List(models.StatusPending)
	if len(queue) == 0 {
		return s.Progress(), nil
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return models.BatchProgress{}, ErrRunInProgress
	}
	s.running = true
	s.stopped = false
	s.progress = models.BatchProgress{
		Total:       carried.Processed + len(queue),
		Processed:   carried.Processed,
		Successful:  carried.Successful,
		Failed:      carried.Failed,
		Pending:     len(queue),
		TotalChunks: (len(queue) + s.cfg.ChunkSize - 1) / s.cfg.ChunkSize,
		Paused:      s.paused,
	}
	s.mu.Unlock()

	if s.observer != nil {
		s.observer.RunStarted()
		defer s.observer.RunFinished()
	}
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	s.logger.Info("run started",
		logger.Int("queued", len(queue)),
		logger.Int("carried", carried.Processed),
		logger.Int("chunks", s.Progress().TotalChunks),
	)

	for i := 0; i*s.cfg.ChunkSize < len(queue); i++ {
		if s.isStopped() {
			return s.halt(ctx, "run stopped")
		}
		if err := s.waitWhilePaused(ctx); err != nil {
			return s.halt(ctx, "run interrupted")
		}
		if s.isStopped() {
			return s.halt(ctx, "run stopped")
		}

		end := min((i+1)*s.cfg.ChunkSize, len(queue))
		s.update(func(p *models.BatchProgress) { p.CurrentChunk = i + 1 })
		s.runChunk(ctx, queue[i*s.cfg.ChunkSize:end])

		snapshot := s.Progress()
		s.publish(snapshot)
		if s.checkpoints != nil {
			s.checkpoints.Save(context.WithoutCancel(ctx), s.store.List(), snapshot)
		}
		if s.observer != nil {
			s.observer.ChunkCompleted()
		}
		s.logger.Debug("chunk completed",
			logger.Int("chunk", i+1),
			logger.Int("processed", snapshot.Processed),
			logger.Int("total", snapshot.Total),
		)

		if ctx.Err() != nil {
			return s.halt(ctx, "run interrupted")
		}
		if end < len(queue) {
			if err := sleep(ctx, s.cfg.ChunkDelay); err != nil {
				return s.halt(ctx, "run interrupted")
			}
		}
	}

	if s.checkpoints != nil {
		s.checkpoints.Clear(context.WithoutCancel(ctx))
	}
	final := s.Progress()
	s.logger.Info("run completed",
		logger.Int("processed", final.Processed),
		logger.Int("successful", final.Successful),
		logger.Int("failed", final.Failed),
	)
	return final, nil
}

// RetryFailed sends failed tasks back to pending and runs them. error and
// not_found tasks are retried while RetryCount < MaxRetries.
func (s *Scheduler) RetryFailed(ctx context.Context) (int, models.BatchProgress, error) {
	if s.Running() {
		return 0, s.Progress(), ErrRunInProgress
	}
	retried := 0
	for _, t := range s.store.List(models.StatusError, models.StatusNotFound) {
		if t.RetryCount >= s.cfg.MaxRetries {
			continue
		}
		if _, err := s.store.Apply(t.ID, taskstore.Retry()); err != nil {
			s.logger.Warn("failed to retry task", logger.String("task_id", t.ID), logger.Error(err))
			continue
		}
		retried++
	}
	if retried == 0 {
		return 0, s.Progress(), nil
	}
	progress, err := s.Run(ctx)
	return retried, progress, err
}

// runChunk processes tasks in waves of WaveSize.
func (s *Scheduler) runChunk(ctx context.Context, tasks []models.Task) {
	for start := 0; start < len(tasks); start += s.cfg.WaveSize {
		if start > 0 {
			if err := sleep(ctx, s.cfg.WaveDelay); err != nil {
				return
			}
		}
		wave := tasks[start:min(start+s.cfg.WaveSize, len(tasks))]

		var g errgroup.Group
		g.SetLimit(s.cfg.WaveSize)
		for _, t := range wave {
			id := t.ID
			g.Go(func() error {
				s.update(func(p *models.BatchProgress) { p.InProgress++ })
				task := s.proc.Process(ctx, id)
				s.update(func(p *models.BatchProgress) { p.InProgress--; count(p, task) })
				return nil
			})
		}
		_ = g.Wait()
	}
}

// count folds one finished task into the counters.
func count(p *models.BatchProgress, t models.Task) {
	switch {
	case t.ID == "":
		// removed while the run was active
		p.Total--
	case t.Status.IsFailed():
		p.Processed++
		p.Failed++
	case t.Status == models.StatusMatched || t.Status == models.StatusUploaded:
		p.Processed++
		p.Successful++
	}
	p.Pending = p.Total - p.Processed - p.InProgress
}

func (s *Scheduler) update(fn func(*models.BatchProgress)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.progress)
}

func (s *Scheduler) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (s *Scheduler) waitWhilePaused(ctx context.Context) error {
	for {
		s.mu.Lock()
		paused, stopped := s.paused, s.stopped
		s.mu.Unlock()
		if !paused || stopped {
			return nil
		}
		if err := sleep(ctx, s.cfg.PausePoll); err != nil {
			return err
		}
	}
}

// halt ends a run early. The checkpoint from the last chunk stays in place.
func (s *Scheduler) halt(ctx context.Context, msg string) (models.BatchProgress, error) {
	s.update(func(p *models.BatchProgress) { p.Stopped = true })
	snapshot := s.Progress()
	s.publish(snapshot)
	s.logger.Info(msg,
		logger.Int("processed", snapshot.Processed),
		logger.Int("total", snapshot.Total),
	)
	return snapshot, ctx.Err()
}

func (s *Scheduler) publish(p models.BatchProgress) {
	if s.onProgress != nil {
		s.onProgress(p, p.Percent())
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
