package checkpoint

import (
	"context"
	"errors"
	"time"

	"github.com/feichai0017/document-reconciler/internal/models"
	"github.com/feichai0017/document-reconciler/pkg/logger"
)

// ErrorObserver is told about failed store operations.
type ErrorObserver interface {
	CheckpointError(op string)
}

// Manager wraps a Store. Failures are logged and never returned; a missing
// or broken checkpoint just means starting fresh.
type Manager struct {
	store     Store
	staleness time.Duration
	now       func() time.Time
	observer  ErrorObserver
	logger    logger.Logger
}

type ManagerOption func(*Manager)

func WithStaleness(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.staleness = d
		}
	}
}

func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

func WithErrorObserver(o ErrorObserver) ManagerOption {
	return func(m *Manager) { m.observer = o }
}

func NewManager(store Store, log logger.Logger, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:     store,
		staleness: DefaultStaleness,
		now:       time.Now,
		logger:    log.Named("checkpoint"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Save snapshots tasks and progress.
func (m *Manager) Save(ctx context.Context, tasks []models.Task, progress models.BatchProgress) {
	err := m.store.Save(ctx, &State{Tasks: tasks, Progress: progress, SavedAt: m.now()})
	if err != nil {
		m.fail("save", err)
		return
	}
	m.logger.Debug("checkpoint saved",
		logger.Int("tasks", len(tasks)),
		logger.Int("processed", progress.Processed),
		logger.Int("total", progress.Total),
	)
}

// LoadResumable returns the stored state if it is fresh and unfinished,
// otherwise nil.
func (m *Manager) LoadResumable(ctx context.Context) *State {
	state, err := m.store.Load(ctx)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		m.fail("load", err)
		return nil
	}
	if !state.Resumable(m.now(), m.staleness) {
		m.logger.Info("ignoring checkpoint",
			logger.Time("savedAt", state.SavedAt),
			logger.Int("processed", state.Progress.Processed),
			logger.Int("total", state.Progress.Total),
		)
		return nil
	}
	return state
}

// Clear removes the stored state.
func (m *Manager) Clear(ctx context.Context) {
	if err := m.store.Clear(ctx); err != nil {
		m.fail("clear", err)
	}
}

func (m *Manager) fail(op string, err error) {
	m.logger.Warn("checkpoint "+op+" failed", logger.Error(err))
	if m.observer != nil {
		m.observer.CheckpointError(op)
	}
}
