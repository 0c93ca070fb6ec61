// Package taskstore owns the authoritative task collection. All reads and
// writes are serialized through a single goroutine; callers send commands
// and get copies back.
package taskstore

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/feichai0017/document-reconciler/internal/models"
	"github.com/feichai0017/document-reconciler/pkg/logger"
)

var (
	ErrTaskNotFound      = errors.New("task not found")
	ErrInvalidTransition = errors.New("invalid task transition")
	ErrDuplicateTask     = errors.New("duplicate task id")
	ErrClosed            = errors.New("task store closed")
)

// Observer is called from the owner goroutine after every applied
// transition. It must not call back into the store.
type Observer func(before, after models.Task)

type state struct {
	tasks map[string]*models.Task
	order []string
}

// Store is the task collection.
type Store struct {
	cmds      chan func(*state)
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	logger    logger.Logger
	observer  Observer
	now       func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithObserver registers a transition observer.
func WithObserver(o Observer) Option {
	return func(s *Store) { s.observer = o }
}

// WithClock overrides the clock used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New starts the owner goroutine.
func New(log logger.Logger, opts ...Option) *Store {
	s := &Store{
		cmds:   make(chan func(*state)),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
		logger: log.Named("taskstore"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.loop()
	return s
}

func (s *Store) loop() {
	defer close(s.done)
	st := &state{tasks: make(map[string]*models.Task)}
	for {
		select {
		case fn := <-s.cmds:
			fn(st)
		case <-s.quit:
			return
		}
	}
}

func (s *Store) do(fn func(*state)) error {
	reply := make(chan struct{})
	select {
	case s.cmds <- func(st *state) {
		defer close(reply)
		fn(st)
	}:
	case <-s.quit:
		return ErrClosed
	}
	<-reply
	return nil
}

// Close stops the owner goroutine. Subsequent calls return ErrClosed.
func (s *Store) Close() {
	s.closeOnce.Do(func() {
		close(s.quit)
	})
	<-s.done
}

// Add appends tasks in intake order.
func (s *Store) Add(tasks ...models.Task) error {
	var err error
	if derr := s.do(func(st *state) {
		for _, t := range tasks {
			if _, ok := st.tasks[t.ID]; ok {
				err = fmt.Errorf("%w: %s", ErrDuplicateTask, t.ID)
				return
			}
		}
		now := s.now()
		for _, t := range tasks {
			t := t.Clone()
			if t.Status == "" {
				t.Status = models.StatusPending
			}
			if t.CreatedAt.IsZero() {
				t.CreatedAt = now
			}
			t.UpdatedAt = now
			st.tasks[t.ID] = &t
			st.order = append(st.order, t.ID)
		}
	}); derr != nil {
		return derr
	}
	return err
}

// Replace swaps the whole collection, used when restoring a checkpoint.
func (s *Store) Replace(tasks []models.Task) error {
	return s.do(func(st *state) {
		st.tasks = make(map[string]*models.Task, len(tasks))
		st.order = st.order[:0]
		for _, t := range tasks {
			t := t.Clone()
			st.tasks[t.ID] = &t
			st.order = append(st.order, t.ID)
		}
	})
}

// Get returns a copy of one task.
func (s *Store) Get(id string) (models.Task, error) {
	var (
		out models.Task
		err error
	)
	if derr := s.do(func(st *state) {
		t, ok := st.tasks[id]
		if !ok {
			err = fmt.Errorf("%w: %s", ErrTaskNotFound, id)
			return
		}
		out = t.Clone()
	}); derr != nil {
		return models.Task{}, derr
	}
	return out, err
}

// List returns copies of all tasks in intake order, optionally filtered by status.
func (s *Store) List(statuses ...models.Status) []models.Task {
	var out []models.Task
	_ = s.do(func(st *state) {
		out = make([]models.Task, 0, len(st.order))
		for _, id := range st.order {
			t := st.tasks[id]
			if len(statuses) > 0 && !hasStatus(statuses, t.Status) {
				continue
			}
			out = append(out, t.Clone())
		}
	})
	return out
}

// Counts returns the number of tasks per status.
func (s *Store) Counts() map[models.Status]int {
	out := make(map[models.Status]int)
	_ = s.do(func(st *state) {
		for _, t := range st.tasks {
			out[t.Status]++
		}
	})
	return out
}

// Len returns the number of tasks.
func (s *Store) Len() int {
	n := 0
	_ = s.do(func(st *state) { n = len(st.order) })
	return n
}

// Apply runs a transition against one task and returns the updated copy. A
// rejected transition leaves the task untouched.
func (s *Store) Apply(id string, tr Transition) (models.Task, error) {
	var (
		out    models.Task
		before models.Task
		err    error
	)
	if derr := s.do(func(st *state) {
		t, ok := st.tasks[id]
		if !ok {
			err = fmt.Errorf("%w: %s", ErrTaskNotFound, id)
			return
		}
		before = t.Clone()
		next := t.Clone()
		if err = tr.apply(&next); err != nil {
			return
		}
		next.UpdatedAt = s.now()
		*t = next
		out = next.Clone()
		if s.observer != nil {
			s.observer(before, out)
		}
	}); derr != nil {
		return models.Task{}, derr
	}
	if err != nil {
		return models.Task{}, err
	}
	if before.Status != out.Status {
		s.logger.Debug("task transition",
			logger.String("task_id", id),
			logger.String("transition", tr.name),
			logger.String("from", string(before.Status)),
			logger.String("to", string(out.Status)),
		)
	}
	return out, nil
}

// Remove deletes one task.
func (s *Store) Remove(id string) error {
	var err error
	if derr := s.do(func(st *state) {
		if _, ok := st.tasks[id]; !ok {
			err = fmt.Errorf("%w: %s", ErrTaskNotFound, id)
			return
		}
		delete(st.tasks, id)
		for i, oid := range st.order {
			if oid == id {
				st.order = append(st.order[:i], st.order[i+1:]...)
				break
			}
		}
	}); derr != nil {
		return derr
	}
	return err
}

// Clear drops every task.
func (s *Store) Clear() {
	_ = s.do(func(st *state) {
		st.tasks = make(map[string]*models.Task)
		st.order = nil
	})
}

func hasStatus(statuses []models.Status, s models.Status) bool {
	for _, x := range statuses {
		if x == s {
			return true
		}
	}
	return false
}
