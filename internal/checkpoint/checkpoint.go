// Package checkpoint persists batch state so an interrupted run can resume.
package checkpoint

import (
	"context"
	"errors"
	"time"

	"github.com/feichai0017/document-reconciler/internal/models"
)

// ErrNotFound is returned by Load when nothing is stored.
var ErrNotFound = errors.New("checkpoint not found")

// DefaultStaleness is how long a checkpoint stays resumable.
const DefaultStaleness = 24 * time.Hour

// State is the persisted snapshot.
type State struct {
	Tasks    []models.Task        `json:"tasks"`
	Progress models.BatchProgress `json:"progress"`
	SavedAt  time.Time            `json:"saved_at"`
}

// Resumable reports whether the snapshot is fresh and unfinished at now.
func (s *State) Resumable(now time.Time, staleness time.Duration) bool {
	if s == nil || now.Sub(s.SavedAt) > staleness {
		return false
	}
	return s.Progress.Processed < s.Progress.Total
}

// Store is a single-slot checkpoint backend.
type Store interface {
	Save(ctx context.Context, state *State) error
	Load(ctx context.Context) (*State, error)
	Clear(ctx context.Context) error
}

// strip drops preview data URIs; they are regenerated from the payload.
func strip(state *State) *State {
	out := &State{
		Tasks:    make([]models.Task, len(state.Tasks)),
		Progress: state.Progress,
		SavedAt:  state.SavedAt,
	}
	for i, t := range state.Tasks {
		t = t.Clone()
		t.Preview = ""
		out.Tasks[i] = t
	}
	return out
}
