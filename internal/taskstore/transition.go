package taskstore

import (
	"fmt"

	"github.com/feichai0017/document-reconciler/internal/models"
)

// Transition is one state change applied to a task by the store's owner
// goroutine. Only the constructors below produce transitions.
type Transition struct {
	name   string
	to     models.Status
	from   []models.Status
	mutate func(*models.Task)
}

// Name identifies the transition in logs.
func (tr Transition) Name() string { return tr.name }

func (tr Transition) check(t *models.Task) error {
	allowed := true
	switch {
	case len(tr.from) > 0:
		allowed = false
		for _, s := range tr.from {
			if s == t.Status {
				allowed = true
				break
			}
		}
	case tr.to != "":
		allowed = models.CanTransition(t.Status, tr.to)
	}
	if !allowed {
		return fmt.Errorf("%w: %s from %s", ErrInvalidTransition, tr.name, t.Status)
	}
	return nil
}

func (tr Transition) apply(t *models.Task) error {
	if err := tr.check(t); err != nil {
		return err
	}
	if tr.to != "" {
		t.Status = tr.to
	}
	if tr.mutate != nil {
		tr.mutate(t)
	}
	if t.Status == models.StatusMatched && (t.MatchedCustomer == nil || t.ExtractedIdentifier == "") {
		return fmt.Errorf("%w: %s leaves matched task without customer or identifier", ErrInvalidTransition, tr.name)
	}
	return nil
}

func clearOutcome(t *models.Task) {
	t.Error = ""
	t.LastErrorKind = ""
	t.MatchedCustomer = nil
}

// Scanning starts a scan of a pending task.
func Scanning() Transition {
	return Transition{
		name: "scanning",
		to:   models.StatusScanning,
		mutate: func(t *models.Task) {
			clearOutcome(t)
			t.Progress = 0
		},
	}
}

// Progress records advisory scan progress. Values never move backwards.
func Progress(percent int) Transition {
	return Transition{
		name: "progress",
		from: []models.Status{models.StatusScanning},
		mutate: func(t *models.Task) {
			if percent > 100 {
				percent = 100
			}
			if percent > t.Progress {
				t.Progress = percent
			}
		},
	}
}

// Scan carries what the OCR and extraction stages produced for a task.
type Scan struct {
	Identifier string
	Record     *models.ExtractedRecord
	Snippet    string
	Backend    string
}

func (s Scan) fill(t *models.Task) {
	t.ExtractedIdentifier = s.Identifier
	if s.Record != nil {
		r := *s.Record
		t.Record = &r
	}
	t.RawSnippet = s.Snippet
	t.Backend = s.Backend
}

// Matched completes a scan whose identifier was found in the registry.
func Matched(scan Scan, customer *models.CustomerRef) Transition {
	return Transition{
		name: "matched",
		to:   models.StatusMatched,
		from: []models.Status{models.StatusScanning},
		mutate: func(t *models.Task) {
			scan.fill(t)
			t.MatchedCustomer = customer
			t.Progress = 100
		},
	}
}

// NotFound completes a scan without a registry match. kind is either
// no_id_found or not_found.
func NotFound(scan Scan, kind models.ErrorKind, msg string) Transition {
	return Transition{
		name: "not_found",
		to:   models.StatusNotFound,
		from: []models.Status{models.StatusScanning},
		mutate: func(t *models.Task) {
			scan.fill(t)
			t.Error = msg
			t.LastErrorKind = kind
			t.Progress = 100
		},
	}
}

// Failed marks a scanning task, or a matched task whose commit failed, as error.
func Failed(kind models.ErrorKind, msg string) Transition {
	return Transition{
		name: "failed",
		to:   models.StatusError,
		mutate: func(t *models.Task) {
			t.Error = msg
			t.LastErrorKind = kind
		},
	}
}

// Cancelled returns an interrupted scan to pending so a later run picks it up.
func Cancelled() Transition {
	return Transition{
		name: "cancelled",
		to:   models.StatusPending,
		from: []models.Status{models.StatusScanning},
		mutate: func(t *models.Task) {
			t.Progress = 0
		},
	}
}

// Uploaded records a successful commit of a matched task.
func Uploaded(path string, merged bool) Transition {
	return Transition{
		name: "uploaded",
		to:   models.StatusUploaded,
		mutate: func(t *models.Task) {
			t.ArtifactPath = path
			t.RecordMerged = merged
			t.Error = ""
			t.LastErrorKind = ""
		},
	}
}

// Retry sends a failed task back to pending and counts the attempt.
func Retry() Transition {
	return Transition{
		name: "retry",
		to:   models.StatusPending,
		from: []models.Status{models.StatusNotFound, models.StatusError},
		mutate: func(t *models.Task) {
			t.RetryCount++
			t.Progress = 0
		},
	}
}

// ManualMatch applies an operator-supplied identifier that matched a customer.
func ManualMatch(identifier string, customer *models.CustomerRef) Transition {
	return Transition{
		name: "manual_match",
		to:   models.StatusMatched,
		from: []models.Status{models.StatusNotFound, models.StatusError},
		mutate: func(t *models.Task) {
			clearOutcome(t)
			t.ExtractedIdentifier = identifier
			if t.Record != nil {
				t.Record.NationalID = identifier
			}
			t.MatchedCustomer = customer
		},
	}
}

// Reset is the operator's manual reset-to-pending. It is the only
// transition that clears the retry counter.
func Reset() Transition {
	return Transition{
		name: "reset",
		to:   models.StatusPending,
		from: []models.Status{models.StatusPending, models.StatusMatched, models.StatusNotFound, models.StatusError},
		mutate: func(t *models.Task) {
			clearOutcome(t)
			t.ExtractedIdentifier = ""
			t.Record = nil
			t.RawSnippet = ""
			t.Backend = ""
			t.RetryCount = 0
			t.Progress = 0
		},
	}
}

// SetPreview replaces the task's preview without changing its status.
func SetPreview(preview string) Transition {
	return Transition{
		name: "preview",
		mutate: func(t *models.Task) {
			t.Preview = preview
		},
	}
}
