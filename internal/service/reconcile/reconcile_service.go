// Package reconcile runs one operator session: intake of card images, a
// customer registry snapshot, scheduled scanning, manual fixes, commit and
// reporting.
package reconcile

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/feichai0017/document-reconciler/internal/commit"
	"github.com/feichai0017/document-reconciler/internal/models"
	"github.com/feichai0017/document-reconciler/internal/scheduler"
	"github.com/feichai0017/document-reconciler/internal/utils/validator"
)

var (
	ErrRunInProgress     = scheduler.ErrRunInProgress
	ErrNoRegistry        = errors.New("customer registry not loaded")
	ErrNoCheckpoint      = errors.New("no resumable checkpoint")
	ErrUnknownIdentifier = errors.New("no customer found for identifier")
	ErrTaskBusy          = errors.New("task is being scanned")
	ErrRetriesExhausted  = errors.New("task has used all its retries")
	ErrUnsupportedFormat = errors.New("unsupported report format")
	ErrEmptyOrganization = errors.New("organization id is required")
)

// Report formats.
const (
	FormatCSV  = "csv"
	FormatXLSX = "xlsx"
)

// File is one uploaded card image.
type File struct {
	Name string
	Data []byte
}

// Rejection explains why a file was not accepted at intake.
type Rejection struct {
	FileName string                      `json:"fileName"`
	Reason   string                      `json:"reason"`
	Errors   []validator.ValidationError `json:"errors,omitempty"`
}

// IntakeResult lists accepted tasks in upload order and rejected files.
type IntakeResult struct {
	Accepted []models.Task `json:"accepted"`
	Rejected []Rejection   `json:"rejected"`
}

// Status is a snapshot of the session.
type Status struct {
	SessionID string                `json:"sessionId"`
	OrgID     string                `json:"orgId,omitempty"`
	Customers int                   `json:"customers"`
	Running   bool                  `json:"running"`
	Progress  models.BatchProgress  `json:"progress"`
	Percent   int                   `json:"percent"`
	Counts    map[models.Status]int `json:"counts"`
	LastError string                `json:"lastError,omitempty"`
}

// Offer describes a checkpoint that can be resumed.
type Offer struct {
	SavedAt  time.Time            `json:"savedAt"`
	Progress models.BatchProgress `json:"progress"`
	Tasks    int                  `json:"tasks"`
}

// Service is the operator surface shared by the HTTP API and the CLI.
type Service interface {
	ID() string
	Intake(ctx context.Context, files []File) (*IntakeResult, error)
	LoadRegistry(ctx context.Context, orgID string) (int, error)

	Start(ctx context.Context) error
	Run(ctx context.Context) (models.BatchProgress, error)
	Pause()
	Resume()
	Stop()
	Wait()
	Status() Status

	Tasks(statuses ...models.Status) []models.Task
	Task(id string) (models.Task, error)
	RetryFailed(ctx context.Context) (int, models.BatchProgress, error)
	RetryTask(ctx context.Context, id string) (models.Task, error)
	ResetTask(id string) (models.Task, error)
	ManualMatch(id, identifier string) (models.Task, error)
	DeleteTask(ctx context.Context, id string) error
	ClearBatch(ctx context.Context) ([]string, error)

	Commit(ctx context.Context) (commit.Summary, error)
	CommitTask(ctx context.Context, id string) (models.Task, error)
	WriteReport(w io.Writer, format string) error

	ResumeOffer(ctx context.Context) *Offer
	Restore(ctx context.Context) (*Offer, error)
	DiscardCheckpoint(ctx context.Context)

	Close()
}
