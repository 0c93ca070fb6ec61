// Package commit uploads matched cards and records them against customers.
package commit

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/feichai0017/document-reconciler/internal/models"
	"github.com/feichai0017/document-reconciler/internal/processor"
	"github.com/feichai0017/document-reconciler/internal/registry"
	"github.com/feichai0017/document-reconciler/internal/taskstore"
	"github.com/feichai0017/document-reconciler/pkg/logger"
	"github.com/feichai0017/document-reconciler/pkg/storage"
)

// ArtifactPrefix is where committed cards are stored.
const ArtifactPrefix = "customer-documents"

// Registry is satisfied by *registry.Registry.
type Registry interface {
	Capabilities(ctx context.Context) registry.Capabilities
	UpdateCustomer(ctx context.Context, id string, fields map[string]any) error
	InsertDocument(ctx context.Context, doc *models.CustomerDocument) error
}

// Observer is satisfied by *metrics.Metrics.
type Observer interface {
	Commit(outcome string)
}

// Summary counts the outcome of CommitAll.
type Summary struct {
	Committed int `json:"committed"`
	Merged    int `json:"merged"`
	Failed    int `json:"failed"`
}

type Committer struct {
	store       *taskstore.Store
	payloads    processor.PayloadLoader
	artifacts   storage.Storage
	registry    Registry
	observer    Observer
	concurrency int
	now         func() time.Time
	logger      logger.Logger
}

type Option func(*Committer)

func WithObserver(o Observer) Option {
	return func(c *Committer) { c.observer = o }
}

func WithConcurrency(n int) Option {
	return func(c *Committer) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Committer) { c.now = now }
}

func New(store *taskstore.Store, payloads processor.PayloadLoader, artifacts storage.Storage, reg Registry, log logger.Logger, opts ...Option) *Committer {
	c := &Committer{
		store:       store,
		payloads:    payloads,
		artifacts:   artifacts,
		registry:    reg,
		concurrency: 4,
		now:         time.Now,
		logger:      log.Named("commit"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ArtifactPath builds customer-documents/{customer}/{unix ms}_id_card.{ext}.
func ArtifactPath(customerID string, at time.Time, fileName string) string {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(fileName)), ".")
	if ext == "" {
		ext = "jpg"
	}
	return fmt.Sprintf("%s/%s/%d_id_card.%s", ArtifactPrefix, customerID, at.UnixMilli(), ext)
}

// Commit uploads one matched task. Tasks in any other state are skipped.
// A failed upload or metadata insert leaves the task in error with the
// customer untouched; the returned error repeats what the task records.
func (c *Committer) Commit(ctx context.Context, taskID string) error {
	task, err := c.store.Get(taskID)
	if err != nil {
		return err
	}
	if task.Status != models.StatusMatched || task.MatchedCustomer == nil {
		return nil
	}
	log := c.logger.With(logger.String("task_id", task.ID), logger.String("customer_id", task.MatchedCustomer.ID))

	data, err := c.payloads.Load(ctx, task.PayloadRef)
	if err != nil {
		return c.fail(log, task.ID, models.KindUploadFailed, "failed to read file", err)
	}

	at := c.now()
	key := ArtifactPath(task.MatchedCustomer.ID, at, task.FileName)
	if err := c.artifacts.Store(ctx, key, bytes.NewReader(data), int64(len(data)), task.MimeType); err != nil {
		return c.fail(log, task.ID, models.KindUploadFailed, "upload failed", err)
	}

	doc := &models.CustomerDocument{
		ID:           uuid.NewString(),
		CustomerID:   task.MatchedCustomer.ID,
		OrgID:        task.MatchedCustomer.OrgID,
		DocumentType: models.DocumentTypeNationalID,
		Name:         task.FileName,
		Path:         key,
		MimeType:     task.MimeType,
		Size:         int64(len(data)),
		CreatedAt:    at,
	}
	if err := c.registry.InsertDocument(ctx, doc); err != nil {
		if derr := c.artifacts.Delete(context.WithoutCancel(ctx), key); derr != nil {
			log.Warn("failed to remove orphaned upload", logger.String("key", key), logger.Error(derr))
		}
		return c.fail(log, task.ID, models.KindUpdateFailed, "failed to record document", err)
	}

	merged := c.merge(ctx, log, task)
	if _, err := c.store.Apply(task.ID, taskstore.Uploaded(key, merged)); err != nil {
		log.Error("failed to mark task uploaded", logger.Error(err))
		return err
	}
	c.observe("uploaded")
	log.Info("document committed", logger.String("key", key), logger.Bool("merged", merged))
	return nil
}

// CommitAll commits every matched task with bounded concurrency.
func (c *Committer) CommitAll(ctx context.Context) Summary {
	var (
		mu  sync.Mutex
		sum Summary
		g   errgroup.Group
	)
	g.SetLimit(c.concurrency)
	for _, t := range c.store.List(models.StatusMatched) {
		id := t.ID
		g.Go(func() error {
			err := c.Commit(ctx, id)
			after, _ := c.store.Get(id)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				sum.Failed++
			case after.Status == models.StatusUploaded:
				sum.Committed++
				if after.RecordMerged {
					sum.Merged++
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	c.logger.Info("commit finished",
		logger.Int("committed", sum.Committed),
		logger.Int("merged", sum.Merged),
		logger.Int("failed", sum.Failed),
	)
	return sum
}

// merge writes the extracted fields the schema supports. On failure it
// retries once with the guaranteed columns. Failures are only logged.
func (c *Committer) merge(ctx context.Context, log logger.Logger, task models.Task) bool {
	fields := Fields(task.Record)
	if len(fields) == 0 {
		return false
	}
	customerID := task.MatchedCustomer.ID

	supported := c.registry.Capabilities(ctx).Filter(fields)
	if len(supported) > 0 {
		err := c.registry.UpdateCustomer(ctx, customerID, supported)
		if err == nil {
			return true
		}
		log.Warn("customer merge failed, retrying with guaranteed fields", logger.Error(err))
	}

	narrow := registry.Guaranteed().Filter(fields)
	if len(narrow) == 0 || len(narrow) == len(supported) {
		c.observe("merge_failed")
		return false
	}
	if err := c.registry.UpdateCustomer(ctx, customerID, narrow); err != nil {
		log.Warn("customer merge failed", logger.Error(err))
		c.observe("merge_failed")
		return false
	}
	return true
}

func (c *Committer) fail(log logger.Logger, taskID string, kind models.ErrorKind, msg string, cause error) error {
	err := fmt.Errorf("%s: %w", msg, cause)
	log.Warn("commit failed", logger.String("kind", string(kind)), logger.Error(cause))
	if _, aerr := c.store.Apply(taskID, taskstore.Failed(kind, err.Error())); aerr != nil {
		log.Error("failed to record commit failure", logger.Error(aerr))
	}
	c.observe(string(kind))
	return err
}

func (c *Committer) observe(outcome string) {
	if c.observer != nil {
		c.observer.Commit(outcome)
	}
}

// Fields maps the non-empty values of a record onto customer columns.
func Fields(rec *models.ExtractedRecord) map[string]any {
	fields := make(map[string]any)
	if rec == nil {
		return fields
	}
	set := func(col, v string) {
		if v != "" {
			fields[col] = v
		}
	}
	set("national_id", rec.NationalID)
	set("name", rec.Name)
	set("first_name", rec.FirstName)
	set("last_name", rec.LastName)
	set("name_ar", rec.NameAR)
	set("first_name_ar", rec.FirstNameAR)
	set("last_name_ar", rec.LastNameAR)
	set("date_of_birth", rec.DateOfBirth)
	set("id_expiry_date", rec.ExpiryDate)
	set("nationality", rec.Nationality)
	set("nationality_ar", rec.NationalityAR)
	set("occupation", rec.Occupation)
	set("occupation_ar", rec.OccupationAR)
	set("passport_number", rec.PassportNumber)
	return fields
}
