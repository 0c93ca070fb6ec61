// Package processor scans one task: load payload, OCR, extract, match.
package processor

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/feichai0017/document-reconciler/internal/extractor"
	"github.com/feichai0017/document-reconciler/internal/models"
	"github.com/feichai0017/document-reconciler/internal/ocr"
	"github.com/feichai0017/document-reconciler/internal/taskstore"
	"github.com/feichai0017/document-reconciler/pkg/logger"
)

// DefaultSnippetLength is how many runes of raw OCR text a task keeps.
const DefaultSnippetLength = 500

// PayloadLoader fetches the bytes behind Task.PayloadRef.
type PayloadLoader interface {
	Load(ctx context.Context, ref string) ([]byte, error)
}

// LoaderFunc adapts a function to PayloadLoader.
type LoaderFunc func(ctx context.Context, ref string) ([]byte, error)

func (f LoaderFunc) Load(ctx context.Context, ref string) ([]byte, error) { return f(ctx, ref) }

// Recognizer is satisfied by *ocr.Engine.
type Recognizer interface {
	Recognize(ctx context.Context, img ocr.Image, progress ocr.ProgressFunc) (*ocr.Result, error)
}

// Matcher is satisfied by *matcher.Index.
type Matcher interface {
	Match(identifier string) (models.Customer, bool)
}

// Observer is told how each scan settled. *metrics.Metrics implements it.
type Observer interface {
	TaskSettled(status, kind string, d time.Duration)
}

type Processor struct {
	store      *taskstore.Store
	payloads   PayloadLoader
	ocr        Recognizer
	matcher    Matcher
	observer   Observer
	snippetLen int
	logger     logger.Logger
}

type Option func(*Processor)

func WithObserver(o Observer) Option {
	return func(p *Processor) { p.observer = o }
}

func WithSnippetLength(n int) Option {
	return func(p *Processor) {
		if n > 0 {
			p.snippetLen = n
		}
	}
}

func New(store *taskstore.Store, payloads PayloadLoader, recognizer Recognizer, matcher Matcher, log logger.Logger, opts ...Option) *Processor {
	p := &Processor{
		store:      store,
		payloads:   payloads,
		ocr:        recognizer,
		matcher:    matcher,
		snippetLen: DefaultSnippetLength,
		logger:     log.Named("processor"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process scans one pending task and returns its final state. Failures
// become task state; nothing is returned as an error and panics are
// contained. If ctx is cancelled mid-scan the task goes back to pending.
func (p *Processor) Process(ctx context.Context, taskID string) (result models.Task) {
	start := time.Now()
	ctx = logger.ContextWithTask(ctx, taskID)
	log := logger.FromContext(ctx, p.logger)

	task, err := p.store.Apply(taskID, taskstore.Scanning())
	if err != nil {
		log.Warn("task cannot be scanned", logger.Error(err))
		result, _ = p.store.Get(taskID)
		return result
	}

	var done atomic.Bool
	defer func() {
		done.Store(true)
		if r := recover(); r != nil {
			log.Error("panic while scanning task", logger.Any("panic", r))
			result = p.settle(log, taskID, taskstore.Failed(models.KindOCRFailed, fmt.Sprintf("internal error: %v", r)))
		}
		if p.observer != nil && result.Status.IsSettled() {
			p.observer.TaskSettled(string(result.Status), string(result.LastErrorKind), time.Since(start))
		}
	}()

	data, err := p.payloads.Load(ctx, task.PayloadRef)
	if err != nil {
		if ctx.Err() != nil {
			return p.cancel(log, taskID)
		}
		log.Warn("failed to load payload", logger.String("ref", task.PayloadRef), logger.Error(err))
		return p.settle(log, taskID, taskstore.Failed(models.KindNetworkError, "failed to load file: "+err.Error()))
	}

	progress := func(pct int) {
		// a timed out tier may still report after the engine has moved on
		if done.Load() {
			return
		}
		_, _ = p.store.Apply(taskID, taskstore.Progress(pct))
	}
	img := ocr.Image{Data: data, MimeType: task.MimeType, FileName: task.FileName}
	res, err := p.ocr.Recognize(ctx, img, progress)
	if err != nil {
		if ctx.Err() != nil {
			return p.cancel(log, taskID)
		}
		log.Warn("text recognition failed", logger.String("file", task.FileName), logger.Error(err))
		return p.settle(log, taskID, taskstore.Failed(models.KindOCRFailed, "text recognition failed: "+err.Error()))
	}

	rec := extractor.Merge(res.Fields, extractor.Extract(res.Text))
	if rec.Confidence == 0 {
		rec.Confidence = res.Confidence
	}
	scan := taskstore.Scan{
		Identifier: rec.NationalID,
		Record:     &rec,
		Snippet:    extractor.Snippet(res.Text, p.snippetLen),
		Backend:    res.Backend,
	}

	if rec.NationalID == "" {
		return p.settle(log, taskID, taskstore.NotFound(scan, models.KindNoIDFound, "no identifier found, enter manually"))
	}
	customer, ok := p.matcher.Match(rec.NationalID)
	if !ok {
		return p.settle(log, taskID, taskstore.NotFound(scan, models.KindNotFound,
			fmt.Sprintf("no customer found for identifier %s", rec.NationalID)))
	}
	return p.settle(log, taskID, taskstore.Matched(scan, customer.Ref()))
}

func (p *Processor) settle(log logger.Logger, taskID string, tr taskstore.Transition) models.Task {
	task, err := p.store.Apply(taskID, tr)
	if err != nil {
		log.Error("failed to record scan outcome", logger.String("transition", tr.Name()), logger.Error(err))
		task, _ = p.store.Get(taskID)
		return task
	}
	log.Info("task scanned",
		logger.String("status", string(task.Status)),
		logger.String("identifier", task.ExtractedIdentifier),
		logger.String("backend", task.Backend),
	)
	return task
}

func (p *Processor) cancel(log logger.Logger, taskID string) models.Task {
	task, err := p.store.Apply(taskID, taskstore.Cancelled())
	if err != nil {
		log.Error("failed to return cancelled task to pending", logger.Error(err))
		task, _ = p.store.Get(taskID)
		return task
	}
	log.Info("scan cancelled, task returned to pending")
	return task
}
