package ocr

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/feichai0017/document-reconciler/pkg/logger"
)

// Config tunes the engine.
type Config struct {
	// RemoteTimeout bounds the remote tier independently of the caller's
	// context. Exceeding it falls back to the local tiers.
	RemoteTimeout    time.Duration `yaml:"remoteTimeout"`
	RemoteRate       float64       `yaml:"remoteRate"`
	RemoteBurst      int           `yaml:"remoteBurst"`
	BreakerThreshold int           `yaml:"breakerThreshold"`
	BreakerCooldown  time.Duration `yaml:"breakerCooldown"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		RemoteTimeout:    30 * time.Second,
		RemoteBurst:      1,
		BreakerThreshold: 5,
		BreakerCooldown:  time.Minute,
	}
}

// Observer receives per-tier outcomes. *metrics.Metrics implements it.
type Observer interface {
	OCRTier(tier, outcome string, d time.Duration)
	Breaker(open bool)
}

type tier struct {
	rec     Recognizer
	lo, hi  int
	remote  bool
	pdfOnly bool
}

// Engine tries its tiers in order: embedded document text (PDF only), remote
// service, local dual-language, local single-language.
type Engine struct {
	cfg          Config
	documentText Recognizer
	remote       Recognizer
	dual         Recognizer
	single       Recognizer
	breaker      *Breaker
	limiter      *rate.Limiter
	observer     Observer
	logger       logger.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithDocumentText sets the tier that reads an embedded PDF text layer.
func WithDocumentText(r Recognizer) Option {
	return func(e *Engine) { e.documentText = r }
}

// WithRemote sets the remote tier.
func WithRemote(r Recognizer) Option {
	return func(e *Engine) { e.remote = r }
}

// WithLocal sets the dual-language and single-language local tiers.
func WithLocal(dual, single Recognizer) Option {
	return func(e *Engine) {
		e.dual = dual
		e.single = single
	}
}

// WithObserver sets the metrics observer.
func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observer = o }
}

// NewEngine builds an engine. Unset tiers are skipped.
func NewEngine(cfg Config, log logger.Logger, opts ...Option) *Engine {
	if cfg.RemoteTimeout <= 0 {
		cfg.RemoteTimeout = DefaultConfig().RemoteTimeout
	}
	e := &Engine{
		cfg:    cfg,
		logger: log.Named("ocr"),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.breaker = NewBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown, func(from, to BreakerState) {
		e.logger.Warn("remote ocr breaker state changed",
			logger.String("from", from.String()),
			logger.String("to", to.String()),
		)
		if e.observer != nil {
			e.observer.Breaker(to == BreakerOpen)
		}
	})
	if cfg.RemoteRate > 0 {
		burst := cfg.RemoteBurst
		if burst <= 0 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(cfg.RemoteRate), burst)
	}
	return e
}

// Breaker exposes the remote tier's breaker.
func (e *Engine) Breaker() *Breaker { return e.breaker }

func (e *Engine) tiers() []tier {
	var out []tier
	if e.documentText != nil {
		out = append(out, tier{rec: e.documentText, lo: 0, hi: 50, pdfOnly: true})
	}
	if e.remote != nil {
		out = append(out, tier{rec: e.remote, lo: 0, hi: 50, remote: true})
	}
	if e.dual != nil {
		out = append(out, tier{rec: e.dual, lo: 50, hi: 85})
	}
	if e.single != nil {
		out = append(out, tier{rec: e.single, lo: 85, hi: 100})
	}
	return out
}

// Recognize returns the first tier result that carries text. Remote
// failures and timeouts fall through silently; only the caller's ctx aborts
// the whole chain.
func (e *Engine) Recognize(ctx context.Context, img Image, progress ProgressFunc) (*Result, error) {
	var (
		mu   sync.Mutex
		last int
	)
	band := func(lo, hi int) ProgressFunc {
		return func(p int) {
			if p < 0 {
				p = 0
			} else if p > 100 {
				p = 100
			}
			v := lo + (hi-lo)*p/100
			mu.Lock()
			if v <= last {
				mu.Unlock()
				return
			}
			last = v
			mu.Unlock()
			if progress != nil {
				progress(v)
			}
		}
	}

	log := logger.FromContext(ctx, e.logger)
	var errs []error
	for _, t := range e.tiers() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if t.pdfOnly && !img.IsPDF() {
			continue
		}

		report := band(t.lo, t.hi)
		start := time.Now()
		res, err := e.attempt(ctx, t, img, report)
		if e.observer != nil {
			e.observer.OCRTier(t.rec.Name(), outcome(err), time.Since(start))
		}
		if err == nil {
			report(100)
			res.Backend = t.rec.Name()
			log.Debug("tier recognized text",
				logger.String("tier", t.rec.Name()),
				logger.Float64("confidence", res.Confidence),
				logger.Duration("elapsed", time.Since(start)),
			)
			return res, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		errs = append(errs, fmt.Errorf("%s: %w", t.rec.Name(), err))
		switch {
		case t.remote:
			log.Warn("remote ocr unavailable, falling back to local tiers",
				logger.String("tier", t.rec.Name()),
				logger.Error(err),
			)
		case errors.Is(err, ErrUnsupported):
			log.Debug("tier skipped", logger.String("tier", t.rec.Name()), logger.Error(err))
		default:
			log.Warn("ocr tier failed", logger.String("tier", t.rec.Name()), logger.Error(err))
		}
	}

	if len(errs) == 0 {
		errs = append(errs, errors.New("no tier accepts this payload"))
	}
	return nil, fmt.Errorf("%w: %w", ErrAllTiersFailed, errors.Join(errs...))
}

func (e *Engine) attempt(ctx context.Context, t tier, img Image, progress ProgressFunc) (*Result, error) {
	if !t.remote {
		return call(ctx, t.rec, img, progress)
	}

	if !e.breaker.Allow() {
		return nil, ErrCircuitOpen
	}
	rctx, cancel := context.WithTimeout(ctx, e.cfg.RemoteTimeout)
	defer cancel()

	if e.limiter != nil {
		if err := e.limiter.Wait(rctx); err != nil {
			return nil, fmt.Errorf("remote ocr rate limit: %w", err)
		}
	}
	res, err := call(rctx, t.rec, img, progress)

	switch {
	case ctx.Err() != nil:
		// caller cancelled; says nothing about the remote service
	case err == nil, errors.Is(err, ErrEmptyText):
		e.breaker.Success()
	default:
		if errors.Is(rctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w after %s", ErrRemoteTimeout, e.cfg.RemoteTimeout)
		}
		e.breaker.Failure()
	}
	return res, err
}

// call runs one recognizer and returns as soon as ctx is done, even if the
// backend itself does not observe ctx.
func call(ctx context.Context, rec Recognizer, img Image, progress ProgressFunc) (*Result, error) {
	type reply struct {
		res *Result
		err error
	}
	ch := make(chan reply, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- reply{err: fmt.Errorf("%s panicked: %v", rec.Name(), r)}
			}
		}()
		res, err := rec.Recognize(ctx, img, progress)
		ch <- reply{res: res, err: err}
	}()

	select {
	case o := <-ch:
		if o.err == nil && o.res.empty() {
			return nil, ErrEmptyText
		}
		return o.res, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrCircuitOpen):
		return "skipped"
	case errors.Is(err, ErrRemoteTimeout):
		return "timeout"
	case errors.Is(err, ErrEmptyText):
		return "empty"
	case errors.Is(err, ErrUnsupported):
		return "unsupported"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "error"
	}
}
