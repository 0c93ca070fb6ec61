// Package tesseract provides the local OCR tiers backed by gosseract.
package tesseract

import (
	"context"
	"fmt"
	"strings"

	"github.com/otiai10/gosseract/v2"

	"github.com/feichai0017/document-reconciler/internal/imageprep"
	"github.com/feichai0017/document-reconciler/internal/ocr"
	"github.com/feichai0017/document-reconciler/pkg/logger"
)

// Recognizer runs tesseract with a fixed language selection. A fresh client
// is created per call; gosseract clients are not safe for concurrent use.
type Recognizer struct {
	name          string
	languages     []string
	pageSegMode   gosseract.PageSegMode
	pipeline      imageprep.Pipeline
	clientFactory func() *gosseract.Client
	logger        logger.Logger
}

// Option configures a Recognizer.
type Option func(*Recognizer)

// WithPipeline overrides the preprocessing pipeline.
func WithPipeline(p imageprep.Pipeline) Option {
	return func(r *Recognizer) { r.pipeline = p }
}

// WithPageSegMode overrides tesseract's page segmentation mode.
func WithPageSegMode(mode gosseract.PageSegMode) Option {
	return func(r *Recognizer) { r.pageSegMode = mode }
}

// New creates a local tier reading the given tesseract languages, e.g.
// "ara", "eng".
func New(languages []string, log logger.Logger, opts ...Option) *Recognizer {
	r := &Recognizer{
		name:          "tesseract-" + strings.Join(languages, "+"),
		languages:     languages,
		pageSegMode:   gosseract.PSM_AUTO,
		pipeline:      imageprep.DefaultPipeline(),
		clientFactory: gosseract.NewClient,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = log.Named(r.name)
	return r
}

// NewDual is the dual-script tier.
func NewDual(log logger.Logger, opts ...Option) *Recognizer {
	return New([]string{"ara", "eng"}, log, opts...)
}

// NewSingle is the single-script fallback tier.
func NewSingle(log logger.Logger, opts ...Option) *Recognizer {
	return New([]string{"eng"}, log, opts...)
}

func (r *Recognizer) Name() string { return r.name }

// Recognize implements ocr.Recognizer.
func (r *Recognizer) Recognize(ctx context.Context, img ocr.Image, progress ocr.ProgressFunc) (*ocr.Result, error) {
	if img.IsPDF() {
		return nil, ocr.ErrUnsupported
	}
	progress(5)

	data, err := r.pipeline.Prepare(img.Data)
	if err != nil {
		r.logger.Debug("preprocessing failed, using original image",
			logger.String("file", img.FileName),
			logger.Error(err),
		)
		data = img.Data
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	progress(25)

	client := r.clientFactory()
	defer client.Close()

	if err := client.SetLanguage(r.languages...); err != nil {
		return nil, fmt.Errorf("set languages: %w", err)
	}
	if err := client.SetPageSegMode(r.pageSegMode); err != nil {
		return nil, fmt.Errorf("set page seg mode: %w", err)
	}
	if err := client.SetImageFromBytes(data); err != nil {
		return nil, fmt.Errorf("set image: %w", err)
	}
	progress(40)

	text, err := client.Text()
	if err != nil {
		return nil, fmt.Errorf("recognize text: %w", err)
	}
	progress(85)

	return &ocr.Result{
		Text:       strings.TrimSpace(text),
		Confidence: meanConfidence(client),
	}, nil
}

func meanConfidence(c *gosseract.Client) float64 {
	boxes, err := c.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil || len(boxes) == 0 {
		return 0
	}
	var sum float64
	for _, b := range boxes {
		sum += b.Confidence / 100.0
	}
	return sum / float64(len(boxes))
}
