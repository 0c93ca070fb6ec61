// Package ocr runs identity-card images through a prioritized chain of text
// recognition backends.
package ocr

import (
	"context"
	"errors"
	"strings"

	"github.com/feichai0017/document-reconciler/internal/models"
)

var (
	// ErrAllTiersFailed is returned when no tier produced text.
	ErrAllTiersFailed = errors.New("all ocr tiers failed")
	// ErrCircuitOpen is returned by the remote tier while its breaker is open.
	ErrCircuitOpen = errors.New("remote ocr circuit breaker is open")
	// ErrRemoteTimeout is returned when the remote tier exceeds its own deadline.
	ErrRemoteTimeout = errors.New("remote ocr timed out")
	// ErrEmptyText is returned when a tier succeeded but recognized nothing.
	ErrEmptyText = errors.New("no text recognized")
	// ErrUnsupported is returned by a tier that cannot read the payload type.
	ErrUnsupported = errors.New("payload type not supported by tier")
)

// Image is one payload to recognize.
type Image struct {
	Data     []byte
	MimeType string
	FileName string
}

// IsPDF reports whether the payload is a PDF document.
func (i Image) IsPDF() bool {
	return i.MimeType == "application/pdf" || strings.HasSuffix(strings.ToLower(i.FileName), ".pdf")
}

// Result is what a tier recognized.
type Result struct {
	Text       string
	Confidence float64
	// Fields is a structured pre-extraction, set only by backends that
	// return one.
	Fields  *models.ExtractedRecord
	Backend string
}

func (r *Result) empty() bool {
	return r == nil || (strings.TrimSpace(r.Text) == "" && !r.Fields.HasIdentifier())
}

// ProgressFunc receives progress in the range 0-100.
type ProgressFunc func(percent int)

// Recognizer is one OCR backend.
type Recognizer interface {
	Name() string
	Recognize(ctx context.Context, img Image, progress ProgressFunc) (*Result, error)
}
