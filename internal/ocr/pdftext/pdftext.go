// Package pdftext reads the embedded text layer of PDF scans. Scans without a
// text layer yield ocr.ErrEmptyText so the engine falls through to OCR.
package pdftext

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/feichai0017/document-reconciler/internal/ocr"
	"github.com/feichai0017/document-reconciler/pkg/logger"
)

// maxPages caps how much of a document is read; ID scans are one or two pages.
const maxPages = 4

type Reader struct {
	logger logger.Logger
}

func New(log logger.Logger) *Reader {
	return &Reader{logger: log.Named("pdftext")}
}

func (r *Reader) Name() string { return "pdf-text" }

// Recognize implements ocr.Recognizer.
func (r *Reader) Recognize(ctx context.Context, img ocr.Image, progress ocr.ProgressFunc) (res *ocr.Result, err error) {
	if !img.IsPDF() {
		return nil, ocr.ErrUnsupported
	}
	// the pdf package panics on some malformed documents
	defer func() {
		if p := recover(); p != nil {
			res, err = nil, fmt.Errorf("malformed pdf: %v", p)
		}
	}()

	// bytes.Reader 实现了 io.ReaderAt
	reader := bytes.NewReader(img.Data)
	doc, err := pdf.NewReader(reader, reader.Size())
	if err != nil {
		return nil, fmt.Errorf("failed to open pdf: %w", err)
	}

	pages := doc.NumPage()
	if pages > maxPages {
		pages = maxPages
	}
	var texts []string
	for i := 1; i <= pages; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page := doc.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			r.logger.Debug("failed to read page text",
				logger.String("file", img.FileName),
				logger.Int("page", i),
				logger.Error(err),
			)
			continue
		}
		if text = strings.TrimSpace(text); text != "" {
			texts = append(texts, text)
		}
		progress(i * 100 / pages)
	}

	if len(texts) == 0 {
		return nil, ocr.ErrEmptyText
	}
	// 文本层是精确的
	return &ocr.Result{Text: strings.Join(texts, "\n"), Confidence: 1}, nil
}
