// Package agent assembles the OCR engine from configuration.
package agent

import (
	"context"
	"fmt"

	"github.com/feichai0017/document-reconciler/config"
	"github.com/feichai0017/document-reconciler/internal/ocr"
	"github.com/feichai0017/document-reconciler/internal/ocr/httpocr"
	"github.com/feichai0017/document-reconciler/internal/ocr/pdftext"
	"github.com/feichai0017/document-reconciler/internal/ocr/tesseract"
	"github.com/feichai0017/document-reconciler/internal/ocr/textract"
	"github.com/feichai0017/document-reconciler/pkg/logger"
	"github.com/feichai0017/document-reconciler/pkg/metrics"
)

// NewEngine builds the tier chain: embedded PDF text, the remote service,
// then the dual and single language tesseract tiers. m may be nil.
func NewEngine(ctx context.Context, cfg *config.PipelineConfig, m *metrics.Metrics, log logger.Logger) (*ocr.Engine, error) {
	remote, err := NewRemoteTier(ctx, config.GetTextractConfig(), config.GetRemoteOCRConfig(), log)
	if err != nil {
		return nil, err
	}

	opts := []ocr.Option{
		ocr.WithDocumentText(pdftext.New(log)),
		ocr.WithLocal(
			tesseract.New(cfg.Languages.Dual, log),
			tesseract.New(cfg.Languages.Single, log),
		),
	}
	if remote != nil {
		opts = append(opts, ocr.WithRemote(remote))
	}
	if m != nil {
		opts = append(opts, ocr.WithObserver(m))
	}

	remoteName := "none"
	if remote != nil {
		remoteName = remote.Name()
	}
	log.Info("ocr engine configured",
		logger.String("remote", remoteName),
		logger.Strings("dual", cfg.Languages.Dual),
		logger.Strings("single", cfg.Languages.Single),
		logger.Duration("remote_timeout", cfg.OCR.RemoteTimeout),
	)
	return ocr.NewEngine(cfg.OCR, log, opts...), nil
}

// NewRemoteTier picks Textract when enabled, otherwise the HTTP OCR service
// when a URL is configured. It returns nil when neither is.
func NewRemoteTier(ctx context.Context, tx *config.TextractConfig, remote *config.RemoteOCRConfig, log logger.Logger) (ocr.Recognizer, error) {
	switch {
	case tx != nil && tx.Enabled:
		r, err := textract.NewFromConfig(ctx, tx, log)
		if err != nil {
			return nil, fmt.Errorf("failed to create textract tier: %w", err)
		}
		return r, nil
	case remote != nil && remote.URL != "":
		return httpocr.New(remote.URL, remote.APIKey, log), nil
	default:
		return nil, nil
	}
}
