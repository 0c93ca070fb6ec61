// Package httpocr is a remote OCR tier that talks to an HTTP JSON service.
package httpocr

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/go-resty/resty/v2"

	"github.com/feichai0017/document-reconciler/internal/extractor"
	"github.com/feichai0017/document-reconciler/internal/models"
	"github.com/feichai0017/document-reconciler/internal/ocr"
	"github.com/feichai0017/document-reconciler/pkg/logger"
)

type request struct {
	Image    string `json:"image"`
	MimeType string `json:"mime_type,omitempty"`
	FileName string `json:"file_name,omitempty"`
}

type fields struct {
	NationalID     string `json:"national_id"`
	Name           string `json:"name"`
	DateOfBirth    string `json:"date_of_birth"`
	ExpiryDate     string `json:"expiry_date"`
	Nationality    string `json:"nationality"`
	Occupation     string `json:"occupation"`
	PassportNumber string `json:"passport_number"`
}

type response struct {
	Success    bool    `json:"success"`
	Text       string  `json:"text"`
	Fields     *fields `json:"fields,omitempty"`
	Confidence float64 `json:"confidence"`
	Error      string  `json:"error,omitempty"`
}

// Client posts base64 images to {baseURL}/ocr. The engine owns the timeout;
// the resty client itself has none.
type Client struct {
	client *resty.Client
	logger logger.Logger
}

// New creates a client. apiKey may be empty.
func New(baseURL, apiKey string, log logger.Logger) *Client {
	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetHeader("Content-Type", "application/json")
	if apiKey != "" {
		client.SetAuthToken(apiKey)
	}
	return &Client{client: client, logger: log.Named("httpocr")}
}

func (c *Client) Name() string { return "http" }

// Recognize implements ocr.Recognizer.
func (c *Client) Recognize(ctx context.Context, img ocr.Image, progress ocr.ProgressFunc) (*ocr.Result, error) {
	progress(10)
	var out response
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(request{
			Image:    base64.StdEncoding.EncodeToString(img.Data),
			MimeType: img.MimeType,
			FileName: img.FileName,
		}).
		SetResult(&out).
		SetError(&out).
		Post("/ocr")
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("ocr request failed: %w", err)
	}
	progress(90)

	if resp.IsError() || !out.Success {
		msg := out.Error
		if msg == "" {
			msg = resp.Status()
		}
		c.logger.Debug("remote ocr rejected image",
			logger.String("file", img.FileName),
			logger.Int("status", resp.StatusCode()),
			logger.String("error", msg),
		)
		return nil, errors.New("remote ocr: " + msg)
	}

	res := &ocr.Result{Text: out.Text, Confidence: out.Confidence}
	if out.Fields != nil {
		res.Fields = out.Fields.record()
		if res.Fields != nil {
			res.Fields.Confidence = out.Confidence
		}
	}
	return res, nil
}

func (f *fields) record() *models.ExtractedRecord {
	rec := extractor.Classify(
		f.NationalID, f.Name, f.DateOfBirth, f.ExpiryDate,
		f.Nationality, f.Occupation, f.PassportNumber,
	)
	if rec.IsEmpty() {
		return nil
	}
	return rec
}
