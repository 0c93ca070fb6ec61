// Package textract is the remote OCR tier backed by Amazon Textract.
package textract

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/textract"
	"github.com/aws/aws-sdk-go-v2/service/textract/types"

	"github.com/feichai0017/document-reconciler/config"
	"github.com/feichai0017/document-reconciler/internal/extractor"
	"github.com/feichai0017/document-reconciler/internal/models"
	"github.com/feichai0017/document-reconciler/internal/ocr"
	"github.com/feichai0017/document-reconciler/pkg/logger"
)

// API is the subset of the Textract client used here.
type API interface {
	AnalyzeID(ctx context.Context, in *textract.AnalyzeIDInput, optFns ...func(*textract.Options)) (*textract.AnalyzeIDOutput, error)
	DetectDocumentText(ctx context.Context, in *textract.DetectDocumentTextInput, optFns ...func(*textract.Options)) (*textract.DetectDocumentTextOutput, error)
}

// Recognizer calls AnalyzeID for structured identity fields and uses the
// returned LINE blocks, or DetectDocumentText when AnalyzeID carries none,
// as raw text.
type Recognizer struct {
	api           API
	minConfidence float32
	logger        logger.Logger
}

// New wraps an existing client.
func New(api API, minConfidence float32, log logger.Logger) *Recognizer {
	return &Recognizer{
		api:           api,
		minConfidence: minConfidence,
		logger:        log.Named("textract"),
	}
}

// NewFromConfig builds the AWS client from the textract configuration.
// Static credentials are used when set, otherwise the default chain.
func NewFromConfig(ctx context.Context, cfg *config.TextractConfig, log logger.Logger) (*Recognizer, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to load AWS config: %w", err)
	}

	client := textract.NewFromConfig(awsCfg, func(o *textract.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return New(client, cfg.MinConfidence, log), nil
}

func (r *Recognizer) Name() string { return "textract" }

// Recognize implements ocr.Recognizer.
func (r *Recognizer) Recognize(ctx context.Context, img ocr.Image, progress ocr.ProgressFunc) (*ocr.Result, error) {
	progress(10)
	out, err := r.api.AnalyzeID(ctx, &textract.AnalyzeIDInput{
		DocumentPages: []types.Document{{Bytes: img.Data}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to analyze id: %w", err)
	}
	progress(60)

	var (
		fields    = make(map[string]string)
		lines     []string
		confs     []float32
		lineConfs []float32
	)
	for _, doc := range out.IdentityDocuments {
		for _, f := range doc.IdentityDocumentFields {
			key, value, conf := fieldValue(f)
			if key == "" || value == "" {
				continue
			}
			if _, seen := fields[key]; !seen {
				fields[key] = value
				confs = append(confs, conf)
			}
		}
		t, c := r.lines(doc.Blocks)
		lines, lineConfs = append(lines, t...), append(lineConfs, c...)
	}

	if len(lines) == 0 {
		detected, err := r.api.DetectDocumentText(ctx, &textract.DetectDocumentTextInput{
			Document: &types.Document{Bytes: img.Data},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to detect document text: %w", err)
		}
		lines, lineConfs = r.lines(detected.Blocks)
	}
	if len(confs) == 0 {
		confs = lineConfs
	}
	progress(90)

	res := &ocr.Result{
		Text:       strings.Join(lines, "\n"),
		Confidence: mean(confs) / 100,
	}
	if rec := toRecord(fields); rec.HasIdentifier() || rec.HasName() {
		rec.Confidence = res.Confidence
		res.Fields = rec
	}
	r.logger.Debug("textract recognized",
		logger.Int("lines", len(lines)),
		logger.Int("fields", len(fields)),
	)
	return res, nil
}

func (r *Recognizer) lines(blocks []types.Block) ([]string, []float32) {
	var (
		texts []string
		confs []float32
	)
	for _, block := range blocks {
		if block.BlockType == types.BlockTypeLine &&
			block.Text != nil &&
			block.Confidence != nil &&
			*block.Confidence >= r.minConfidence {
			texts = append(texts, *block.Text)
			confs = append(confs, *block.Confidence)
		}
	}
	return texts, confs
}

func fieldValue(f types.IdentityDocumentField) (string, string, float32) {
	if f.Type == nil || f.Type.Text == nil || f.ValueDetection == nil {
		return "", "", 0
	}
	v := f.ValueDetection
	var value string
	switch {
	case v.NormalizedValue != nil && v.NormalizedValue.Value != nil:
		value = *v.NormalizedValue.Value
		if v.NormalizedValue.ValueType == types.ValueTypeDate && len(value) >= 10 {
			value = value[:10]
		}
	case v.Text != nil:
		value = *v.Text
	}
	var conf float32
	if v.Confidence != nil {
		conf = *v.Confidence
	}
	return *f.Type.Text, strings.TrimSpace(value), conf
}

// toRecord maps AnalyzeID field types onto an extracted record.
func toRecord(fields map[string]string) *models.ExtractedRecord {
	name := strings.TrimSpace(strings.Join([]string{
		fields["FIRST_NAME"], fields["MIDDLE_NAME"], fields["LAST_NAME"],
	}, " "))
	number, passport := fields["DOCUMENT_NUMBER"], ""
	if strings.EqualFold(fields["ID_TYPE"], "PASSPORT") {
		number, passport = "", fields["DOCUMENT_NUMBER"]
	}
	return extractor.Classify(number, name, fields["DATE_OF_BIRTH"], fields["EXPIRATION_DATE"], "", "", passport)
}

func mean(v []float32) float64 {
	if len(v) == 0 {
		return 0
	}
	var sum float64
	for _, x := range v {
		sum += float64(x)
	}
	return sum / float64(len(v))
}
