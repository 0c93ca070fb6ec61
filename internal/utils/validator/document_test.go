package validator

import (
	"bytes"
	"image"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/document-reconciler/pkg/logger"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewGray(image.Rect(0, 0, w, h))))
	return buf.Bytes()
}

func codes(r *ValidationResult) []string {
	var out []string
	for _, e := range r.Errors {
		out = append(out, e.Code)
	}
	return out
}

func TestValidate(t *testing.T) {
	v := NewDocumentValidator(logger.NewTestLogger(), nil)
	good := pngBytes(t, 640, 400)

	tests := []struct {
		name  string
		file  string
		data  []byte
		codes []string
	}{
		{"valid png", "card.PNG", good, nil},
		{"empty", "card.png", nil, []string{CodeEmptyFile}},
		{"wrong extension", "card.docx", good, []string{CodeInvalidFileType}},
		{"extension mismatch", "card.jpg", good, []string{CodeInvalidMimeType}},
		{"too small", "card.png", pngBytes(t, 640, 200), []string{CodeImageTooSmall}},
		{"corrupt pdf", "card.pdf", []byte("%PDF-1.4 nothing else"), []string{CodeCorruptFile}},
		{"tiff sniffed", "card.tiff", []byte("II*\x00garbage"), []string{CodeCorruptFile}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := v.Validate(tt.file, tt.data)
			assert.Equal(t, tt.codes, codes(r))
			assert.Equal(t, len(tt.codes) == 0, r.IsValid)
		})
	}
}

func TestValidate_FileInfo(t *testing.T) {
	v := NewDocumentValidator(logger.NewTestLogger(), nil)
	r := v.Validate("card.png", pngBytes(t, 640, 400))

	assert.Equal(t, "image/png", r.FileInfo.MimeType)
	assert.Equal(t, ".png", r.FileInfo.Extension)
	assert.Equal(t, 640, r.FileInfo.Width)
	assert.Len(t, r.FileInfo.Hash, 64)
	assert.Empty(t, r.Reason())
}

func TestValidate_TooLarge(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxFileSize = 10
	r := NewDocumentValidator(logger.NewTestLogger(), cfg).Validate("card.png", pngBytes(t, 640, 400))
	assert.False(t, r.IsValid)
	assert.Contains(t, r.Reason(), "exceeds maximum limit")
}
