package validator

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/feichai0017/document-reconciler/internal/imageprep"
	"github.com/feichai0017/document-reconciler/pkg/logger"
)

// 错误码
const (
	CodeFileTooLarge    = "FILE_TOO_LARGE"
	CodeEmptyFile       = "EMPTY_FILE"
	CodeInvalidFileType = "INVALID_FILE_TYPE"
	CodeInvalidMimeType = "INVALID_MIME_TYPE"
	CodeImageTooSmall   = "IMAGE_TOO_SMALL"
	CodeCorruptFile     = "CORRUPT_FILE"
	CodeTooManyPages    = "TOO_MANY_PAGES"
)

// DocumentValidator 证件文件验证器
type DocumentValidator struct {
	logger logger.Logger
	config *ValidatorConfig
}

// ValidatorConfig 验证器配置
type ValidatorConfig struct {
	MaxFileSize  int64               // 最大文件大小（字节）
	AllowedTypes map[string][]string // 允许的文件类型 {扩展名: []MIME类型}
	MinDimension int                 // 图片最短边最小像素
	MaxPageCount int                 // PDF最大页数
}

// DefaultConfig 默认配置
func DefaultConfig() *ValidatorConfig {
	return &ValidatorConfig{
		MaxFileSize: 10 * 1024 * 1024,
		AllowedTypes: map[string][]string{
			".pdf":  {"application/pdf"},
			".jpg":  {"image/jpeg"},
			".jpeg": {"image/jpeg"},
			".png":  {"image/png"},
			".tif":  {"image/tiff"},
			".tiff": {"image/tiff"},
			".webp": {"image/webp"},
		},
		MinDimension: 300,
		MaxPageCount: 4,
	}
}

// ValidationResult 验证结果
type ValidationResult struct {
	IsValid  bool              `json:"isValid"`
	Errors   []ValidationError `json:"errors,omitempty"`
	FileInfo FileInfo          `json:"fileInfo"`
}

// Reason joins the error messages.
func (r *ValidationResult) Reason() string {
	msgs := make([]string, len(r.Errors))
	for i, e := range r.Errors {
		msgs[i] = e.Message
	}
	return strings.Join(msgs, "; ")
}

// ValidationError 验证错误
type ValidationError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

// FileInfo 文件信息
type FileInfo struct {
	Filename  string `json:"filename"`
	Size      int64  `json:"size"`
	MimeType  string `json:"mimeType"`
	Extension string `json:"extension"`
	Hash      string `json:"hash"`
	Width     int    `json:"width,omitempty"`
	Height    int    `json:"height,omitempty"`
}

// NewDocumentValidator 创建新的验证器, config 为 nil 时使用默认配置
func NewDocumentValidator(log logger.Logger, config *ValidatorConfig) *DocumentValidator {
	if config == nil {
		config = DefaultConfig()
	}
	return &DocumentValidator{logger: log.Named("validator"), config: config}
}

// Validate checks one intaken file.
func (v *DocumentValidator) Validate(filename string, data []byte) *ValidationResult {
	sum := sha256.Sum256(data)
	result := &ValidationResult{
		IsValid: true,
		FileInfo: FileInfo{
			Filename:  filename,
			Size:      int64(len(data)),
			Extension: strings.ToLower(filepath.Ext(filename)),
			MimeType:  detectMimeType(data),
			Hash:      hex.EncodeToString(sum[:]),
		},
	}

	// 基本验证
	result.add(v.performBasicValidation(result.FileInfo)...)
	if result.IsValid {
		result.add(v.validateMimeType(result.FileInfo)...)
	}
	// 根据文件类型进行特定验证
	if result.IsValid {
		result.add(v.performTypeSpecificValidation(data, &result.FileInfo)...)
	}

	if !result.IsValid {
		v.logger.Debug("file rejected",
			logger.String("file", filename),
			logger.String("reason", result.Reason()),
		)
	}
	return result
}

func (r *ValidationResult) add(errs ...ValidationError) {
	if len(errs) > 0 {
		r.IsValid = false
		r.Errors = append(r.Errors, errs...)
	}
}

// 基本验证
func (v *DocumentValidator) performBasicValidation(info FileInfo) []ValidationError {
	var errs []ValidationError
	if info.Size == 0 {
		errs = append(errs, ValidationError{Code: CodeEmptyFile, Message: "File is empty", Field: "size"})
	}
	if info.Size > v.config.MaxFileSize {
		errs = append(errs, ValidationError{
			Code:    CodeFileTooLarge,
			Message: fmt.Sprintf("File size exceeds maximum limit of %d bytes", v.config.MaxFileSize),
			Field:   "size",
		})
	}
	if _, ok := v.config.AllowedTypes[info.Extension]; !ok {
		errs = append(errs, ValidationError{
			Code:    CodeInvalidFileType,
			Message: fmt.Sprintf("File type %s is not allowed", info.Extension),
			Field:   "extension",
		})
	}
	return errs
}

// MIME类型验证
func (v *DocumentValidator) validateMimeType(info FileInfo) []ValidationError {
	for _, mime := range v.config.AllowedTypes[info.Extension] {
		if mime == info.MimeType {
			return nil
		}
	}
	return []ValidationError{{
		Code:    CodeInvalidMimeType,
		Message: fmt.Sprintf("Invalid MIME type %s for extension %s", info.MimeType, info.Extension),
		Field:   "mimeType",
	}}
}

// 特定类型验证
func (v *DocumentValidator) performTypeSpecificValidation(data []byte, info *FileInfo) []ValidationError {
	switch info.MimeType {
	case "application/pdf":
		return v.validatePDF(data)
	case "image/webp":
		// 标准库无法读取 webp 尺寸
		return nil
	default:
		return v.validateImage(data, info)
	}
}

// PDF特定验证
func (v *DocumentValidator) validatePDF(data []byte) (errs []ValidationError) {
	defer func() {
		if r := recover(); r != nil {
			errs = []ValidationError{{Code: CodeCorruptFile, Message: "PDF could not be parsed"}}
		}
	}()
	reader := bytes.NewReader(data)
	doc, err := pdf.NewReader(reader, reader.Size())
	if err != nil {
		return []ValidationError{{Code: CodeCorruptFile, Message: "PDF could not be parsed"}}
	}
	if v.config.MaxPageCount > 0 && doc.NumPage() > v.config.MaxPageCount {
		return []ValidationError{{
			Code:    CodeTooManyPages,
			Message: fmt.Sprintf("PDF has %d pages, at most %d allowed", doc.NumPage(), v.config.MaxPageCount),
		}}
	}
	return nil
}

// 图片特定验证
func (v *DocumentValidator) validateImage(data []byte, info *FileInfo) []ValidationError {
	w, h, err := imageprep.Dimensions(data)
	if err != nil {
		return []ValidationError{{Code: CodeCorruptFile, Message: "Image could not be decoded"}}
	}
	info.Width, info.Height = w, h
	if min(w, h) < v.config.MinDimension {
		return []ValidationError{{
			Code:    CodeImageTooSmall,
			Message: fmt.Sprintf("Image is %dx%d, shortest side must be at least %d pixels", w, h, v.config.MinDimension),
		}}
	}
	return nil
}

// 检测MIME类型, http.DetectContentType 不识别 TIFF
func detectMimeType(data []byte) string {
	if bytes.HasPrefix(data, []byte("II*\x00")) || bytes.HasPrefix(data, []byte("MM\x00*")) {
		return "image/tiff"
	}
	head := data
	if len(head) > 512 {
		head = head[:512]
	}
	return http.DetectContentType(head)
}
