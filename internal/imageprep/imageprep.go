// Package imageprep decodes card photos, cleans them up for local OCR and
// renders preview thumbnails.
package imageprep

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/color"

	"github.com/disintegration/imaging"
)

// 图像预处理接口
type Preprocessor interface {
	Process(img image.Image) (image.Image, error)
}

// 灰度处理器
type Grayscale struct{}

func (Grayscale) Process(img image.Image) (image.Image, error) {
	return imaging.Grayscale(img), nil
}

// 对比度处理器
type Contrast struct {
	Percent float64
}

func (p Contrast) Process(img image.Image) (image.Image, error) {
	return imaging.AdjustContrast(img, p.Percent), nil
}

// 锐化处理器
type Sharpen struct {
	Sigma float64
}

func (p Sharpen) Process(img image.Image) (image.Image, error) {
	return imaging.Sharpen(img, p.Sigma), nil
}

// 降噪处理器, 高斯模糊
type Denoise struct {
	Sigma float64
}

func (p Denoise) Process(img image.Image) (image.Image, error) {
	return imaging.Blur(img, p.Sigma), nil
}

// MinWidth upscales narrow photos; tesseract misses glyphs below ~20px.
type MinWidth struct {
	Width int
}

func (p MinWidth) Process(img image.Image) (image.Image, error) {
	if p.Width <= 0 || img.Bounds().Dx() >= p.Width {
		return img, nil
	}
	return imaging.Resize(img, p.Width, 0, imaging.Lanczos), nil
}

// 二值化处理器
type Binarize struct {
	Threshold uint8
}

func (p Binarize) Process(img image.Image) (image.Image, error) {
	gray := imaging.Grayscale(img)
	bounds := gray.Bounds()
	out := image.NewGray(bounds)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			v := color.GrayModel.Convert(gray.At(x, y)).(color.Gray).Y
			if v >= p.Threshold {
				out.SetGray(x, y, color.Gray{Y: 255})
			}
		}
	}
	return out, nil
}

// Pipeline applies preprocessors in order.
type Pipeline []Preprocessor

// DefaultPipeline is tuned for ID card photos taken with a phone.
func DefaultPipeline() Pipeline {
	return Pipeline{
		MinWidth{Width: 1200},
		Grayscale{},
		Contrast{Percent: 20},
		Sharpen{Sigma: 0.8},
	}
}

// Process runs the pipeline.
func (p Pipeline) Process(img image.Image) (image.Image, error) {
	if img == nil {
		return nil, fmt.Errorf("input image is nil")
	}
	var err error
	for i, step := range p {
		if img, err = step.Process(img); err != nil {
			return nil, fmt.Errorf("preprocess step %d: %w", i, err)
		}
	}
	return img, nil
}

// Decode reads a JPEG, PNG, GIF, TIFF or BMP payload, honoring EXIF orientation.
func Decode(data []byte) (image.Image, error) {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return img, nil
}

// Prepare decodes data, runs the pipeline and re-encodes as PNG for OCR.
func (p Pipeline) Prepare(data []byte) ([]byte, error) {
	img, err := Decode(data)
	if err != nil {
		return nil, err
	}
	if img, err = p.Process(img); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return nil, fmt.Errorf("encode image: %w", err)
	}
	return buf.Bytes(), nil
}

// Dimensions returns width and height without running the pipeline.
func Dimensions(data []byte) (int, int, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0, fmt.Errorf("decode image config: %w", err)
	}
	return cfg.Width, cfg.Height, nil
}

// Thumbnail renders a JPEG preview fitted into size x size as a data URI.
func Thumbnail(data []byte, size int) (string, error) {
	img, err := Decode(data)
	if err != nil {
		return "", err
	}
	thumb := imaging.Fit(img, size, size, imaging.Box)
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, thumb, imaging.JPEG, imaging.JPEGQuality(70)); err != nil {
		return "", fmt.Errorf("encode thumbnail: %w", err)
	}
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
