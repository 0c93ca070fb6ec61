package imageprep

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func samplePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestPipeline_Prepare(t *testing.T) {
	out, err := DefaultPipeline().Prepare(samplePNG(t, 200, 100))
	require.NoError(t, err)

	w, h, err := Dimensions(out)
	require.NoError(t, err)
	assert.Equal(t, 1200, w)
	assert.Equal(t, 600, h)
}

func TestPipeline_RejectsGarbage(t *testing.T) {
	_, err := DefaultPipeline().Prepare([]byte("not an image"))
	assert.Error(t, err)

	_, err = Pipeline{}.Process(nil)
	assert.Error(t, err)
}

func TestBinarize(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 2, 1))
	img.SetGray(0, 0, color.Gray{Y: 10})
	img.SetGray(1, 0, color.Gray{Y: 200})

	out, err := Binarize{Threshold: 128}.Process(img)
	require.NoError(t, err)
	g := out.(*image.Gray)
	assert.Equal(t, uint8(0), g.GrayAt(0, 0).Y)
	assert.Equal(t, uint8(255), g.GrayAt(1, 0).Y)
}

func TestThumbnail(t *testing.T) {
	uri, err := Thumbnail(samplePNG(t, 400, 200), 64)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(uri, "data:image/jpeg;base64,"))
}
