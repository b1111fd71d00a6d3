package preprocessing

import (
	"bytes"
	"image"
	"image/color"
	"image/gif"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-voxel/tensor"
)

func solidImage(w, h int, c color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestDecodeAndPreprocessSolidColour(t *testing.T) {
	p := NewImageProcessor(32)
	out, err := p.DecodeAndPreprocess(bytes.NewReader(encodePNG(t, solidImage(64, 48, color.RGBA{255, 0, 51, 255}))))
	require.NoError(t, err)

	assert.Equal(t, "png", out.Format)
	assert.Equal(t, 3, out.Channels)
	assert.Equal(t, 32, out.Width)
	assert.Equal(t, 32, out.Height)
	require.Len(t, out.Data, 3*32*32)

	plane := 32 * 32
	assert.InDelta(t, 1.0, out.Data[0], 1e-6)
	assert.InDelta(t, 0.0, out.Data[plane], 1e-6)
	assert.InDelta(t, 0.2, out.Data[2*plane+plane-1], 1e-6)
}

func TestTransparentPixelsKeepStoredColour(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 40, 40))
	for i := 0; i < len(img.Pix); i += 4 {
		copy(img.Pix[i:i+4], []uint8{204, 102, 51, 0})
	}
	out, err := NewImageProcessor(32).DecodeAndPreprocess(bytes.NewReader(encodePNG(t, img)))
	require.NoError(t, err)

	plane := 32 * 32
	for _, idx := range []int{0, plane/2 + 7, plane - 1} {
		assert.InDelta(t, 0.8, out.Data[idx], 1e-6)
		assert.InDelta(t, 0.4, out.Data[plane+idx], 1e-6)
		assert.InDelta(t, 0.2, out.Data[2*plane+idx], 1e-6)
	}
}

func TestPreprocessKeepsValuesInUnitRange(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 17, 9))
	for y := 0; y < 9; y++ {
		for x := 0; x < 17; x++ {
			img.Set(x, y, color.RGBA{uint8(x * 15), uint8(y * 28), uint8((x + y) * 10), 255})
		}
	}
	out := NewImageProcessor(DefaultSize).Preprocess(img)
	require.Len(t, out.Data, 3*DefaultSize*DefaultSize)
	for _, v := range out.Data {
		require.GreaterOrEqual(t, v, float32(0))
		require.LessOrEqual(t, v, float32(1))
	}
}

func TestDecodeOtherFormats(t *testing.T) {
	p := NewImageProcessor(16)
	src := solidImage(20, 20, color.RGBA{0, 0, 0, 255})

	var jpg bytes.Buffer
	require.NoError(t, jpeg.Encode(&jpg, src, &jpeg.Options{Quality: 90}))
	out, err := p.DecodeAndPreprocess(&jpg)
	require.NoError(t, err)
	assert.Equal(t, "jpeg", out.Format)

	var g bytes.Buffer
	require.NoError(t, gif.Encode(&g, src, nil))
	out, err = p.DecodeAndPreprocess(&g)
	require.NoError(t, err)
	assert.Equal(t, "gif", out.Format)
	for _, v := range out.Data {
		assert.InDelta(t, 0, v, 1e-6)
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := NewImageProcessor(8).DecodeAndPreprocess(strings.NewReader("not an image"))
	assert.Error(t, err)
}

func TestLoadImageTensor(t *testing.T) {
	path := filepath.Join(t.TempDir(), "black.png")
	require.NoError(t, os.WriteFile(path, encodePNG(t, solidImage(256, 256, color.Black)), 0o644))

	x, err := LoadImageTensor(path, DefaultSize, tensor.CPU)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3, 256, 256}, x.Shape)
	lo, hi := x.MinMax()
	assert.Equal(t, float32(0), lo)
	assert.Equal(t, float32(0), hi)

	_, err = LoadImageTensor(filepath.Join(t.TempDir(), "missing.png"), DefaultSize, tensor.CPU)
	assert.ErrorIs(t, err, os.ErrNotExist)
}
