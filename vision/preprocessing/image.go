package preprocessing

import (
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"sync"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"github.com/tsawler/go-voxel/tensor"
)

// DefaultSize is the square edge every image is resized to before encoding.
const DefaultSize = 256

// ImageProcessor decodes images and turns them into CHW float32 planes in
// [0, 1]. The resize buffer is reused between calls.
type ImageProcessor struct {
	mu              sync.Mutex
	tempImageBuffer *image.RGBA
	targetSize      int
}

// NewImageProcessor creates a new image processor with the specified target size
func NewImageProcessor(targetSize int) *ImageProcessor {
	if targetSize <= 0 {
		targetSize = DefaultSize
	}
	return &ImageProcessor{
		targetSize: targetSize,
	}
}

// TargetSize returns the output edge length.
func (p *ImageProcessor) TargetSize() int {
	return p.targetSize
}

// ProcessedImage represents a preprocessed image ready for neural network input
type ProcessedImage struct {
	Data     []float32 // CHW
	Width    int
	Height   int
	Channels int
	Format   string // decoder name reported by image.Decode
}

// DecodeAndPreprocess decodes a PNG, JPEG, GIF or WebP stream, drops alpha,
// resizes bilinearly to the target size and returns CHW data in [0, 1].
func (p *ImageProcessor) DecodeAndPreprocess(reader io.Reader) (*ProcessedImage, error) {
	img, format, err := image.Decode(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	out := p.Preprocess(img)
	out.Format = format
	return out, nil
}

// Preprocess resizes an already decoded image.
func (p *ImageProcessor) Preprocess(img image.Image) *ProcessedImage {
	p.mu.Lock()
	defer p.mu.Unlock()

	size := p.targetSize
	if p.tempImageBuffer == nil {
		p.tempImageBuffer = image.NewRGBA(image.Rect(0, 0, size, size))
	}
	dst := p.tempImageBuffer
	draw.BiLinear.Scale(dst, dst.Bounds(), dropAlpha(img), img.Bounds(), draw.Src, nil)

	plane := size * size
	data := make([]float32, 3*plane)
	for y := 0; y < size; y++ {
		row := dst.Pix[y*dst.Stride:]
		for x := 0; x < size; x++ {
			px := row[x*4 : x*4+4]
			idx := y*size + x
			data[idx] = float32(px[0]) / 255
			data[plane+idx] = float32(px[1]) / 255
			data[2*plane+idx] = float32(px[2]) / 255
		}
	}

	return &ProcessedImage{
		Data:     data,
		Width:    size,
		Height:   size,
		Channels: 3,
	}
}

// dropAlpha returns an opaque copy of img that keeps the stored colour of
// every pixel, fully transparent ones included.
func dropAlpha(img image.Image) image.Image {
	if o, ok := img.(interface{ Opaque() bool }); ok && o.Opaque() {
		return img
	}
	b := img.Bounds()
	out := image.NewRGBA(b)
	if src, ok := img.(*image.NRGBA); ok {
		for y := b.Min.Y; y < b.Max.Y; y++ {
			si := src.PixOffset(b.Min.X, y)
			di := out.PixOffset(b.Min.X, y)
			for x := 0; x < b.Dx(); x++ {
				copy(out.Pix[di:di+3], src.Pix[si:si+3])
				out.Pix[di+3] = 0xff
				si += 4
				di += 4
			}
		}
		return out
	}
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			out.SetRGBA(x, y, color.RGBA{c.R, c.G, c.B, 0xff})
		}
	}
	return out
}

// LoadFile opens and preprocesses a single image file.
func (p *ImageProcessor) LoadFile(path string) (*ProcessedImage, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image %s: %w", path, err)
	}
	defer file.Close()

	img, err := p.DecodeAndPreprocess(file)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return img, nil
}

// Tensor wraps the image as a (1, C, H, W) tensor on the given device.
func (img *ProcessedImage) Tensor(device tensor.DeviceType) (*tensor.Tensor, error) {
	return tensor.NewTensor([]int{1, img.Channels, img.Height, img.Width}, device, img.Data)
}

// LoadImageTensor is the single-call path used by inference: file in,
// (1, 3, size, size) tensor out.
func LoadImageTensor(path string, size int, device tensor.DeviceType) (*tensor.Tensor, error) {
	img, err := NewImageProcessor(size).LoadFile(path)
	if err != nil {
		return nil, err
	}
	return img.Tensor(device)
}
