// Package synthetic builds toy image/voxel datasets: random spheres, cubes
// and point clouds rendered as a flat front view.
package synthetic

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"math/rand"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"golang.org/x/image/draw"

	"github.com/tsawler/go-voxel/vision/dataset"
	"github.com/tsawler/go-voxel/vision/voxels"
)

// ShapeKind names the family a generated grid came from.
type ShapeKind int

const (
	Sphere ShapeKind = iota
	Cube
	Cloud
)

func (k ShapeKind) String() string {
	switch k {
	case Sphere:
		return "sphere"
	case Cube:
		return "cube"
	case Cloud:
		return "cloud"
	default:
		return fmt.Sprintf("ShapeKind(%d)", int(k))
	}
}

// Generator draws shapes from a seeded source.
type Generator struct {
	rng *rand.Rand
}

func NewGenerator(seed int64) *Generator {
	return &Generator{rng: rand.New(rand.NewSource(seed))}
}

// intn returns a value in [lo, hi].
func (g *Generator) intn(lo, hi int) int {
	return lo + g.rng.Intn(hi-lo+1)
}

// Shape picks a family uniformly and generates one grid.
func (g *Generator) Shape() (ShapeKind, *voxels.Grid) {
	kind := ShapeKind(g.rng.Intn(3))
	switch kind {
	case Sphere:
		return kind, g.Sphere(g.intn(4, voxels.Size/2-2))
	case Cube:
		return kind, g.Cube(g.intn(4, voxels.Size/2))
	default:
		return kind, g.Cloud(g.intn(50, 200))
	}
}

// Sphere fills every cell whose distance to the grid centre is at most radius.
func (g *Generator) Sphere(radius int) *voxels.Grid {
	grid := voxels.NewGrid()
	c := voxels.Size / 2
	r := float64(radius)
	for d := 0; d < voxels.Size; d++ {
		for h := 0; h < voxels.Size; h++ {
			for w := 0; w < voxels.Size; w++ {
				dist := math.Sqrt(float64((d-c)*(d-c) + (h-c)*(h-c) + (w-c)*(w-c)))
				if dist <= r {
					grid.Set(d, h, w, 1)
				}
			}
		}
	}
	return grid
}

// Cube fills an axis-aligned cube of the given edge around the centre.
func (g *Generator) Cube(edge int) *voxels.Grid {
	grid := voxels.NewGrid()
	start := voxels.Size/2 - edge/2
	for d := start; d < start+edge; d++ {
		for h := start; h < start+edge; h++ {
			for w := start; w < start+edge; w++ {
				grid.Set(d, h, w, 1)
			}
		}
	}
	return grid
}

// Cloud scatters points; each one grows a neighbour along every positive
// axis half of the time.
func (g *Generator) Cloud(points int) *voxels.Grid {
	grid := voxels.NewGrid()
	for i := 0; i < points; i++ {
		a := g.rng.Intn(voxels.Size)
		b := g.rng.Intn(voxels.Size)
		c := g.rng.Intn(voxels.Size)
		grid.Set(a, b, c, 1)
		if g.rng.Float64() > 0.5 {
			grid.Set(a+1, b, c, 1)
			grid.Set(a, b+1, c, 1)
			grid.Set(a, b, c+1, 1)
		}
	}
	return grid
}

// Render projects the grid onto a size×size black image viewed along the
// depth axis. Deeper cells are painted later and brighter; height grows
// upward.
func Render(grid *voxels.Grid, size int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.Black), image.Point{}, draw.Src)

	scale := size / voxels.Size
	for d := 0; d < voxels.Size; d++ {
		shade := uint8(100 + d*155/voxels.Size)
		fill := image.NewUniform(color.RGBA{0, shade, 0, 255})
		for h := 0; h < voxels.Size; h++ {
			for w := 0; w < voxels.Size; w++ {
				if grid.At(d, h, w) == 0 {
					continue
				}
				px := w * scale
				py := (voxels.Size - 1 - h) * scale
				draw.Draw(img, image.Rect(px, py, px+scale, py+scale), fill, image.Point{}, draw.Src)
			}
		}
	}
	return img
}

// Options controls WriteDataset.
type Options struct {
	Samples   int
	Seed      int64
	ImageSize int
	Logger    *zap.Logger
}

// WriteDataset generates Samples pairs under dir using the layout read by
// dataset.NewPairedDataset. It returns the sample keys.
func WriteDataset(dir string, opts Options) ([]string, error) {
	if opts.Samples <= 0 {
		return nil, fmt.Errorf("sample count must be positive, got %d", opts.Samples)
	}
	if opts.ImageSize == 0 {
		opts.ImageSize = 256
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	imgDir := filepath.Join(dir, dataset.ImagesDir)
	voxDir := filepath.Join(dir, dataset.VoxelsDir)
	for _, d := range []string{imgDir, voxDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, err
		}
	}

	gen := NewGenerator(opts.Seed)
	keys := make([]string, 0, opts.Samples)
	for i := 0; i < opts.Samples; i++ {
		key := fmt.Sprintf("sample_%d", i)
		kind, grid := gen.Shape()

		if err := voxels.Save(filepath.Join(voxDir, key+dataset.VoxelExt), grid); err != nil {
			return nil, err
		}
		if err := writePNG(filepath.Join(imgDir, key+".png"), Render(grid, opts.ImageSize)); err != nil {
			return nil, err
		}
		keys = append(keys, key)

		if i%50 == 0 {
			logger.Debug("generated sample",
				zap.Int("index", i),
				zap.Int("total", opts.Samples),
				zap.Stringer("shape", kind),
				zap.Int("voxels", grid.Occupied()))
		}
	}
	logger.Info("synthetic dataset written", zap.String("dir", dir), zap.Int("samples", len(keys)))
	return keys, nil
}

func writePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	return f.Close()
}
