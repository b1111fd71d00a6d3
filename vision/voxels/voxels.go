// Package voxels reads and writes occupancy grids stored as NumPy .npy
// files.
package voxels

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sbinet/npyio/npy"

	"github.com/tsawler/go-voxel/tensor"
)

// Size is the edge length of every grid.
const Size = 32

// Cells is the number of cells in a grid.
const Cells = Size * Size * Size

// ErrGridSize is returned for arrays that do not hold exactly Cells values.
var ErrGridSize = errors.New("voxel grid has wrong number of cells")

// Grid is a dense occupancy grid indexed [d][h][w], flattened row-major.
type Grid struct {
	Data []float32
}

// NewGrid allocates an empty grid.
func NewGrid() *Grid {
	return &Grid{Data: make([]float32, Cells)}
}

func index(d, h, w int) int {
	return (d*Size+h)*Size + w
}

// Set marks a cell; out-of-range coordinates are ignored.
func (g *Grid) Set(d, h, w int, v float32) {
	if d < 0 || h < 0 || w < 0 || d >= Size || h >= Size || w >= Size {
		return
	}
	g.Data[index(d, h, w)] = v
}

func (g *Grid) At(d, h, w int) float32 {
	return g.Data[index(d, h, w)]
}

// Occupied counts cells above zero.
func (g *Grid) Occupied() int {
	n := 0
	for _, v := range g.Data {
		if v > 0 {
			n++
		}
	}
	return n
}

// Tensor returns the grid as a (1, 1, 32, 32, 32) tensor sharing storage.
func (g *Grid) Tensor(device tensor.DeviceType) (*tensor.Tensor, error) {
	return tensor.NewTensor([]int{1, 1, Size, Size, Size}, device, g.Data)
}

// Read decodes an .npy array of any supported dtype. Values are normalised
// to {0, 1}: anything non-zero counts as occupied.
func Read(r io.Reader) (*Grid, error) {
	nr, err := npy.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read npy header: %w", err)
	}

	n := 1
	for _, dim := range nr.Header.Descr.Shape {
		n *= dim
	}
	if n != Cells {
		return nil, fmt.Errorf("shape %v: %w", nr.Header.Descr.Shape, ErrGridSize)
	}

	g := NewGrid()
	switch nr.Header.Descr.Type {
	case "|u1", "u1":
		var raw []uint8
		if err := nr.Read(&raw); err != nil {
			return nil, fmt.Errorf("failed to read npy data: %w", err)
		}
		fill(g.Data, raw)
	case "|b1", "b1":
		var raw []bool
		if err := nr.Read(&raw); err != nil {
			return nil, fmt.Errorf("failed to read npy data: %w", err)
		}
		for i, v := range raw {
			if v {
				g.Data[i] = 1
			}
		}
	case "|i1", "i1":
		var raw []int8
		if err := nr.Read(&raw); err != nil {
			return nil, fmt.Errorf("failed to read npy data: %w", err)
		}
		fill(g.Data, raw)
	case "<i4":
		var raw []int32
		if err := nr.Read(&raw); err != nil {
			return nil, fmt.Errorf("failed to read npy data: %w", err)
		}
		fill(g.Data, raw)
	case "<i8":
		var raw []int64
		if err := nr.Read(&raw); err != nil {
			return nil, fmt.Errorf("failed to read npy data: %w", err)
		}
		fill(g.Data, raw)
	case "<f4":
		var raw []float32
		if err := nr.Read(&raw); err != nil {
			return nil, fmt.Errorf("failed to read npy data: %w", err)
		}
		fill(g.Data, raw)
	case "<f8":
		var raw []float64
		if err := nr.Read(&raw); err != nil {
			return nil, fmt.Errorf("failed to read npy data: %w", err)
		}
		fill(g.Data, raw)
	default:
		return nil, fmt.Errorf("unsupported npy dtype %q", nr.Header.Descr.Type)
	}
	if nr.Header.Descr.Fortran {
		g.Data = fromFortran(g.Data, nr.Header.Descr.Shape)
	}
	return g, nil
}

// fromFortran reorders column-major data into row-major order for shape.
func fromFortran(src []float32, shape []int) []float32 {
	if len(shape) < 2 {
		return src
	}
	dst := make([]float32, len(src))
	idx := make([]int, len(shape))
	for i := range dst {
		rem := i
		for k := len(shape) - 1; k >= 0; k-- {
			idx[k] = rem % shape[k]
			rem /= shape[k]
		}
		off, stride := 0, 1
		for k, dim := range shape {
			off += idx[k] * stride
			stride *= dim
		}
		dst[i] = src[off]
	}
	return dst
}

func fill[T uint8 | int8 | int32 | int64 | float32 | float64](dst []float32, src []T) {
	for i, v := range src {
		if v != 0 {
			dst[i] = 1
		}
	}
}

// Write stores the grid as a flat uint8 array.
func Write(w io.Writer, g *Grid) error {
	if len(g.Data) != Cells {
		return fmt.Errorf("grid has %d cells: %w", len(g.Data), ErrGridSize)
	}
	raw := make([]uint8, Cells)
	for i, v := range g.Data {
		if v > 0.5 {
			raw[i] = 1
		}
	}
	return npy.Write(w, raw)
}

// Load reads a grid from disk.
func Load(path string) (*Grid, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open voxel file: %w", err)
	}
	defer f.Close()

	g, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return g, nil
}

// Save writes a grid to disk, creating the parent directory.
func Save(path string, g *Grid) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := Write(f, g); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return f.Close()
}
