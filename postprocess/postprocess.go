// Package postprocess turns a voxel probability field into the sparse
// coordinate list returned to callers.
package postprocess

import (
	"fmt"
	"strings"

	"github.com/tsawler/go-voxel/tensor"
)

// DefaultThreshold separates occupied from empty cells; a cell is occupied
// only when its probability is strictly greater.
const DefaultThreshold = 0.5

// Coord is a cell position as (depth, height, width).
type Coord [3]int

// Result is the sparse form of a thresholded field.
type Result struct {
	Shape  []int   `json:"model_shape"`
	Count  int     `json:"voxel_count"`
	Voxels []Coord `json:"voxels"`
}

// Extract thresholds a (1,1,D,H,W), (1,D,H,W) or (D,H,W) field and lists
// occupied cells in row-major order.
func Extract(field *tensor.Tensor, threshold float32) (*Result, error) {
	if field == nil {
		return nil, fmt.Errorf("field is nil")
	}
	shape := field.Shape
	for len(shape) > 3 && shape[0] == 1 {
		shape = shape[1:]
	}
	if len(shape) != 3 {
		return nil, fmt.Errorf("expected a single D×H×W field, got shape %v: %w", field.Shape, tensor.ErrShape)
	}
	d, h, w := shape[0], shape[1], shape[2]

	res := &Result{
		Shape:  []int{d, h, w},
		Voxels: make([]Coord, 0),
	}
	for i, p := range field.Data {
		if p > threshold {
			res.Voxels = append(res.Voxels, Coord{i / (h * w), (i / w) % h, i % w})
		}
	}
	res.Count = len(res.Voxels)
	return res, nil
}

// Binarize returns a copy of the field with cells above threshold set to 1
// and the rest to 0.
func Binarize(field *tensor.Tensor, threshold float32) *tensor.Tensor {
	out := field.Clone()
	out.SetRequiresGrad(false)
	for i, p := range out.Data {
		if p > threshold {
			out.Data[i] = 1
		} else {
			out.Data[i] = 0
		}
	}
	return out
}

// SanitizeHexColor replaces pure black and pure white with near variants so
// voxels stay visible on either background.
func SanitizeHexColor(hex string) string {
	hex = strings.ToUpper(hex)
	switch hex {
	case "#000000", "#000":
		return "#1A1A1A"
	case "#FFFFFF", "#FFF":
		return "#F0F0F0"
	}
	return hex
}
