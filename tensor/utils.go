package tensor

import (
	"fmt"
	"strings"
)

// Clone returns a deep copy of t without gradient history.
func (t *Tensor) Clone() *Tensor {
	data := make([]float32, len(t.Data))
	copy(data, t.Data)
	return &Tensor{
		Shape:        append([]int(nil), t.Shape...),
		Strides:      append([]int(nil), t.Strides...),
		Device:       t.Device,
		Data:         data,
		NumElems:     t.NumElems,
		requiresGrad: t.requiresGrad,
	}
}

// Detach returns a tensor sharing t's storage that is cut out of the graph.
func (t *Tensor) Detach() *Tensor {
	return &Tensor{
		Shape:    t.Shape,
		Strides:  t.Strides,
		Device:   t.Device,
		Data:     t.Data,
		NumElems: t.NumElems,
	}
}

// CopyFrom overwrites t's elements with src's. Shapes must match exactly.
func (t *Tensor) CopyFrom(src *Tensor) error {
	if !shapesEqual(t.Shape, src.Shape) {
		return fmt.Errorf("copy %v into %v: %w", src.Shape, t.Shape, ErrShape)
	}
	copy(t.Data, src.Data)
	return nil
}

func (t *Tensor) Size() []int {
	return t.Shape
}

func (t *Tensor) Numel() int {
	return t.NumElems
}

func (t *Tensor) Dim() int {
	return len(t.Shape)
}

// Item returns the single value of a one-element tensor.
func (t *Tensor) Item() (float32, error) {
	if t.NumElems != 1 {
		return 0, fmt.Errorf("item() requires a single element tensor, got %d elements", t.NumElems)
	}
	return t.Data[0], nil
}

func (t *Tensor) At(indices ...int) (float32, error) {
	if len(indices) != len(t.Shape) {
		return 0, fmt.Errorf("expected %d indices, got %d", len(t.Shape), len(indices))
	}
	offset := 0
	for i, idx := range indices {
		if idx < 0 || idx >= t.Shape[i] {
			return 0, fmt.Errorf("index %d out of range for dimension %d of size %d", idx, i, t.Shape[i])
		}
		offset += idx * t.Strides[i]
	}
	return t.Data[offset], nil
}

// Equal reports whether t and other have the same shape and bit-identical
// values.
func (t *Tensor) Equal(other *Tensor) bool {
	if !shapesEqual(t.Shape, other.Shape) {
		return false
	}
	for i, v := range t.Data {
		if v != other.Data[i] {
			return false
		}
	}
	return true
}

// AllFinite reports whether no element is NaN or infinite.
func (t *Tensor) AllFinite() bool {
	for _, v := range t.Data {
		if !isFinite(v) {
			return false
		}
	}
	return true
}

// MinMax returns the smallest and largest element.
func (t *Tensor) MinMax() (float32, float32) {
	lo, hi := t.Data[0], t.Data[0]
	for _, v := range t.Data[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi
}

// ToDevice returns t on the requested device. CPU is the only backend, so
// this validates and returns t itself.
func (t *Tensor) ToDevice(device DeviceType) (*Tensor, error) {
	if device != CPU {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDevice, device)
	}
	return t, nil
}

func (t *Tensor) PrintData(maxElements int) string {
	var sb strings.Builder
	sb.WriteString("[")
	for i, v := range t.Data {
		if i >= maxElements {
			sb.WriteString(", ...")
			break
		}
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%.4f", v)
	}
	sb.WriteString("]")
	return sb.String()
}

// ZeroGrad clears accumulated gradients of the given tensors.
func ZeroGrad(tensors []*Tensor) {
	for _, t := range tensors {
		if t.grad != nil {
			for i := range t.grad.Data {
				t.grad.Data[i] = 0
			}
		}
	}
}

// SetRequiresGrad toggles gradient tracking for every tensor.
func SetRequiresGrad(tensors []*Tensor, requires bool) {
	for _, t := range tensors {
		t.requiresGrad = requires
	}
}
