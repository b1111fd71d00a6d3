package tensor

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrShape is returned when tensor shapes are incompatible with an operation.
	ErrShape = errors.New("shape mismatch")
	// ErrUnsupportedDevice is returned when a device name cannot be resolved.
	ErrUnsupportedDevice = errors.New("unsupported device")
)

type DeviceType int

const (
	CPU DeviceType = iota
)

func (d DeviceType) String() string {
	switch d {
	case CPU:
		return "cpu"
	default:
		return "unknown"
	}
}

// ParseDevice resolves a configured device name. Only "cpu" is implemented;
// "auto" and the empty string resolve to it.
func ParseDevice(name string) (DeviceType, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "cpu", "auto":
		return CPU, nil
	default:
		return CPU, fmt.Errorf("%w: %q", ErrUnsupportedDevice, name)
	}
}

// Operation is a differentiable node in the computation graph. Forward runs
// once; Backward maps the gradient of the output to one gradient per input
// (nil for inputs that do not need one).
type Operation interface {
	Forward(inputs ...*Tensor) (*Tensor, error)
	Backward(gradOut *Tensor) ([]*Tensor, error)
	Inputs() []*Tensor
}

// Tensor is a dense, row-major float32 array.
type Tensor struct {
	Shape        []int
	Strides      []int
	Device       DeviceType
	Data         []float32
	NumElems     int
	requiresGrad bool
	grad         *Tensor
	creator      Operation
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, device=%s, elements=%d)", t.Shape, t.Device, t.NumElems)
}

func (t *Tensor) RequiresGrad() bool {
	return t.requiresGrad
}

func (t *Tensor) SetRequiresGrad(requires bool) {
	t.requiresGrad = requires
}

func (t *Tensor) Grad() *Tensor {
	return t.grad
}

// Creator returns the operation that produced t, or nil for leaf tensors.
func (t *Tensor) Creator() Operation {
	return t.creator
}

func (t *Tensor) IsLeaf() bool {
	return t.creator == nil
}

func calculateStrides(shape []int) []int {
	if len(shape) == 0 {
		return []int{}
	}

	strides := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}
	return strides
}

func calculateNumElements(shape []int) int {
	if len(shape) == 0 {
		return 0
	}

	elements := 1
	for _, dim := range shape {
		elements *= dim
	}
	return elements
}

func validateShape(shape []int) error {
	if len(shape) == 0 {
		return fmt.Errorf("invalid shape: at least one dimension is required")
	}
	for i, dim := range shape {
		if dim <= 0 {
			return fmt.Errorf("invalid shape: dimension %d has size %d, must be positive", i, dim)
		}
	}
	return nil
}

func shapesEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ShapesEqual reports whether two shapes are identical.
func ShapesEqual(a, b []int) bool {
	return shapesEqual(a, b)
}
