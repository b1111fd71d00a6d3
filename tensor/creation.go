package tensor

import (
	"fmt"
	"math"
	"math/rand"
)

// NewTensor wraps data (not copied) in a tensor of the given shape. A nil
// data slice allocates zeroed storage.
func NewTensor(shape []int, device DeviceType, data []float32) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}

	numElems := calculateNumElements(shape)
	if data == nil {
		data = make([]float32, numElems)
	}
	if len(data) != numElems {
		return nil, fmt.Errorf("data length %d does not match tensor size %d: %w", len(data), numElems, ErrShape)
	}

	return &Tensor{
		Shape:    append([]int(nil), shape...),
		Strides:  calculateStrides(shape),
		Device:   device,
		Data:     data,
		NumElems: numElems,
	}, nil
}

// MustNew is NewTensor for shapes known to be valid; it panics otherwise.
func MustNew(shape []int, data []float32) *Tensor {
	t, err := NewTensor(shape, CPU, data)
	if err != nil {
		panic(err)
	}
	return t
}

func Zeros(shape []int, device DeviceType) (*Tensor, error) {
	return NewTensor(shape, device, nil)
}

func Ones(shape []int, device DeviceType) (*Tensor, error) {
	return Full(shape, 1, device)
}

func Full(shape []int, value float32, device DeviceType) (*Tensor, error) {
	t, err := NewTensor(shape, device, nil)
	if err != nil {
		return nil, err
	}
	for i := range t.Data {
		t.Data[i] = value
	}
	return t, nil
}

// RandomNormal draws every element from N(mean, std²) using rng.
func RandomNormal(shape []int, mean, std float32, rng *rand.Rand, device DeviceType) (*Tensor, error) {
	t, err := NewTensor(shape, device, nil)
	if err != nil {
		return nil, err
	}
	for i := range t.Data {
		t.Data[i] = mean + std*float32(rng.NormFloat64())
	}
	return t, nil
}

// RandomUniform draws every element from U(low, high) using rng.
func RandomUniform(shape []int, low, high float32, rng *rand.Rand, device DeviceType) (*Tensor, error) {
	t, err := NewTensor(shape, device, nil)
	if err != nil {
		return nil, err
	}
	span := float64(high - low)
	for i := range t.Data {
		t.Data[i] = low + float32(rng.Float64()*span)
	}
	return t, nil
}

// FillNormal overwrites t in place with N(mean, std²) samples.
func (t *Tensor) FillNormal(mean, std float32, rng *rand.Rand) {
	for i := range t.Data {
		t.Data[i] = mean + std*float32(rng.NormFloat64())
	}
}

// FillUniform overwrites t in place with U(-bound, bound) samples.
func (t *Tensor) FillUniform(bound float32, rng *rand.Rand) {
	for i := range t.Data {
		t.Data[i] = bound * float32(2*rng.Float64()-1)
	}
}

// Fill sets every element of t to value.
func (t *Tensor) Fill(value float32) {
	for i := range t.Data {
		t.Data[i] = value
	}
}

func isFinite(v float32) bool {
	f := float64(v)
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
