package layers

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/tsawler/go-voxel/tensor"
)

// Build allocates executable modules for a compiled spec. Tensors are
// zero-filled (running variances are one); call Initialize to draw weights.
func Build(spec *ModelSpec, device tensor.DeviceType) (*Sequential, error) {
	if spec == nil || !spec.Compiled {
		return nil, fmt.Errorf("model spec must be compiled before building")
	}

	modules := make([]Module, 0, len(spec.Layers))
	for i := range spec.Layers {
		m, err := buildLayer(&spec.Layers[i], device)
		if err != nil {
			return nil, fmt.Errorf("failed to build layer %d (%s): %w", i, spec.Layers[i].Name, err)
		}
		modules = append(modules, m)
	}
	return NewSequential(spec, modules...), nil
}

func buildLayer(spec *LayerSpec, device tensor.DeviceType) (Module, error) {
	switch spec.Type {
	case Dense:
		return &DenseLayer{
			name:     spec.Name,
			weight:   param(spec.ParameterShapes[0], device),
			bias:     optionalParam(spec.ParameterShapes, device),
			training: true,
		}, nil
	case Conv2D, Conv3D, ConvTranspose3D:
		k := getIntParam(spec.Parameters, "kernel_size", 0)
		s := getIntParam(spec.Parameters, "stride", 1)
		p := getIntParam(spec.Parameters, "padding", 0)
		cp := tensor.Cubic(k, s, p)
		if spec.Type == Conv2D {
			cp = tensor.Planar(k, s, p)
		}
		return &ConvLayer{
			name:      spec.Name,
			weight:    param(spec.ParameterShapes[0], device),
			bias:      optionalParam(spec.ParameterShapes, device),
			params:    cp,
			transpose: spec.Type == ConvTranspose3D,
			training:  true,
		}, nil
	case BatchNorm:
		features := getIntParam(spec.Parameters, "num_features", 0)
		runningVar, err := tensor.Ones([]int{features}, device)
		if err != nil {
			return nil, err
		}
		return &BatchNormLayer{
			name:        spec.Name,
			gamma:       param([]int{features}, device),
			beta:        param([]int{features}, device),
			runningMean: tensor.MustNew([]int{features}, nil),
			runningVar:  runningVar,
			eps:         getFloatParam(spec.Parameters, "eps", 1e-5),
			momentum:    getFloatParam(spec.Parameters, "momentum", 0.1),
			training:    true,
		}, nil
	case ReLU:
		return &FunctionLayer{name: spec.Name, fn: tensor.ReLU, training: true}, nil
	case LeakyReLU:
		slope := getFloatParam(spec.Parameters, "negative_slope", 0.01)
		return &FunctionLayer{
			name:     spec.Name,
			fn:       func(x *tensor.Tensor) (*tensor.Tensor, error) { return tensor.LeakyReLU(x, slope) },
			training: true,
		}, nil
	case Sigmoid:
		return &FunctionLayer{name: spec.Name, fn: tensor.Sigmoid, training: true}, nil
	case GlobalAvgPool:
		return &FunctionLayer{name: spec.Name, fn: tensor.GlobalAvgPool, training: true}, nil
	case Reshape:
		shape, _ := spec.Parameters["shape"].([]int)
		return &FunctionLayer{
			name: spec.Name,
			fn: func(x *tensor.Tensor) (*tensor.Tensor, error) {
				return tensor.Reshape(x, append([]int{x.Shape[0]}, shape...))
			},
			training: true,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported layer type: %s", spec.Type)
	}
}

func param(shape []int, device tensor.DeviceType) *tensor.Tensor {
	t := tensor.MustNew(shape, nil)
	t.Device = device
	t.SetRequiresGrad(true)
	return t
}

func optionalParam(shapes [][]int, device tensor.DeviceType) *tensor.Tensor {
	if len(shapes) < 2 {
		return nil
	}
	return param(shapes[1], device)
}

// InitPolicy describes how fresh weights are drawn.
type InitPolicy struct {
	ConvStd      float32 // conv and conv-transpose weights ~ N(0, ConvStd)
	NormScaleStd float32 // batch norm scale ~ N(1, NormScaleStd)
}

// DefaultInitPolicy draws conv weights from N(0, 0.02) and batch norm
// scales from N(1, 0.02). Dense layers use U(±1/√fan_in) for weight and bias.
func DefaultInitPolicy() InitPolicy {
	return InitPolicy{ConvStd: 0.02, NormScaleStd: 0.02}
}

// Initialize draws fresh values for every tensor of m using rng and resets
// batch norm running statistics.
func (p InitPolicy) Initialize(m Module, rng *rand.Rand) {
	seq, ok := m.(*Sequential)
	if !ok {
		p.initLayer(m, rng)
		return
	}
	for _, layer := range seq.layers {
		p.initLayer(layer, rng)
	}
}

func (p InitPolicy) initLayer(m Module, rng *rand.Rand) {
	switch l := m.(type) {
	case *ConvLayer:
		l.weight.FillNormal(0, p.ConvStd, rng)
		if l.bias != nil {
			l.bias.Fill(0)
		}
	case *BatchNormLayer:
		l.gamma.FillNormal(1, p.NormScaleStd, rng)
		l.beta.Fill(0)
		l.runningMean.Fill(0)
		l.runningVar.Fill(1)
	case *DenseLayer:
		bound := float32(1 / math.Sqrt(float64(l.weight.Shape[1])))
		l.weight.FillUniform(bound, rng)
		if l.bias != nil {
			l.bias.FillUniform(bound, rng)
		}
	case *Sequential:
		p.Initialize(l, rng)
	}
}
