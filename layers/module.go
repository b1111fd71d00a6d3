package layers

import (
	"fmt"

	"github.com/tsawler/go-voxel/tensor"
)

// Module is an executable layer or network.
type Module interface {
	Forward(input *tensor.Tensor) (*tensor.Tensor, error)
	Parameters() []*tensor.Tensor // trainable tensors only
	Train()                       // sets module to training mode
	Eval()                        // sets module to evaluation mode
	IsTraining() bool
}

// NamedTensor is one entry of a module's state: a trainable parameter or a
// non-trainable buffer such as a running statistic.
type NamedTensor struct {
	Name      string
	Tensor    *tensor.Tensor
	Trainable bool
}

// stateful modules expose their tensors under stable names.
type stateful interface {
	State() []NamedTensor
}

// DenseLayer implements y = xWᵀ + b with W shaped [out, in].
type DenseLayer struct {
	name     string
	weight   *tensor.Tensor
	bias     *tensor.Tensor
	training bool
}

func (l *DenseLayer) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if len(input.Shape) != 2 {
		return nil, fmt.Errorf("dense layer %s expects 2D input [batch, features], got shape %v: %w", l.name, input.Shape, tensor.ErrShape)
	}
	return tensor.Linear(input, l.weight, l.bias)
}

func (l *DenseLayer) Parameters() []*tensor.Tensor { return trainable(l.State()) }
func (l *DenseLayer) Train()                       { l.training = true }
func (l *DenseLayer) Eval()                        { l.training = false }
func (l *DenseLayer) IsTraining() bool             { return l.training }

func (l *DenseLayer) State() []NamedTensor {
	state := []NamedTensor{{Name: l.name + ".weight", Tensor: l.weight, Trainable: true}}
	if l.bias != nil {
		state = append(state, NamedTensor{Name: l.name + ".bias", Tensor: l.bias, Trainable: true})
	}
	return state
}

// ConvLayer is a 2D or 3D convolution, or a transposed 3D convolution.
type ConvLayer struct {
	name      string
	weight    *tensor.Tensor
	bias      *tensor.Tensor
	params    tensor.ConvParams
	transpose bool
	training  bool
}

func (l *ConvLayer) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if l.transpose {
		return tensor.ConvTranspose(input, l.weight, l.bias, l.params)
	}
	return tensor.Conv(input, l.weight, l.bias, l.params)
}

func (l *ConvLayer) Parameters() []*tensor.Tensor { return trainable(l.State()) }
func (l *ConvLayer) Train()                       { l.training = true }
func (l *ConvLayer) Eval()                        { l.training = false }
func (l *ConvLayer) IsTraining() bool             { return l.training }

func (l *ConvLayer) State() []NamedTensor {
	state := []NamedTensor{{Name: l.name + ".weight", Tensor: l.weight, Trainable: true}}
	if l.bias != nil {
		state = append(state, NamedTensor{Name: l.name + ".bias", Tensor: l.bias, Trainable: true})
	}
	return state
}

// BatchNormLayer normalises over the channel axis. In training mode it uses
// batch statistics and updates its running statistics; in evaluation mode
// it uses the running statistics.
type BatchNormLayer struct {
	name        string
	gamma       *tensor.Tensor
	beta        *tensor.Tensor
	runningMean *tensor.Tensor
	runningVar  *tensor.Tensor
	eps         float32
	momentum    float32
	training    bool
}

func (l *BatchNormLayer) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.BatchNorm(input, l.gamma, l.beta, l.runningMean, l.runningVar, l.training, l.momentum, l.eps)
}

func (l *BatchNormLayer) Parameters() []*tensor.Tensor { return trainable(l.State()) }
func (l *BatchNormLayer) Train()                       { l.training = true }
func (l *BatchNormLayer) Eval()                        { l.training = false }
func (l *BatchNormLayer) IsTraining() bool             { return l.training }

func (l *BatchNormLayer) State() []NamedTensor {
	return []NamedTensor{
		{Name: l.name + ".weight", Tensor: l.gamma, Trainable: true},
		{Name: l.name + ".bias", Tensor: l.beta, Trainable: true},
		{Name: l.name + ".running_mean", Tensor: l.runningMean},
		{Name: l.name + ".running_var", Tensor: l.runningVar},
	}
}

// FunctionLayer wraps a parameter-free tensor function.
type FunctionLayer struct {
	name     string
	fn       func(*tensor.Tensor) (*tensor.Tensor, error)
	training bool
}

func (l *FunctionLayer) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return l.fn(input)
}

func (l *FunctionLayer) Parameters() []*tensor.Tensor { return nil }
func (l *FunctionLayer) Train()                       { l.training = true }
func (l *FunctionLayer) Eval()                        { l.training = false }
func (l *FunctionLayer) IsTraining() bool             { return l.training }

// Sequential runs its layers in order.
type Sequential struct {
	Spec     *ModelSpec
	layers   []Module
	training bool
}

func NewSequential(spec *ModelSpec, modules ...Module) *Sequential {
	return &Sequential{Spec: spec, layers: modules, training: true}
}

func (s *Sequential) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	var err error
	output := input
	for i, layer := range s.layers {
		output, err = layer.Forward(output)
		if err != nil {
			return nil, fmt.Errorf("layer %d (%s) forward: %w", i, s.layerName(i), err)
		}
	}
	return output, nil
}

func (s *Sequential) layerName(i int) string {
	if s.Spec != nil && i < len(s.Spec.Layers) {
		return s.Spec.Layers[i].Name
	}
	return fmt.Sprintf("%T", s.layers[i])
}

func (s *Sequential) Parameters() []*tensor.Tensor {
	var params []*tensor.Tensor
	for _, layer := range s.layers {
		params = append(params, layer.Parameters()...)
	}
	return params
}

func (s *Sequential) Train() {
	s.training = true
	for _, layer := range s.layers {
		layer.Train()
	}
}

func (s *Sequential) Eval() {
	s.training = false
	for _, layer := range s.layers {
		layer.Eval()
	}
}

func (s *Sequential) IsTraining() bool { return s.training }

// State lists every named tensor of every layer in layer order.
func (s *Sequential) State() []NamedTensor {
	var state []NamedTensor
	for _, layer := range s.layers {
		if st, ok := layer.(stateful); ok {
			state = append(state, st.State()...)
		}
	}
	return state
}

// Layers returns the executable layers in order.
func (s *Sequential) Layers() []Module {
	return s.layers
}

func trainable(state []NamedTensor) []*tensor.Tensor {
	var params []*tensor.Tensor
	for _, nt := range state {
		if nt.Trainable {
			params = append(params, nt.Tensor)
		}
	}
	return params
}

// StateOf returns the named tensors of m, or nil when m holds none.
func StateOf(m Module) []NamedTensor {
	if st, ok := m.(stateful); ok {
		return st.State()
	}
	return nil
}
