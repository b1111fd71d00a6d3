package layers

import (
	"fmt"
	"strings"
)

// LayerType represents the type of neural network layer
type LayerType int

const (
	Dense LayerType = iota
	Conv2D
	Conv3D
	ConvTranspose3D
	BatchNorm
	ReLU
	LeakyReLU
	Sigmoid
	GlobalAvgPool
	Reshape
)

func (lt LayerType) String() string {
	switch lt {
	case Dense:
		return "Dense"
	case Conv2D:
		return "Conv2D"
	case Conv3D:
		return "Conv3D"
	case ConvTranspose3D:
		return "ConvTranspose3D"
	case BatchNorm:
		return "BatchNorm"
	case ReLU:
		return "ReLU"
	case LeakyReLU:
		return "LeakyReLU"
	case Sigmoid:
		return "Sigmoid"
	case GlobalAvgPool:
		return "GlobalAvgPool"
	case Reshape:
		return "Reshape"
	default:
		return "Unknown"
	}
}

// LayerSpec defines a layer as pure configuration. Build turns a compiled
// list of specs into executable modules.
type LayerSpec struct {
	Type       LayerType              `json:"type"`
	Name       string                 `json:"name"`
	Parameters map[string]interface{} `json:"parameters"`

	// Shape information (computed during model compilation)
	InputShape  []int `json:"input_shape,omitempty"`
	OutputShape []int `json:"output_shape,omitempty"`

	// Parameter metadata (computed during model compilation)
	ParameterShapes [][]int `json:"parameter_shapes,omitempty"`
	ParameterCount  int64   `json:"parameter_count,omitempty"`
}

// ModelSpec is a compiled network description. Shapes carry a representative
// batch dimension of 1; the built modules accept any batch size.
type ModelSpec struct {
	Name   string      `json:"name"`
	Layers []LayerSpec `json:"layers"`

	TotalParameters int64 `json:"total_parameters"`
	InputShape      []int `json:"input_shape"`
	OutputShape     []int `json:"output_shape"`
	Compiled        bool  `json:"compiled"`
}

// ModelBuilder assembles a ModelSpec layer by layer.
type ModelBuilder struct {
	name       string
	layers     []LayerSpec
	inputShape []int
}

// NewModelBuilder creates a builder for a model whose per-sample input has
// the given shape (without the batch dimension).
func NewModelBuilder(name string, sampleShape ...int) *ModelBuilder {
	return &ModelBuilder{
		name:       name,
		inputShape: append([]int{1}, sampleShape...),
	}
}

// AddLayer adds a layer to the model
func (mb *ModelBuilder) AddLayer(layer LayerSpec) *ModelBuilder {
	if layer.Parameters == nil {
		layer.Parameters = map[string]interface{}{}
	}
	mb.layers = append(mb.layers, layer)
	return mb
}

func (mb *ModelBuilder) AddDense(outputSize int, useBias bool, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: Dense,
		Name: name,
		Parameters: map[string]interface{}{
			"output_size": outputSize,
			"use_bias":    useBias,
		},
	})
}

func (mb *ModelBuilder) AddConv2D(outputChannels, kernelSize, stride, padding int, useBias bool, name string) *ModelBuilder {
	return mb.addConv(Conv2D, outputChannels, kernelSize, stride, padding, useBias, name)
}

func (mb *ModelBuilder) AddConv3D(outputChannels, kernelSize, stride, padding int, useBias bool, name string) *ModelBuilder {
	return mb.addConv(Conv3D, outputChannels, kernelSize, stride, padding, useBias, name)
}

func (mb *ModelBuilder) AddConvTranspose3D(outputChannels, kernelSize, stride, padding int, useBias bool, name string) *ModelBuilder {
	return mb.addConv(ConvTranspose3D, outputChannels, kernelSize, stride, padding, useBias, name)
}

func (mb *ModelBuilder) addConv(lt LayerType, outputChannels, kernelSize, stride, padding int, useBias bool, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: lt,
		Name: name,
		Parameters: map[string]interface{}{
			"output_channels": outputChannels,
			"kernel_size":     kernelSize,
			"stride":          stride,
			"padding":         padding,
			"use_bias":        useBias,
		},
	})
}

// AddBatchNorm normalises over the channel axis; the feature count is taken
// from the incoming shape.
func (mb *ModelBuilder) AddBatchNorm(eps, momentum float32, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: BatchNorm,
		Name: name,
		Parameters: map[string]interface{}{
			"eps":      eps,
			"momentum": momentum,
		},
	})
}

func (mb *ModelBuilder) AddReLU(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: ReLU, Name: name})
}

func (mb *ModelBuilder) AddLeakyReLU(negativeSlope float32, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type:       LeakyReLU,
		Name:       name,
		Parameters: map[string]interface{}{"negative_slope": negativeSlope},
	})
}

func (mb *ModelBuilder) AddSigmoid(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: Sigmoid, Name: name})
}

func (mb *ModelBuilder) AddGlobalAvgPool(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: GlobalAvgPool, Name: name})
}

// AddReshape reshapes each sample to shape, keeping the batch dimension.
func (mb *ModelBuilder) AddReshape(name string, shape ...int) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type:       Reshape,
		Name:       name,
		Parameters: map[string]interface{}{"shape": append([]int(nil), shape...)},
	})
}

// Compile computes shapes and parameter information for every layer.
func (mb *ModelBuilder) Compile() (*ModelSpec, error) {
	if len(mb.layers) == 0 {
		return nil, fmt.Errorf("cannot compile empty model")
	}

	model := &ModelSpec{
		Name:       mb.name,
		Layers:     make([]LayerSpec, len(mb.layers)),
		InputShape: append([]int(nil), mb.inputShape...),
	}
	copy(model.Layers, mb.layers)

	currentShape := mb.inputShape
	for i := range model.Layers {
		layer := &model.Layers[i]
		layer.InputShape = append([]int(nil), currentShape...)

		outputShape, paramShapes, paramCount, err := computeLayerInfo(layer, currentShape)
		if err != nil {
			return nil, fmt.Errorf("failed to compute layer %d (%s) info: %w", i, layer.Name, err)
		}

		layer.OutputShape = outputShape
		layer.ParameterShapes = paramShapes
		layer.ParameterCount = paramCount
		model.TotalParameters += paramCount
		currentShape = outputShape
	}

	model.OutputShape = currentShape
	model.Compiled = true
	return model, nil
}

func computeLayerInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	switch layer.Type {
	case Dense:
		return computeDenseInfo(layer, inputShape)
	case Conv2D, Conv3D, ConvTranspose3D:
		return computeConvInfo(layer, inputShape)
	case BatchNorm:
		return computeBatchNormInfo(layer, inputShape)
	case ReLU, LeakyReLU, Sigmoid:
		return append([]int(nil), inputShape...), nil, 0, nil
	case GlobalAvgPool:
		if len(inputShape) < 3 {
			return nil, nil, 0, fmt.Errorf("global pooling requires spatial input, got %v", inputShape)
		}
		return []int{inputShape[0], inputShape[1]}, nil, 0, nil
	case Reshape:
		return computeReshapeInfo(layer, inputShape)
	default:
		return nil, nil, 0, fmt.Errorf("unsupported layer type: %s", layer.Type.String())
	}
}

func computeDenseInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	if len(inputShape) != 2 {
		return nil, nil, 0, fmt.Errorf("dense layer requires 2D input [batch, features], got %v", inputShape)
	}
	outputSize := getIntParam(layer.Parameters, "output_size", 0)
	if outputSize <= 0 {
		return nil, nil, 0, fmt.Errorf("missing output_size parameter")
	}
	inputSize := inputShape[1]
	layer.Parameters["input_size"] = inputSize

	// Weight matrix is [out, in].
	paramShapes := [][]int{{outputSize, inputSize}}
	paramCount := int64(inputSize * outputSize)
	if getBoolParam(layer.Parameters, "use_bias", true) {
		paramShapes = append(paramShapes, []int{outputSize})
		paramCount += int64(outputSize)
	}
	return []int{inputShape[0], outputSize}, paramShapes, paramCount, nil
}

func computeConvInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	rank := 5
	if layer.Type == Conv2D {
		rank = 4
	}
	if len(inputShape) != rank {
		return nil, nil, 0, fmt.Errorf("%s requires %dD input, got %v", layer.Type, rank, inputShape)
	}

	inChannels := inputShape[1]
	outChannels := getIntParam(layer.Parameters, "output_channels", 0)
	kernel := getIntParam(layer.Parameters, "kernel_size", 0)
	stride := getIntParam(layer.Parameters, "stride", 1)
	padding := getIntParam(layer.Parameters, "padding", 0)
	if outChannels <= 0 || kernel <= 0 || stride <= 0 || padding < 0 {
		return nil, nil, 0, fmt.Errorf("invalid convolution parameters %v", layer.Parameters)
	}
	layer.Parameters["input_channels"] = inChannels

	outputShape := []int{inputShape[0], outChannels}
	for _, in := range inputShape[2:] {
		var out int
		if layer.Type == ConvTranspose3D {
			out = (in-1)*stride - 2*padding + kernel
		} else {
			out = (in+2*padding-kernel)/stride + 1
		}
		if out <= 0 {
			return nil, nil, 0, fmt.Errorf("spatial size %d collapses with kernel %d stride %d padding %d", in, kernel, stride, padding)
		}
		outputShape = append(outputShape, out)
	}

	weightShape := []int{outChannels, inChannels}
	if layer.Type == ConvTranspose3D {
		weightShape = []int{inChannels, outChannels}
	}
	for i := 2; i < rank; i++ {
		weightShape = append(weightShape, kernel)
	}
	paramShapes := [][]int{weightShape}
	paramCount := int64(numel(weightShape))
	if getBoolParam(layer.Parameters, "use_bias", true) {
		paramShapes = append(paramShapes, []int{outChannels})
		paramCount += int64(outChannels)
	}
	return outputShape, paramShapes, paramCount, nil
}

func computeBatchNormInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	if len(inputShape) < 2 {
		return nil, nil, 0, fmt.Errorf("batch norm requires at least 2D input, got %v", inputShape)
	}
	features := inputShape[1]
	layer.Parameters["num_features"] = features
	return append([]int(nil), inputShape...), [][]int{{features}, {features}}, int64(2 * features), nil
}

func computeReshapeInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	shape, ok := layer.Parameters["shape"].([]int)
	if !ok || len(shape) == 0 {
		return nil, nil, 0, fmt.Errorf("missing shape parameter")
	}
	if numel(shape) != numel(inputShape[1:]) {
		return nil, nil, 0, fmt.Errorf("cannot reshape %v to %v", inputShape[1:], shape)
	}
	return append([]int{inputShape[0]}, shape...), nil, 0, nil
}

// Summary returns a human-readable model summary
func (ms *ModelSpec) Summary() string {
	if !ms.Compiled {
		return "Model not compiled"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Model Summary: %s\n", ms.Name)
	fmt.Fprintf(&sb, "Input Shape: %v\n", ms.InputShape)
	fmt.Fprintf(&sb, "Output Shape: %v\n", ms.OutputShape)
	fmt.Fprintf(&sb, "Total Parameters: %d\n", ms.TotalParameters)
	fmt.Fprintf(&sb, "Layers: %d\n\n", len(ms.Layers))

	for i, layer := range ms.Layers {
		fmt.Fprintf(&sb, "Layer %d: %s (%s)\n", i+1, layer.Name, layer.Type)
		fmt.Fprintf(&sb, "  Input:  %v\n", layer.InputShape)
		fmt.Fprintf(&sb, "  Output: %v\n", layer.OutputShape)
		fmt.Fprintf(&sb, "  Params: %d\n", layer.ParameterCount)
	}
	return sb.String()
}

func numel(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// Helper functions for parameter extraction
func getIntParam(params map[string]interface{}, key string, defaultValue int) int {
	if val, exists := params[key]; exists {
		if intVal, ok := val.(int); ok {
			return intVal
		}
	}
	return defaultValue
}

func getBoolParam(params map[string]interface{}, key string, defaultValue bool) bool {
	if val, exists := params[key]; exists {
		if boolVal, ok := val.(bool); ok {
			return boolVal
		}
	}
	return defaultValue
}

func getFloatParam(params map[string]interface{}, key string, defaultValue float32) float32 {
	if val, exists := params[key]; exists {
		if floatVal, ok := val.(float32); ok {
			return floatVal
		}
		if floatVal, ok := val.(float64); ok {
			return float32(floatVal)
		}
	}
	return defaultValue
}
