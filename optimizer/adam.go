package optimizer

import (
	"fmt"
	"math"
	"sync"

	"github.com/tsawler/go-voxel/tensor"
)

const adamType = "Adam"

// AdamConfig holds configuration for Adam optimizer
type AdamConfig struct {
	LearningRate float32
	Beta1        float32 // first moment decay
	Beta2        float32 // second moment decay
	Epsilon      float32
	WeightDecay  float32 // L2 penalty added to the gradient
}

// DefaultAdamConfig returns default Adam optimizer configuration
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
	}
}

// GANAdamConfig is the configuration used for both networks of the GAN.
func GANAdamConfig(lr, beta1 float32) AdamConfig {
	cfg := DefaultAdamConfig()
	cfg.LearningRate = lr
	cfg.Beta1 = beta1
	return cfg
}

// Adam keeps one pair of moment buffers per parameter, in parameter order.
type Adam struct {
	config     AdamConfig
	parameters []*tensor.Tensor
	momentum   [][]float32
	variance   [][]float32
	stepCount  uint64
	mu         sync.Mutex
}

// NewAdam creates an optimizer over the given parameters.
func NewAdam(config AdamConfig, parameters []*tensor.Tensor) (*Adam, error) {
	if len(parameters) == 0 {
		return nil, fmt.Errorf("no parameters provided")
	}
	if config.LearningRate <= 0 {
		return nil, fmt.Errorf("learning rate must be positive, got %v", config.LearningRate)
	}
	adam := &Adam{
		config:     config,
		parameters: parameters,
		momentum:   make([][]float32, len(parameters)),
		variance:   make([][]float32, len(parameters)),
	}
	for i, p := range parameters {
		adam.momentum[i] = make([]float32, p.NumElems)
		adam.variance[i] = make([]float32, p.NumElems)
	}
	return adam, nil
}

// Step performs a single Adam update with bias correction.
func (adam *Adam) Step() error {
	adam.mu.Lock()
	defer adam.mu.Unlock()

	adam.stepCount++
	t := float64(adam.stepCount)
	b1, b2 := float64(adam.config.Beta1), float64(adam.config.Beta2)
	biasCorrection1 := 1 - math.Pow(b1, t)
	biasCorrection2 := 1 - math.Pow(b2, t)
	stepSize := float64(adam.config.LearningRate) / biasCorrection1
	sqrtBC2 := math.Sqrt(biasCorrection2)
	eps := float64(adam.config.Epsilon)
	wd := adam.config.WeightDecay

	for i, p := range adam.parameters {
		grad := p.Grad()
		if grad == nil {
			continue
		}
		if len(grad.Data) != len(p.Data) {
			return fmt.Errorf("gradient of parameter %d has %d elements, parameter has %d", i, len(grad.Data), len(p.Data))
		}
		m, v := adam.momentum[i], adam.variance[i]
		for j, g := range grad.Data {
			if wd != 0 {
				g += wd * p.Data[j]
			}
			m[j] = adam.config.Beta1*m[j] + (1-adam.config.Beta1)*g
			v[j] = adam.config.Beta2*v[j] + (1-adam.config.Beta2)*g*g
			denom := math.Sqrt(float64(v[j]))/sqrtBC2 + eps
			p.Data[j] -= float32(stepSize * float64(m[j]) / denom)
		}
	}
	return nil
}

func (adam *Adam) ZeroGrad() {
	tensor.ZeroGrad(adam.parameters)
}

func (adam *Adam) Parameters() []*tensor.Tensor {
	return adam.parameters
}

// GetState exports hyperparameters, the step count and both moment buffers.
func (adam *Adam) GetState() (*OptimizerState, error) {
	adam.mu.Lock()
	defer adam.mu.Unlock()

	state := &OptimizerState{
		Type: adamType,
		Parameters: map[string]float64{
			"learning_rate": float64(adam.config.LearningRate),
			"beta1":         float64(adam.config.Beta1),
			"beta2":         float64(adam.config.Beta2),
			"epsilon":       float64(adam.config.Epsilon),
			"weight_decay":  float64(adam.config.WeightDecay),
			"step_count":    float64(adam.stepCount),
		},
	}
	for i, p := range adam.parameters {
		state.StateData = append(state.StateData,
			extractBufferState(adam.momentum[i], p.Shape, fmt.Sprintf("m_%d", i), "m"),
			extractBufferState(adam.variance[i], p.Shape, fmt.Sprintf("v_%d", i), "v"),
		)
	}
	return state, nil
}

// LoadState restores a state produced by GetState for the same parameter
// layout. Hyperparameters in the state replace the current configuration.
func (adam *Adam) LoadState(state *OptimizerState) error {
	if err := validateStateType(adamType, state); err != nil {
		return err
	}
	adam.mu.Lock()
	defer adam.mu.Unlock()

	momentum := make([][]float32, len(adam.parameters))
	variance := make([][]float32, len(adam.parameters))
	for i, p := range adam.parameters {
		momentum[i] = make([]float32, p.NumElems)
		variance[i] = make([]float32, p.NumElems)
	}

	seen := make(map[string]bool, len(state.StateData))
	for _, st := range state.StateData {
		idx := extractBufferIndex(st.Name)
		if idx < 0 || idx >= len(adam.parameters) {
			return fmt.Errorf("invalid optimizer tensor %q for %d parameters", st.Name, len(adam.parameters))
		}
		var err error
		switch st.StateType {
		case "m":
			err = restoreBufferState(momentum[idx], st.Data, st.Name)
		case "v":
			err = restoreBufferState(variance[idx], st.Data, st.Name)
		default:
			err = fmt.Errorf("unknown Adam state type %q", st.StateType)
		}
		if err != nil {
			return err
		}
		seen[st.Name] = true
	}
	if len(seen) != 2*len(adam.parameters) {
		return fmt.Errorf("optimizer state has %d moment buffers, expected %d", len(seen), 2*len(adam.parameters))
	}

	adam.config = AdamConfig{
		LearningRate: extractFloat32Param(state.Parameters, "learning_rate", adam.config.LearningRate),
		Beta1:        extractFloat32Param(state.Parameters, "beta1", adam.config.Beta1),
		Beta2:        extractFloat32Param(state.Parameters, "beta2", adam.config.Beta2),
		Epsilon:      extractFloat32Param(state.Parameters, "epsilon", adam.config.Epsilon),
		WeightDecay:  extractFloat32Param(state.Parameters, "weight_decay", adam.config.WeightDecay),
	}
	adam.stepCount = extractUint64Param(state.Parameters, "step_count", 0)
	adam.momentum = momentum
	adam.variance = variance
	return nil
}

func (adam *Adam) GetStepCount() uint64 {
	adam.mu.Lock()
	defer adam.mu.Unlock()
	return adam.stepCount
}

func (adam *Adam) UpdateLearningRate(lr float32) {
	adam.mu.Lock()
	defer adam.mu.Unlock()
	adam.config.LearningRate = lr
}

func (adam *Adam) Config() AdamConfig {
	adam.mu.Lock()
	defer adam.mu.Unlock()
	return adam.config
}

var _ Optimizer = (*Adam)(nil)
