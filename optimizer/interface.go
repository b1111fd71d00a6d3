package optimizer

import (
	"fmt"

	"github.com/tsawler/go-voxel/checkpoints"
	"github.com/tsawler/go-voxel/tensor"
)

// Optimizer defines the common interface for all optimizers. State can be
// exported to and restored from a checkpoint.
type Optimizer interface {
	// Step updates every parameter that has an accumulated gradient.
	Step() error

	// ZeroGrad clears the gradients of the managed parameters.
	ZeroGrad()

	// GetState extracts optimizer state for checkpointing.
	GetState() (*OptimizerState, error)

	// LoadState restores optimizer state from a checkpoint.
	LoadState(state *OptimizerState) error

	GetStepCount() uint64
	UpdateLearningRate(lr float32)
	Parameters() []*tensor.Tensor
}

// OptimizerState represents the complete state of an optimizer. It shares
// its layout with checkpoints.OptimizerState.
type OptimizerState = checkpoints.OptimizerState

// extractBufferIndex extracts the parameter index from state tensor names
// like "m_0" or "v_12".
func extractBufferIndex(name string) int {
	lastUnderscoreIdx := -1
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '_' {
			lastUnderscoreIdx = i
			break
		}
	}
	if lastUnderscoreIdx == -1 {
		return -1
	}

	var idx int
	if n, err := fmt.Sscanf(name[lastUnderscoreIdx+1:], "%d", &idx); n == 1 && err == nil {
		return idx
	}
	return -1
}

// validateStateType ensures the state type matches the optimizer
func validateStateType(optimizerType string, state *OptimizerState) error {
	if state == nil {
		return fmt.Errorf("optimizer state is nil")
	}
	if state.Type != optimizerType {
		return fmt.Errorf("state type mismatch: expected %s, got %s", optimizerType, state.Type)
	}
	return nil
}
