package optimizer

import (
	"fmt"

	"github.com/tsawler/go-voxel/checkpoints"
)

// extractBufferState copies one moment buffer into a checkpoint tensor.
func extractBufferState(data []float32, shape []int, name string, stateType string) checkpoints.OptimizerTensor {
	out := make([]float32, len(data))
	copy(out, data)
	return checkpoints.OptimizerTensor{
		Name:      name,
		Shape:     append([]int(nil), shape...),
		Data:      out,
		StateType: stateType,
	}
}

// restoreBufferState copies checkpoint data back into a moment buffer.
func restoreBufferState(buffer []float32, data []float32, name string) error {
	if len(data) != len(buffer) {
		return fmt.Errorf("data size mismatch for %s: expected %d elements, got %d",
			name, len(buffer), len(data))
	}
	copy(buffer, data)
	return nil
}

// extractFloat32Param safely extracts a float32 parameter from the state map
func extractFloat32Param(params map[string]float64, key string, defaultValue float32) float32 {
	if val, ok := params[key]; ok {
		return float32(val)
	}
	return defaultValue
}

// extractUint64Param safely extracts a uint64 parameter from the state map
func extractUint64Param(params map[string]float64, key string, defaultValue uint64) uint64 {
	if val, ok := params[key]; ok && val >= 0 {
		return uint64(val)
	}
	return defaultValue
}
