package optimizer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-voxel/tensor"
)

// setGrad replaces p's gradient with grad by back-propagating through
// y = p·grad.
func setGrad(t *testing.T, p *tensor.Tensor, grad []float32) {
	t.Helper()
	tensor.ZeroGrad([]*tensor.Tensor{p})
	w := tensor.MustNew([]int{1, p.NumElems}, grad)
	x, err := tensor.Reshape(p, []int{1, p.NumElems})
	require.NoError(t, err)
	y, err := tensor.Linear(x, w, nil)
	require.NoError(t, err)
	require.NoError(t, y.Backward())
}

func TestAdamConfig(t *testing.T) {
	config := DefaultAdamConfig()
	assert.Equal(t, float32(0.001), config.LearningRate)
	assert.Equal(t, float32(0.9), config.Beta1)
	assert.Equal(t, float32(0.999), config.Beta2)
	assert.Equal(t, float32(1e-8), config.Epsilon)

	gan := GANAdamConfig(2e-4, 0.5)
	assert.Equal(t, float32(2e-4), gan.LearningRate)
	assert.Equal(t, float32(0.5), gan.Beta1)
	assert.Equal(t, float32(0.999), gan.Beta2)
}

func TestAdamFirstStepMovesByLearningRate(t *testing.T) {
	p := tensor.MustNew([]int{2}, []float32{1, -1})
	p.SetRequiresGrad(true)
	adam, err := NewAdam(AdamConfig{LearningRate: 0.1, Beta1: 0.9, Beta2: 0.999, Epsilon: 1e-8}, []*tensor.Tensor{p})
	require.NoError(t, err)

	setGrad(t, p, []float32{0.5, -2})
	require.NoError(t, adam.Step())
	assert.InDeltaSlice(t, []float32{0.9, -0.9}, p.Data, 1e-5)
	assert.Equal(t, uint64(1), adam.GetStepCount())
}

func TestAdamSkipsParametersWithoutGradients(t *testing.T) {
	a := tensor.MustNew([]int{1}, []float32{1})
	b := tensor.MustNew([]int{1}, []float32{1})
	a.SetRequiresGrad(true)
	b.SetRequiresGrad(true)
	adam, err := NewAdam(DefaultAdamConfig(), []*tensor.Tensor{a, b})
	require.NoError(t, err)

	setGrad(t, a, []float32{1})
	require.NoError(t, adam.Step())
	assert.NotEqual(t, float32(1), a.Data[0])
	assert.Equal(t, float32(1), b.Data[0])
}

func TestAdamStateRoundTrip(t *testing.T) {
	newParam := func() *tensor.Tensor {
		p := tensor.MustNew([]int{3}, []float32{0.5, -0.5, 2})
		p.SetRequiresGrad(true)
		return p
	}
	grads := [][]float32{{1, 2, 3}, {-1, 0.5, 0}, {0.1, 0.1, -4}}

	p1 := newParam()
	a1, err := NewAdam(GANAdamConfig(2e-4, 0.5), []*tensor.Tensor{p1})
	require.NoError(t, err)
	for _, g := range grads[:2] {
		setGrad(t, p1, g)
		require.NoError(t, a1.Step())
	}

	state, err := a1.GetState()
	require.NoError(t, err)
	assert.Equal(t, "Adam", state.Type)
	assert.Len(t, state.StateData, 2)
	assert.Equal(t, 2.0, state.Parameters["step_count"])

	p2 := newParam()
	copy(p2.Data, p1.Data)
	a2, err := NewAdam(DefaultAdamConfig(), []*tensor.Tensor{p2})
	require.NoError(t, err)
	require.NoError(t, a2.LoadState(state))
	assert.Equal(t, uint64(2), a2.GetStepCount())
	assert.Equal(t, float32(0.5), a2.Config().Beta1)

	setGrad(t, p1, grads[2])
	require.NoError(t, a1.Step())
	setGrad(t, p2, grads[2])
	require.NoError(t, a2.Step())
	assert.Equal(t, p1.Data, p2.Data)
}

func TestAdamLoadStateRejectsMismatch(t *testing.T) {
	p := tensor.MustNew([]int{2}, nil)
	p.SetRequiresGrad(true)
	adam, err := NewAdam(DefaultAdamConfig(), []*tensor.Tensor{p})
	require.NoError(t, err)

	assert.Error(t, adam.LoadState(&OptimizerState{Type: "SGD"}))
	assert.Error(t, adam.LoadState(nil))

	bad := &OptimizerState{Type: "Adam", StateData: nil}
	assert.Error(t, adam.LoadState(bad), "missing moment buffers")

	state, err := adam.GetState()
	require.NoError(t, err)
	state.StateData[0].Data = []float32{1, 2, 3}
	assert.Error(t, adam.LoadState(state))
}

func TestExtractBufferIndex(t *testing.T) {
	assert.Equal(t, 0, extractBufferIndex("m_0"))
	assert.Equal(t, 12, extractBufferIndex("v_12"))
	assert.Equal(t, -1, extractBufferIndex("moment"))
	assert.Equal(t, -1, extractBufferIndex("m_x"))
}

func TestNewAdamValidation(t *testing.T) {
	_, err := NewAdam(DefaultAdamConfig(), nil)
	assert.Error(t, err)

	p := tensor.MustNew([]int{1}, nil)
	_, err = NewAdam(AdamConfig{LearningRate: 0}, []*tensor.Tensor{p})
	assert.Error(t, err)
}
