package training

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-voxel/engine"
)

func TestEpochAccumulatorSummary(t *testing.T) {
	acc := newEpochAccumulator(4)
	acc.add(engine.StepResult{LossD: 1, LossG: 10, LossL1: 0.1})
	acc.add(engine.StepResult{LossD: 3, LossG: 20, LossL1: 0.3})

	s := acc.summary()
	assert.Equal(t, 4, s.Epoch)
	assert.Equal(t, 2, s.Batches)
	assert.InDelta(t, 2.0, s.MeanLossD, 1e-9)
	assert.InDelta(t, 1.41421356, s.StdLossD, 1e-6)
	assert.InDelta(t, 15.0, s.MeanLossG, 1e-9)
	assert.InDelta(t, 0.2, s.MeanL1, 1e-6)
}

func TestSingleBatchHasZeroStd(t *testing.T) {
	acc := newEpochAccumulator(0)
	acc.add(engine.StepResult{LossD: 0.7, LossG: 5})
	s := acc.summary()
	assert.Zero(t, s.StdLossD)
	assert.Zero(t, s.StdLossG)
}

func TestHistorySeriesAndPlot(t *testing.T) {
	h := History{
		{Epoch: 0, MeanLossD: 0.7, MeanLossG: 40},
		{Epoch: 1, MeanLossD: 0.6, MeanLossG: 30},
	}
	last, ok := h.Last()
	require.True(t, ok)
	assert.Equal(t, 1, last.Epoch)

	epochs, d, g := h.Series()
	assert.Equal(t, []float64{0, 1}, epochs)
	assert.Equal(t, []float64{0.7, 0.6}, d)
	assert.Equal(t, []float64{40, 30}, g)

	path := filepath.Join(t.TempDir(), "loss.svg")
	require.NoError(t, PlotLossCurves(h, path))
	assert.FileExists(t, path)

	assert.Error(t, PlotLossCurves(nil, path))
	_, ok = History(nil).Last()
	assert.False(t, ok)
}

func TestProgressBarLine(t *testing.T) {
	pb := NewProgressBar(nil, "Epoch 1/2", 4)
	pb.Update(2, map[string]float64{"loss_g": 2, "loss_d": 1})
	line := pb.line()
	assert.Contains(t, line, " 50%")
	assert.Contains(t, line, "2/4")
	assert.Contains(t, line, "loss_d=1.0000, loss_g=2.0000")
	assert.Equal(t, "01:05", formatDuration(65e9))
}
