package training

import (
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/tsawler/go-voxel/engine"
)

// EpochSummary aggregates the step results of one epoch.
type EpochSummary struct {
	Epoch     int
	Batches   int
	MeanLossD float64
	StdLossD  float64
	MeanLossG float64
	StdLossG  float64
	MeanL1    float64
	Duration  time.Duration
}

// epochAccumulator collects per-batch losses until the epoch ends.
type epochAccumulator struct {
	epoch int
	start time.Time
	lossD []float64
	lossG []float64
	l1    []float64
}

func newEpochAccumulator(epoch int) *epochAccumulator {
	return &epochAccumulator{epoch: epoch, start: time.Now()}
}

func (a *epochAccumulator) add(r engine.StepResult) {
	a.lossD = append(a.lossD, float64(r.LossD))
	a.lossG = append(a.lossG, float64(r.LossG))
	a.l1 = append(a.l1, float64(r.LossL1))
}

func (a *epochAccumulator) summary() EpochSummary {
	s := EpochSummary{
		Epoch:    a.epoch,
		Batches:  len(a.lossD),
		Duration: time.Since(a.start),
	}
	if s.Batches == 0 {
		return s
	}
	s.MeanLossD, s.StdLossD = meanStd(a.lossD)
	s.MeanLossG, s.StdLossG = meanStd(a.lossG)
	s.MeanL1 = stat.Mean(a.l1, nil)
	return s
}

// meanStd returns the sample mean and standard deviation; the deviation of a
// single observation is reported as zero instead of NaN.
func meanStd(xs []float64) (float64, float64) {
	if len(xs) == 1 {
		return xs[0], 0
	}
	return stat.MeanStdDev(xs, nil)
}

// History is the ordered list of epoch summaries produced by one Train call.
type History []EpochSummary

// Last returns the most recent summary.
func (h History) Last() (EpochSummary, bool) {
	if len(h) == 0 {
		return EpochSummary{}, false
	}
	return h[len(h)-1], true
}

// Series extracts (epoch, mean loss) pairs for plotting.
func (h History) Series() (epochs, lossD, lossG []float64) {
	for _, s := range h {
		epochs = append(epochs, float64(s.Epoch))
		lossD = append(lossD, s.MeanLossD)
		lossG = append(lossG, s.MeanLossG)
	}
	return epochs, lossD, lossG
}
