package engine

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/tsawler/go-voxel/checkpoints"
)

// Checkpoint captures the full training state after the given epoch: all
// three parameter sets and both optimizer states.
func (e *GANTrainingEngine) Checkpoint(epoch int) (*checkpoints.Checkpoint, error) {
	stateG, err := e.optG.GetState()
	if err != nil {
		return nil, fmt.Errorf("failed to export generator optimizer: %w", err)
	}
	stateD, err := e.optD.GetState()
	if err != nil {
		return nil, fmt.Errorf("failed to export discriminator optimizer: %w", err)
	}
	return &checkpoints.Checkpoint{
		Epoch:         checkpoints.IntPtr(epoch),
		Encoder:       checkpoints.ExtractWeights(e.encoder.State()),
		Generator:     checkpoints.ExtractWeights(e.generator.State()),
		Discriminator: checkpoints.ExtractWeights(e.discriminator.State()),
		OptimizerG:    stateG,
		OptimizerD:    stateD,
	}, nil
}

// RestoreReport lists which parts of a checkpoint were applied.
type RestoreReport struct {
	Encoder       bool
	Generator     bool
	Discriminator bool
	OptimizerG    bool
	OptimizerD    bool
}

// Restore applies every component present in ck. Absent components keep
// their current (usually freshly initialised) values. A component that is
// present but does not fit aborts the restore.
func (e *GANTrainingEngine) Restore(ck *checkpoints.Checkpoint) (RestoreReport, error) {
	var report RestoreReport
	if ck == nil {
		return report, fmt.Errorf("checkpoint is nil")
	}

	sets := []struct {
		name    string
		weights []checkpoints.WeightTensor
		apply   func() error
		done    *bool
	}{
		{"encoder", ck.Encoder, func() error { return checkpoints.LoadWeights(ck.Encoder, e.encoder.State()) }, &report.Encoder},
		{"generator", ck.Generator, func() error { return checkpoints.LoadWeights(ck.Generator, e.generator.State()) }, &report.Generator},
		{"discriminator", ck.Discriminator, func() error { return checkpoints.LoadWeights(ck.Discriminator, e.discriminator.State()) }, &report.Discriminator},
	}
	for _, s := range sets {
		if len(s.weights) == 0 {
			e.logger.Warn("checkpoint has no parameters for component, keeping fresh weights", zap.String("model", s.name))
			continue
		}
		if err := s.apply(); err != nil {
			return report, fmt.Errorf("failed to restore %s: %w", s.name, err)
		}
		*s.done = true
	}

	if ck.OptimizerG != nil {
		if err := e.optG.LoadState(ck.OptimizerG); err != nil {
			return report, fmt.Errorf("failed to restore generator optimizer: %w: %v", checkpoints.ErrIncompatible, err)
		}
		report.OptimizerG = true
	}
	if ck.OptimizerD != nil {
		if err := e.optD.LoadState(ck.OptimizerD); err != nil {
			return report, fmt.Errorf("failed to restore discriminator optimizer: %w: %v", checkpoints.ErrIncompatible, err)
		}
		report.OptimizerD = true
	}

	e.logger.Info("restored checkpoint",
		zap.Bool("encoder", report.Encoder),
		zap.Bool("generator", report.Generator),
		zap.Bool("discriminator", report.Discriminator),
		zap.Bool("optimizer_g", report.OptimizerG),
		zap.Bool("optimizer_d", report.OptimizerD))
	return report, nil
}
