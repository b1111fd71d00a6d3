package engine

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/tsawler/go-voxel/checkpoints"
	"github.com/tsawler/go-voxel/models"
	"github.com/tsawler/go-voxel/tensor"
)

// InferenceEngine runs encoder then generator in evaluation mode. Its
// parameters never track gradients, so no graph is built.
type InferenceEngine struct {
	encoder   models.Encoder
	generator models.Generator
	device    tensor.DeviceType
	logger    *zap.Logger
}

// NewInferenceEngine switches both networks to evaluation mode and disables
// gradient tracking on their parameters.
func NewInferenceEngine(
	encoder models.Encoder,
	generator models.Generator,
	device tensor.DeviceType,
	logger *zap.Logger,
) (*InferenceEngine, error) {
	if device != tensor.CPU {
		return nil, fmt.Errorf("%w: %s", tensor.ErrUnsupportedDevice, device)
	}
	if encoder == nil || generator == nil {
		return nil, fmt.Errorf("encoder and generator are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "inference_engine"))

	encoder.Eval()
	generator.Eval()
	tensor.SetRequiresGrad(encoder.Parameters(), false)
	tensor.SetRequiresGrad(generator.Parameters(), false)

	logModelSummary(logger, encoder.Spec())
	logModelSummary(logger, generator.Spec())

	return &InferenceEngine{
		encoder:   encoder,
		generator: generator,
		device:    device,
		logger:    logger,
	}, nil
}

// LoadCheckpoint copies the encoder and generator parameter sets of ck into
// the engine. Other components of the checkpoint are ignored.
func (ie *InferenceEngine) LoadCheckpoint(ck *checkpoints.Checkpoint) error {
	if err := ck.RequireInference(); err != nil {
		return err
	}
	if err := checkpoints.LoadWeights(ck.Encoder, ie.encoder.State()); err != nil {
		return fmt.Errorf("failed to load encoder: %w", err)
	}
	if err := checkpoints.LoadWeights(ck.Generator, ie.generator.State()); err != nil {
		return fmt.Errorf("failed to load generator: %w", err)
	}
	return nil
}

// Predict maps (B,3,256,256) images to (B,1,32,32,32) occupancy
// probabilities.
func (ie *InferenceEngine) Predict(images *tensor.Tensor) (*tensor.Tensor, error) {
	if images == nil {
		return nil, fmt.Errorf("input tensor is nil")
	}
	images, err := images.ToDevice(ie.device)
	if err != nil {
		return nil, err
	}

	latent, err := ie.encoder.Encode(images)
	if err != nil {
		return nil, fmt.Errorf("encoder forward: %w", err)
	}
	field, err := ie.generator.Generate(latent)
	if err != nil {
		return nil, fmt.Errorf("generator forward: %w", err)
	}
	return field.Detach(), nil
}

func (ie *InferenceEngine) Encoder() models.Encoder     { return ie.encoder }
func (ie *InferenceEngine) Generator() models.Generator { return ie.generator }
