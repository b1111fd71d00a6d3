// Package engine runs the networks: one adversarial optimisation step per
// batch for training, and a gradient-free forward pass for inference.
package engine

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/tsawler/go-voxel/layers"
	"github.com/tsawler/go-voxel/models"
	"github.com/tsawler/go-voxel/optimizer"
	"github.com/tsawler/go-voxel/tensor"
)

// GANConfig holds the optimisation hyperparameters shared by both updates.
type GANConfig struct {
	LearningRate float32
	Beta1        float32
	L1Lambda     float32 // weight of the reconstruction term in the generator loss
}

// DefaultGANConfig returns lr 2e-4, beta1 0.5 and an L1 weight of 100.
func DefaultGANConfig() GANConfig {
	return GANConfig{
		LearningRate: 2e-4,
		Beta1:        0.5,
		L1Lambda:     100,
	}
}

// StepResult reports the losses of one batch.
type StepResult struct {
	LossD   float32 // mean of the real and fake discriminator terms
	LossG   float32 // adversarial + lambda * L1
	LossAdv float32
	LossL1  float32
}

// GANTrainingEngine owns the three networks and their two optimizers:
// optimizer G covers encoder and generator, optimizer D the discriminator.
type GANTrainingEngine struct {
	encoder       models.Encoder
	generator     models.Generator
	discriminator models.Discriminator

	optG *optimizer.Adam
	optD *optimizer.Adam

	config GANConfig
	device tensor.DeviceType
	logger *zap.Logger
}

// NewGANTrainingEngine wires the networks to fresh optimizers and puts them
// in training mode.
func NewGANTrainingEngine(
	encoder models.Encoder,
	generator models.Generator,
	discriminator models.Discriminator,
	device tensor.DeviceType,
	config GANConfig,
	logger *zap.Logger,
) (*GANTrainingEngine, error) {
	if device != tensor.CPU {
		return nil, fmt.Errorf("%w: %s", tensor.ErrUnsupportedDevice, device)
	}
	if encoder == nil || generator == nil || discriminator == nil {
		return nil, fmt.Errorf("encoder, generator and discriminator are all required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "gan_engine"))

	adam := optimizer.GANAdamConfig(config.LearningRate, config.Beta1)
	paramsG := append(append([]*tensor.Tensor(nil), encoder.Parameters()...), generator.Parameters()...)
	optG, err := optimizer.NewAdam(adam, paramsG)
	if err != nil {
		return nil, fmt.Errorf("failed to create generator optimizer: %w", err)
	}
	optD, err := optimizer.NewAdam(adam, discriminator.Parameters())
	if err != nil {
		return nil, fmt.Errorf("failed to create discriminator optimizer: %w", err)
	}

	e := &GANTrainingEngine{
		encoder:       encoder,
		generator:     generator,
		discriminator: discriminator,
		optG:          optG,
		optD:          optD,
		config:        config,
		device:        device,
		logger:        logger,
	}
	e.train()

	for _, n := range []models.Network{encoder, generator, discriminator} {
		logModelSummary(logger, n.Spec())
	}
	return e, nil
}

func logModelSummary(logger *zap.Logger, spec *layers.ModelSpec) {
	if spec == nil || !logger.Core().Enabled(zap.DebugLevel) {
		return
	}
	logger.Debug("model summary",
		zap.String("model", spec.Name),
		zap.Int64("parameters", spec.TotalParameters),
		zap.String("summary", spec.Summary()))
}

func (e *GANTrainingEngine) train() {
	e.encoder.Train()
	e.generator.Train()
	e.discriminator.Train()
}

// TrainBatch performs the discriminator update followed by the
// encoder+generator update on one batch of paired samples.
func (e *GANTrainingEngine) TrainBatch(images, voxels *tensor.Tensor) (StepResult, error) {
	images, err := images.ToDevice(e.device)
	if err != nil {
		return StepResult{}, err
	}
	voxels, err = voxels.ToDevice(e.device)
	if err != nil {
		return StepResult{}, err
	}
	if images.Shape[0] != voxels.Shape[0] {
		return StepResult{}, fmt.Errorf("batch has %d images but %d voxel grids: %w", images.Shape[0], voxels.Shape[0], tensor.ErrShape)
	}
	batch := images.Shape[0]

	ones, err := tensor.Ones([]int{batch, 1}, e.device)
	if err != nil {
		return StepResult{}, err
	}
	zeros, err := tensor.Zeros([]int{batch, 1}, e.device)
	if err != nil {
		return StepResult{}, err
	}

	latent, err := e.encoder.Encode(images)
	if err != nil {
		return StepResult{}, fmt.Errorf("encoder forward: %w", err)
	}
	fake, err := e.generator.Generate(latent)
	if err != nil {
		return StepResult{}, fmt.Errorf("generator forward: %w", err)
	}

	lossD, err := e.discriminatorStep(voxels, fake, ones, zeros)
	if err != nil {
		return StepResult{}, err
	}
	result, err := e.generatorStep(voxels, fake, ones)
	if err != nil {
		return StepResult{}, err
	}
	result.LossD = lossD
	return result, nil
}

func (e *GANTrainingEngine) discriminatorStep(voxels, fake, ones, zeros *tensor.Tensor) (float32, error) {
	e.optD.ZeroGrad()

	realScore, err := e.discriminator.Score(voxels)
	if err != nil {
		return 0, fmt.Errorf("discriminator forward (real): %w", err)
	}
	lossReal, err := tensor.BCE(realScore, ones)
	if err != nil {
		return 0, err
	}

	fakeScore, err := e.discriminator.Score(fake.Detach())
	if err != nil {
		return 0, fmt.Errorf("discriminator forward (fake): %w", err)
	}
	lossFake, err := tensor.BCE(fakeScore, zeros)
	if err != nil {
		return 0, err
	}

	sum, err := tensor.Add(lossReal, lossFake)
	if err != nil {
		return 0, err
	}
	lossD, err := tensor.Scale(sum, 0.5)
	if err != nil {
		return 0, err
	}
	if err := lossD.Backward(); err != nil {
		return 0, fmt.Errorf("discriminator backward: %w", err)
	}
	if err := e.optD.Step(); err != nil {
		return 0, fmt.Errorf("discriminator optimizer step: %w", err)
	}
	return lossD.Item()
}

func (e *GANTrainingEngine) generatorStep(voxels, fake, ones *tensor.Tensor) (StepResult, error) {
	e.optG.ZeroGrad()

	score, err := e.discriminator.Score(fake)
	if err != nil {
		return StepResult{}, fmt.Errorf("discriminator forward (generator step): %w", err)
	}
	adv, err := tensor.BCE(score, ones)
	if err != nil {
		return StepResult{}, err
	}
	l1, err := tensor.L1(fake, voxels)
	if err != nil {
		return StepResult{}, err
	}
	weighted, err := tensor.Scale(l1, e.config.L1Lambda)
	if err != nil {
		return StepResult{}, err
	}
	lossG, err := tensor.Add(adv, weighted)
	if err != nil {
		return StepResult{}, err
	}
	if err := lossG.Backward(); err != nil {
		return StepResult{}, fmt.Errorf("generator backward: %w", err)
	}
	if err := e.optG.Step(); err != nil {
		return StepResult{}, fmt.Errorf("generator optimizer step: %w", err)
	}

	return StepResult{
		LossG:   lossG.Data[0],
		LossAdv: adv.Data[0],
		LossL1:  l1.Data[0],
	}, nil
}

func (e *GANTrainingEngine) Encoder() models.Encoder             { return e.encoder }
func (e *GANTrainingEngine) Generator() models.Generator         { return e.generator }
func (e *GANTrainingEngine) Discriminator() models.Discriminator { return e.discriminator }
func (e *GANTrainingEngine) OptimizerG() optimizer.Optimizer     { return e.optG }
func (e *GANTrainingEngine) OptimizerD() optimizer.Optimizer     { return e.optD }
func (e *GANTrainingEngine) Device() tensor.DeviceType           { return e.device }
