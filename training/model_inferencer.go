package training

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math/rand"
	"os"

	"go.uber.org/zap"

	"github.com/tsawler/go-voxel/checkpoints"
	"github.com/tsawler/go-voxel/engine"
	"github.com/tsawler/go-voxel/models"
	"github.com/tsawler/go-voxel/postprocess"
	"github.com/tsawler/go-voxel/tensor"
	"github.com/tsawler/go-voxel/vision/preprocessing"
)

// InferencerConfig holds configuration for inference-only operations
type InferencerConfig struct {
	WeightsPath string  // checkpoint to load; empty or missing means fresh weights
	Threshold   float32 // occupancy cut-off, strictly greater than
	Seed        int64   // initialisation seed used when no weights are loaded
	Device      tensor.DeviceType
}

// DefaultInferencerConfig reads weights/latest.pth on the CPU.
func DefaultInferencerConfig() InferencerConfig {
	return InferencerConfig{
		WeightsPath: "weights/" + checkpoints.LatestName,
		Threshold:   postprocess.DefaultThreshold,
		Seed:        42,
		Device:      tensor.CPU,
	}
}

// Inferencer turns single images into sparse voxel lists.
type Inferencer struct {
	engine    *engine.InferenceEngine
	processor *preprocessing.ImageProcessor
	config    InferencerConfig
	loaded    bool
	logger    *zap.Logger
}

// NewInferencer builds encoder and generator and loads weights from
// config.WeightsPath. A path that is empty or does not exist is not an error:
// the networks keep their fresh initialisation and a warning is logged. A
// file that exists but cannot be decoded or does not fit is an error.
func NewInferencer(config InferencerConfig, logger *zap.Logger) (*Inferencer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "inferencer"))

	rng := rand.New(rand.NewSource(config.Seed))
	enc, err := models.NewConvEncoder(config.Device, rng)
	if err != nil {
		return nil, fmt.Errorf("failed to build encoder: %w", err)
	}
	gen, err := models.NewVoxelGenerator(config.Device, rng)
	if err != nil {
		return nil, fmt.Errorf("failed to build generator: %w", err)
	}
	eng, err := engine.NewInferenceEngine(enc, gen, config.Device, logger)
	if err != nil {
		return nil, err
	}

	inf := &Inferencer{
		engine:    eng,
		processor: preprocessing.NewImageProcessor(preprocessing.DefaultSize),
		config:    config,
		logger:    logger,
	}
	if err := inf.loadWeights(); err != nil {
		return nil, err
	}
	return inf, nil
}

func (inf *Inferencer) loadWeights() error {
	path := inf.config.WeightsPath
	if path == "" {
		inf.logger.Warn("no weights path configured, using untrained parameters")
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		inf.logger.Warn("weights file not found, using untrained parameters", zap.String("path", path))
		return nil
	}

	ck, err := checkpoints.Load(path)
	if err != nil {
		return fmt.Errorf("failed to load weights: %w", err)
	}
	if err := inf.engine.LoadCheckpoint(ck); err != nil {
		return fmt.Errorf("failed to load weights from %s: %w", path, err)
	}
	inf.loaded = true

	fields := []zap.Field{zap.String("path", path)}
	if ck.HasEpoch() {
		fields = append(fields, zap.Int("epoch", *ck.Epoch))
	}
	inf.logger.Info("loaded weights", fields...)
	return nil
}

// WeightsLoaded reports whether trained weights were applied.
func (inf *Inferencer) WeightsLoaded() bool { return inf.loaded }

// Engine exposes the underlying inference engine.
func (inf *Inferencer) Engine() *engine.InferenceEngine { return inf.engine }

// Predict runs a preprocessed (1,3,256,256) tensor through the networks and
// returns the (1,1,32,32,32) probability field.
func (inf *Inferencer) Predict(image *tensor.Tensor) (*tensor.Tensor, error) {
	return inf.engine.Predict(image)
}

// GenerateFromImage loads, preprocesses and reconstructs the image at path.
func (inf *Inferencer) GenerateFromImage(path string) (*postprocess.Result, error) {
	img, err := inf.processor.LoadFile(path)
	if err != nil {
		return nil, err
	}
	return inf.generate(img)
}

// GenerateFromReader is GenerateFromImage for an already opened image.
func (inf *Inferencer) GenerateFromReader(r io.Reader) (*postprocess.Result, error) {
	img, err := inf.processor.DecodeAndPreprocess(r)
	if err != nil {
		return nil, err
	}
	return inf.generate(img)
}

func (inf *Inferencer) generate(img *preprocessing.ProcessedImage) (*postprocess.Result, error) {
	input, err := img.Tensor(inf.config.Device)
	if err != nil {
		return nil, err
	}
	field, err := inf.Predict(input)
	if err != nil {
		return nil, err
	}
	res, err := postprocess.Extract(field, inf.config.Threshold)
	if err != nil {
		return nil, err
	}
	inf.logger.Debug("reconstructed voxels", zap.Int("voxels", res.Count))
	return res, nil
}
