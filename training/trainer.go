package training

import (
	"errors"
	"fmt"
	"io"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tsawler/go-voxel/checkpoints"
	"github.com/tsawler/go-voxel/engine"
	"github.com/tsawler/go-voxel/models"
	"github.com/tsawler/go-voxel/tensor"
	"github.com/tsawler/go-voxel/vision/dataloader"
	"github.com/tsawler/go-voxel/vision/dataset"
	"github.com/tsawler/go-voxel/vision/preprocessing"
)

// ErrPrecondition marks failures detected before the first optimizer step,
// such as a dataset whose images and voxel grids do not pair up.
var ErrPrecondition = errors.New("training precondition failed")

// TrainingConfig holds configuration for training
type TrainingConfig struct {
	Epochs          int // absolute target; a resumed run trains up to it
	BatchSize       int
	DataDir         string // contains images/ and voxels/
	WeightsDir      string
	Resume          bool
	Seed            int64
	LogEvery        int // log losses every N batches
	CheckpointEvery int // numbered checkpoint every N epochs
	Shuffle         bool
	CacheSize       int
	ImageSize       int
	Device          tensor.DeviceType
	GAN             engine.GANConfig
	PlotPath        string // optional loss-curve image written at the end
}

// DefaultTrainingConfig returns the stock training settings.
func DefaultTrainingConfig() TrainingConfig {
	return TrainingConfig{
		Epochs:          10,
		BatchSize:       8,
		DataDir:         "data",
		WeightsDir:      "weights",
		Resume:          true,
		Seed:            42,
		LogEvery:        10,
		CheckpointEvery: DefaultCheckpointEvery,
		Shuffle:         true,
		CacheSize:       1000,
		ImageSize:       preprocessing.DefaultSize,
		Device:          tensor.CPU,
		GAN:             engine.DefaultGANConfig(),
	}
}

// Validate checks the configuration for values training cannot run with.
func (c TrainingConfig) Validate() error {
	switch {
	case c.Epochs < 0:
		return fmt.Errorf("epochs must not be negative, got %d", c.Epochs)
	case c.BatchSize <= 0:
		return fmt.Errorf("batch size must be positive, got %d", c.BatchSize)
	case c.DataDir == "":
		return fmt.Errorf("data directory is required")
	case c.WeightsDir == "":
		return fmt.Errorf("weights directory is required")
	case c.ImageSize <= 0:
		return fmt.Errorf("image size must be positive, got %d", c.ImageSize)
	}
	return nil
}

// RunInfo describes a training run to an EpochRecorder.
type RunInfo struct {
	ID           string
	StartEpoch   int
	TargetEpochs int
	DataDir      string
	WeightsDir   string
	Samples      int
	StartedAt    time.Time
}

// EpochRecorder persists run progress outside the checkpoint directory.
type EpochRecorder interface {
	StartRun(run RunInfo) error
	RecordEpoch(runID string, s EpochSummary) error
	RecordCheckpoint(runID string, epoch int, kind, path string) error
	FinishRun(runID string, status string) error
}

// Trainer manages the training process
type Trainer struct {
	config   TrainingConfig
	logger   *zap.Logger
	metrics  *Metrics
	recorder EpochRecorder
	progress io.Writer
}

// Option customises a Trainer.
type Option func(*Trainer)

func WithLogger(l *zap.Logger) Option { return func(t *Trainer) { t.logger = l } }

func WithMetrics(m *Metrics) Option { return func(t *Trainer) { t.metrics = m } }

func WithRecorder(r EpochRecorder) Option { return func(t *Trainer) { t.recorder = r } }

// WithProgress renders a progress bar per epoch to w.
func WithProgress(w io.Writer) Option { return func(t *Trainer) { t.progress = w } }

// NewTrainer creates a new Trainer
func NewTrainer(config TrainingConfig, opts ...Option) (*Trainer, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid training configuration: %w", err)
	}
	t := &Trainer{config: config}
	for _, opt := range opts {
		opt(t)
	}
	if t.logger == nil {
		t.logger = zap.NewNop()
	}
	t.logger = t.logger.With(zap.String("component", "trainer"))
	return t, nil
}

// Result reports what a Train call did.
type Result struct {
	RunID      string
	StartEpoch int
	EndEpoch   int // last completed epoch, -1 when none ran
	Skipped    bool
	History    History
	LatestPath string
}

// Train pairs the dataset, optionally resumes from the latest checkpoint and
// trains until the configured epoch target. When the target has already been
// reached nothing is trained and nothing is written.
func (t *Trainer) Train() (*Result, error) {
	cfg := t.config
	runID := uuid.NewString()
	log := t.logger.With(zap.String("run_id", runID))

	ds, err := dataset.NewPairedDataset(cfg.DataDir, nil)
	if err != nil {
		if errors.Is(err, dataset.ErrPairing) {
			return nil, fmt.Errorf("%w: %w", ErrPrecondition, err)
		}
		return nil, fmt.Errorf("failed to load dataset: %w", err)
	}
	log.Info("dataset paired", zap.String("dir", cfg.DataDir), zap.Int("samples", ds.Len()))

	eng, err := t.buildEngine()
	if err != nil {
		return nil, err
	}

	cm := NewCheckpointManager(checkpoints.NewStore(cfg.WeightsDir), cfg.CheckpointEvery, runID, t.logger)
	start := 0
	if cfg.Resume {
		if start, err = cm.Resume(eng); err != nil {
			return nil, err
		}
	}

	result := &Result{
		RunID:      runID,
		StartEpoch: start,
		EndEpoch:   start - 1,
		LatestPath: cm.Store().LatestPath(),
	}
	if start >= cfg.Epochs {
		log.Info("epoch target already reached, nothing to train",
			zap.Int("start_epoch", start), zap.Int("target_epochs", cfg.Epochs))
		result.Skipped = true
		return result, nil
	}

	loader, err := dataloader.NewDataLoader(ds, dataloader.Config{
		BatchSize:    cfg.BatchSize,
		Shuffle:      cfg.Shuffle,
		Seed:         cfg.Seed,
		MaxCacheSize: cfg.CacheSize,
		ImageSize:    cfg.ImageSize,
		Device:       cfg.Device,
	})
	if err != nil {
		return nil, err
	}

	if t.recorder != nil {
		err := t.recorder.StartRun(RunInfo{
			ID:           runID,
			StartEpoch:   start,
			TargetEpochs: cfg.Epochs,
			DataDir:      cfg.DataDir,
			WeightsDir:   cfg.WeightsDir,
			Samples:      ds.Len(),
			StartedAt:    time.Now().UTC(),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to record run: %w", err)
		}
	}

	log.Info("starting training",
		zap.Int("start_epoch", start),
		zap.Int("target_epochs", cfg.Epochs),
		zap.Int("batch_size", cfg.BatchSize),
		zap.Stringer("device", cfg.Device))

	for epoch := start; epoch < cfg.Epochs; epoch++ {
		summary, err := t.trainEpoch(eng, loader, epoch, log)
		if err == nil {
			err = t.endEpoch(eng, cm, summary, runID)
		}
		if err != nil {
			t.finish(runID, "failed", log)
			return result, fmt.Errorf("epoch %d: %w", epoch, err)
		}
		result.History = append(result.History, summary)
		result.EndEpoch = epoch
	}
	log.Info("training finished", zap.String("cache", loader.Stats().String()))

	if cfg.PlotPath != "" {
		if err := PlotLossCurves(result.History, cfg.PlotPath); err != nil {
			log.Warn("failed to render loss curves", zap.Error(err))
		} else {
			log.Info("wrote loss curves", zap.String("path", cfg.PlotPath))
		}
	}
	t.finish(runID, "completed", log)
	return result, nil
}

func (t *Trainer) buildEngine() (*engine.GANTrainingEngine, error) {
	rng := rand.New(rand.NewSource(t.config.Seed))
	enc, err := models.NewConvEncoder(t.config.Device, rng)
	if err != nil {
		return nil, fmt.Errorf("failed to build encoder: %w", err)
	}
	gen, err := models.NewVoxelGenerator(t.config.Device, rng)
	if err != nil {
		return nil, fmt.Errorf("failed to build generator: %w", err)
	}
	disc, err := models.NewVoxelDiscriminator(t.config.Device, rng)
	if err != nil {
		return nil, fmt.Errorf("failed to build discriminator: %w", err)
	}
	return engine.NewGANTrainingEngine(enc, gen, disc, t.config.Device, t.config.GAN, t.logger)
}

// trainEpoch runs one training epoch
func (t *Trainer) trainEpoch(
	eng *engine.GANTrainingEngine,
	loader *dataloader.DataLoader,
	epoch int,
	log *zap.Logger,
) (EpochSummary, error) {
	loader.Reset()
	acc := newEpochAccumulator(epoch)

	var bar *ProgressBar
	if t.progress != nil {
		bar = NewProgressBar(t.progress, fmt.Sprintf("Epoch %d/%d", epoch+1, t.config.Epochs), loader.NumBatches())
	}

	for i := 0; ; i++ {
		batch, err := loader.NextBatch()
		if err != nil {
			return EpochSummary{}, fmt.Errorf("batch %d: %w", i, err)
		}
		if batch == nil {
			break
		}

		res, err := eng.TrainBatch(batch.Images, batch.Voxels)
		if err != nil {
			return EpochSummary{}, fmt.Errorf("batch %d: %w", i, err)
		}
		acc.add(res)
		t.metrics.observeBatch()

		if t.config.LogEvery > 0 && i%t.config.LogEvery == 0 {
			log.Info("batch",
				zap.Int("epoch", epoch),
				zap.Int("batch", i),
				zap.Float32("loss_d", res.LossD),
				zap.Float32("loss_g", res.LossG))
		}
		if bar != nil {
			bar.Update(i+1, map[string]float64{"loss_d": float64(res.LossD), "loss_g": float64(res.LossG)})
		}
	}
	if bar != nil {
		bar.Finish()
	}
	return acc.summary(), nil
}

func (t *Trainer) endEpoch(eng *engine.GANTrainingEngine, cm *CheckpointManager, s EpochSummary, runID string) error {
	saved, err := cm.SaveEpoch(eng, s.Epoch)
	if err != nil {
		return err
	}

	t.logger.Info("epoch complete",
		zap.Int("epoch", s.Epoch),
		zap.Int("batches", s.Batches),
		zap.Float64("loss_d", s.MeanLossD),
		zap.Float64("loss_d_std", s.StdLossD),
		zap.Float64("loss_g", s.MeanLossG),
		zap.Float64("loss_g_std", s.StdLossG),
		zap.Float64("loss_l1", s.MeanL1),
		zap.Duration("duration", s.Duration))
	t.metrics.observeEpoch(s)

	for _, c := range saved {
		t.metrics.observeCheckpoint(c.Kind)
	}
	if t.recorder == nil {
		return nil
	}
	if err := t.recorder.RecordEpoch(runID, s); err != nil {
		return fmt.Errorf("failed to record epoch: %w", err)
	}
	for _, c := range saved {
		if err := t.recorder.RecordCheckpoint(runID, s.Epoch, c.Kind, c.Path); err != nil {
			return fmt.Errorf("failed to record checkpoint: %w", err)
		}
	}
	return nil
}

func (t *Trainer) finish(runID, status string, log *zap.Logger) {
	if t.recorder == nil {
		return
	}
	if err := t.recorder.FinishRun(runID, status); err != nil {
		log.Warn("failed to record run status", zap.String("status", status), zap.Error(err))
	}
}
