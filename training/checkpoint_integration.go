package training

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/tsawler/go-voxel/checkpoints"
	"github.com/tsawler/go-voxel/engine"
)

// DefaultCheckpointEvery is the epoch interval for numbered checkpoints.
const DefaultCheckpointEvery = 50

// CheckpointManager decides when and where training state is written and
// how a run resumes.
type CheckpointManager struct {
	store  *checkpoints.Store
	every  int
	runID  string
	logger *zap.Logger
}

// NewCheckpointManager wraps store. every <= 0 disables numbered checkpoints.
func NewCheckpointManager(store *checkpoints.Store, every int, runID string, logger *zap.Logger) *CheckpointManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CheckpointManager{
		store:  store,
		every:  every,
		runID:  runID,
		logger: logger.With(zap.String("component", "checkpoints")),
	}
}

// Store returns the underlying checkpoint store.
func (cm *CheckpointManager) Store() *checkpoints.Store { return cm.store }

// Resume restores the latest checkpoint into eng when one exists and returns
// the first epoch still to train. Without a latest checkpoint training starts
// at epoch 0.
func (cm *CheckpointManager) Resume(eng *engine.GANTrainingEngine) (int, error) {
	if !cm.store.HasLatest() {
		cm.logger.Info("no checkpoint to resume from, starting fresh", zap.String("path", cm.store.LatestPath()))
		return 0, nil
	}
	ck, err := cm.store.LoadLatest()
	if err != nil {
		return 0, fmt.Errorf("failed to load latest checkpoint: %w", err)
	}
	if _, err := eng.Restore(ck); err != nil {
		return 0, err
	}

	start := 0
	if ck.HasEpoch() {
		start = *ck.Epoch + 1
	} else {
		cm.logger.Warn("checkpoint records no epoch, restarting the epoch counter")
	}
	cm.logger.Info("resumed training", zap.String("path", cm.store.LatestPath()), zap.Int("start_epoch", start))
	return start, nil
}

// ShouldSaveNumbered reports whether the epoch (0-based) ends on a numbered
// checkpoint boundary.
func (cm *CheckpointManager) ShouldSaveNumbered(epoch int) bool {
	return cm.every > 0 && (epoch+1)%cm.every == 0
}

// SavedCheckpoint describes one file written at the end of an epoch.
type SavedCheckpoint struct {
	Kind string // "latest" or "epoch"
	Path string
}

// SaveEpoch writes latest and, on a boundary, checkpoint_epoch_<epoch+1>.
// An existing numbered checkpoint is left untouched and reported as a warning.
func (cm *CheckpointManager) SaveEpoch(eng *engine.GANTrainingEngine, epoch int) ([]SavedCheckpoint, error) {
	ck, err := eng.Checkpoint(epoch)
	if err != nil {
		return nil, err
	}
	ck.Metadata.RunID = cm.runID
	ck.Metadata.Description = fmt.Sprintf("epoch %d", epoch)

	if err := cm.store.SaveLatest(ck); err != nil {
		return nil, fmt.Errorf("failed to save latest checkpoint: %w", err)
	}
	saved := []SavedCheckpoint{{Kind: "latest", Path: cm.store.LatestPath()}}
	cm.logger.Debug("saved checkpoint", zap.Int("epoch", epoch), zap.String("path", cm.store.LatestPath()))

	if !cm.ShouldSaveNumbered(epoch) {
		return saved, nil
	}
	path := cm.store.EpochPath(epoch + 1)
	err = cm.store.SaveEpoch(ck, epoch+1)
	switch {
	case errors.Is(err, checkpoints.ErrExists):
		cm.logger.Warn("numbered checkpoint already exists, not overwriting", zap.String("path", path))
	case err != nil:
		return saved, fmt.Errorf("failed to save numbered checkpoint: %w", err)
	default:
		saved = append(saved, SavedCheckpoint{Kind: "epoch", Path: path})
		cm.logger.Info("saved numbered checkpoint", zap.Int("epoch", epoch), zap.String("path", path))
	}
	return saved, nil
}
