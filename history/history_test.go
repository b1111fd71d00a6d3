package history

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-voxel/training"
	"github.com/tsawler/go-voxel/vision/synthetic"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRunLifecycle(t *testing.T) {
	db := openTestDB(t)
	id := uuid.NewString()
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, db.StartRun(training.RunInfo{
		ID: id, StartEpoch: 2, TargetEpochs: 4, Samples: 10,
		DataDir: "data", WeightsDir: "weights", StartedAt: started,
	}))

	want := training.History{
		{Epoch: 2, Batches: 5, MeanLossD: 0.69, StdLossD: 0.01, MeanLossG: 40, StdLossG: 2, MeanL1: 0.39, Duration: 1500 * time.Millisecond},
		{Epoch: 3, Batches: 5, MeanLossD: 0.65, StdLossD: 0.02, MeanLossG: 35, StdLossG: 1, MeanL1: 0.34, Duration: 1200 * time.Millisecond},
	}
	for _, s := range want {
		require.NoError(t, db.RecordEpoch(id, s))
	}
	require.NoError(t, db.RecordCheckpoint(id, 3, "latest", "weights/latest.pth"))
	require.NoError(t, db.RecordCheckpoint(id, 3, "epoch", "weights/checkpoint_epoch_4.pth"))
	require.NoError(t, db.FinishRun(id, "completed"))

	got, err := db.Epochs(id)
	require.NoError(t, err)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("epochs mismatch (-want +got):\n%s", diff)
	}

	paths, err := db.CheckpointPaths(id)
	require.NoError(t, err)
	assert.Equal(t, []string{"weights/latest.pth", "weights/checkpoint_epoch_4.pth"}, paths)

	runs, err := db.Runs()
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "completed", runs[0].Status)
	assert.Equal(t, 4, runs[0].TargetEpochs)
	assert.True(t, started.Equal(runs[0].StartedAt))
	assert.NotNil(t, runs[0].FinishedAt)
}

func TestUnknownRun(t *testing.T) {
	db := openTestDB(t)
	id := uuid.NewString()
	assert.ErrorIs(t, db.RecordEpoch(id, training.EpochSummary{}), ErrUnknownRun)
	assert.ErrorIs(t, db.RecordCheckpoint(id, 0, "latest", "x"), ErrUnknownRun)
	assert.ErrorIs(t, db.FinishRun(id, "failed"), ErrUnknownRun)
}

func TestStartRunRejectsBadID(t *testing.T) {
	db := openTestDB(t)
	assert.Error(t, db.StartRun(training.RunInfo{ID: "not-a-uuid"}))
}

func TestReRecordingEpochReplaces(t *testing.T) {
	db := openTestDB(t)
	id := uuid.NewString()
	require.NoError(t, db.StartRun(training.RunInfo{ID: id}))
	require.NoError(t, db.RecordEpoch(id, training.EpochSummary{Epoch: 0, MeanLossD: 1}))
	require.NoError(t, db.RecordEpoch(id, training.EpochSummary{Epoch: 0, MeanLossD: 2}))

	h, err := db.Epochs(id)
	require.NoError(t, err)
	require.Len(t, h, 1)
	assert.Equal(t, 2.0, h[0].MeanLossD)
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	db, err := Open(path)
	require.NoError(t, err)
	id := uuid.NewString()
	require.NoError(t, db.StartRun(training.RunInfo{ID: id}))
	require.NoError(t, db.Close())

	db, err = Open(path)
	require.NoError(t, err)
	defer db.Close()
	runs, err := db.Runs()
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, id, runs[0].ID)
	assert.Equal(t, "running", runs[0].Status)
}

func TestRecorderDrivenByTrainer(t *testing.T) {
	db := openTestDB(t)
	dir := t.TempDir()
	data := filepath.Join(dir, "data")
	_, err := synthetic.WriteDataset(data, synthetic.Options{Samples: 2, Seed: 1})
	require.NoError(t, err)

	cfg := training.DefaultTrainingConfig()
	cfg.DataDir = data
	cfg.WeightsDir = filepath.Join(dir, "weights")
	cfg.Epochs = 1
	cfg.BatchSize = 2

	tr, err := training.NewTrainer(cfg, training.WithRecorder(db))
	require.NoError(t, err)
	res, err := tr.Train()
	require.NoError(t, err)

	h, err := db.Epochs(res.RunID)
	require.NoError(t, err)
	require.Len(t, h, 1)
	assert.Equal(t, 1, h[0].Batches)

	paths, err := db.CheckpointPaths(res.RunID)
	require.NoError(t, err)
	assert.Equal(t, []string{res.LatestPath}, paths)
}
