package checkpoints

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestStoreLayout(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(filepath.Join(dir, "weights"))
	assert.False(t, s.HasLatest())

	ck := sampleCheckpoint()
	require.NoError(t, s.SaveLatest(ck))
	require.NoError(t, s.SaveEpoch(ck, 50))
	assert.True(t, s.HasLatest())
	assert.FileExists(t, filepath.Join(dir, "weights", "latest.pth"))
	assert.FileExists(t, filepath.Join(dir, "weights", "checkpoint_epoch_50.pth"))

	err := s.SaveEpoch(ck, 50)
	assert.ErrorIs(t, err, ErrExists)

	loaded, err := s.LoadLatest()
	require.NoError(t, err)
	assert.Equal(t, 7, *loaded.Epoch)

	entries, err := os.ReadDir(s.Dir())
	require.NoError(t, err)
	assert.Len(t, entries, 2, "no temporary files are left behind")
}

func TestParseEpochName(t *testing.T) {
	n, ok := ParseEpochName("checkpoint_epoch_150.pth")
	assert.True(t, ok)
	assert.Equal(t, 150, n)

	for _, name := range []string{"latest.pth", "checkpoint_epoch_.pth", "checkpoint_epoch_5.json", "notes.txt"} {
		_, ok := ParseEpochName(name)
		assert.False(t, ok, name)
	}
}

func epochs(files []EpochFile) []int {
	out := make([]int, 0, len(files))
	for _, f := range files {
		out = append(out, f.Epoch)
	}
	return out
}

func TestRetentionPlan(t *testing.T) {
	var files []EpochFile
	for _, e := range []int{1, 50, 100, 150, 200, 250, 300, 350, 400, 450, 500, 550, 600} {
		files = append(files, EpochFile{Epoch: e})
	}
	keep, remove := DefaultRetentionPolicy().Plan(files)
	assert.Equal(t, []int{1, 100, 200, 300, 400, 450, 500, 550, 600}, epochs(keep))
	assert.Equal(t, []int{50, 150, 250, 350}, epochs(remove))
}

func TestRetentionWindow(t *testing.T) {
	var files []EpochFile
	for _, e := range []int{1, 650, 700, 750, 770, 780, 790, 800} {
		files = append(files, EpochFile{Epoch: e})
	}
	// Every 50 epochs, "last 2" would only cover 790 and 800.
	keep, remove := RetentionPolicy{KeepFirst: true, Every: 100, Window: 30}.Plan(files)
	assert.Equal(t, []int{1, 700, 770, 780, 790, 800}, epochs(keep))
	assert.Equal(t, []int{650, 750}, epochs(remove))

	keep, _ = RetentionPolicy{Window: 30, Tail: 4}.Plan(files)
	assert.Equal(t, []int{770, 780, 790, 800}, epochs(keep))
}

func TestRetentionApply(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)
	ck := sampleCheckpoint()
	require.NoError(t, s.SaveLatest(ck))
	for _, e := range []int{1, 50, 100, 150, 200, 250, 300, 350, 400} {
		require.NoError(t, s.SaveEpoch(ck, e))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("keep me"), 0o644))

	policy := RetentionPolicy{KeepFirst: true, Every: 100, Tail: 2}
	dry, err := policy.Apply(s, true)
	require.NoError(t, err)
	assert.Equal(t, []int{50, 150, 250}, epochs(dry.Removed))
	assert.Contains(t, dry.String(), "would remove 3")
	assert.FileExists(t, s.EpochPath(50))

	report, err := policy.Apply(s, false)
	require.NoError(t, err)
	assert.Equal(t, []int{50, 150, 250}, epochs(report.Removed))
	assert.Positive(t, report.BytesFreed)
	assert.NoFileExists(t, s.EpochPath(50))
	assert.FileExists(t, s.EpochPath(350))
	assert.FileExists(t, s.LatestPath())
	assert.FileExists(t, filepath.Join(dir, "notes.txt"))
}

func TestRetentionProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		set := rapid.SliceOfDistinct(rapid.IntRange(1, 2000), func(v int) int { return v }).Draw(t, "epochs")
		var files []EpochFile
		for _, e := range set {
			files = append(files, EpochFile{Epoch: e})
		}
		policy := DefaultRetentionPolicy()
		keep, remove := policy.Plan(files)

		if len(keep)+len(remove) != len(files) {
			t.Fatalf("plan lost files: %d + %d != %d", len(keep), len(remove), len(files))
		}
		highest := 0
		for _, e := range set {
			if e > highest {
				highest = e
			}
		}
		kept := map[int]bool{}
		for _, f := range keep {
			kept[f.Epoch] = true
		}
		if len(set) > 0 && !kept[highest] {
			t.Fatalf("highest epoch %d was removed", highest)
		}
		for _, f := range remove {
			if f.Epoch == 1 || f.Epoch%100 == 0 {
				t.Fatalf("protected epoch %d was removed", f.Epoch)
			}
		}
	})
}
