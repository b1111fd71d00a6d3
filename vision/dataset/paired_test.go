package dataset

import (
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// createTestDataset writes empty placeholder files; pairing only looks at names.
func createTestDataset(t *testing.T, images, voxelFiles []string) string {
	t.Helper()
	root := t.TempDir()
	for dir, names := range map[string][]string{ImagesDir: images, VoxelsDir: voxelFiles} {
		require.NoError(t, os.MkdirAll(filepath.Join(root, dir), 0o755))
		for _, name := range names {
			require.NoError(t, os.WriteFile(filepath.Join(root, dir, name), []byte("x"), 0o644))
		}
	}
	return root
}

func TestPairsByStemRegardlessOfListingOrder(t *testing.T) {
	root := createTestDataset(t,
		[]string{"sample_10.png", "sample_2.jpg", "sample_1.png"},
		[]string{"sample_1.npy", "sample_10.npy", "sample_2.npy"},
	)
	// Unrelated files are ignored.
	require.NoError(t, os.WriteFile(filepath.Join(root, ImagesDir, "README.md"), nil, 0o644))

	d, err := NewPairedDataset(root, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, d.Len())
	assert.Equal(t, []string{"sample_1", "sample_10", "sample_2"}, d.Keys())

	for i := 0; i < d.Len(); i++ {
		p, err := d.GetItem(i)
		require.NoError(t, err)
		assert.Equal(t, p.Key+".npy", filepath.Base(p.VoxelPath))
		assert.Contains(t, filepath.Base(p.ImagePath), p.Key+".")
	}

	_, err = d.GetItem(3)
	assert.Error(t, err)
}

func TestCountMismatchIsPairingError(t *testing.T) {
	root := createTestDataset(t,
		[]string{"a.png", "b.png", "c.png", "d.png", "e.png"},
		[]string{"a.npy", "b.npy", "c.npy", "d.npy"},
	)
	_, err := NewPairedDataset(root, nil)
	assert.ErrorIs(t, err, ErrPairing)
}

func TestMismatchedKeysArePairingError(t *testing.T) {
	root := createTestDataset(t,
		[]string{"a.png", "b.png"},
		[]string{"a.npy", "c.npy"},
	)
	_, err := NewPairedDataset(root, nil)
	assert.ErrorIs(t, err, ErrPairing)

	root = createTestDataset(t,
		[]string{"a.png", "a.jpg"},
		[]string{"a.npy", "b.npy"},
	)
	_, err = NewPairedDataset(root, nil)
	assert.ErrorIs(t, err, ErrPairing)
}

func TestMissingDirectories(t *testing.T) {
	_, err := NewPairedDataset(t.TempDir(), nil)
	assert.ErrorIs(t, err, os.ErrNotExist)

	root := createTestDataset(t, nil, nil)
	_, err = NewPairedDataset(root, nil)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrPairing)
}

func TestFromPairs(t *testing.T) {
	d, err := FromPairs([]Pair{{Key: "b"}, {Key: "a"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, d.Keys())

	_, err = FromPairs([]Pair{{Key: "a"}, {Key: "a"}})
	assert.ErrorIs(t, err, ErrPairing)
}

func TestSplitAndSubset(t *testing.T) {
	var pairs []Pair
	for _, k := range []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j"} {
		pairs = append(pairs, Pair{Key: k})
	}
	d, err := FromPairs(pairs)
	require.NoError(t, err)

	train, val := d.Split(0.8, rand.New(rand.NewSource(1)))
	assert.Equal(t, 8, train.Len())
	assert.Equal(t, 2, val.Len())
	assert.ElementsMatch(t, d.Keys(), append(train.Keys(), val.Keys()...))

	sub := d.Subset([]int{9, 0})
	assert.Equal(t, []string{"j", "a"}, sub.Keys())
}
