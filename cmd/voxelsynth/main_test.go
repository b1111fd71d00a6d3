package main

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-voxel/vision/dataset"
)

func TestWritesPairedDataset(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")
	res := run([]string{dir, "--samples", "3", "--image-size", "64", "--log-level", "error"})
	require.NoError(t, res.Err)
	assert.Equal(t, 3, res.Payload.(summary).Samples)

	ds, err := dataset.NewPairedDataset(dir, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"sample_0", "sample_1", "sample_2"}, ds.Keys())
}

func TestRejectsZeroSamples(t *testing.T) {
	res := run([]string{t.TempDir(), "--samples", "0", "--log-level", "error"})
	assert.Error(t, res.Err)
}
