package main

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seed(t *testing.T, epochs ...int) string {
	t.Helper()
	dir := t.TempDir()
	for _, e := range epochs {
		name := filepath.Join(dir, fmt.Sprintf("checkpoint_epoch_%d.pth", e))
		require.NoError(t, os.WriteFile(name, []byte("x"), 0o644))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "latest.pth"), []byte("x"), 0o644))
	return dir
}

func TestPrune(t *testing.T) {
	dir := seed(t, 1, 50, 100, 150, 200, 250, 300, 350, 400)
	res := run([]string{dir, "--keep-last", "2", "--log-level", "error"})
	require.NoError(t, res.Err)

	s := res.Payload.(summary)
	assert.Equal(t, []int{1, 100, 200, 300, 350, 400}, s.Kept)
	assert.Equal(t, []int{50, 150, 250}, s.Removed)
	assert.NoFileExists(t, filepath.Join(dir, "checkpoint_epoch_50.pth"))
	assert.FileExists(t, filepath.Join(dir, "latest.pth"))
}

func TestPruneWindow(t *testing.T) {
	dir := seed(t, 1, 650, 700, 750, 770, 800)
	res := run([]string{dir, "--keep-last", "0", "--window", "30", "--log-level", "error"})
	require.NoError(t, res.Err)

	s := res.Payload.(summary)
	assert.Equal(t, []int{1, 700, 770, 800}, s.Kept)
	assert.Equal(t, []int{650, 750}, s.Removed)
}

func TestPruneDryRun(t *testing.T) {
	dir := seed(t, 1, 2, 3, 4, 5, 6, 7)
	res := run([]string{dir, "-n", "--log-level", "error"})
	require.NoError(t, res.Err)
	s := res.Payload.(summary)
	assert.True(t, s.DryRun)
	assert.Equal(t, []int{2}, s.Removed)
	assert.FileExists(t, filepath.Join(dir, "checkpoint_epoch_2.pth"))
}

func TestPruneMissingDir(t *testing.T) {
	res := run([]string{filepath.Join(t.TempDir(), "absent"), "--log-level", "error"})
	assert.Error(t, res.Err)
}

func TestPruneHelp(t *testing.T) {
	res := run([]string{"--help"})
	require.NoError(t, res.Err)
	assert.Equal(t, 0, res.ExitCode())
}
