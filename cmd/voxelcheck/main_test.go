package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-voxel/checkpoints"
	"github.com/tsawler/go-voxel/cli"
)

func writeCheckpoint(t *testing.T, dir string) string {
	t.Helper()
	epoch := 4
	ck := &checkpoints.Checkpoint{
		Epoch:     &epoch,
		Encoder:   []checkpoints.WeightTensor{{Name: "e.w", Shape: []int{2}, Data: []float32{1, 2}, Kind: checkpoints.KindParameter}},
		Generator: []checkpoints.WeightTensor{{Name: "g.w", Shape: []int{1}, Data: []float32{3}, Kind: checkpoints.KindParameter}},
	}
	path := filepath.Join(dir, "latest.pth")
	require.NoError(t, checkpoints.Save(ck, path))
	return path
}

func TestVerify(t *testing.T) {
	dir := t.TempDir()
	good := writeCheckpoint(t, dir)

	res := run([]string{"--log-level", "error", "verify", good})
	require.NoError(t, res.Err)
	rep := res.Payload.(verifyReport)
	require.Len(t, rep.Files, 1)
	assert.Equal(t, stateOK, rep.Files[0].State)
	assert.Equal(t, 4, *rep.Files[0].Epoch)

	bad := filepath.Join(dir, "bad.pth")
	require.NoError(t, os.WriteFile(bad, []byte("garbage"), 0o644))
	res = run([]string{"--log-level", "error", "verify", good, bad, filepath.Join(dir, "absent.pth")})
	require.Error(t, res.Err)
	assert.Equal(t, cli.KindIO, res.Kind())
	assert.Contains(t, res.Err.Error(), "2 of 3")
}

func TestInspectStates(t *testing.T) {
	dir := t.TempDir()
	partial := filepath.Join(dir, "partial.pth")
	require.NoError(t, checkpoints.Save(&checkpoints.Checkpoint{}, partial))

	assert.Equal(t, statePartial, inspect(partial).State)
	assert.Equal(t, stateMissing, inspect(filepath.Join(dir, "nope.pth")).State)
}

func TestSanity(t *testing.T) {
	res := run([]string{"--log-level", "error", "sanity"})
	require.NoError(t, res.Err)
	rep := res.Payload.(sanityReport)
	assert.Equal(t, []int{1, 1, 32, 32, 32}, rep.FieldShape)
	assert.Equal(t, []int{1, 1}, rep.ScoreShape)
	require.Len(t, rep.Networks, 3)
	for _, n := range rep.Networks {
		assert.Positive(t, n.Parameters, n.Name)
	}
}

func TestExportRoundTrip(t *testing.T) {
	dir := t.TempDir()
	src := writeCheckpoint(t, dir)
	out := filepath.Join(dir, "export", "latest.json")

	res := run([]string{"--log-level", "error", "export", src, out})
	require.NoError(t, res.Err)
	assert.Equal(t, "JSON", res.Payload.(exportReport).Format)

	a, err := checkpoints.Load(src)
	require.NoError(t, err)
	b, err := checkpoints.Load(out)
	require.NoError(t, err)
	if diff := cmp.Diff(a, b, cmpopts.IgnoreFields(checkpoints.CheckpointMetadata{}, "CreatedAt")); diff != "" {
		t.Errorf("export changed the checkpoint (-src +out):\n%s", diff)
	}
}

func TestNoSubcommand(t *testing.T) {
	res := run([]string{"--log-level", "error"})
	assert.Error(t, res.Err)
}
