package cli

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-voxel/checkpoints"
	"github.com/tsawler/go-voxel/postprocess"
	"github.com/tsawler/go-voxel/tensor"
	"github.com/tsawler/go-voxel/training"
	"github.com/tsawler/go-voxel/vision/dataset"
)

func TestClassify(t *testing.T) {
	_, statErr := os.Stat("/definitely/not/here")
	cases := []struct {
		err  error
		want Kind
	}{
		{nil, KindNone},
		{fmt.Errorf("%w: %w", training.ErrPrecondition, dataset.ErrPairing), KindPrecondition},
		{fmt.Errorf("wrap: %w", dataset.ErrPairing), KindPrecondition},
		{fmt.Errorf("load: %w", checkpoints.ErrCorrupt), KindIO},
		{checkpoints.ErrMissingComponent, KindIO},
		{fmt.Errorf("load: %w", checkpoints.ErrIncompatible), KindIO},
		{statErr, KindIO},
		{fmt.Errorf("forward: %w", tensor.ErrShape), KindRuntime},
		{errors.New("boom"), KindRuntime},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, Classify(c.err), "%v", c.err)
	}
}

func TestExitCodes(t *testing.T) {
	assert.Equal(t, 0, Success(nil).ExitCode())
	assert.Equal(t, 2, Failure(training.ErrPrecondition).ExitCode())
	assert.Equal(t, 3, Failure(checkpoints.ErrCorrupt).ExitCode())
	assert.Equal(t, 1, Failure(errors.New("x")).ExitCode())
	assert.Equal(t, "precondition", KindPrecondition.String())
}

func TestWriteTrainingSuccess(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Success(NewTrainingCompleted()).Write(&buf))
	assert.Equal(t, `{"status":"success","message":"Training completed"}`+"\n", buf.String())
}

func TestWriteHelp(t *testing.T) {
	var buf bytes.Buffer
	res := Help()
	require.NoError(t, res.Write(&buf))
	assert.Equal(t, `{"status":"success","message":"usage written to stderr"}`+"\n", buf.String())
	assert.Equal(t, 0, res.ExitCode())
}

func TestWriteReconstruction(t *testing.T) {
	var buf bytes.Buffer
	res := &postprocess.Result{Shape: []int{32, 32, 32}, Count: 1, Voxels: []postprocess.Coord{{1, 2, 3}}}
	require.NoError(t, Success(NewReconstruction(res)).Write(&buf))
	assert.JSONEq(t, `{"status":"success","model_shape":[32,32,32],"voxel_count":1,"voxels":[[1,2,3]]}`, buf.String())
	assert.Equal(t, 1, bytes.Count(buf.Bytes(), []byte("\n")))
}

func TestWriteFailure(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Failure(errors.New("no such image")).Write(&buf))
	assert.Equal(t, `{"error":"no such image"}`+"\n", buf.String())
}
