package models

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-voxel/tensor"
)

func newRng() *rand.Rand { return rand.New(rand.NewSource(1)) }

func TestEncoderOutputShape(t *testing.T) {
	enc, err := NewConvEncoder(tensor.CPU, newRng())
	require.NoError(t, err)

	img, err := tensor.RandomUniform(ImageShape(2), 0, 1, newRng(), tensor.CPU)
	require.NoError(t, err)
	z, err := enc.Encode(img)
	require.NoError(t, err)
	assert.Equal(t, []int{2, LatentDim}, z.Shape)
	assert.Equal(t, []int{1, LatentDim}, enc.Spec().OutputShape)

	_, err = enc.Encode(tensor.MustNew([]int{1, 3, 64, 64}, nil))
	assert.ErrorIs(t, err, tensor.ErrShape)
}

func TestGeneratorOutputRange(t *testing.T) {
	gen, err := NewVoxelGenerator(tensor.CPU, newRng())
	require.NoError(t, err)

	z, err := tensor.RandomNormal([]int{2, LatentDim}, 0, 1, newRng(), tensor.CPU)
	require.NoError(t, err)
	out, err := gen.Generate(z)
	require.NoError(t, err)
	assert.Equal(t, VoxelShape(2), out.Shape)

	lo, hi := out.MinMax()
	assert.GreaterOrEqual(t, lo, float32(0))
	assert.LessOrEqual(t, hi, float32(1))
}

func TestGeneratorDeterministicInEval(t *testing.T) {
	gen, err := NewVoxelGenerator(tensor.CPU, newRng())
	require.NoError(t, err)
	gen.Eval()

	z, err := tensor.RandomNormal([]int{1, LatentDim}, 0, 1, newRng(), tensor.CPU)
	require.NoError(t, err)
	a, err := gen.Generate(z)
	require.NoError(t, err)
	b, err := gen.Generate(z)
	require.NoError(t, err)
	assert.True(t, a.Equal(b))
}

func TestDiscriminatorAcceptsGeneratorOutput(t *testing.T) {
	gen, err := NewVoxelGenerator(tensor.CPU, newRng())
	require.NoError(t, err)
	disc, err := NewVoxelDiscriminator(tensor.CPU, newRng())
	require.NoError(t, err)

	z, err := tensor.RandomNormal([]int{2, LatentDim}, 0, 1, newRng(), tensor.CPU)
	require.NoError(t, err)
	fake, err := gen.Generate(z)
	require.NoError(t, err)
	score, err := disc.Score(fake)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 1}, score.Shape)
	lo, hi := score.MinMax()
	assert.GreaterOrEqual(t, lo, float32(0))
	assert.LessOrEqual(t, hi, float32(1))
}

func TestStateNamesAreStable(t *testing.T) {
	gen, err := NewVoxelGenerator(tensor.CPU, newRng())
	require.NoError(t, err)
	state := gen.State()
	require.NotEmpty(t, state)
	assert.Equal(t, "fc.weight", state[0].Name)
	assert.Equal(t, []int{256 * 8, LatentDim}, state[0].Tensor.Shape)
	assert.Equal(t, "decoder.0.weight", state[2].Name)
	assert.Equal(t, []int{256, 128, 4, 4, 4}, state[2].Tensor.Shape)

	var buffers int
	for _, nt := range state {
		if !nt.Trainable {
			buffers++
		}
	}
	assert.Equal(t, 6, buffers, "three batch norms with two running statistics each")
}

func TestSameSeedSameWeights(t *testing.T) {
	a, err := NewVoxelDiscriminator(tensor.CPU, rand.New(rand.NewSource(9)))
	require.NoError(t, err)
	b, err := NewVoxelDiscriminator(tensor.CPU, rand.New(rand.NewSource(9)))
	require.NoError(t, err)
	for i, nt := range a.State() {
		assert.True(t, nt.Tensor.Equal(b.State()[i].Tensor), nt.Name)
	}
}
