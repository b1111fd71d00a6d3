package postprocess

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/tsawler/go-voxel/tensor"
)

func fieldWith(coords ...Coord) *tensor.Tensor {
	f := tensor.MustNew([]int{1, 1, 32, 32, 32}, nil)
	for _, c := range coords {
		f.Data[(c[0]*32+c[1])*32+c[2]] = 1
	}
	return f
}

func TestExtractKnownSet(t *testing.T) {
	want := []Coord{{0, 0, 0}, {1, 2, 3}, {31, 0, 31}}
	res, err := Extract(fieldWith(want...), DefaultThreshold)
	require.NoError(t, err)
	assert.Equal(t, []int{32, 32, 32}, res.Shape)
	assert.Equal(t, 3, res.Count)
	assert.Equal(t, want, res.Voxels)
}

func TestThresholdIsStrict(t *testing.T) {
	f := tensor.MustNew([]int{2, 2, 2}, []float32{0.5, 0.5000001, 0, 1, 0.49, 0.51, 0.5, 0.5})
	res, err := Extract(f, 0.5)
	require.NoError(t, err)
	assert.Equal(t, []Coord{{0, 0, 1}, {0, 1, 1}, {1, 0, 1}}, res.Voxels)
}

func TestExtractEmptyFieldEncodesAsEmptyList(t *testing.T) {
	res, err := Extract(tensor.MustNew([]int{1, 1, 32, 32, 32}, nil), DefaultThreshold)
	require.NoError(t, err)
	assert.Zero(t, res.Count)

	b, err := json.Marshal(res)
	require.NoError(t, err)
	assert.JSONEq(t, `{"model_shape":[32,32,32],"voxel_count":0,"voxels":[]}`, string(b))
}

func TestExtractRejectsBatches(t *testing.T) {
	_, err := Extract(tensor.MustNew([]int{2, 1, 4, 4, 4}, nil), DefaultThreshold)
	assert.ErrorIs(t, err, tensor.ErrShape)
}

func TestExtractMatchesBinarize(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		data := rapid.SliceOfN(rapid.Float32Range(0, 1), 64, 64).Draw(t, "field")
		f := tensor.MustNew([]int{4, 4, 4}, data)
		res, err := Extract(f, DefaultThreshold)
		if err != nil {
			t.Fatal(err)
		}
		bin := Binarize(f, DefaultThreshold)

		ones := 0
		for _, v := range bin.Data {
			if v == 1 {
				ones++
			}
		}
		if ones != res.Count || res.Count != len(res.Voxels) {
			t.Fatalf("count %d, voxels %d, binarized ones %d", res.Count, len(res.Voxels), ones)
		}
		for _, c := range res.Voxels {
			if bin.Data[(c[0]*4+c[1])*4+c[2]] != 1 {
				t.Fatalf("coordinate %v is not occupied", c)
			}
		}
	})
}

func TestSanitizeHexColor(t *testing.T) {
	assert.Equal(t, "#1A1A1A", SanitizeHexColor("#000"))
	assert.Equal(t, "#F0F0F0", SanitizeHexColor("#ffffff"))
	assert.Equal(t, "#12AB34", SanitizeHexColor("#12ab34"))
}
