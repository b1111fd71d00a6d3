package tensor

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAutogradBasicOperations(t *testing.T) {
	t.Run("Addition forward and backward", func(t *testing.T) {
		a := MustNew([]int{1}, []float32{3})
		b := MustNew([]int{1}, []float32{4})
		a.SetRequiresGrad(true)
		b.SetRequiresGrad(true)

		y, err := Add(a, b)
		require.NoError(t, err)
		assert.True(t, y.RequiresGrad())
		assert.Equal(t, []float32{7}, y.Data)

		require.NoError(t, y.Backward())
		assert.Equal(t, []float32{1}, a.Grad().Data)
		assert.Equal(t, []float32{1}, b.Grad().Data)
	})

	t.Run("Shared input accumulates", func(t *testing.T) {
		a := MustNew([]int{1}, []float32{2})
		a.SetRequiresGrad(true)

		twice, err := Add(a, a)
		require.NoError(t, err)
		y, err := Scale(twice, 3)
		require.NoError(t, err)
		require.NoError(t, y.Backward())
		assert.Equal(t, []float32{6}, a.Grad().Data)
	})

	t.Run("Detach stops gradients", func(t *testing.T) {
		a := MustNew([]int{1}, []float32{2})
		a.SetRequiresGrad(true)
		d := a.Detach()
		assert.False(t, d.RequiresGrad())
		assert.True(t, d.IsLeaf())

		y, err := Scale(d, 2)
		require.NoError(t, err)
		assert.False(t, y.RequiresGrad())
		assert.Error(t, y.Backward())
	})

	t.Run("Shape mismatch", func(t *testing.T) {
		_, err := Add(MustNew([]int{2}, nil), MustNew([]int{3}, nil))
		assert.ErrorIs(t, err, ErrShape)
	})

	t.Run("Backward requires scalar", func(t *testing.T) {
		a := MustNew([]int{2}, []float32{1, 2})
		a.SetRequiresGrad(true)
		y, err := Scale(a, 1)
		require.NoError(t, err)
		assert.Error(t, y.Backward())
	})
}

func TestActivations(t *testing.T) {
	x := MustNew([]int{4}, []float32{-2, -0.5, 0.5, 2})

	relu, err := ReLU(x)
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 0, 0.5, 2}, relu.Data)

	leaky, err := LeakyReLU(x, 0.2)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{-0.4, -0.1, 0.5, 2}, leaky.Data, 1e-6)

	sig, err := Sigmoid(MustNew([]int{3}, []float32{-1000, 0, 1000}))
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{0, 0.5, 1}, sig.Data, 1e-6)
}

func TestLinearMatchesManualComputation(t *testing.T) {
	x := MustNew([]int{2, 3}, []float32{1, 2, 3, 4, 5, 6})
	w := MustNew([]int{2, 3}, []float32{1, 0, -1, 0.5, 0.5, 0.5})
	b := MustNew([]int{2}, []float32{10, -10})

	y, err := Linear(x, w, b)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2}, y.Shape)
	assert.InDeltaSlice(t, []float32{8, -7, 8, -2.5}, y.Data, 1e-5)

	_, err = Linear(MustNew([]int{2, 4}, nil), w, b)
	assert.ErrorIs(t, err, ErrShape)
}

func TestLossFunctions(t *testing.T) {
	t.Run("BCE", func(t *testing.T) {
		p := MustNew([]int{2}, []float32{0.5, 0.5})
		y := MustNew([]int{2}, []float32{1, 0})
		l, err := BCE(p, y)
		require.NoError(t, err)
		assert.InDelta(t, math.Ln2, l.Data[0], 1e-6)
	})

	t.Run("BCE saturates instead of overflowing", func(t *testing.T) {
		p := MustNew([]int{1}, []float32{0})
		y := MustNew([]int{1}, []float32{1})
		l, err := BCE(p, y)
		require.NoError(t, err)
		assert.InDelta(t, 100, l.Data[0], 1e-4)
	})

	t.Run("BCE rejects out of range predictions", func(t *testing.T) {
		_, err := BCE(MustNew([]int{1}, []float32{1.5}), MustNew([]int{1}, []float32{1}))
		assert.Error(t, err)
	})

	t.Run("L1", func(t *testing.T) {
		p := MustNew([]int{4}, []float32{1, 0, 0.5, 0.25})
		y := MustNew([]int{4}, []float32{0, 0, 1, 0.25})
		p.SetRequiresGrad(true)
		l, err := L1(p, y)
		require.NoError(t, err)
		assert.InDelta(t, 0.375, l.Data[0], 1e-6)

		require.NoError(t, l.Backward())
		assert.InDeltaSlice(t, []float32{0.25, 0, -0.25, 0}, p.Grad().Data, 1e-6)
	})
}

// gradCheck compares analytic gradients of loss(param) against central
// differences.
func gradCheck(t *testing.T, param *Tensor, loss func() *Tensor) {
	t.Helper()
	tensors := []*Tensor{param}
	ZeroGrad(tensors)
	l := loss()
	require.NoError(t, l.Backward())
	analytic := append([]float32(nil), param.Grad().Data...)

	const h = 1e-2
	for i := range param.Data {
		orig := param.Data[i]
		param.Data[i] = orig + h
		plus := float64(loss().Data[0])
		param.Data[i] = orig - h
		minus := float64(loss().Data[0])
		param.Data[i] = orig

		numeric := (plus - minus) / (2 * h)
		tol := 2e-2 * math.Max(1, math.Abs(numeric))
		assert.InDelta(t, numeric, float64(analytic[i]), tol, "element %d", i)
	}
}

func smoothLoss(t *testing.T, out *Tensor, target *Tensor) *Tensor {
	t.Helper()
	s, err := Sigmoid(out)
	require.NoError(t, err)
	l, err := BCE(s, target)
	require.NoError(t, err)
	return l
}

func TestConvGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	p := Cubic(3, 2, 1)

	x, _ := RandomNormal([]int{2, 2, 4, 4, 4}, 0, 1, rng, CPU)
	w, _ := RandomNormal([]int{3, 2, 3, 3, 3}, 0, 0.3, rng, CPU)
	b, _ := RandomNormal([]int{3}, 0, 0.1, rng, CPU)
	x.SetRequiresGrad(true)
	w.SetRequiresGrad(true)
	b.SetRequiresGrad(true)

	target, _ := RandomUniform([]int{2, 3, 2, 2, 2}, 0, 1, rng, CPU)
	loss := func() *Tensor {
		out, err := Conv(x, w, b, p)
		require.NoError(t, err)
		require.Equal(t, []int{2, 3, 2, 2, 2}, out.Shape)
		return smoothLoss(t, out, target)
	}

	gradCheck(t, w, loss)
	gradCheck(t, b, loss)
	gradCheck(t, x, loss)
}

func TestConvTransposeGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	p := Cubic(4, 2, 1)

	x, _ := RandomNormal([]int{1, 3, 2, 2, 2}, 0, 1, rng, CPU)
	w, _ := RandomNormal([]int{3, 2, 4, 4, 4}, 0, 0.3, rng, CPU)
	b, _ := RandomNormal([]int{2}, 0, 0.1, rng, CPU)
	x.SetRequiresGrad(true)
	w.SetRequiresGrad(true)
	b.SetRequiresGrad(true)

	target, _ := RandomUniform([]int{1, 2, 4, 4, 4}, 0, 1, rng, CPU)
	loss := func() *Tensor {
		out, err := ConvTranspose(x, w, b, p)
		require.NoError(t, err)
		require.Equal(t, []int{1, 2, 4, 4, 4}, out.Shape)
		return smoothLoss(t, out, target)
	}

	gradCheck(t, x, loss)
	gradCheck(t, b, loss)
}

func TestConvTransposeInvertsConvGeometry(t *testing.T) {
	cases := []struct {
		in, k, s, p, want int
	}{
		{2, 4, 2, 1, 4},
		{4, 4, 2, 1, 8},
		{16, 4, 2, 1, 32},
	}
	for _, tc := range cases {
		got := ConvTransposeOutputSize(tc.in, tc.k, tc.s, tc.p)
		assert.Equal(t, tc.want, got)
		assert.Equal(t, tc.in, ConvOutputSize(got, tc.k, tc.s, tc.p))
	}
}

func TestPlanarConv(t *testing.T) {
	// A 1x1 kernel of ones over two channels sums them.
	x := MustNew([]int{1, 2, 2, 2}, []float32{1, 2, 3, 4, 10, 20, 30, 40})
	w := MustNew([]int{1, 2, 1, 1}, []float32{1, 1})
	out, err := Conv(x, w, nil, Planar(1, 1, 0))
	require.NoError(t, err)
	assert.Equal(t, []int{1, 1, 2, 2}, out.Shape)
	assert.Equal(t, []float32{11, 22, 33, 44}, out.Data)
}

func TestBatchNorm(t *testing.T) {
	x := MustNew([]int{2, 1, 2}, []float32{1, 2, 3, 4})
	gamma := MustNew([]int{1}, []float32{1})
	beta := MustNew([]int{1}, []float32{0})
	rm := MustNew([]int{1}, []float32{0})
	rv := MustNew([]int{1}, []float32{1})

	out, err := BatchNorm(x, gamma, beta, rm, rv, true, 0.1, 1e-5)
	require.NoError(t, err)

	var mean float32
	for _, v := range out.Data {
		mean += v
	}
	assert.InDelta(t, 0, mean/4, 1e-5)
	assert.InDelta(t, 0.25, rm.Data[0], 1e-6)
	// Unbiased variance of {1,2,3,4} is 5/3.
	assert.InDelta(t, 0.9+0.1*5.0/3.0, rv.Data[0], 1e-5)

	eval, err := BatchNorm(x, gamma, beta, rm, rv, false, 0.1, 1e-5)
	require.NoError(t, err)
	want := (1 - rm.Data[0]) / float32(math.Sqrt(float64(rv.Data[0])+1e-5))
	assert.InDelta(t, want, eval.Data[0], 1e-5)
	assert.InDelta(t, 0.25, rm.Data[0], 1e-6, "eval mode must not touch running stats")
}

func TestBatchNormGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	x, _ := RandomNormal([]int{3, 2, 4}, 0, 1, rng, CPU)
	gamma, _ := RandomNormal([]int{2}, 1, 0.1, rng, CPU)
	beta, _ := RandomNormal([]int{2}, 0, 0.1, rng, CPU)
	x.SetRequiresGrad(true)
	gamma.SetRequiresGrad(true)
	beta.SetRequiresGrad(true)
	target, _ := RandomUniform([]int{3, 2, 4}, 0, 1, rng, CPU)

	loss := func() *Tensor {
		rm := MustNew([]int{2}, nil)
		rv := MustNew([]int{2}, []float32{1, 1})
		out, err := BatchNorm(x, gamma, beta, rm, rv, true, 0.1, 1e-5)
		require.NoError(t, err)
		return smoothLoss(t, out, target)
	}

	gradCheck(t, gamma, loss)
	gradCheck(t, beta, loss)
	gradCheck(t, x, loss)
}

func TestGlobalAvgPool(t *testing.T) {
	x := MustNew([]int{1, 2, 2, 2}, []float32{1, 2, 3, 4, 5, 5, 5, 5})
	x.SetRequiresGrad(true)
	out, err := GlobalAvgPool(x)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, out.Shape)
	assert.Equal(t, []float32{2.5, 5}, out.Data)
}

func TestReshapeSharesStorage(t *testing.T) {
	x := MustNew([]int{2, 4}, []float32{1, 2, 3, 4, 5, 6, 7, 8})
	y, err := Reshape(x, []int{2, 2, 2})
	require.NoError(t, err)
	x.Data[0] = 42
	assert.Equal(t, float32(42), y.Data[0])

	_, err = Reshape(x, []int{3, 3})
	assert.ErrorIs(t, err, ErrShape)
}

func TestParseDevice(t *testing.T) {
	d, err := ParseDevice("CPU")
	require.NoError(t, err)
	assert.Equal(t, CPU, d)

	_, err = ParseDevice("cuda")
	assert.ErrorIs(t, err, ErrUnsupportedDevice)
}
