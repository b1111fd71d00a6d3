package tensor

import (
	"fmt"
)

// ConvParams describes kernel, stride and padding per spatial axis in
// (depth, height, width) order. 2D convolutions use a depth of 1 with no
// depth stride or padding.
type ConvParams struct {
	Kernel  [3]int
	Stride  [3]int
	Padding [3]int
}

// Cubic returns parameters with the same kernel, stride and padding on all
// three axes.
func Cubic(kernel, stride, padding int) ConvParams {
	return ConvParams{
		Kernel:  [3]int{kernel, kernel, kernel},
		Stride:  [3]int{stride, stride, stride},
		Padding: [3]int{padding, padding, padding},
	}
}

// Planar returns parameters for a 2D convolution expressed in 3D form.
func Planar(kernel, stride, padding int) ConvParams {
	return ConvParams{
		Kernel:  [3]int{1, kernel, kernel},
		Stride:  [3]int{1, stride, stride},
		Padding: [3]int{0, padding, padding},
	}
}

// ConvOutputSize is the spatial extent of a convolution output.
func ConvOutputSize(in, kernel, stride, padding int) int {
	return (in+2*padding-kernel)/stride + 1
}

// ConvTransposeOutputSize is the spatial extent of a transposed convolution
// output.
func ConvTransposeOutputSize(in, kernel, stride, padding int) int {
	return (in-1)*stride - 2*padding + kernel
}

// volGeom is the geometry of a convolution from a (C, D, H, W) volume to an
// output grid of (OD, OH, OW) positions.
type volGeom struct {
	c          int
	in         [3]int
	out        [3]int
	p          ConvParams
	kernelSize int
}

func newVolGeom(channels int, in, out [3]int, p ConvParams) volGeom {
	return volGeom{
		c:          channels,
		in:         in,
		out:        out,
		p:          p,
		kernelSize: p.Kernel[0] * p.Kernel[1] * p.Kernel[2],
	}
}

func (g volGeom) rows() int    { return g.c * g.kernelSize }
func (g volGeom) cols() int    { return g.out[0] * g.out[1] * g.out[2] }
func (g volGeom) volume() int  { return g.c * g.in[0] * g.in[1] * g.in[2] }
func (g volGeom) spatial() int { return g.in[0] * g.in[1] * g.in[2] }

// vol2col unfolds a volume into a (C·kD·kH·kW) × (OD·OH·OW) matrix.
func vol2col(g volGeom, vol, col []float32) {
	kd, kh, kw := g.p.Kernel[0], g.p.Kernel[1], g.p.Kernel[2]
	sd, sh, sw := g.p.Stride[0], g.p.Stride[1], g.p.Stride[2]
	pd, ph, pw := g.p.Padding[0], g.p.Padding[1], g.p.Padding[2]
	D, H, W := g.in[0], g.in[1], g.in[2]
	OD, OH, OW := g.out[0], g.out[1], g.out[2]
	L := g.cols()

	for c := 0; c < g.c; c++ {
		for kz := 0; kz < kd; kz++ {
			for ky := 0; ky < kh; ky++ {
				for kx := 0; kx < kw; kx++ {
					row := ((c*kd+kz)*kh+ky)*kw + kx
					dst := col[row*L : (row+1)*L]
					i := 0
					for oz := 0; oz < OD; oz++ {
						iz := oz*sd - pd + kz
						for oy := 0; oy < OH; oy++ {
							iy := oy*sh - ph + ky
							for ox := 0; ox < OW; ox++ {
								ix := ox*sw - pw + kx
								if iz < 0 || iz >= D || iy < 0 || iy >= H || ix < 0 || ix >= W {
									dst[i] = 0
								} else {
									dst[i] = vol[((c*D+iz)*H+iy)*W+ix]
								}
								i++
							}
						}
					}
				}
			}
		}
	}
}

// col2vol folds a column matrix back into a volume, summing overlaps. vol
// must be zeroed by the caller.
func col2vol(g volGeom, col, vol []float32) {
	kd, kh, kw := g.p.Kernel[0], g.p.Kernel[1], g.p.Kernel[2]
	sd, sh, sw := g.p.Stride[0], g.p.Stride[1], g.p.Stride[2]
	pd, ph, pw := g.p.Padding[0], g.p.Padding[1], g.p.Padding[2]
	D, H, W := g.in[0], g.in[1], g.in[2]
	OD, OH, OW := g.out[0], g.out[1], g.out[2]
	L := g.cols()

	for c := 0; c < g.c; c++ {
		for kz := 0; kz < kd; kz++ {
			for ky := 0; ky < kh; ky++ {
				for kx := 0; kx < kw; kx++ {
					row := ((c*kd+kz)*kh+ky)*kw + kx
					src := col[row*L : (row+1)*L]
					i := 0
					for oz := 0; oz < OD; oz++ {
						iz := oz*sd - pd + kz
						for oy := 0; oy < OH; oy++ {
							iy := oy*sh - ph + ky
							for ox := 0; ox < OW; ox++ {
								ix := ox*sw - pw + kx
								if iz >= 0 && iz < D && iy >= 0 && iy < H && ix >= 0 && ix < W {
									vol[((c*D+iz)*H+iy)*W+ix] += src[i]
								}
								i++
							}
						}
					}
				}
			}
		}
	}
}

// spatialDims returns the (D, H, W) extent of a 4D (N,C,H,W) or 5D
// (N,C,D,H,W) tensor.
func spatialDims(t *Tensor) ([3]int, error) {
	switch len(t.Shape) {
	case 4:
		return [3]int{1, t.Shape[2], t.Shape[3]}, nil
	case 5:
		return [3]int{t.Shape[2], t.Shape[3], t.Shape[4]}, nil
	default:
		return [3]int{}, fmt.Errorf("convolution expects 4D or 5D input, got %v: %w", t.Shape, ErrShape)
	}
}

func outputShape(batch, channels int, rank int, sp [3]int) []int {
	if rank == 4 {
		return []int{batch, channels, sp[1], sp[2]}
	}
	return []int{batch, channels, sp[0], sp[1], sp[2]}
}

func addChannelBias(out []float32, bias []float32, batch, channels, spatial int) {
	for n := 0; n < batch; n++ {
		for c := 0; c < channels; c++ {
			v := bias[c]
			dst := out[(n*channels+c)*spatial : (n*channels+c+1)*spatial]
			for i := range dst {
				dst[i] += v
			}
		}
	}
}

func channelBiasGrad(grad []float32, batch, channels, spatial int) []float32 {
	gb := make([]float32, channels)
	for n := 0; n < batch; n++ {
		for c := 0; c < channels; c++ {
			var s float32
			for _, v := range grad[(n*channels+c)*spatial : (n*channels+c+1)*spatial] {
				s += v
			}
			gb[c] += s
		}
	}
	return gb
}

// ConvOp is a 2D or 3D convolution. Weights are [Cout, Cin, kD, kH, kW] for
// 3D and [Cout, Cin, kH, kW] for 2D; bias is [Cout] or nil.
type ConvOp struct {
	inputs []*Tensor
	params ConvParams
	geom   volGeom
}

func (op *ConvOp) Inputs() []*Tensor { return op.inputs }

func (op *ConvOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 3 {
		return nil, fmt.Errorf("ConvOp requires input, weight and bias, got %d inputs", len(inputs))
	}
	x, w, b := inputs[0], inputs[1], inputs[2]
	in, err := spatialDims(x)
	if err != nil {
		return nil, err
	}
	if len(w.Shape) != len(x.Shape) || w.Shape[1] != x.Shape[1] {
		return nil, fmt.Errorf("conv input %v against weight %v: %w", x.Shape, w.Shape, ErrShape)
	}
	batch, cin, cout := x.Shape[0], x.Shape[1], w.Shape[0]

	var out [3]int
	for i := 0; i < 3; i++ {
		out[i] = ConvOutputSize(in[i], op.params.Kernel[i], op.params.Stride[i], op.params.Padding[i])
		if out[i] <= 0 {
			return nil, fmt.Errorf("conv output collapses for input %v: %w", x.Shape, ErrShape)
		}
	}
	op.geom = newVolGeom(cin, in, out, op.params)
	if w.NumElems != cout*op.geom.rows() {
		return nil, fmt.Errorf("conv weight %v does not match kernel %v: %w", w.Shape, op.params.Kernel, ErrShape)
	}
	op.inputs = inputs

	g := op.geom
	result := MustNew(outputShape(batch, cout, len(x.Shape), out), nil)
	col := make([]float32, g.rows()*g.cols())
	L := g.cols()
	for n := 0; n < batch; n++ {
		vol2col(g, x.Data[n*g.volume():(n+1)*g.volume()], col)
		gemm(false, false, 1, w.Data, cout, g.rows(), col, g.rows(), L, 0, result.Data[n*cout*L:(n+1)*cout*L], cout, L)
	}
	if b != nil {
		addChannelBias(result.Data, b.Data, batch, cout, L)
	}
	return attach(result, op, x, w, b), nil
}

func (op *ConvOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	x, w, b := op.inputs[0], op.inputs[1], op.inputs[2]
	g := op.geom
	batch, cout := x.Shape[0], w.Shape[0]
	L := g.cols()
	grads := make([]*Tensor, 3)

	var gx, gw *Tensor
	if x.requiresGrad {
		gx = MustNew(x.Shape, nil)
	}
	if w.requiresGrad {
		gw = MustNew(w.Shape, nil)
	}
	col := make([]float32, g.rows()*L)
	for n := 0; n < batch; n++ {
		gOut := gradOut.Data[n*cout*L : (n+1)*cout*L]
		if gw != nil {
			vol2col(g, x.Data[n*g.volume():(n+1)*g.volume()], col)
			gemm(false, true, 1, gOut, cout, L, col, g.rows(), L, 1, gw.Data, cout, g.rows())
		}
		if gx != nil {
			gemm(true, false, 1, w.Data, cout, g.rows(), gOut, cout, L, 0, col, g.rows(), L)
			col2vol(g, col, gx.Data[n*g.volume():(n+1)*g.volume()])
		}
	}
	grads[0], grads[1] = gx, gw
	if b != nil && b.requiresGrad {
		grads[2] = MustNew(b.Shape, channelBiasGrad(gradOut.Data, batch, cout, L))
	}
	return grads, nil
}

// ConvTransposeOp is the gradient of ConvOp with respect to its input, used
// as an upsampling layer. Weights are [Cin, Cout, kD, kH, kW] for 3D and
// [Cin, Cout, kH, kW] for 2D.
type ConvTransposeOp struct {
	inputs []*Tensor
	params ConvParams
	geom   volGeom
}

func (op *ConvTransposeOp) Inputs() []*Tensor { return op.inputs }

func (op *ConvTransposeOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 3 {
		return nil, fmt.Errorf("ConvTransposeOp requires input, weight and bias, got %d inputs", len(inputs))
	}
	x, w, b := inputs[0], inputs[1], inputs[2]
	in, err := spatialDims(x)
	if err != nil {
		return nil, err
	}
	if len(w.Shape) != len(x.Shape) || w.Shape[0] != x.Shape[1] {
		return nil, fmt.Errorf("conv transpose input %v against weight %v: %w", x.Shape, w.Shape, ErrShape)
	}
	batch, cin, cout := x.Shape[0], x.Shape[1], w.Shape[1]

	var out [3]int
	for i := 0; i < 3; i++ {
		out[i] = ConvTransposeOutputSize(in[i], op.params.Kernel[i], op.params.Stride[i], op.params.Padding[i])
		if out[i] <= 0 {
			return nil, fmt.Errorf("conv transpose output collapses for input %v: %w", x.Shape, ErrShape)
		}
	}
	// The output volume plays the role of the convolution input.
	op.geom = newVolGeom(cout, out, in, op.params)
	if w.NumElems != cin*op.geom.rows() {
		return nil, fmt.Errorf("conv transpose weight %v does not match kernel %v: %w", w.Shape, op.params.Kernel, ErrShape)
	}
	op.inputs = inputs

	g := op.geom
	Lin := g.cols()
	outVol := g.volume()
	result := MustNew(outputShape(batch, cout, len(x.Shape), out), nil)
	col := make([]float32, g.rows()*Lin)
	for n := 0; n < batch; n++ {
		gemm(true, false, 1, w.Data, cin, g.rows(), x.Data[n*cin*Lin:(n+1)*cin*Lin], cin, Lin, 0, col, g.rows(), Lin)
		col2vol(g, col, result.Data[n*outVol:(n+1)*outVol])
	}
	if b != nil {
		addChannelBias(result.Data, b.Data, batch, cout, g.spatial())
	}
	return attach(result, op, x, w, b), nil
}

func (op *ConvTransposeOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	x, w, b := op.inputs[0], op.inputs[1], op.inputs[2]
	g := op.geom
	batch, cin, cout := x.Shape[0], x.Shape[1], w.Shape[1]
	Lin := g.cols()
	outVol := g.volume()
	grads := make([]*Tensor, 3)

	var gx, gw *Tensor
	if x.requiresGrad {
		gx = MustNew(x.Shape, nil)
	}
	if w.requiresGrad {
		gw = MustNew(w.Shape, nil)
	}
	col := make([]float32, g.rows()*Lin)
	for n := 0; n < batch; n++ {
		vol2col(g, gradOut.Data[n*outVol:(n+1)*outVol], col)
		xn := x.Data[n*cin*Lin : (n+1)*cin*Lin]
		if gx != nil {
			gemm(false, false, 1, w.Data, cin, g.rows(), col, g.rows(), Lin, 0, gx.Data[n*cin*Lin:(n+1)*cin*Lin], cin, Lin)
		}
		if gw != nil {
			gemm(false, true, 1, xn, cin, Lin, col, g.rows(), Lin, 1, gw.Data, cin, g.rows())
		}
	}
	grads[0], grads[1] = gx, gw
	if b != nil && b.requiresGrad {
		grads[2] = MustNew(b.Shape, channelBiasGrad(gradOut.Data, batch, cout, g.spatial()))
	}
	return grads, nil
}

// Conv applies a 2D or 3D convolution; bias may be nil.
func Conv(x, weight, bias *Tensor, p ConvParams) (*Tensor, error) {
	return (&ConvOp{params: p}).Forward(x, weight, bias)
}

// ConvTranspose applies a 2D or 3D transposed convolution; bias may be nil.
func ConvTranspose(x, weight, bias *Tensor, p ConvParams) (*Tensor, error) {
	return (&ConvTransposeOp{params: p}).Forward(x, weight, bias)
}
