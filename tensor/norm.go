package tensor

import (
	"fmt"
	"math"
)

// BatchNormOp normalises each channel (axis 1) of an (N, C, ...) tensor.
// In training mode it uses batch statistics and updates the running buffers
// in place; otherwise it uses the running buffers.
type BatchNormOp struct {
	inputs      []*Tensor
	runningMean *Tensor
	runningVar  *Tensor
	training    bool
	momentum    float32
	eps         float32

	xhat   []float32
	invStd []float32
}

func (op *BatchNormOp) Inputs() []*Tensor { return op.inputs }

func (op *BatchNormOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 3 {
		return nil, fmt.Errorf("BatchNormOp requires input, scale and shift, got %d inputs", len(inputs))
	}
	x, gamma, beta := inputs[0], inputs[1], inputs[2]
	if len(x.Shape) < 2 {
		return nil, fmt.Errorf("batch norm expects at least 2D input, got %v: %w", x.Shape, ErrShape)
	}
	batch, channels := x.Shape[0], x.Shape[1]
	if gamma.NumElems != channels || beta.NumElems != channels ||
		op.runningMean.NumElems != channels || op.runningVar.NumElems != channels {
		return nil, fmt.Errorf("batch norm parameters do not match %d channels: %w", channels, ErrShape)
	}
	spatial := x.NumElems / (batch * channels)
	count := batch * spatial
	if op.training && count < 2 {
		return nil, fmt.Errorf("batch norm in training mode needs more than one value per channel, got input %v", x.Shape)
	}
	op.inputs = inputs

	out := MustNew(x.Shape, nil)
	op.xhat = make([]float32, x.NumElems)
	op.invStd = make([]float32, channels)

	for c := 0; c < channels; c++ {
		var mean, variance float64
		if op.training {
			for n := 0; n < batch; n++ {
				for _, v := range x.Data[(n*channels+c)*spatial : (n*channels+c+1)*spatial] {
					mean += float64(v)
				}
			}
			mean /= float64(count)
			for n := 0; n < batch; n++ {
				for _, v := range x.Data[(n*channels+c)*spatial : (n*channels+c+1)*spatial] {
					d := float64(v) - mean
					variance += d * d
				}
			}
			unbiased := variance / float64(count-1)
			variance /= float64(count)

			m := float64(op.momentum)
			op.runningMean.Data[c] = float32((1-m)*float64(op.runningMean.Data[c]) + m*mean)
			op.runningVar.Data[c] = float32((1-m)*float64(op.runningVar.Data[c]) + m*unbiased)
		} else {
			mean = float64(op.runningMean.Data[c])
			variance = float64(op.runningVar.Data[c])
		}

		inv := 1 / math.Sqrt(variance+float64(op.eps))
		op.invStd[c] = float32(inv)
		g, b := gamma.Data[c], beta.Data[c]
		for n := 0; n < batch; n++ {
			base := (n*channels + c) * spatial
			for i := base; i < base+spatial; i++ {
				xh := float32((float64(x.Data[i]) - mean) * inv)
				op.xhat[i] = xh
				out.Data[i] = g*xh + b
			}
		}
	}
	return attach(out, op, x, gamma, beta), nil
}

func (op *BatchNormOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	x, gamma, beta := op.inputs[0], op.inputs[1], op.inputs[2]
	batch, channels := x.Shape[0], x.Shape[1]
	spatial := x.NumElems / (batch * channels)
	count := float32(batch * spatial)

	gGamma := make([]float32, channels)
	gBeta := make([]float32, channels)
	var gx *Tensor
	if x.requiresGrad {
		gx = MustNew(x.Shape, nil)
	}

	for c := 0; c < channels; c++ {
		var sumDy, sumDyXhat float32
		for n := 0; n < batch; n++ {
			base := (n*channels + c) * spatial
			for i := base; i < base+spatial; i++ {
				sumDy += gradOut.Data[i]
				sumDyXhat += gradOut.Data[i] * op.xhat[i]
			}
		}
		gGamma[c] = sumDyXhat
		gBeta[c] = sumDy

		if gx == nil {
			continue
		}
		scale := gamma.Data[c] * op.invStd[c]
		for n := 0; n < batch; n++ {
			base := (n*channels + c) * spatial
			for i := base; i < base+spatial; i++ {
				if op.training {
					gx.Data[i] = scale * (gradOut.Data[i] - sumDy/count - op.xhat[i]*sumDyXhat/count)
				} else {
					gx.Data[i] = scale * gradOut.Data[i]
				}
			}
		}
	}

	grads := []*Tensor{gx, nil, nil}
	if gamma.requiresGrad {
		grads[1] = MustNew(gamma.Shape, gGamma)
	}
	if beta.requiresGrad {
		grads[2] = MustNew(beta.Shape, gBeta)
	}
	return grads, nil
}

// BatchNorm normalises x per channel. runningMean and runningVar are updated
// in place when training is true.
func BatchNorm(x, gamma, beta, runningMean, runningVar *Tensor, training bool, momentum, eps float32) (*Tensor, error) {
	op := &BatchNormOp{
		runningMean: runningMean,
		runningVar:  runningVar,
		training:    training,
		momentum:    momentum,
		eps:         eps,
	}
	return op.Forward(x, gamma, beta)
}

// GlobalAvgPoolOp averages every spatial position of an (N, C, ...) tensor
// into an (N, C) tensor.
type GlobalAvgPoolOp struct {
	inputs []*Tensor
}

func (op *GlobalAvgPoolOp) Inputs() []*Tensor { return op.inputs }

func (op *GlobalAvgPoolOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("GlobalAvgPoolOp requires exactly 1 input, got %d", len(inputs))
	}
	x := inputs[0]
	if len(x.Shape) < 3 {
		return nil, fmt.Errorf("global pooling expects spatial dimensions, got %v: %w", x.Shape, ErrShape)
	}
	op.inputs = inputs
	batch, channels := x.Shape[0], x.Shape[1]
	spatial := x.NumElems / (batch * channels)

	out := MustNew([]int{batch, channels}, nil)
	for i := range out.Data {
		var s float32
		for _, v := range x.Data[i*spatial : (i+1)*spatial] {
			s += v
		}
		out.Data[i] = s / float32(spatial)
	}
	return attach(out, op, x), nil
}

func (op *GlobalAvgPoolOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	x := op.inputs[0]
	batch, channels := x.Shape[0], x.Shape[1]
	spatial := x.NumElems / (batch * channels)
	gx := MustNew(x.Shape, nil)
	for i, g := range gradOut.Data {
		v := g / float32(spatial)
		dst := gx.Data[i*spatial : (i+1)*spatial]
		for j := range dst {
			dst[j] = v
		}
	}
	return []*Tensor{gx}, nil
}

func GlobalAvgPool(x *Tensor) (*Tensor, error) {
	return (&GlobalAvgPoolOp{}).Forward(x)
}
