package tensor

import (
	"fmt"
	"math"
)

// logClamp bounds log terms of the binary cross entropy so that saturated
// predictions give a finite loss.
const logClamp = -100.0

const bceGradEps = 1e-12

// BCEOp is the mean binary cross entropy between predictions in [0, 1] and
// targets of the same shape.
type BCEOp struct {
	inputs []*Tensor
}

func (op *BCEOp) Inputs() []*Tensor { return op.inputs }

func (op *BCEOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 2 {
		return nil, fmt.Errorf("BCEOp requires predictions and targets, got %d inputs", len(inputs))
	}
	p, y := inputs[0], inputs[1]
	if !shapesEqual(p.Shape, y.Shape) {
		return nil, fmt.Errorf("bce predictions %v against targets %v: %w", p.Shape, y.Shape, ErrShape)
	}
	op.inputs = inputs

	var sum float64
	for i, pv := range p.Data {
		if pv < 0 || pv > 1 {
			return nil, fmt.Errorf("bce prediction %v at %d is outside [0, 1]", pv, i)
		}
		logP := math.Max(math.Log(float64(pv)), logClamp)
		log1mP := math.Max(math.Log(1-float64(pv)), logClamp)
		yv := float64(y.Data[i])
		sum -= yv*logP + (1-yv)*log1mP
	}
	out := MustNew([]int{1}, []float32{float32(sum / float64(p.NumElems))})
	return attach(out, op, p), nil
}

func (op *BCEOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	p, y := op.inputs[0], op.inputs[1]
	scale := float64(gradOut.Data[0]) / float64(p.NumElems)
	gp := MustNew(p.Shape, nil)
	for i, pv := range p.Data {
		pp := float64(pv)
		denom := math.Max((1-pp)*pp, bceGradEps)
		gp.Data[i] = float32(scale * (pp - float64(y.Data[i])) / denom)
	}
	return []*Tensor{gp, nil}, nil
}

// L1Op is the mean absolute difference between two tensors.
type L1Op struct {
	inputs []*Tensor
}

func (op *L1Op) Inputs() []*Tensor { return op.inputs }

func (op *L1Op) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 2 {
		return nil, fmt.Errorf("L1Op requires predictions and targets, got %d inputs", len(inputs))
	}
	p, y := inputs[0], inputs[1]
	if !shapesEqual(p.Shape, y.Shape) {
		return nil, fmt.Errorf("l1 predictions %v against targets %v: %w", p.Shape, y.Shape, ErrShape)
	}
	op.inputs = inputs

	var sum float64
	for i, pv := range p.Data {
		sum += math.Abs(float64(pv - y.Data[i]))
	}
	out := MustNew([]int{1}, []float32{float32(sum / float64(p.NumElems))})
	return attach(out, op, p, y), nil
}

func (op *L1Op) Backward(gradOut *Tensor) ([]*Tensor, error) {
	p, y := op.inputs[0], op.inputs[1]
	scale := gradOut.Data[0] / float32(p.NumElems)
	gp := MustNew(p.Shape, nil)
	for i, pv := range p.Data {
		switch d := pv - y.Data[i]; {
		case d > 0:
			gp.Data[i] = scale
		case d < 0:
			gp.Data[i] = -scale
		}
	}
	grads := []*Tensor{gp, nil}
	if y.requiresGrad {
		gy := MustNew(y.Shape, nil)
		for i, v := range gp.Data {
			gy.Data[i] = -v
		}
		grads[1] = gy
	}
	return grads, nil
}

// BCE returns the mean binary cross entropy of predictions against targets.
// Gradients flow to predictions only.
func BCE(predictions, targets *Tensor) (*Tensor, error) {
	return (&BCEOp{}).Forward(predictions, targets)
}

// L1 returns the mean absolute error between predictions and targets.
func L1(predictions, targets *Tensor) (*Tensor, error) {
	return (&L1Op{}).Forward(predictions, targets)
}
