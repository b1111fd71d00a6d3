package tensor

import (
	"fmt"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// gemm computes c = alpha*op(a)*op(b) + beta*c for row-major buffers. a is
// stored as aRows×aCols and b as bRows×bCols before transposition.
func gemm(transA, transB bool, alpha float32, a []float32, aRows, aCols int, b []float32, bRows, bCols int, beta float32, c []float32, cRows, cCols int) {
	tA, tB := blas.NoTrans, blas.NoTrans
	if transA {
		tA = blas.Trans
	}
	if transB {
		tB = blas.Trans
	}
	blas32.Gemm(tA, tB, alpha,
		blas32.General{Rows: aRows, Cols: aCols, Stride: aCols, Data: a},
		blas32.General{Rows: bRows, Cols: bCols, Stride: bCols, Data: b},
		beta,
		blas32.General{Rows: cRows, Cols: cCols, Stride: cCols, Data: c},
	)
}

// MatMul multiplies two 2D tensors without recording gradients.
func MatMul(a, b *Tensor) (*Tensor, error) {
	if len(a.Shape) != 2 || len(b.Shape) != 2 {
		return nil, fmt.Errorf("MatMul requires 2D tensors, got %v and %v: %w", a.Shape, b.Shape, ErrShape)
	}
	if a.Shape[1] != b.Shape[0] {
		return nil, fmt.Errorf("incompatible matrix dimensions %v and %v: %w", a.Shape, b.Shape, ErrShape)
	}
	m, k, n := a.Shape[0], a.Shape[1], b.Shape[1]
	out := MustNew([]int{m, n}, nil)
	gemm(false, false, 1, a.Data, m, k, b.Data, k, n, 0, out.Data, m, n)
	return out, nil
}

// LinearOp computes y = x·Wᵀ + b for x [batch, in], W [out, in], b [out].
type LinearOp struct {
	inputs []*Tensor
}

func (op *LinearOp) Inputs() []*Tensor { return op.inputs }

func (op *LinearOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 3 {
		return nil, fmt.Errorf("LinearOp requires input, weight and bias, got %d inputs", len(inputs))
	}
	x, w, b := inputs[0], inputs[1], inputs[2]
	if len(x.Shape) != 2 || len(w.Shape) != 2 || x.Shape[1] != w.Shape[1] {
		return nil, fmt.Errorf("linear input %v against weight %v: %w", x.Shape, w.Shape, ErrShape)
	}
	batch, in, outF := x.Shape[0], x.Shape[1], w.Shape[0]
	if b != nil && (len(b.Shape) != 1 || b.Shape[0] != outF) {
		return nil, fmt.Errorf("linear bias %v for %d outputs: %w", b.Shape, outF, ErrShape)
	}
	op.inputs = inputs

	out := MustNew([]int{batch, outF}, nil)
	if b != nil {
		for n := 0; n < batch; n++ {
			copy(out.Data[n*outF:(n+1)*outF], b.Data)
		}
	}
	gemm(false, true, 1, x.Data, batch, in, w.Data, outF, in, 1, out.Data, batch, outF)
	return attach(out, op, x, w, b), nil
}

func (op *LinearOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	x, w, b := op.inputs[0], op.inputs[1], op.inputs[2]
	batch, in, outF := x.Shape[0], x.Shape[1], w.Shape[0]
	grads := make([]*Tensor, 3)

	if x.requiresGrad {
		gx := MustNew(x.Shape, nil)
		gemm(false, false, 1, gradOut.Data, batch, outF, w.Data, outF, in, 0, gx.Data, batch, in)
		grads[0] = gx
	}
	if w.requiresGrad {
		gw := MustNew(w.Shape, nil)
		gemm(true, false, 1, gradOut.Data, batch, outF, x.Data, batch, in, 0, gw.Data, outF, in)
		grads[1] = gw
	}
	if b != nil && b.requiresGrad {
		gb := MustNew(b.Shape, nil)
		for n := 0; n < batch; n++ {
			addInto(gb.Data, gradOut.Data[n*outF:(n+1)*outF])
		}
		grads[2] = gb
	}
	return grads, nil
}

// Linear applies a fully connected layer. bias may be nil.
func Linear(x, weight, bias *Tensor) (*Tensor, error) {
	return (&LinearOp{}).Forward(x, weight, bias)
}
