package tensor

import (
	"fmt"
	"math"
)

// Backward propagates gradients from t, which must be a single-element
// tensor that requires grad, into every reachable leaf that requires grad.
// Gradients are accumulated into leaf.Grad().
func (t *Tensor) Backward() error {
	if !t.requiresGrad {
		return fmt.Errorf("backward called on tensor that does not require grad")
	}
	if t.NumElems != 1 {
		return fmt.Errorf("backward requires a scalar output, got shape %v", t.Shape)
	}

	order := topologicalOrder(t)
	grads := map[*Tensor]*Tensor{t: MustNew(t.Shape, []float32{1})}

	for i := len(order) - 1; i >= 0; i-- {
		node := order[i]
		g, ok := grads[node]
		if !ok {
			continue
		}
		delete(grads, node)

		if node.creator == nil {
			if node.requiresGrad {
				accumulate(node, g)
			}
			continue
		}

		inGrads, err := node.creator.Backward(g)
		if err != nil {
			return fmt.Errorf("backward through %T: %w", node.creator, err)
		}
		for j, in := range node.creator.Inputs() {
			if in == nil || j >= len(inGrads) || inGrads[j] == nil || !in.requiresGrad {
				continue
			}
			if prev, ok := grads[in]; ok {
				addInto(prev.Data, inGrads[j].Data)
			} else {
				grads[in] = inGrads[j]
			}
		}
	}
	return nil
}

// topologicalOrder lists the graph below root with every node after all of
// its inputs.
func topologicalOrder(root *Tensor) []*Tensor {
	var order []*Tensor
	visited := make(map[*Tensor]bool)
	type frame struct {
		node *Tensor
		next int
	}
	stack := []frame{{node: root}}
	visited[root] = true
	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		var inputs []*Tensor
		if top.node.creator != nil {
			inputs = top.node.creator.Inputs()
		}
		if top.next < len(inputs) {
			in := inputs[top.next]
			top.next++
			if in != nil && in.requiresGrad && !visited[in] {
				visited[in] = true
				stack = append(stack, frame{node: in})
			}
			continue
		}
		order = append(order, top.node)
		stack = stack[:len(stack)-1]
	}
	return order
}

func accumulate(leaf *Tensor, g *Tensor) {
	if leaf.grad == nil {
		leaf.grad = MustNew(leaf.Shape, nil)
	}
	addInto(leaf.grad.Data, g.Data)
}

func addInto(dst, src []float32) {
	for i, v := range src {
		dst[i] += v
	}
}

// attach records op as the creator of out when any input tracks gradients.
func attach(out *Tensor, op Operation, inputs ...*Tensor) *Tensor {
	for _, in := range inputs {
		if in != nil && in.requiresGrad {
			out.requiresGrad = true
			out.creator = op
			break
		}
	}
	return out
}

// AddOp adds two tensors of identical shape.
type AddOp struct {
	inputs []*Tensor
}

func (op *AddOp) Inputs() []*Tensor { return op.inputs }

func (op *AddOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 2 {
		return nil, fmt.Errorf("AddOp requires exactly 2 inputs, got %d", len(inputs))
	}
	a, b := inputs[0], inputs[1]
	if !shapesEqual(a.Shape, b.Shape) {
		return nil, fmt.Errorf("add %v and %v: %w", a.Shape, b.Shape, ErrShape)
	}
	op.inputs = inputs

	out := MustNew(a.Shape, nil)
	for i := range out.Data {
		out.Data[i] = a.Data[i] + b.Data[i]
	}
	return attach(out, op, a, b), nil
}

func (op *AddOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	return []*Tensor{gradOut.Clone(), gradOut.Clone()}, nil
}

// ScaleOp multiplies a tensor by a constant.
type ScaleOp struct {
	inputs []*Tensor
	factor float32
}

func (op *ScaleOp) Inputs() []*Tensor { return op.inputs }

func (op *ScaleOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("ScaleOp requires exactly 1 input, got %d", len(inputs))
	}
	op.inputs = inputs
	a := inputs[0]
	out := MustNew(a.Shape, nil)
	for i, v := range a.Data {
		out.Data[i] = v * op.factor
	}
	return attach(out, op, a), nil
}

func (op *ScaleOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	g := MustNew(gradOut.Shape, nil)
	for i, v := range gradOut.Data {
		g.Data[i] = v * op.factor
	}
	return []*Tensor{g}, nil
}

// ReshapeOp reinterprets a tensor with a new shape of the same size. The
// output shares storage with the input.
type ReshapeOp struct {
	inputs []*Tensor
	shape  []int
}

func (op *ReshapeOp) Inputs() []*Tensor { return op.inputs }

func (op *ReshapeOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("ReshapeOp requires exactly 1 input, got %d", len(inputs))
	}
	a := inputs[0]
	out, err := NewTensor(op.shape, a.Device, a.Data)
	if err != nil {
		return nil, fmt.Errorf("reshape %v to %v: %w", a.Shape, op.shape, err)
	}
	op.inputs = inputs
	return attach(out, op, a), nil
}

func (op *ReshapeOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	g, err := NewTensor(op.inputs[0].Shape, gradOut.Device, gradOut.Data)
	if err != nil {
		return nil, err
	}
	return []*Tensor{g}, nil
}

// activationOp applies an element-wise function whose derivative can be
// computed from the input and output values.
type activationOp struct {
	inputs []*Tensor
	output *Tensor
	fn     func(x float32) float32
	deriv  func(x, y float32) float32
}

func (op *activationOp) Inputs() []*Tensor { return op.inputs }

func (op *activationOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("activation requires exactly 1 input, got %d", len(inputs))
	}
	op.inputs = inputs
	a := inputs[0]
	out := MustNew(a.Shape, nil)
	for i, v := range a.Data {
		out.Data[i] = op.fn(v)
	}
	op.output = out
	return attach(out, op, a), nil
}

func (op *activationOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	x := op.inputs[0].Data
	y := op.output.Data
	g := MustNew(gradOut.Shape, nil)
	for i, v := range gradOut.Data {
		g.Data[i] = v * op.deriv(x[i], y[i])
	}
	return []*Tensor{g}, nil
}

func newReLUOp() *activationOp {
	return &activationOp{
		fn: func(x float32) float32 {
			if x > 0 {
				return x
			}
			return 0
		},
		deriv: func(x, _ float32) float32 {
			if x > 0 {
				return 1
			}
			return 0
		},
	}
}

func newLeakyReLUOp(slope float32) *activationOp {
	return &activationOp{
		fn: func(x float32) float32 {
			if x > 0 {
				return x
			}
			return slope * x
		},
		deriv: func(x, _ float32) float32 {
			if x > 0 {
				return 1
			}
			return slope
		},
	}
}

func newSigmoidOp() *activationOp {
	return &activationOp{
		fn: func(x float32) float32 {
			return float32(1 / (1 + math.Exp(-float64(x))))
		},
		deriv: func(_, y float32) float32 {
			return y * (1 - y)
		},
	}
}

// High-level functions that create and execute operations.

func Add(a, b *Tensor) (*Tensor, error) {
	return (&AddOp{}).Forward(a, b)
}

func Scale(a *Tensor, factor float32) (*Tensor, error) {
	return (&ScaleOp{factor: factor}).Forward(a)
}

func Reshape(a *Tensor, shape []int) (*Tensor, error) {
	return (&ReshapeOp{shape: append([]int(nil), shape...)}).Forward(a)
}

func ReLU(a *Tensor) (*Tensor, error) {
	return newReLUOp().Forward(a)
}

func LeakyReLU(a *Tensor, slope float32) (*Tensor, error) {
	return newLeakyReLUOp(slope).Forward(a)
}

func Sigmoid(a *Tensor) (*Tensor, error) {
	return newSigmoidOp().Forward(a)
}
