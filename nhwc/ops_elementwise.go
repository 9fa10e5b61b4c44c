package nhwc

import (
	"math"

	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/onnx-nhwc/internal/hostops"
	"github.com/gomlx/onnx-nhwc/layout"
)

// unaryOp returns the implementation of an elementwise unary operator built with fn. Concrete inputs are folded.
// The output has the layout of the input.
func unaryOp(fn func(x *graph.Node) *graph.Node) opFunc {
	return func(c *nodeConverter, inputs []*layout.Tensor, _ Attributes) []*layout.Tensor {
		c.requireInputs(inputs, 1)
		x := inputs[0]
		if x.IsConcrete() {
			folded := c.fold(func(in []*graph.Node) *graph.Node { return fn(in[0]) }, x.Value())
			return []*layout.Tensor{layout.NewConcrete(folded, x.Layout())}
		}
		return []*layout.Tensor{layout.NewSymbolic(fn(c.nodeOf(x)), x.Layout())}
	}
}

// checkBroadcast panics with ErrShape if the dimensions can't be broadcast together following ONNX
// multidirectional broadcasting.
func (c *nodeConverter) checkBroadcast(a, b []int) {
	for ii := 1; ii <= min(len(a), len(b)); ii++ {
		da, db := a[len(a)-ii], b[len(b)-ii]
		if da != db && da != 1 && db != 1 {
			c.shapeErrorf("dimensions %v and %v cannot be broadcast together", a, b)
		}
	}
}

// onnxBroadcast expands the operands to the same rank (to the left) and then broadcasts their axes of
// dimension 1, following ONNX multidirectional broadcasting.
func onnxBroadcast(a, b *graph.Node) (*graph.Node, *graph.Node) {
	rank := max(a.Rank(), b.Rank())
	if a.Rank() < rank {
		a = graph.ExpandLeftToRank(a, rank)
	}
	if b.Rank() < rank {
		b = graph.ExpandLeftToRank(b, rank)
	}
	dims := hostops.BroadcastDims(a.Shape().Dimensions, b.Shape().Dimensions)
	if !a.Shape().Equal(b.Shape()) {
		a = graph.BroadcastToDims(a, dims...)
		b = graph.BroadcastToDims(b, dims...)
	}
	return a, b
}

// binaryOp returns the implementation of an elementwise binary operator. The operands are reconciled to
// compatible layouts and broadcast, then combined with fn; concrete pairs are folded.
//
// The output is Interleaved if any reconciled operand is, Constant if both are concrete, and Generic otherwise.
func binaryOp(fn func(a, b *graph.Node) *graph.Node) opFunc {
	apply := func(in []*graph.Node) *graph.Node {
		lhs, rhs := onnxBroadcast(in[0], in[1])
		return fn(lhs, rhs)
	}
	return func(c *nodeConverter, inputs []*layout.Tensor, _ Attributes) []*layout.Tensor {
		c.requireInputs(inputs, 2)
		a, b := c.negotiator.MustReconcilePair(inputs[0], inputs[1])
		c.checkBroadcast(a.Dims(), b.Dims())
		outLayout := layout.Generic
		if a.Layout() == layout.Interleaved || b.Layout() == layout.Interleaved {
			outLayout = layout.Interleaved
		}
		if a.IsConcrete() && b.IsConcrete() {
			return []*layout.Tensor{layout.NewConcrete(c.fold(apply, a.Value(), b.Value()), outLayout)}
		}
		return []*layout.Tensor{layout.NewSymbolic(apply([]*graph.Node{c.nodeOf(a), c.nodeOf(b)}), outLayout)}
	}
}

var mulOp = binaryOp(graph.Mul)

// convertMul multiplies directly by a rank-0 operand, keeping the layout of the other operand. Other operands
// follow the generic binary operator rules.
//
// See ONNX documentation in:
// https://onnx.ai/onnx/operators/onnx__Mul.html
func convertMul(c *nodeConverter, inputs []*layout.Tensor, attrs Attributes) []*layout.Tensor {
	c.requireInputs(inputs, 2)
	a, b := inputs[0], inputs[1]
	if a.Rank() != 0 && b.Rank() != 0 {
		return mulOp(c, inputs, attrs)
	}
	if a.Rank() == 0 && b.Rank() != 0 {
		a, b = b, a
	}
	// b is the rank-0 operand.
	if a.IsConcrete() && b.IsConcrete() {
		product := c.fold(func(in []*graph.Node) *graph.Node { return graph.Mul(in[0], in[1]) }, a.Value(), b.Value())
		return []*layout.Tensor{layout.NewConcrete(product, a.Layout())}
	}
	return []*layout.Tensor{layout.NewSymbolic(graph.Mul(c.nodeOf(a), c.nodeOf(b)), a.Layout())}
}

// filled returns a node shaped like x filled with value, in the graph of x.
func filled(x *graph.Node, value float64) *graph.Node {
	return graph.BroadcastToDims(graph.Scalar(x.Graph(), x.DType(), value), x.Shape().Dimensions...)
}

// convertRelu converts ONNX Relu.
//
// See ONNX documentation in:
// https://onnx.ai/onnx/operators/onnx__Relu.html
func convertRelu(c *nodeConverter, inputs []*layout.Tensor, attrs Attributes) []*layout.Tensor {
	return unaryOp(activations.Relu)(c, inputs, attrs)
}

// convertLeakyRelu converts ONNX LeakyRelu: x if x >= 0, alpha*x otherwise.
//
// See ONNX documentation in:
// https://onnx.ai/onnx/operators/onnx__LeakyRelu.html
func convertLeakyRelu(c *nodeConverter, inputs []*layout.Tensor, attrs Attributes) []*layout.Tensor {
	c.requireInputs(inputs, 1)
	alpha := float64(attrs.Float("alpha", 0.01))
	x := c.nodeOf(inputs[0])
	y := graph.Where(graph.GreaterOrEqual(x, filled(x, 0)), x, graph.Mul(x, filled(x, alpha)))
	return []*layout.Tensor{layout.NewSymbolic(y, inputs[0].Layout())}
}

// convertSigmoid converts ONNX Sigmoid.
//
// See ONNX documentation in:
// https://onnx.ai/onnx/operators/onnx__Sigmoid.html
func convertSigmoid(c *nodeConverter, inputs []*layout.Tensor, _ Attributes) []*layout.Tensor {
	c.requireInputs(inputs, 1)
	return []*layout.Tensor{layout.NewSymbolic(graph.Sigmoid(c.nodeOf(inputs[0])), inputs[0].Layout())}
}

// convertSoftmax converts ONNX Softmax. Before opset 13 the operator flattens the axes from axis on, which is
// only supported when axis is the last one.
//
// See ONNX documentation in:
// https://onnx.ai/onnx/operators/onnx__Softmax.html
func convertSoftmax(c *nodeConverter, inputs []*layout.Tensor, attrs Attributes) []*layout.Tensor {
	c.requireInputs(inputs, 1)
	x := inputs[0]
	rank := x.Rank()
	defaultAxis := -1
	if c.opset < 13 {
		defaultAxis = 1
	}
	axis := c.normalizeAxis(attrs.Int("axis", defaultAxis), rank)
	if c.opset < 13 && axis != rank-1 {
		c.notImplementedf("axis=%d of a rank %d input before opset 13 (it would flatten the trailing axes)", axis, rank)
	}
	if x.Layout() == layout.Interleaved {
		axis = layout.InterleavedAxis(axis)
	}
	return []*layout.Tensor{layout.NewSymbolic(graph.Softmax(c.nodeOf(x), axis), x.Layout())}
}

// convertPRelu converts ONNX PRelu with a constant slope, either a single value or one per channel.
//
// See ONNX documentation in:
// https://onnx.ai/onnx/operators/onnx__PRelu.html
func convertPRelu(c *nodeConverter, inputs []*layout.Tensor, _ Attributes) []*layout.Tensor {
	c.requireInputs(inputs, 2)
	x := inputs[0]
	slope := c.constantValue(inputs[1], "PRelu slope")
	if x.Rank() < 2 {
		c.shapeErrorf("input must have rank >= 2, got %s", x.Shape())
	}
	if slope.DType() != x.DType() {
		c.shapeErrorf("slope dtype %s doesn't match the input dtype %s", slope.DType(), x.DType())
	}
	channelsAxis := 1
	if x.Layout() == layout.Interleaved {
		channelsAxis = 3
	}
	channels := x.Dims()[channelsAxis]
	slopeDims := make([]int, x.Rank())
	for axis := range slopeDims {
		slopeDims[axis] = 1
	}
	switch slope.Size() {
	case 1:
	case channels:
		slopeDims[channelsAxis] = channels
	default:
		c.notImplementedf("slope shaped %s, only a single value or one per channel (%d) are supported",
			slope.Shape(), channels)
	}
	xNode := c.nodeOf(x)
	dims := xNode.Shape().Dimensions
	slopeNode := graph.BroadcastToDims(c.variable("", "slope", hostops.Reshape(slope, slopeDims...)), dims...)
	y := graph.Where(graph.GreaterOrEqual(xNode, filled(xNode, 0)), xNode, graph.Mul(xNode, slopeNode))
	return []*layout.Tensor{layout.NewSymbolic(y, x.Layout())}
}

// convertClip converts ONNX Clip. The bounds are attributes before opset 11, and optional constant inputs after.
//
// See ONNX documentation in:
// https://onnx.ai/onnx/operators/onnx__Clip.html
func convertClip(c *nodeConverter, inputs []*layout.Tensor, attrs Attributes) []*layout.Tensor {
	c.requireInputs(inputs, 1)
	x := inputs[0]
	lo, hi := math.Inf(-1), math.Inf(1)
	if c.opset < 11 {
		lo = float64(attrs.Float("min", float32(math.Inf(-1))))
		hi = float64(attrs.Float("max", float32(math.Inf(1))))
	} else {
		if minInput := optionalInput(inputs, 1); minInput != nil {
			lo = c.constantScalar(minInput, "Clip min")
		}
		if maxInput := optionalInput(inputs, 2); maxInput != nil {
			hi = c.constantScalar(maxInput, "Clip max")
		}
	}
	clip := func(y *graph.Node) *graph.Node {
		if !math.IsInf(lo, -1) {
			y = graph.Max(y, filled(y, lo))
		}
		if !math.IsInf(hi, 1) {
			y = graph.Min(y, filled(y, hi))
		}
		return y
	}
	if x.IsConcrete() {
		folded := c.fold(func(in []*graph.Node) *graph.Node { return clip(in[0]) }, x.Value())
		return []*layout.Tensor{layout.NewConcrete(folded, x.Layout())}
	}
	return []*layout.Tensor{layout.NewSymbolic(clip(c.nodeOf(x)), x.Layout())}
}

// convertIdentity returns its input.
//
// See ONNX documentation in:
// https://onnx.ai/onnx/operators/onnx__Identity.html
func convertIdentity(c *nodeConverter, inputs []*layout.Tensor, _ Attributes) []*layout.Tensor {
	c.requireInputs(inputs, 1)
	return []*layout.Tensor{inputs[0]}
}
