package nhwc

import (
	"fmt"

	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/onnx-nhwc/layout"
)

// denseOperand returns the node of a matrix multiplication operand in ONNX axis order. Concrete operands are
// stored as variables with the given name.
func (c *nodeConverter) denseOperand(t *layout.Tensor, name string) *graph.Node {
	if t.IsConcrete() {
		return c.variable("", name, c.constantValue(t, name))
	}
	return c.nodeOf(c.generic(t))
}

// convertGemm converts ONNX Gemm: alpha * A' x B' + beta * C, where A' and B' are optionally transposed.
//
// See ONNX documentation in:
// https://onnx.ai/onnx/operators/onnx__Gemm.html
func convertGemm(c *nodeConverter, inputs []*layout.Tensor, attrs Attributes) []*layout.Tensor {
	c.requireInputs(inputs, 2)
	if inputs[0].Rank() != 2 || inputs[1].Rank() != 2 {
		c.shapeErrorf("A and B must be matrices, got %s and %s", inputs[0], inputs[1])
	}
	operandA := c.nodeOf(c.generic(inputs[0]))
	operandB := c.denseOperand(inputs[1], "weights")
	transposeA := attrs.Int("transA", 0) != 0
	transposeB := attrs.Int("transB", 0) != 0
	alpha := float64(attrs.Float("alpha", 1))
	beta := float64(attrs.Float("beta", 1))

	aAxes, bAxes := "ij", "jk"
	if transposeA {
		aAxes = "ji"
	}
	if transposeB {
		bAxes = "kj"
	}
	result := graph.Einsum(fmt.Sprintf("%s,%s->ik", aAxes, bAxes), operandA, operandB)
	if alpha != 1 {
		result = graph.Mul(result, c.scalar(result.DType(), alpha))
	}

	if in := optionalInput(inputs, 2); in != nil {
		operandC := c.denseOperand(in, "bias")
		if beta != 1 {
			operandC = graph.Mul(operandC, c.scalar(operandC.DType(), beta))
		}
		c.checkBroadcast(result.Shape().Dimensions, operandC.Shape().Dimensions)
		result = graph.Add(onnxBroadcast(result, operandC))
	}
	return []*layout.Tensor{layout.NewSymbolic(result, layout.Generic)}
}

// convertMatMul converts ONNX MatMul, with numpy matmul semantics.
//
// See ONNX documentation in:
// https://onnx.ai/onnx/operators/onnx__MatMul.html
func convertMatMul(c *nodeConverter, inputs []*layout.Tensor, _ Attributes) []*layout.Tensor {
	c.requireInputs(inputs, 2)
	lhs := c.nodeOf(c.generic(inputs[0]))
	rhs := c.denseOperand(inputs[1], "weights")
	return []*layout.Tensor{layout.NewSymbolic(graph.MatMul(lhs, rhs), layout.Generic)}
}
