package nhwc

import (
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/onnx-nhwc/internal/hostops"
	"github.com/gomlx/onnx-nhwc/layout"
	"github.com/gomlx/onnx-nhwc/onnx"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// refMatMul multiplies the [m, k] a by the [k, n] b.
func refMatMul(a, b []float64, m, k, n int) []float64 {
	out := make([]float64, m*n)
	for i := range m {
		for j := range n {
			for l := range k {
				out[i*n+j] += a[i*k+l] * b[l*n+j]
			}
		}
	}
	return out
}

func TestGemm(t *testing.T) {
	const batch, features, units = 2, 12, 5
	x := testTensor(0, batch, 3, 2, 2)
	weights := testTensor(1, units, features) // transposed: [units, features]
	bias := testTensor(2, units)

	for _, biasDims := range [][]int{{units}, {1, units}} {
		source := testGraph{
			inputs:  []*onnx.ValueInfo{imageInput("x", batch, 3, 2, 2)},
			outputs: []string{"y"},
			initializers: []*onnx.TensorProto{
				initializer("w", weights),
				initializer("b", hostops.Reshape(bias, biasDims...)),
			},
			nodes: []*onnx.Node{
				newNode("Flatten", []string{"x"}, []string{"flat"}),
				newNode("Gemm", []string{"flat", "w", "b"}, []string{"y"},
					intAttr("transB", 1), floatAttr("alpha", 0.5), floatAttr("beta", 2)),
			},
		}.build()
		model, outputs := convertAndRun(t, source, false, toNHWC(x))
		assert.Equal(t, []layout.Layout{layout.Generic}, model.OutputLayouts())

		product := refMatMul(hostops.ToFloat64s(x), hostops.ToFloat64s(hostops.Transpose(weights, 1, 0)), batch, features, units)
		biasValues := hostops.ToFloat64s(bias)
		for ii := range product {
			product[ii] = 0.5*product[ii] + 2*biasValues[ii%units]
		}
		requireClose(t, hostops.FromFloat64s(dtypes.Float32, product, batch, units), outputs[0], 1e-5)

		// Constant operands are stored as variables.
		var names []string
		for v := range model.Context().IterVariables() {
			names = append(names, v.Name())
		}
		assert.ElementsMatch(t, []string{"weights", "bias"}, names)
	}
}

func TestMatMul(t *testing.T) {
	const features, units = 8, 3
	x := testTensor(0, 1, 2, 2, 2)
	weights := testTensor(1, features, units)
	source := testGraph{
		inputs:       []*onnx.ValueInfo{imageInput("x", 1, 2, 2, 2)},
		outputs:      []string{"y"},
		initializers: []*onnx.TensorProto{initializer("w", weights)},
		nodes: []*onnx.Node{
			newNode("Flatten", []string{"x"}, []string{"flat"}),
			newNode("MatMul", []string{"flat", "w"}, []string{"y"}),
		},
	}.build()
	_, outputs := convertAndRun(t, source, false, toNHWC(x))
	want := refMatMul(hostops.ToFloat64s(x), hostops.ToFloat64s(weights), 1, features, units)
	requireClose(t, hostops.FromFloat64s(dtypes.Float32, want, 1, units), outputs[0], 1e-5)
}

func TestGemmErrors(t *testing.T) {
	// A must be a matrix.
	source := singleNodeModel([]int{1, 2, 2, 2}, newNode("Gemm", []string{"x", "w"}, []string{"y"}),
		initializer("w", tensors.FromValue([][]float32{{1}, {2}})))
	_, err := Convert(backend(), source)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrShape), "got %v", err)
}
