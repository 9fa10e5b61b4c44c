package nhwc

import (
	"math"
	"testing"

	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/onnx-nhwc/internal/hostops"
	"github.com/gomlx/onnx-nhwc/layout"
	"github.com/gomlx/onnx-nhwc/onnx"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/require"
)

var testBackend backends.Backend

func backend() backends.Backend {
	if testBackend == nil {
		testBackend = graphtest.BuildTestBackend()
	}
	return testBackend
}

// Model building helpers.

func imageInput(name string, n, c, h, w int) *onnx.ValueInfo {
	batch := onnx.Dim{Value: int64(n)}
	if n <= 0 {
		batch = onnx.Dim{Param: "batch"}
	}
	return &onnx.ValueInfo{Name: name, ElemType: onnx.DataTypeFloat, HasShape: true,
		Dims: []onnx.Dim{batch, {Value: int64(c)}, {Value: int64(h)}, {Value: int64(w)}}}
}

func initializer(name string, value *tensors.Tensor) *onnx.TensorProto {
	return must.M1(onnx.TensorFromGoMLX(name, value))
}

func newNode(opType string, inputs, outputs []string, attrs ...*onnx.Attribute) *onnx.Node {
	return &onnx.Node{Name: outputs[0] + "_node", OpType: opType, Inputs: inputs, Outputs: outputs, Attributes: attrs}
}

func intAttr(name string, v int) *onnx.Attribute {
	return &onnx.Attribute{Name: name, Type: onnx.AttributeInt, I: int64(v)}
}

func intsAttr(name string, values ...int) *onnx.Attribute {
	return &onnx.Attribute{Name: name, Type: onnx.AttributeInts,
		Ints: sliceMap(values, func(v int) int64 { return int64(v) })}
}

func floatAttr(name string, v float32) *onnx.Attribute {
	return &onnx.Attribute{Name: name, Type: onnx.AttributeFloat, F: v}
}

func stringAttr(name, v string) *onnx.Attribute {
	return &onnx.Attribute{Name: name, Type: onnx.AttributeString, S: []byte(v)}
}

// testGraph describes a single graph model, built with build.
type testGraph struct {
	opset        int
	inputs       []*onnx.ValueInfo
	outputs      []string
	initializers []*onnx.TensorProto
	nodes        []*onnx.Node
}

func (tg testGraph) build() *onnx.Model {
	opset := tg.opset
	if opset == 0 {
		opset = 13
	}
	outputs := sliceMap(tg.outputs, func(name string) *onnx.ValueInfo {
		return &onnx.ValueInfo{Name: name, ElemType: onnx.DataTypeFloat}
	})
	return &onnx.Model{
		IRVersion:    8,
		OpsetImports: []onnx.OperatorSetID{{Version: int64(opset)}},
		Graph: &onnx.Graph{
			Name:         "test",
			Nodes:        tg.nodes,
			Initializers: tg.initializers,
			Inputs:       tg.inputs,
			Outputs:      outputs,
		},
	}
}

// Data helpers.

// testValues returns n deterministic values in [-1, 1).
func testValues(n int, seed float64) []float64 {
	values := make([]float64, n)
	for ii := range values {
		values[ii] = math.Sin(float64(ii)*0.37+seed) * 0.999
	}
	return values
}

func testTensor(seed float64, dims ...int) *tensors.Tensor {
	size := 1
	for _, dim := range dims {
		size *= dim
	}
	return hostops.FromFloat64s(dtypes.Float32, testValues(size, seed), dims...)
}

func toNHWC(t *tensors.Tensor) *tensors.Tensor { return hostops.Transpose(t, layout.ToInterleaved...) }

func toNCHW(t *tensors.Tensor) *tensors.Tensor { return hostops.Transpose(t, layout.ToGeneric...) }

// mapValues applies fn to every value of t.
func mapValues(t *tensors.Tensor, fn func(v float64) float64) *tensors.Tensor {
	values := hostops.ToFloat64s(t)
	for ii, v := range values {
		values[ii] = fn(v)
	}
	return hostops.FromFloat64s(t.DType(), values, t.Shape().Dimensions...)
}

// zipValues combines the values of a and b, which must have the same shape.
func zipValues(a, b *tensors.Tensor, fn func(a, b float64) float64) *tensors.Tensor {
	values, other := hostops.ToFloat64s(a), hostops.ToFloat64s(b)
	for ii := range values {
		values[ii] = fn(values[ii], other[ii])
	}
	return hostops.FromFloat64s(a.DType(), values, a.Shape().Dimensions...)
}

// requireClose checks that got has the shape of want and the same values within delta.
func requireClose(t *testing.T, want, got *tensors.Tensor, delta float64) {
	t.Helper()
	require.Equal(t, want.Shape().Dimensions, got.Shape().Dimensions, "shape mismatch: want %s, got %s", want.Shape(), got.Shape())
	require.InDeltaSlice(t, hostops.ToFloat64s(want), hostops.ToFloat64s(got), delta)
}

// convertAndRun converts the model and executes it on the given channels-last inputs.
func convertAndRun(t *testing.T, source *onnx.Model, decompose bool, inputs ...*tensors.Tensor) (*Model, []*tensors.Tensor) {
	t.Helper()
	model, err := NewConverter(source).DecomposeGroupedConvolutions(decompose).Convert(backend())
	require.NoError(t, err)
	outputs, err := model.Exec(inputs...)
	require.NoError(t, err)
	return model, outputs
}

// Reference implementations, in ONNX (NCHW) layout.

// refConv2D is a direct implementation of ONNX Conv.
func refConv2D(x, w *tensors.Tensor, bias []float64, strides, pads, dilations []int, group int) *tensors.Tensor {
	xDims, wDims := x.Shape().Dimensions, w.Shape().Dimensions
	n, c, h, wd := xDims[0], xDims[1], xDims[2], xDims[3]
	o, cg, kh, kw := wDims[0], wDims[1], wDims[2], wDims[3]
	oh := (h+pads[0]+pads[2]-dilations[0]*(kh-1)-1)/strides[0] + 1
	ow := (wd+pads[1]+pads[3]-dilations[1]*(kw-1)-1)/strides[1] + 1
	xv, wv := hostops.ToFloat64s(x), hostops.ToFloat64s(w)
	out := make([]float64, n*o*oh*ow)
	og := o / group
	for b := range n {
		for co := range o {
			g := co / og
			for y := range oh {
				for xx := range ow {
					var sum float64
					if bias != nil {
						sum = bias[co]
					}
					for ci := range cg {
						cin := g*cg + ci
						for ky := range kh {
							iy := y*strides[0] - pads[0] + ky*dilations[0]
							if iy < 0 || iy >= h {
								continue
							}
							for kx := range kw {
								ix := xx*strides[1] - pads[1] + kx*dilations[1]
								if ix < 0 || ix >= wd {
									continue
								}
								sum += xv[((b*c+cin)*h+iy)*wd+ix] * wv[((co*cg+ci)*kh+ky)*kw+kx]
							}
						}
					}
					out[((b*o+co)*oh+y)*ow+xx] = sum
				}
			}
		}
	}
	return hostops.FromFloat64s(dtypes.Float32, out, n, o, oh, ow)
}

// refConvTranspose2D is a direct implementation of ONNX ConvTranspose: every input element scatters the kernel.
func refConvTranspose2D(x, w *tensors.Tensor, bias []float64, strides, pads, dilations, outputPadding []int, group int) *tensors.Tensor {
	xDims, wDims := x.Shape().Dimensions, w.Shape().Dimensions
	n, cin, h, wd := xDims[0], xDims[1], xDims[2], xDims[3]
	og, kh, kw := wDims[1], wDims[2], wDims[3]
	o := og * group
	oh := (h-1)*strides[0] + outputPadding[0] + (kh-1)*dilations[0] + 1 - pads[0] - pads[2]
	ow := (wd-1)*strides[1] + outputPadding[1] + (kw-1)*dilations[1] + 1 - pads[1] - pads[3]
	xv, wv := hostops.ToFloat64s(x), hostops.ToFloat64s(w)
	out := make([]float64, n*o*oh*ow)
	cg := cin / group
	for b := range n {
		for ci := range cin {
			g := ci / cg
			for iy := range h {
				for ix := range wd {
					v := xv[((b*cin+ci)*h+iy)*wd+ix]
					for col := range og {
						co := g*og + col
						for ky := range kh {
							y := iy*strides[0] - pads[0] + ky*dilations[0]
							if y < 0 || y >= oh {
								continue
							}
							for kx := range kw {
								xx := ix*strides[1] - pads[1] + kx*dilations[1]
								if xx < 0 || xx >= ow {
									continue
								}
								out[((b*o+co)*oh+y)*ow+xx] += v * wv[((ci*og+col)*kh+ky)*kw+kx]
							}
						}
					}
				}
			}
		}
	}
	if bias != nil {
		for ii := range out {
			out[ii] += bias[(ii/(oh*ow))%o]
		}
	}
	return hostops.FromFloat64s(dtypes.Float32, out, n, o, oh, ow)
}
