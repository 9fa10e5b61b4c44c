package nhwc

import (
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/onnx-nhwc/internal/hostops"
	"github.com/gomlx/onnx-nhwc/layout"
	"github.com/gomlx/onnx-nhwc/onnx"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func int64s(values ...int64) *tensors.Tensor { return tensors.FromValue(values) }

func TestONNXGather(t *testing.T) {
	graphtest.RunTestGraphFn(t, "onnxGather(axis=0)", func(g *graph.Graph) (inputs, outputs []*graph.Node) {
		data := graph.Const(g, [][]float32{{1.0, 1.2}, {2.3, 3.4}, {4.5, 5.7}})
		indices := graph.Const(g, [][]int32{{0, 1}, {1, 2}})
		inputs = []*graph.Node{data, indices}
		outputs = []*graph.Node{onnxGather(data, indices, 0)}
		return
	}, []any{
		[][][]float32{
			{{1.0, 1.2}, {2.3, 3.4}},
			{{2.3, 3.4}, {4.5, 5.7}},
		},
	}, -1)

	graphtest.RunTestGraphFn(t, "onnxGather(axis=1)", func(g *graph.Graph) (inputs, outputs []*graph.Node) {
		data := graph.Const(g, [][]float32{
			{1.0, 1.2, 1.9},
			{2.3, 3.4, 3.9},
			{4.5, 5.7, 5.9},
		})
		indices := graph.Const(g, [][]int32{{0, 2}})
		inputs = []*graph.Node{data, indices}
		outputs = []*graph.Node{onnxGather(data, indices, 1)}
		return
	}, []any{
		[][][]float32{
			{{1.0, 1.9}},
			{{2.3, 3.9}},
			{{4.5, 5.9}},
		},
	}, -1)
}

// TestShapeComputation runs the usual flatten pattern: Shape -> Gather -> Concat -> Reshape,
// which is computed on the host from the ONNX dimensions of the channels-last input.
func TestShapeComputation(t *testing.T) {
	x := testTensor(0, 2, 3, 4, 5)
	source := testGraph{
		inputs:  []*onnx.ValueInfo{imageInput("x", 2, 3, 4, 5)},
		outputs: []string{"y"},
		initializers: []*onnx.TensorProto{
			initializer("zero", int64s(0)),
			initializer("minus_one", int64s(-1)),
		},
		nodes: []*onnx.Node{
			newNode("Shape", []string{"x"}, []string{"shape"}),
			newNode("Gather", []string{"shape", "zero"}, []string{"batch"}),
			newNode("Concat", []string{"batch", "minus_one"}, []string{"target"}, intAttr("axis", 0)),
			newNode("Reshape", []string{"x", "target"}, []string{"y"}),
		},
	}.build()
	model, outputs := convertAndRun(t, source, false, toNHWC(x))
	assert.Equal(t, []layout.Layout{layout.Generic}, model.OutputLayouts())
	requireClose(t, hostops.Reshape(x, 2, 60), outputs[0], 0)
	// Flattening a channels-last image moves data.
	assert.Equal(t, 1, model.TransposeCount())
}

func TestShape(t *testing.T) {
	source := testGraph{
		inputs:  []*onnx.ValueInfo{imageInput("x", 2, 3, 4, 5)},
		outputs: []string{"y"},
		nodes: []*onnx.Node{
			newNode("Shape", []string{"x"}, []string{"shape"}, intAttr("start", 1)),
			newNode("Cast", []string{"shape"}, []string{"y"}, intAttr("to", int(onnx.DataTypeFloat))),
		},
	}.build()
	_, outputs := convertAndRun(t, source, false, toNHWC(testTensor(0, 2, 3, 4, 5)))
	assert.Equal(t, []float32{3, 4, 5}, outputs[0].Value())
}

func TestTransposeToChannelsLast(t *testing.T) {
	x := toNHWC(testTensor(0, 1, 3, 4, 5))
	source := singleNodeModel([]int{1, 3, 4, 5}, newNode("Transpose", []string{"x"}, []string{"y"}, intsAttr("perm", 0, 2, 3, 1)))
	model, outputs := convertAndRun(t, source, false, x)
	assert.Equal(t, []layout.Layout{layout.Generic}, model.OutputLayouts())
	assert.Zero(t, model.TransposeCount())
	requireClose(t, x, outputs[0], 0)
}

func TestFlattenAndSqueeze(t *testing.T) {
	x := testTensor(0, 2, 3, 4, 4)
	mean := hostops.ToFloat64s(refPool2D(x, false, []int{4, 4}, []int{1, 1}, []int{0, 0, 0, 0}))
	want := hostops.FromFloat64s(dtypes.Float32, mean, 2, 3)

	// Flatten after pooling is a reshape.
	source := testGraph{
		inputs:  []*onnx.ValueInfo{imageInput("x", 2, 3, 4, 4)},
		outputs: []string{"y"},
		nodes: []*onnx.Node{
			newNode("GlobalAveragePool", []string{"x"}, []string{"pooled"}),
			newNode("Flatten", []string{"pooled"}, []string{"y"}),
		},
	}.build()
	model, outputs := convertAndRun(t, source, false, toNHWC(x))
	assert.Zero(t, model.TransposeCount())
	requireClose(t, want, outputs[0], 1e-5)

	// Squeeze with axes as input, from opset 13.
	source = testGraph{
		inputs:       []*onnx.ValueInfo{imageInput("x", 2, 3, 4, 4)},
		outputs:      []string{"y"},
		initializers: []*onnx.TensorProto{initializer("axes", int64s(2, 3))},
		nodes: []*onnx.Node{
			newNode("GlobalAveragePool", []string{"x"}, []string{"pooled"}),
			newNode("Squeeze", []string{"pooled", "axes"}, []string{"y"}),
		},
	}.build()
	model, outputs = convertAndRun(t, source, false, toNHWC(x))
	assert.Zero(t, model.TransposeCount())
	requireClose(t, want, outputs[0], 1e-5)

	// Squeeze with axes attribute, before opset 13, and Unsqueeze back.
	source = testGraph{
		opset:   11,
		inputs:  []*onnx.ValueInfo{imageInput("x", 2, 3, 4, 4)},
		outputs: []string{"y"},
		nodes: []*onnx.Node{
			newNode("GlobalAveragePool", []string{"x"}, []string{"pooled"}),
			newNode("Squeeze", []string{"pooled"}, []string{"squeezed"}, intsAttr("axes", 3, 2)),
			newNode("Unsqueeze", []string{"squeezed"}, []string{"y"}, intsAttr("axes", 0)),
		},
	}.build()
	_, outputs = convertAndRun(t, source, false, toNHWC(x))
	requireClose(t, hostops.Reshape(want, 1, 2, 3), outputs[0], 1e-5)

	// Squeezing an axis with dimension > 1.
	source = singleNodeModel([]int{2, 3, 4, 4}, newNode("Squeeze", []string{"x"}, []string{"y"}, intsAttr("axes", 1)))
	source.OpsetImports[0].Version = 11
	_, err := Convert(backend(), source)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrShape), "got %v", err)

	// Unsqueeze with a repeated axis, also after normalization of negative axes.
	for _, axes := range [][]int64{{1, 1}, {1, -5}} {
		source = testGraph{
			inputs:       []*onnx.ValueInfo{imageInput("x", 2, 3, 4, 4)},
			outputs:      []string{"y"},
			initializers: []*onnx.TensorProto{initializer("axes", int64s(axes...))},
			nodes: []*onnx.Node{
				newNode("GlobalAveragePool", []string{"x"}, []string{"pooled"}),
				newNode("Unsqueeze", []string{"pooled", "axes"}, []string{"y"}),
			},
		}.build()
		_, err = Convert(backend(), source)
		require.Error(t, err, "axes %v", axes)
		assert.True(t, errors.Is(err, ErrShape), "axes %v: got %v", axes, err)
	}
}

func TestSlice(t *testing.T) {
	x := testTensor(0, 1, 4, 6, 6)
	source := singleNodeModel([]int{1, 4, 6, 6}, newNode("Slice", []string{"x", "starts", "ends", "axes", "steps"}, []string{"y"}),
		initializer("starts", int64s(1, 1, -5)),
		initializer("ends", int64s(3, 1000, -1)),
		initializer("axes", int64s(1, 2, -1)),
		initializer("steps", int64s(1, 2, 1)))
	model, outputs := convertAndRun(t, source, false, toNHWC(x))
	assert.Equal(t, []layout.Layout{layout.Interleaved}, model.OutputLayouts())
	assert.Zero(t, model.TransposeCount())
	want := hostops.Slice(x, []int{0, 1, 1, 1}, []int{1, 3, 6, 5}, []int{1, 1, 2, 1})
	requireClose(t, want, toNCHW(outputs[0]), 0)

	// Slices of constants are computed on the host, like the shape computations.
	source = testGraph{
		inputs:  []*onnx.ValueInfo{imageInput("x", 1, 4, 6, 6)},
		outputs: []string{"y"},
		initializers: []*onnx.TensorProto{
			initializer("starts", int64s(2)),
			initializer("ends", int64s(4)),
		},
		nodes: []*onnx.Node{
			newNode("Shape", []string{"x"}, []string{"shape"}),
			newNode("Slice", []string{"shape", "starts", "ends"}, []string{"spatial"}),
			newNode("Cast", []string{"spatial"}, []string{"y"}, intAttr("to", int(onnx.DataTypeFloat))),
		},
	}.build()
	_, outputs = convertAndRun(t, source, false, toNHWC(x))
	assert.Equal(t, []float32{6, 6}, outputs[0].Value())

	// Empty slices of images are not supported.
	source = singleNodeModel([]int{1, 4, 6, 6}, newNode("Slice", []string{"x", "starts", "ends", "axes"}, []string{"y"}),
		initializer("starts", int64s(3)),
		initializer("ends", int64s(3)),
		initializer("axes", int64s(1)))
	_, err := Convert(backend(), source)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotImplemented), "got %v", err)
}

func TestConcatChannels(t *testing.T) {
	x := testTensor(0, 1, 2, 3, 3)
	extra := testTensor(5, 1, 1, 3, 3)
	source := singleNodeModel([]int{1, 2, 3, 3}, newNode("Concat", []string{"x", "extra", "x"}, []string{"y"}, intAttr("axis", 1)),
		initializer("extra", extra))
	model, outputs := convertAndRun(t, source, false, toNHWC(x))
	assert.Equal(t, []layout.Layout{layout.Interleaved}, model.OutputLayouts())
	assert.Zero(t, model.TransposeCount())
	requireClose(t, hostops.Concat(1, x, extra, x), toNCHW(outputs[0]), 0)
}

func TestGatherErrors(t *testing.T) {
	source := singleNodeModel([]int{1, 2, 3, 3}, newNode("Gather", []string{"x", "idx"}, []string{"y"}, intAttr("axis", 1)),
		initializer("idx", int64s(0)))
	_, err := Convert(backend(), source)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotImplemented), "got %v", err)
}

func TestGatherGeneric(t *testing.T) {
	x := testTensor(0, 1, 3, 2, 2)
	source := testGraph{
		inputs:       []*onnx.ValueInfo{imageInput("x", 1, 3, 2, 2)},
		outputs:      []string{"y"},
		initializers: []*onnx.TensorProto{initializer("idx", int64s(2, -3))},
		nodes: []*onnx.Node{
			newNode("Flatten", []string{"x"}, []string{"flat"}),
			newNode("Gather", []string{"flat", "idx"}, []string{"y"}, intAttr("axis", 1)),
		},
	}.build()
	_, outputs := convertAndRun(t, source, false, toNHWC(x))
	values := hostops.ToFloat64s(x)
	want := hostops.FromFloat64s(dtypes.Float32, []float64{values[2], values[9]}, 1, 2)
	requireClose(t, want, outputs[0], 0)
}

func TestPad(t *testing.T) {
	x := testTensor(0, 1, 2, 3, 3)
	// Reference: pad the NCHW x with 7 on the spatial axes.
	padded := func(top, left, bottom, right int) *tensors.Tensor {
		h, w := 3+top+bottom, 3+left+right
		values := hostops.ToFloat64s(x)
		out := make([]float64, 2*h*w)
		for ch := range 2 {
			for y := range h {
				for xx := range w {
					iy, ix := y-top, xx-left
					v := 7.0
					if iy >= 0 && iy < 3 && ix >= 0 && ix < 3 {
						v = values[(ch*3+iy)*3+ix]
					}
					out[(ch*h+y)*w+xx] = v
				}
			}
		}
		return hostops.FromFloat64s(dtypes.Float32, out, 1, 2, h, w)
	}

	source := singleNodeModel([]int{1, 2, 3, 3}, newNode("Pad", []string{"x", "pads", "value"}, []string{"y"}),
		initializer("pads", int64s(0, 0, 1, 2, 0, 0, 3, 0)),
		initializer("value", tensors.FromScalar(float32(7))))
	model, outputs := convertAndRun(t, source, false, toNHWC(x))
	assert.Equal(t, []layout.Layout{layout.Interleaved}, model.OutputLayouts())
	requireClose(t, padded(1, 2, 3, 0), toNCHW(outputs[0]), 0)

	// Opset 18 axes.
	source = singleNodeModel([]int{1, 2, 3, 3}, newNode("Pad", []string{"x", "pads", "value", "axes"}, []string{"y"}),
		initializer("pads", int64s(1, 0, 0, 1)),
		initializer("value", tensors.FromScalar(float32(7))),
		initializer("axes", int64s(-1, -2)))
	source.OpsetImports[0].Version = 18
	_, outputs = convertAndRun(t, source, false, toNHWC(x))
	requireClose(t, padded(0, 1, 1, 0), toNCHW(outputs[0]), 0)

	// Attributes before opset 11.
	source = singleNodeModel([]int{1, 2, 3, 3}, newNode("Pad", []string{"x"}, []string{"y"},
		intsAttr("pads", 0, 0, 2, 2, 0, 0, 2, 2), floatAttr("value", 7)))
	source.OpsetImports[0].Version = 2
	_, outputs = convertAndRun(t, source, false, toNHWC(x))
	requireClose(t, padded(2, 2, 2, 2), toNCHW(outputs[0]), 0)

	// Padding the channels is not supported.
	source = singleNodeModel([]int{1, 2, 3, 3}, newNode("Pad", []string{"x", "pads"}, []string{"y"}),
		initializer("pads", int64s(0, 1, 0, 0, 0, 1, 0, 0)))
	_, err := Convert(backend(), source)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotImplemented), "got %v", err)

	source = singleNodeModel([]int{1, 2, 3, 3}, newNode("Pad", []string{"x", "pads"}, []string{"y"}, stringAttr("mode", "reflect")),
		initializer("pads", int64s(0, 0, 1, 1, 0, 0, 1, 1)))
	_, err = Convert(backend(), source)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotImplemented), "got %v", err)
}

func TestReduceMean(t *testing.T) {
	x := testTensor(0, 2, 3, 4, 4)
	spatialMean := refPool2D(x, false, []int{4, 4}, []int{1, 1}, []int{0, 0, 0, 0})

	// Spatial mean, keeping the axes: stays channels-last.
	source := singleNodeModel([]int{2, 3, 4, 4}, newNode("ReduceMean", []string{"x"}, []string{"y"}, intsAttr("axes", 2, 3)))
	model, outputs := convertAndRun(t, source, false, toNHWC(x))
	assert.Equal(t, []layout.Layout{layout.Interleaved}, model.OutputLayouts())
	requireClose(t, spatialMean, toNCHW(outputs[0]), 1e-5)

	// Without keeping the axes, the output is (N, C).
	source = singleNodeModel([]int{2, 3, 4, 4}, newNode("ReduceMean", []string{"x"}, []string{"y"},
		intsAttr("axes", -1, -2), intAttr("keepdims", 0)))
	model, outputs = convertAndRun(t, source, false, toNHWC(x))
	assert.Equal(t, []layout.Layout{layout.Generic}, model.OutputLayouts())
	assert.Zero(t, model.TransposeCount())
	requireClose(t, hostops.Reshape(spatialMean, 2, 3), outputs[0], 1e-5)

	// Axes as input from opset 18: the mean over the channels.
	source = singleNodeModel([]int{2, 3, 4, 4}, newNode("ReduceMean", []string{"x", "axes"}, []string{"y"}),
		initializer("axes", int64s(1)))
	source.OpsetImports[0].Version = 18
	_, outputs = convertAndRun(t, source, false, toNHWC(x))
	values := hostops.ToFloat64s(x)
	want := make([]float64, 2*16)
	for b := range 2 {
		for pos := range 16 {
			for ch := range 3 {
				want[b*16+pos] += values[(b*3+ch)*16+pos] / 3
			}
		}
	}
	requireClose(t, hostops.FromFloat64s(dtypes.Float32, want, 2, 1, 4, 4), outputs[0], 1e-5)
}

func TestResize(t *testing.T) {
	x := testTensor(0, 1, 2, 3, 4)
	values := hostops.ToFloat64s(x)

	// Nearest, scale 2: every pixel is repeated.
	source := singleNodeModel([]int{1, 2, 3, 4}, newNode("Resize", []string{"x", "", "scales"}, []string{"y"},
		stringAttr("mode", "nearest"), stringAttr("coordinate_transformation_mode", "asymmetric"),
		stringAttr("nearest_mode", "floor")),
		initializer("scales", tensors.FromValue([]float32{1, 1, 2, 2})))
	model, outputs := convertAndRun(t, source, false, toNHWC(x))
	assert.Equal(t, []layout.Layout{layout.Interleaved}, model.OutputLayouts())
	want := make([]float64, 2*6*8)
	for ch := range 2 {
		for y := range 6 {
			for xx := range 8 {
				want[(ch*6+y)*8+xx] = values[(ch*3+y/2)*4+xx/2]
			}
		}
	}
	requireClose(t, hostops.FromFloat64s(dtypes.Float32, want, 1, 2, 6, 8), toNCHW(outputs[0]), 0)

	// Same with Upsample (opset 9).
	source = singleNodeModel([]int{1, 2, 3, 4}, newNode("Upsample", []string{"x", "scales"}, []string{"y"}),
		initializer("scales", tensors.FromValue([]float32{1, 1, 2, 2})))
	source.OpsetImports[0].Version = 9
	_, outputs = convertAndRun(t, source, false, toNHWC(x))
	requireClose(t, hostops.FromFloat64s(dtypes.Float32, want, 1, 2, 6, 8), toNCHW(outputs[0]), 0)

	// Linear with align_corners, given the output sizes.
	source = singleNodeModel([]int{1, 2, 3, 4}, newNode("Resize", []string{"x", "", "", "sizes"}, []string{"y"},
		stringAttr("mode", "linear"), stringAttr("coordinate_transformation_mode", "align_corners")),
		initializer("sizes", int64s(1, 2, 5, 7)))
	_, outputs = convertAndRun(t, source, false, toNHWC(x))
	linear := make([]float64, 2*5*7)
	for ch := range 2 {
		for y := range 5 {
			sy := float64(y) * 2 / 4
			y0 := int(sy)
			y1 := min(y0+1, 2)
			wy := sy - float64(y0)
			for xx := range 7 {
				sx := float64(xx) * 3 / 6
				x0 := int(sx)
				x1 := min(x0+1, 3)
				wx := sx - float64(x0)
				at := func(iy, ix int) float64 { return values[(ch*3+iy)*4+ix] }
				linear[(ch*5+y)*7+xx] = (1-wy)*((1-wx)*at(y0, x0)+wx*at(y0, x1)) + wy*((1-wx)*at(y1, x0)+wx*at(y1, x1))
			}
		}
	}
	requireClose(t, hostops.FromFloat64s(dtypes.Float32, linear, 1, 2, 5, 7), toNCHW(outputs[0]), 1e-5)

	// Default coordinate transformation (half_pixel) is not supported.
	source = singleNodeModel([]int{1, 2, 3, 4}, newNode("Resize", []string{"x", "", "scales"}, []string{"y"},
		stringAttr("mode", "linear")),
		initializer("scales", tensors.FromValue([]float32{1, 1, 2, 2})))
	_, err := Convert(backend(), source)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotImplemented), "got %v", err)
}

func TestInterpolationMatrix(t *testing.T) {
	assert.Equal(t, []float64{
		1, 0,
		1, 0,
		0, 1,
		0, 1,
	}, interpolationMatrix(resizeNearest, 2, 4, 2))
	// Explicit output size.
	assert.Equal(t, []float64{
		1, 0, 0,
		1, 0, 0,
		0, 1, 0,
		0, 1, 0,
		0, 0, 1,
	}, interpolationMatrix(resizeNearest, 3, 5, 0))

	// 49/49 must select the second input element, even though 49*(1/49) rounds below 1.
	m := interpolationMatrix(resizeNearest, 2, 98, 49)
	for o := range 98 {
		want := o / 49
		assert.Equal(t, 1.0, m[o*2+want], "output %d", o)
		assert.Equal(t, 0.0, m[o*2+1-want], "output %d", o)
	}
	assert.Equal(t, []float64{
		1, 0, 0,
		0.5, 0.5, 0,
		0, 1, 0,
		0, 0.5, 0.5,
		0, 0, 1,
	}, interpolationMatrix(resizeLinearAlignCorners, 3, 5, 0))
}

func TestConstantNode(t *testing.T) {
	x := testTensor(0, 1, 2, 2, 2)
	target := initializer("", int64s(1, -1))
	source := testGraph{
		inputs:  []*onnx.ValueInfo{imageInput("x", 1, 2, 2, 2)},
		outputs: []string{"y"},
		nodes: []*onnx.Node{
			newNode("Constant", nil, []string{"target"}, &onnx.Attribute{Name: "value", Type: onnx.AttributeTensor, T: target}),
			newNode("Constant", nil, []string{"scale"}, floatAttr("value_float", 3)),
			newNode("Reshape", []string{"x", "target"}, []string{"flat"}),
			newNode("Mul", []string{"flat", "scale"}, []string{"y"}),
		},
	}.build()
	_, outputs := convertAndRun(t, source, false, toNHWC(x))
	want := hostops.Reshape(mapValues(x, func(v float64) float64 { return 3 * v }), 1, 8)
	requireClose(t, want, outputs[0], 1e-6)
}
