package nhwc

import (
	"math"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/onnx-nhwc/internal/hostops"
	"github.com/gomlx/onnx-nhwc/layout"
)

// resizeMode is one of the supported combinations of interpolation and coordinate transformation.
type resizeMode int

const (
	// resizeNearest is mode "nearest", coordinate transformation "asymmetric" and nearest_mode "floor".
	resizeNearest resizeMode = iota

	// resizeLinearAlignCorners is mode "linear" with coordinate transformation "align_corners".
	resizeLinearAlignCorners
)

// interpolationMatrix returns the [outDim, inDim] matrix that resizes one axis. For resizeNearest, scale is the
// resize factor of the axis, or 0 if outDim was given explicitly.
func interpolationMatrix(mode resizeMode, inDim, outDim int, scale float64) []float64 {
	m := make([]float64, outDim*inDim)
	for o := range outDim {
		switch mode {
		case resizeNearest:
			var idx int
			if scale > 0 {
				idx = int(math.Floor(float64(o) / scale))
			} else {
				idx = o * inDim / outDim
			}
			idx = min(idx, inDim-1)
			m[o*inDim+idx] = 1
		case resizeLinearAlignCorners:
			var x float64
			if outDim > 1 {
				x = float64(o) * float64(inDim-1) / float64(outDim-1)
			}
			i0 := min(int(math.Floor(x)), inDim-1)
			i1 := min(i0+1, inDim-1)
			w := x - float64(i0)
			m[o*inDim+i0] += 1 - w
			m[o*inDim+i1] += w
		}
	}
	return m
}

// resizeSpatial resizes the spatial axes of the channels-last x to outDims (height, width), applying one
// interpolation matrix per axis. scales are the resize factors used by resizeNearest, 0 for sizes given explicitly.
func (c *nodeConverter) resizeSpatial(x *graph.Node, mode resizeMode, outDims []int, scales []float64) *graph.Node {
	dtype := x.DType()
	dims := x.Shape().Dimensions
	for axis := range 2 {
		inDim, outDim := dims[axis+1], outDims[axis]
		matrix := hostops.FromFloat64s(dtype, interpolationMatrix(mode, inDim, outDim, scales[axis]), outDim, inDim)
		m := graph.Const(c.g, matrix)
		// Contracting the spatial axis moves the resized axis first: [outDim, <other axes of x>].
		x = graph.DotGeneral(m, []int{1}, nil, x, []int{axis + 1}, nil)
		if axis == 0 {
			// [outH, N, W, C] -> [N, outH, W, C]
			x = graph.TransposeAllAxes(x, 1, 0, 2, 3)
		} else {
			// [outW, N, outH, C] -> [N, outH, outW, C]
			x = graph.TransposeAllAxes(x, 1, 2, 0, 3)
		}
	}
	return x
}

// resize resizes the rank-4 x, given scales or sizes in ONNX axis order. Scales and sizes must keep the batch
// and channels axes.
func (c *nodeConverter) resize(input *layout.Tensor, mode resizeMode, scales []float64, sizes []int) *layout.Tensor {
	if input.Rank() != 4 {
		c.notImplementedf("only 4D images can be resized, got %s", input)
	}
	x := c.interleaved(input)
	if !x.DType().IsFloat() {
		c.notImplementedf("resizing %s not supported, only float dtypes", x.DType())
	}
	inDims := genericDims(x)
	outDims := make([]int, 2)
	axisScales := make([]float64, 2)
	switch {
	case sizes != nil:
		if len(sizes) != 4 || sizes[0] != inDims[0] || sizes[1] != inDims[1] {
			c.notImplementedf("sizes=%v must keep the batch and channels dimensions of %v", sizes, inDims)
		}
		for axis := range 2 {
			outDims[axis] = sizes[axis+2]
		}
	default:
		if len(scales) != 4 || scales[0] != 1 || scales[1] != 1 {
			c.notImplementedf("scales=%v must be 1 for the batch and channels axes", scales)
		}
		for axis := range 2 {
			outDims[axis] = int(math.Floor(float64(inDims[axis+2]) * scales[axis+2]))
			axisScales[axis] = scales[axis+2]
		}
	}
	for axis, dim := range outDims {
		if dim <= 0 {
			c.shapeErrorf("resized spatial axis %d would have dimension %d", axis, dim)
		}
	}
	y := c.resizeSpatial(c.nodeOf(x), mode, outDims, axisScales)
	return layout.NewSymbolic(y, layout.Interleaved)
}

// constantFloats returns the values of a constant input as float64s.
func (c *nodeConverter) constantFloats(t *layout.Tensor, what string) []float64 {
	value := c.constantValue(t, what)
	if value.DType() == dtypes.Bool {
		c.notImplementedf("%s must be numeric, got %s", what, value.Shape())
	}
	return hostops.ToFloat64s(value)
}

// convertResize converts ONNX Resize in the modes (nearest, asymmetric, floor) and (linear, align_corners).
// Before opset 11 the operator has no coordinate transformation attributes, and it is taken as
// (asymmetric, floor).
//
// See ONNX documentation in:
// https://onnx.ai/onnx/operators/onnx__Resize.html
func convertResize(c *nodeConverter, inputs []*layout.Tensor, attrs Attributes) []*layout.Tensor {
	c.requireInputs(inputs, 1)
	if a := attrs.Float("cubic_coeff_a", -0.75); a != -0.75 {
		c.notImplementedf("cubic_coeff_a=%g", a)
	}
	if v := attrs.Int("exclude_outside", 0); v != 0 {
		c.notImplementedf("exclude_outside=%d", v)
	}
	if v := attrs.Float("extrapolation_value", 0); v != 0 {
		c.notImplementedf("extrapolation_value=%g", v)
	}
	if v := attrs.Int("antialias", 0); v != 0 {
		c.notImplementedf("antialias=%d", v)
	}
	if attrs.Has("axes") {
		c.notImplementedf("axes attribute not supported")
	}
	if policy := attrs.String("keep_aspect_ratio_policy", "stretch"); policy != "stretch" {
		c.notImplementedf("keep_aspect_ratio_policy=%q", policy)
	}

	interpolation := attrs.String("mode", "nearest")
	coordinates, nearestMode := "asymmetric", "floor"
	if c.opset >= 11 {
		coordinates = attrs.String("coordinate_transformation_mode", "half_pixel")
		nearestMode = attrs.String("nearest_mode", "round_prefer_floor")
	}
	var mode resizeMode
	switch {
	case interpolation == "nearest" && coordinates == "asymmetric" && nearestMode == "floor":
		mode = resizeNearest
	case interpolation == "linear" && coordinates == "align_corners":
		mode = resizeLinearAlignCorners
	default:
		c.notImplementedf("mode=%q with coordinate_transformation_mode=%q (nearest_mode=%q), only (nearest, asymmetric, floor) "+
			"and (linear, align_corners) are supported", interpolation, coordinates, nearestMode)
	}

	var scales []float64
	var sizes []int
	if c.opset < 11 {
		c.requireInputs(inputs, 2)
		scales = c.constantFloats(inputs[1], "scales")
	} else {
		if in := optionalInput(inputs, 2); in != nil && in.Shape().Size() > 0 {
			scales = c.constantFloats(in, "scales")
		}
		if in := optionalInput(inputs, 3); in != nil && in.Shape().Size() > 0 {
			sizes = c.constantInts(in, "sizes")
		}
		if (scales == nil) == (sizes == nil) {
			c.shapeErrorf("exactly one of scales or sizes must be given")
		}
	}
	return []*layout.Tensor{c.resize(inputs[0], mode, scales, sizes)}
}

// convertUpsample converts ONNX Upsample, mapping mode "nearest" to (nearest, asymmetric, floor) and "linear"
// to (linear, align_corners).
//
// See ONNX documentation in:
// https://onnx.ai/onnx/operators/onnx__Upsample.html
func convertUpsample(c *nodeConverter, inputs []*layout.Tensor, attrs Attributes) []*layout.Tensor {
	c.requireInputs(inputs, 1)
	var mode resizeMode
	switch interpolation := attrs.String("mode", "nearest"); interpolation {
	case "nearest":
		mode = resizeNearest
	case "linear", "bilinear":
		mode = resizeLinearAlignCorners
	default:
		c.notImplementedf("mode=%q", interpolation)
	}
	var scales []float64
	if attrs.Has("scales") {
		scales = sliceMap(attrs.Floats("scales", nil), func(v float32) float64 { return float64(v) })
	} else {
		c.requireInputs(inputs, 2)
		scales = c.constantFloats(inputs[1], "scales")
	}
	return []*layout.Tensor{c.resize(inputs[0], mode, scales, nil)}
}
