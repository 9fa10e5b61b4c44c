package nhwc

import (
	"slices"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/onnx-nhwc/internal/hostops"
	"github.com/gomlx/onnx-nhwc/layout"
	"github.com/gomlx/onnx-nhwc/onnx"
)

// convertShape returns the dimensions of the input in ONNX axis order, as an int64 constant.
//
// See ONNX documentation in:
// https://onnx.ai/onnx/operators/onnx__Shape.html
func convertShape(c *nodeConverter, inputs []*layout.Tensor, attrs Attributes) []*layout.Tensor {
	c.requireInputs(inputs, 1)
	dims := genericDims(inputs[0])
	rank := len(dims)
	start := attrs.Int("start", 0)
	if start < 0 {
		start += rank
	}
	end := attrs.Int("end", rank)
	if end < 0 {
		end += rank
	}
	start, end = min(max(start, 0), rank), min(max(end, 0), rank)
	end = max(start, end)
	values := sliceMap(dims[start:end], func(dim int) int64 { return int64(dim) })
	return []*layout.Tensor{layout.NewConstant(values)}
}

// onnxGather gathers the slices of data along gatherAxis, with ONNX semantics: the output is shaped
// data.dims[:gatherAxis] + indices.dims + data.dims[gatherAxis+1:].
func onnxGather(data, indices *graph.Node, gatherAxis int) *graph.Node {
	expandedIndices := graph.ExpandAxes(indices, -1)
	if gatherAxis == 0 {
		return graph.Gather(data, expandedIndices)
	}

	// Transpose data such that gatherAxis is the first.
	axesPermutation := make([]int, data.Rank())
	for axis := range axesPermutation {
		switch {
		case axis == 0:
			axesPermutation[axis] = gatherAxis
		case axis <= gatherAxis:
			axesPermutation[axis] = axis - 1
		default:
			axesPermutation[axis] = axis
		}
	}
	gathered := graph.Gather(graph.TransposeAllAxes(data, axesPermutation...), expandedIndices)

	// gathered is shaped [indices dims..., data dims without gatherAxis...]: move the indices axes back
	// to the position of gatherAxis.
	axesPermutation = make([]int, gathered.Rank())
	for axis := range axesPermutation {
		switch {
		case axis < gatherAxis:
			axesPermutation[axis] = indices.Rank() + axis
		case axis < gatherAxis+indices.Rank():
			axesPermutation[axis] = axis - gatherAxis
		default:
			axesPermutation[axis] = axis
		}
	}
	return graph.TransposeAllAxes(gathered, axesPermutation...)
}

// convertGather converts ONNX Gather. Interleaved symbolic data is not supported.
//
// See ONNX documentation in:
// https://onnx.ai/onnx/operators/onnx__Gather.html
func convertGather(c *nodeConverter, inputs []*layout.Tensor, attrs Attributes) []*layout.Tensor {
	c.requireInputs(inputs, 2)
	data, indices := inputs[0], inputs[1]
	if data.Layout() == layout.Interleaved && !data.IsConcrete() {
		c.notImplementedf("gathering from channels-last image %s", data)
	}
	data = c.generic(data)
	axis := c.normalizeAxis(attrs.Int("axis", 0), data.Rank())
	if !indices.DType().IsInt() {
		c.shapeErrorf("indices must be integers, got %s", indices.DType())
	}
	if indices.IsConcrete() {
		indicesValue := c.constantValue(indices, "indices")
		indicesList := hostops.ToInts(indicesValue)
		dim := data.Dims()[axis]
		for ii, idx := range indicesList {
			if idx < 0 {
				idx += dim
			}
			if idx < 0 || idx >= dim {
				c.shapeErrorf("index %d out of range for axis %d of dimension %d", indicesList[ii], axis, dim)
			}
			indicesList[ii] = idx
		}
		indicesDims := indicesValue.Shape().Dimensions
		if data.IsConcrete() {
			return []*layout.Tensor{layout.NewConcrete(hostops.Gather(data.Value(), axis, indicesList, indicesDims...), layout.Constant)}
		}
		indicesNode := graph.Const(c.g, hostops.FromInts(dtypes.Int64, indicesList, indicesDims...))
		return []*layout.Tensor{layout.NewSymbolic(onnxGather(c.nodeOf(data), indicesNode, axis), layout.Generic)}
	}
	indicesNode := c.nodeOf(c.generic(indices))
	return []*layout.Tensor{layout.NewSymbolic(onnxGather(c.nodeOf(data), indicesNode, axis), layout.Generic)}
}

// sliceRanges returns the normalized per-axis ranges of Slice, in ONNX axis order: negative values count from the
// end of the axis, and ranges are clamped to the dimensions.
func (c *nodeConverter) sliceRanges(dims, starts, ends, axes, steps []int) (outStarts, outEnds, outSteps []int) {
	rank := len(dims)
	if len(axes) == 0 {
		axes = make([]int, len(starts))
		for ii := range axes {
			axes[ii] = ii
		}
	}
	if len(steps) == 0 {
		steps = make([]int, len(starts))
		for ii := range steps {
			steps[ii] = 1
		}
	}
	if len(ends) != len(starts) || len(axes) != len(starts) || len(steps) != len(starts) {
		c.shapeErrorf("starts=%v, ends=%v, axes=%v and steps=%v must have the same length", starts, ends, axes, steps)
	}
	outStarts = make([]int, rank)
	outEnds = slices.Clone(dims)
	outSteps = make([]int, rank)
	for axis := range outSteps {
		outSteps[axis] = 1
	}
	for ii, rawAxis := range axes {
		axis := c.normalizeAxis(rawAxis, rank)
		if steps[ii] <= 0 {
			c.notImplementedf("step %d for axis %d, only positive steps are supported", steps[ii], axis)
		}
		dim := dims[axis]
		clamp := func(v int) int {
			if v < 0 {
				v += dim
			}
			return min(max(v, 0), dim)
		}
		outStarts[axis] = clamp(starts[ii])
		outEnds[axis] = max(clamp(ends[ii]), outStarts[axis])
		outSteps[axis] = steps[ii]
	}
	return
}

// convertSlice converts ONNX Slice with constant ranges and positive steps.
//
// See ONNX documentation in:
// https://onnx.ai/onnx/operators/onnx__Slice.html
func convertSlice(c *nodeConverter, inputs []*layout.Tensor, attrs Attributes) []*layout.Tensor {
	c.requireInputs(inputs, 1)
	x := inputs[0]
	var starts, ends, axes, steps []int
	if c.opset < 10 {
		starts, ends, axes = attrs.Ints("starts", nil), attrs.Ints("ends", nil), attrs.Ints("axes", nil)
	} else {
		c.requireInputs(inputs, 3)
		starts = c.constantInts(inputs[1], "starts")
		ends = c.constantInts(inputs[2], "ends")
		if in := optionalInput(inputs, 3); in != nil {
			axes = c.constantInts(in, "axes")
		}
		if in := optionalInput(inputs, 4); in != nil {
			steps = c.constantInts(in, "steps")
		}
	}
	starts, ends, steps = c.sliceRanges(genericDims(x), starts, ends, axes, steps)

	if x.IsConcrete() {
		value := c.constantValue(x, "data")
		return []*layout.Tensor{layout.NewConcrete(hostops.Slice(value, starts, ends, steps), layout.Constant)}
	}
	specs := make([]graph.SliceAxisSpec, x.Rank())
	for axis := range specs {
		if ends[axis] <= starts[axis] {
			c.notImplementedf("empty slice [%d:%d] on axis %d", starts[axis], ends[axis], axis)
		}
		// Interleaved values keep their layout: the ONNX axis is mapped to its channels-last position.
		target := axis
		if x.Layout() == layout.Interleaved {
			target = layout.InterleavedAxis(axis)
		}
		specs[target] = graph.AxisRange(starts[axis], ends[axis]).Stride(steps[axis])
	}
	y := graph.Slice(c.nodeOf(x), specs...)
	return []*layout.Tensor{layout.NewSymbolic(y, x.Layout())}
}

// convertCast converts ONNX Cast. The layout is preserved.
//
// See ONNX documentation in:
// https://onnx.ai/onnx/operators/onnx__Cast.html
func convertCast(c *nodeConverter, inputs []*layout.Tensor, attrs Attributes) []*layout.Tensor {
	c.requireInputs(inputs, 1)
	if !attrs.Has("to") {
		c.shapeErrorf("missing attribute \"to\"")
	}
	dtype, err := onnx.DTypeForONNX(onnx.DataType(attrs.Int("to", 0)))
	if err != nil {
		c.notImplementedf("cast to %s: %v", onnx.DataType(attrs.Int("to", 0)), err)
	}
	x := inputs[0]
	if x.IsConcrete() {
		cast := c.fold(func(in []*graph.Node) *graph.Node { return graph.ConvertDType(in[0], dtype) }, x.Value())
		return []*layout.Tensor{layout.NewConcrete(cast, x.Layout())}
	}
	return []*layout.Tensor{layout.NewSymbolic(graph.ConvertDType(c.nodeOf(x), dtype), x.Layout())}
}

// reshapeDims resolves the ONNX target dimensions of Reshape: 0 copies the input dimension (unless allowZero),
// and one -1 is inferred from the total size.
func (c *nodeConverter) reshapeDims(inDims, target []int, allowZero bool) []int {
	dims := slices.Clone(target)
	size := 1
	for _, dim := range inDims {
		size *= dim
	}
	inferred := -1
	known := 1
	for axis, dim := range dims {
		switch {
		case dim == 0 && !allowZero:
			if axis >= len(inDims) {
				c.shapeErrorf("shape %v copies axis %d from input dimensions %v", target, axis, inDims)
			}
			dims[axis] = inDims[axis]
		case dim == -1:
			if inferred >= 0 {
				c.shapeErrorf("shape %v has more than one -1", target)
			}
			inferred = axis
			continue
		case dim < 0:
			c.shapeErrorf("invalid shape %v", target)
		}
		known *= dims[axis]
	}
	if inferred >= 0 {
		if known == 0 || size%known != 0 {
			c.shapeErrorf("cannot reshape input dimensions %v to %v", inDims, target)
		}
		dims[inferred] = size / known
	} else if known != size {
		c.shapeErrorf("cannot reshape input dimensions %v to %v", inDims, target)
	}
	return dims
}

// reshapeGeneric reshapes x in ONNX axis order: concrete values on the host, symbolic ones in the graph.
func (c *nodeConverter) reshapeGeneric(x *layout.Tensor, dims []int) *layout.Tensor {
	if x.IsConcrete() {
		return layout.NewConcrete(hostops.Reshape(c.constantValue(x, "data"), dims...), layout.Constant)
	}
	return layout.NewSymbolic(graph.Reshape(c.nodeOf(c.generic(x)), dims...), layout.Generic)
}

// convertReshape converts ONNX Reshape with a constant shape.
//
// See ONNX documentation in:
// https://onnx.ai/onnx/operators/onnx__Reshape.html
func convertReshape(c *nodeConverter, inputs []*layout.Tensor, attrs Attributes) []*layout.Tensor {
	c.requireInputs(inputs, 1)
	var target []int
	if c.opset < 5 {
		target = attrs.Ints("shape", nil)
	} else {
		c.requireInputs(inputs, 2)
		target = c.constantInts(inputs[1], "shape")
	}
	x := inputs[0]
	dims := c.reshapeDims(genericDims(x), target, attrs.Int("allowzero", 0) != 0)
	return []*layout.Tensor{c.reshapeGeneric(x, dims)}
}

// convertConcat converts ONNX Concat. Channels-last inputs are joined on the mapped axis, as long as all other
// inputs are channels-last or concrete.
//
// See ONNX documentation in:
// https://onnx.ai/onnx/operators/onnx__Concat.html
func convertConcat(c *nodeConverter, inputs []*layout.Tensor, attrs Attributes) []*layout.Tensor {
	c.requireInputs(inputs, len(inputs))
	if len(inputs) == 0 {
		c.shapeErrorf("no inputs")
	}
	if !attrs.Has("axis") {
		c.shapeErrorf("missing attribute \"axis\"")
	}
	axis := c.normalizeAxis(attrs.Int("axis", 0), inputs[0].Rank())
	interleaved, allConcrete := false, true
	for _, input := range inputs {
		if input.Layout() == layout.Interleaved && !input.IsConcrete() {
			interleaved = true
		}
		allConcrete = allConcrete && input.IsConcrete()
	}

	switch {
	case interleaved:
		nodes := make([]*graph.Node, len(inputs))
		for ii, input := range inputs {
			if input.Layout() != layout.Interleaved && !input.IsConcrete() {
				c.notImplementedf("concatenating channels-last images with %s", input)
			}
			nodes[ii] = c.nodeOf(c.interleaved(input))
		}
		return []*layout.Tensor{layout.NewSymbolic(graph.Concatenate(nodes, layout.InterleavedAxis(axis)), layout.Interleaved)}

	case allConcrete:
		values := sliceMap(inputs, func(t *layout.Tensor) *tensors.Tensor { return c.constantValue(t, "input") })
		return []*layout.Tensor{layout.NewConcrete(hostops.Concat(axis, values...), layout.Constant)}

	default:
		nodes := sliceMap(inputs, func(t *layout.Tensor) *graph.Node { return c.nodeOf(c.generic(t)) })
		return []*layout.Tensor{layout.NewSymbolic(graph.Concatenate(nodes, axis), layout.Generic)}
	}
}

// convertTranspose converts ONNX Transpose. On channels-last values, the permutation (0,2,3,1) is a change of
// view that moves no data, and any other permutation is composed into a single transposition.
//
// See ONNX documentation in:
// https://onnx.ai/onnx/operators/onnx__Transpose.html
func convertTranspose(c *nodeConverter, inputs []*layout.Tensor, attrs Attributes) []*layout.Tensor {
	c.requireInputs(inputs, 1)
	x := inputs[0]
	rank := x.Rank()
	perm := attrs.Ints("perm", nil)
	if perm == nil {
		perm = make([]int, rank)
		for axis := range perm {
			perm[axis] = rank - axis - 1
		}
	}
	if len(perm) != rank {
		c.shapeErrorf("perm=%v must have one value per axis of %s", perm, x)
	}
	perm = sliceMap(perm, func(axis int) int { return c.normalizeAxis(axis, rank) })
	seen := make([]bool, rank)
	for _, axis := range perm {
		if seen[axis] {
			c.shapeErrorf("perm=%v is not a permutation", perm)
		}
		seen[axis] = true
	}

	if x.Layout() == layout.Interleaved {
		if slices.Equal(perm, layout.ToInterleaved) {
			// The channels-last data is already the transposed value.
			if x.IsConcrete() {
				return []*layout.Tensor{layout.NewConcrete(x.Value(), layout.Constant)}
			}
			return []*layout.Tensor{layout.NewSymbolic(c.nodeOf(x), layout.Generic)}
		}
		perm = sliceMap(perm, func(axis int) int { return layout.ToGeneric[axis] })
	}
	if x.IsConcrete() {
		return []*layout.Tensor{layout.NewConcrete(hostops.Transpose(x.Value(), perm...), layout.Constant)}
	}
	return []*layout.Tensor{layout.NewSymbolic(graph.TransposeAllAxes(c.nodeOf(x), perm...), layout.Generic)}
}

// axesInput returns the axes of Squeeze, Unsqueeze and ReduceMean: from the attribute before the given opset,
// from the optional constant input #1 after.
func (c *nodeConverter) axesInput(inputs []*layout.Tensor, attrs Attributes, inputSinceOpset int) []int {
	if c.opset < inputSinceOpset {
		return attrs.Ints("axes", nil)
	}
	if in := optionalInput(inputs, 1); in != nil {
		return c.constantInts(in, "axes")
	}
	return nil
}

// convertSqueeze converts ONNX Squeeze. Without axes, all axes of dimension 1 are removed.
//
// See ONNX documentation in:
// https://onnx.ai/onnx/operators/onnx__Squeeze.html
func convertSqueeze(c *nodeConverter, inputs []*layout.Tensor, attrs Attributes) []*layout.Tensor {
	c.requireInputs(inputs, 1)
	x := inputs[0]
	inDims := genericDims(x)
	axes := c.normalizeAxes(c.axesInput(inputs, attrs, 13), len(inDims))
	var dims []int
	for axis, dim := range inDims {
		squeezed := slices.Contains(axes, axis)
		if len(axes) == 0 {
			squeezed = dim == 1
		}
		switch {
		case !squeezed:
			dims = append(dims, dim)
		case dim != 1:
			c.shapeErrorf("cannot squeeze axis %d of dimension %d", axis, dim)
		}
	}
	return []*layout.Tensor{c.reshapeGeneric(x, dims)}
}

// convertUnsqueeze converts ONNX Unsqueeze.
//
// See ONNX documentation in:
// https://onnx.ai/onnx/operators/onnx__Unsqueeze.html
func convertUnsqueeze(c *nodeConverter, inputs []*layout.Tensor, attrs Attributes) []*layout.Tensor {
	c.requireInputs(inputs, 1)
	x := inputs[0]
	inDims := genericDims(x)
	rawAxes := c.axesInput(inputs, attrs, 13)
	if len(rawAxes) == 0 {
		c.shapeErrorf("missing axes")
	}
	outRank := len(inDims) + len(rawAxes)
	axes := c.normalizeAxes(rawAxes, outRank)
	if len(slices.Compact(slices.Clone(axes))) != len(axes) {
		c.shapeErrorf("repeated axes in %v", rawAxes)
	}
	dims := make([]int, 0, outRank)
	next := 0
	for axis := range outRank {
		if slices.Contains(axes, axis) {
			dims = append(dims, 1)
		} else {
			dims = append(dims, inDims[next])
			next++
		}
	}
	return []*layout.Tensor{c.reshapeGeneric(x, dims)}
}

// convertFlatten converts ONNX Flatten: the output is 2D, splitting the input axes at axis.
//
// See ONNX documentation in:
// https://onnx.ai/onnx/operators/onnx__Flatten.html
func convertFlatten(c *nodeConverter, inputs []*layout.Tensor, attrs Attributes) []*layout.Tensor {
	c.requireInputs(inputs, 1)
	x := inputs[0]
	inDims := genericDims(x)
	axis := attrs.Int("axis", 1)
	if axis < 0 {
		axis += len(inDims)
	}
	if axis < 0 || axis > len(inDims) {
		c.shapeErrorf("axis %d out of range for rank %d", attrs.Int("axis", 1), len(inDims))
	}
	dims := []int{1, 1}
	for ii, dim := range inDims {
		if ii < axis {
			dims[0] *= dim
		} else {
			dims[1] *= dim
		}
	}
	return []*layout.Tensor{c.reshapeGeneric(x, dims)}
}

// convertConstant converts ONNX Constant to a concrete value.
//
// See ONNX documentation in:
// https://onnx.ai/onnx/operators/onnx__Constant.html
func convertConstant(c *nodeConverter, _ []*layout.Tensor, attrs Attributes) []*layout.Tensor {
	switch {
	case attrs.Has("value"):
		return []*layout.Tensor{attrs.Tensor("value")}
	case attrs.Has("value_float"):
		return []*layout.Tensor{layout.NewConstant(attrs.Float("value_float", 0))}
	case attrs.Has("value_floats"):
		return []*layout.Tensor{layout.NewConstant(attrs.Floats("value_floats", nil))}
	case attrs.Has("value_int"):
		return []*layout.Tensor{layout.NewConstant(int64(attrs.Int("value_int", 0)))}
	case attrs.Has("value_ints"):
		values := sliceMap(attrs.Ints("value_ints", nil), func(v int) int64 { return int64(v) })
		return []*layout.Tensor{layout.NewConstant(values)}
	}
	c.notImplementedf("only the value, value_float(s) and value_int(s) attributes are supported")
	return nil
}

// convertPad converts ONNX Pad in "constant" mode with non-negative pads. Images are padded channels-last, on
// their spatial axes only.
//
// See ONNX documentation in:
// https://onnx.ai/onnx/operators/onnx__Pad.html
func convertPad(c *nodeConverter, inputs []*layout.Tensor, attrs Attributes) []*layout.Tensor {
	c.requireInputs(inputs, 1)
	if mode := attrs.String("mode", "constant"); mode != "constant" {
		c.notImplementedf("mode=%q, only \"constant\" is supported", mode)
	}
	x := inputs[0]
	rank := x.Rank()
	var pads, axes []int
	var value float64
	if c.opset < 11 {
		pads = attrs.Ints("pads", nil)
		value = float64(attrs.Float("value", 0))
	} else {
		c.requireInputs(inputs, 2)
		pads = c.constantInts(inputs[1], "pads")
		if in := optionalInput(inputs, 2); in != nil {
			value = c.constantScalar(in, "constant_value")
		}
		if in := optionalInput(inputs, 3); in != nil {
			axes = c.constantInts(in, "axes")
		}
	}
	if len(axes) == 0 {
		axes = make([]int, rank)
		for axis := range axes {
			axes[axis] = axis
		}
	}
	if len(pads) != 2*len(axes) {
		c.shapeErrorf("pads=%v must have 2 values per padded axis (%d axes)", pads, len(axes))
	}
	padAxes := make([]backends.PadAxis, rank)
	for ii, rawAxis := range axes {
		axis := c.normalizeAxis(rawAxis, rank)
		padAxes[axis] = backends.PadAxis{Start: pads[ii], End: pads[ii+len(axes)]}
	}
	for _, pad := range pads {
		if pad < 0 {
			c.notImplementedf("negative pads=%v", pads)
		}
	}

	if rank == 4 {
		if padAxes[0] != (backends.PadAxis{}) || padAxes[1] != (backends.PadAxis{}) {
			c.notImplementedf("padding of the batch or channels axes of images, pads=%v", pads)
		}
		y := c.padSpatial(c.nodeOf(c.interleaved(x)), [2]int{padAxes[2].Start, padAxes[2].End},
			[2]int{padAxes[3].Start, padAxes[3].End}, value)
		return []*layout.Tensor{layout.NewSymbolic(y, layout.Interleaved)}
	}
	xNode := c.nodeOf(c.generic(x))
	y := graph.Pad(xNode, c.scalar(xNode.DType(), value), padAxes...)
	return []*layout.Tensor{layout.NewSymbolic(y, layout.Generic)}
}

// convertReduceMean converts ONNX ReduceMean. Averaging the spatial axes of an image is done channels-last.
//
// See ONNX documentation in:
// https://onnx.ai/onnx/operators/onnx__ReduceMean.html
func convertReduceMean(c *nodeConverter, inputs []*layout.Tensor, attrs Attributes) []*layout.Tensor {
	c.requireInputs(inputs, 1)
	x := inputs[0]
	rank := x.Rank()
	keepDims := attrs.Int("keepdims", 1) != 0
	axes := c.normalizeAxes(c.axesInput(inputs, attrs, 18), rank)
	if len(axes) == 0 {
		if attrs.Int("noop_with_empty_axes", 0) != 0 {
			return []*layout.Tensor{x}
		}
		axes = make([]int, rank)
		for axis := range axes {
			axes[axis] = axis
		}
	}

	if rank == 4 && slices.Equal(axes, []int{2, 3}) {
		xNode := c.nodeOf(c.interleaved(x))
		if keepDims {
			return []*layout.Tensor{layout.NewSymbolic(graph.ReduceAndKeep(xNode, graph.ReduceMean, 1, 2), layout.Interleaved)}
		}
		return []*layout.Tensor{layout.NewSymbolic(graph.ReduceMean(xNode, 1, 2), layout.Generic)}
	}
	xNode := c.nodeOf(c.generic(x))
	if keepDims {
		return []*layout.Tensor{layout.NewSymbolic(graph.ReduceAndKeep(xNode, graph.ReduceMean, axes...), layout.Generic)}
	}
	return []*layout.Tensor{layout.NewSymbolic(graph.ReduceMean(xNode, axes...), layout.Generic)}
}
