package nhwc

import (
	"fmt"
	"slices"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/onnx-nhwc/internal/hostops"
	"github.com/gomlx/onnx-nhwc/layout"
)

// nhwcConvAxes is the axes configuration of all convolutions: channels-last input and output, and kernels
// shaped [kernelHeight, kernelWidth, inputChannels, outputChannels].
var nhwcConvAxes = backends.ConvolveAxesConfig{
	InputBatch:           0,
	InputSpatial:         []int{1, 2},
	InputChannels:        3,
	KernelSpatial:        []int{0, 1},
	KernelInputChannels:  2,
	KernelOutputChannels: 3,
	OutputBatch:          0,
	OutputSpatial:        []int{1, 2},
	OutputChannels:       3,
}

// convPadding is the padding strategy of a convolution.
type convPadding int

const (
	// paddingValid means no padding.
	paddingValid convPadding = iota

	// paddingSame is the padding that keeps the spatial dimensions of a convolution with unit strides.
	paddingSame

	// paddingSameOddInput is the symmetric padding of a 3x3 kernel with stride 2 over odd sized inputs,
	// which is the "same" padding of the strided convolution.
	paddingSameOddInput

	// paddingExplicit pads the input with zeros before a valid convolution.
	paddingExplicit
)

// String implements fmt.Stringer.
func (p convPadding) String() string {
	switch p {
	case paddingValid:
		return "valid"
	case paddingSame:
		return "same"
	case paddingSameOddInput:
		return "sameOddInput"
	case paddingExplicit:
		return "explicit"
	default:
		return fmt.Sprintf("convPadding(%d)", int(p))
	}
}

func allEqual(values []int, v int) bool {
	for _, value := range values {
		if value != v {
			return false
		}
	}
	return true
}

// selectConvPadding selects the padding strategy of a 2D convolution from its configuration.
// The pads are in ONNX order: [heightBegin, widthBegin, heightEnd, widthEnd].
func selectConvPadding(kernel, strides, dilations, pads []int, inHeight, inWidth int) convPadding {
	if allEqual(pads, 0) {
		return paddingValid
	}
	unitDilations := allEqual(dilations, 1)
	if kernel[0] == kernel[1] && allEqual(pads, pads[0]) && 2*pads[0]+1 == kernel[0] &&
		allEqual(strides, 1) && unitDilations {
		return paddingSame
	}
	if kernel[0] == 3 && kernel[1] == 3 && allEqual(pads, 1) && allEqual(strides, 2) && unitDilations &&
		inHeight%2 == 1 && inWidth%2 == 1 {
		return paddingSameOddInput
	}
	return paddingExplicit
}

// conv2DConfig holds the attributes of Conv and ConvTranspose, validated for the 2D case.
type conv2DConfig struct {
	kernel, strides, dilations, pads []int
	group                            int
}

// parseConv2DConfig reads the attributes common to Conv and ConvTranspose. weightDims are the dimensions of the
// ONNX weights, whose trailing axes are the kernel spatial dimensions.
func (c *nodeConverter) parseConv2DConfig(attrs Attributes, weightDims []int) conv2DConfig {
	if len(weightDims) != 4 {
		c.notImplementedf("only 2D convolutions are supported, got weights shaped %v", weightDims)
	}
	if autoPad := attrs.String("auto_pad", "NOTSET"); autoPad != "NOTSET" {
		c.notImplementedf("auto_pad=%q not supported, only explicit pads", autoPad)
	}
	cfg := conv2DConfig{
		kernel:    attrs.Ints("kernel_shape", weightDims[2:]),
		strides:   attrs.Ints("strides", []int{1, 1}),
		dilations: attrs.Ints("dilations", []int{1, 1}),
		pads:      attrs.Ints("pads", []int{0, 0, 0, 0}),
		group:     attrs.Int("group", 1),
	}
	if !slices.Equal(cfg.kernel, weightDims[2:]) {
		c.shapeErrorf("kernel_shape %v doesn't match the weights shaped %v", cfg.kernel, weightDims)
	}
	if len(cfg.strides) != 2 || len(cfg.dilations) != 2 || len(cfg.pads) != 4 {
		c.shapeErrorf("2D convolution requires 2 strides, 2 dilations and 4 pads, got %v, %v and %v",
			cfg.strides, cfg.dilations, cfg.pads)
	}
	if cfg.group < 1 {
		c.shapeErrorf("invalid group=%d", cfg.group)
	}
	return cfg
}

// convolve builds a channels-last convolution with the given padding per spatial axis.
func convolve(x, kernel *graph.Node, strides, dilations []int, paddings [][2]int, groups int) *graph.Node {
	conv := graph.Convolve(x, kernel).AxesConfig(nhwcConvAxes).
		StridePerAxis(strides...).
		DilationPerAxis(dilations...)
	if paddings != nil {
		conv = conv.PaddingPerDim(paddings)
	}
	if groups > 1 {
		conv = conv.ChannelGroupCount(groups)
	}
	return conv.Done()
}

// addBias adds the 1D bias to the channels axis of the channels-last y.
func addBias(y, bias *graph.Node) *graph.Node {
	channels := bias.Shape().Dimensions[0]
	return graph.Add(y, graph.BroadcastToDims(graph.Reshape(bias, 1, 1, 1, channels), y.Shape().Dimensions...))
}

// padSpatial pads the spatial axes of the channels-last x with fillValue.
func (c *nodeConverter) padSpatial(x *graph.Node, heightPad, widthPad [2]int, fillValue float64) *graph.Node {
	return graph.Pad(x, c.scalar(x.DType(), fillValue),
		backends.PadAxis{},
		backends.PadAxis{Start: heightPad[0], End: heightPad[1]},
		backends.PadAxis{Start: widthPad[0], End: widthPad[1]},
		backends.PadAxis{})
}

// convertConv converts a 2D ONNX Conv to a channels-last convolution.
//
// See ONNX documentation in:
// https://onnx.ai/onnx/operators/onnx__Conv.html
func convertConv(c *nodeConverter, inputs []*layout.Tensor, attrs Attributes) []*layout.Tensor {
	c.requireInputs(inputs, 2)
	x := c.interleaved(inputs[0])
	weights := c.constantValue(inputs[1], "Conv weights")
	var bias *tensors.Tensor
	if b := optionalInput(inputs, 2); b != nil {
		bias = c.constantValue(b, "Conv bias")
	}
	wDims := weights.Shape().Dimensions
	cfg := c.parseConv2DConfig(attrs, wDims)
	if weights.DType() != x.DType() {
		c.shapeErrorf("weights dtype %s doesn't match the input dtype %s", weights.DType(), x.DType())
	}

	xDims := x.Dims()
	channels, outChannels, group := xDims[3], wDims[0], cfg.group
	if channels%group != 0 || wDims[1]*group != channels || outChannels%group != 0 {
		c.shapeErrorf("input with %d channels and weights shaped %v are not compatible with group=%d",
			channels, wDims, group)
	}
	if bias != nil && (bias.Rank() != 1 || bias.Shape().Dimensions[0] != outChannels) {
		c.shapeErrorf("bias shaped %s, expected [%d]", bias.Shape(), outChannels)
	}

	// Padding.
	xNode := c.nodeOf(x)
	var paddings [][2]int
	switch selectConvPadding(cfg.kernel, cfg.strides, cfg.dilations, cfg.pads, xDims[1], xDims[2]) {
	case paddingValid:
	case paddingSame, paddingSameOddInput:
		paddings = [][2]int{{cfg.pads[0], cfg.pads[2]}, {cfg.pads[1], cfg.pads[3]}}
	case paddingExplicit:
		xNode = c.padSpatial(xNode, [2]int{cfg.pads[0], cfg.pads[2]}, [2]int{cfg.pads[1], cfg.pads[3]}, 0)
	}

	var y *graph.Node
	switch {
	case group > 1 && group == channels:
		// Depthwise: (C*M, 1, kh, kw) -> (kh, kw, C*M, 1) viewed as (kh, kw, 1, C*M).
		kernel := hostops.Transpose(weights, 2, 3, 0, 1)
		kernel = hostops.Reshape(kernel, wDims[2], wDims[3], 1, outChannels)
		y = convolve(xNode, c.variable("", "weights", kernel), cfg.strides, cfg.dilations, paddings, group)
		if bias != nil {
			y = addBias(y, c.variable("", "bias", bias))
		}

	case group == 1 || !c.decompose:
		kernel := hostops.Transpose(weights, 2, 3, 1, 0)
		y = convolve(xNode, c.variable("", "weights", kernel), cfg.strides, cfg.dilations, paddings, group)
		if bias != nil {
			y = addBias(y, c.variable("", "bias", bias))
		}

	default:
		c.report(layout.GroupedConvolutionSplit, "%d groups of %d input channels", group, channels/group)
		groupWeights := hostops.Split(weights, 0, group)
		var groupBias []*tensors.Tensor
		if bias != nil {
			groupBias = hostops.Split(bias, 0, group)
		}
		groupChannels := channels / group
		parts := make([]*graph.Node, group)
		for gi := range group {
			scope := fmt.Sprintf("group_%03d", gi)
			xPart := graph.SliceAxis(xNode, 3, graph.AxisRange(gi*groupChannels, (gi+1)*groupChannels))
			kernel := hostops.Transpose(groupWeights[gi], 2, 3, 1, 0)
			parts[gi] = convolve(xPart, c.variable(scope, "weights", kernel), cfg.strides, cfg.dilations, paddings, 1)
			if bias != nil {
				parts[gi] = addBias(parts[gi], c.variable(scope, "bias", groupBias[gi]))
			}
		}
		y = graph.Concatenate(parts, 3)
	}
	return []*layout.Tensor{layout.NewSymbolic(y, layout.Interleaved)}
}

// convertConvTranspose converts a 2D ONNX ConvTranspose to a direct channels-last convolution over the input
// dilated by the strides, with a spatially reversed kernel.
//
// See ONNX documentation in:
// https://onnx.ai/onnx/operators/onnx__ConvTranspose.html
func convertConvTranspose(c *nodeConverter, inputs []*layout.Tensor, attrs Attributes) []*layout.Tensor {
	c.requireInputs(inputs, 2)
	x := c.interleaved(inputs[0])
	weights := c.constantValue(inputs[1], "ConvTranspose weights")
	var bias *tensors.Tensor
	if b := optionalInput(inputs, 2); b != nil {
		bias = c.constantValue(b, "ConvTranspose bias")
	}
	if attrs.Has("output_shape") {
		c.notImplementedf("output_shape not supported, use pads and output_padding")
	}
	wDims := weights.Shape().Dimensions
	cfg := c.parseConv2DConfig(attrs, wDims)
	outputPadding := attrs.Ints("output_padding", []int{0, 0})
	if len(outputPadding) != 2 {
		c.shapeErrorf("output_padding must have 2 values, got %v", outputPadding)
	}
	if weights.DType() != x.DType() {
		c.shapeErrorf("weights dtype %s doesn't match the input dtype %s", weights.DType(), x.DType())
	}

	// Weights are (Cin, Cout/group, kh, kw).
	xDims := x.Dims()
	channels, group := xDims[3], cfg.group
	outChannels := wDims[1] * group
	if wDims[0] != channels || channels%group != 0 {
		c.shapeErrorf("input with %d channels and weights shaped %v are not compatible with group=%d",
			channels, wDims, group)
	}
	if bias != nil && (bias.Rank() != 1 || bias.Shape().Dimensions[0] != outChannels) {
		c.shapeErrorf("bias shaped %s, expected [%d]", bias.Shape(), outChannels)
	}

	// Expected output size per spatial axis.
	expected := make([]int, 2)
	for axis := range 2 {
		expected[axis] = (xDims[axis+1]-1)*cfg.strides[axis] + outputPadding[axis] +
			(cfg.kernel[axis]-1)*cfg.dilations[axis] + 1 - cfg.pads[axis] - cfg.pads[axis+2]
		if expected[axis] <= 0 {
			c.shapeErrorf("output spatial dimension %d would be %d", axis, expected[axis])
		}
	}

	// Zero insertion between input elements, and edge padding: negative edges are cropped afterwards.
	xNode := c.nodeOf(x)
	padAxes := []backends.PadAxis{{}, {}, {}, {}}
	crops := make([][2]int, 2)
	for axis := range 2 {
		span := cfg.dilations[axis] * (cfg.kernel[axis] - 1)
		edges := [2]int{span - cfg.pads[axis], span - cfg.pads[axis+2] + outputPadding[axis]}
		padAxis := backends.PadAxis{Interior: cfg.strides[axis] - 1}
		for side, edge := range edges {
			if edge < 0 {
				crops[axis][side] = -edge
				edge = 0
			}
			if side == 0 {
				padAxis.Start = edge
			} else {
				padAxis.End = edge
			}
		}
		padAxes[axis+1] = padAxis
	}
	xNode = graph.Pad(xNode, c.scalar(xNode.DType(), 0), padAxes...)
	for axis, crop := range crops {
		if crop[0] > 0 || crop[1] > 0 {
			dim := xNode.Shape().Dimensions[axis+1]
			xNode = graph.SliceAxis(xNode, axis+1, graph.AxisRange(crop[0], dim-crop[1]))
		}
	}

	// Kernel: reversed spatially, then (kh, kw, Cin, Cout/group).
	kernel := hostops.Transpose(hostops.Reverse(weights, 2, 3), 2, 3, 0, 1)
	unitStrides := []int{1, 1}
	var y *graph.Node
	if group == 1 {
		y = convolve(xNode, c.variable("", "weights", kernel), unitStrides, cfg.dilations, nil, 1)
		if bias != nil {
			y = addBias(y, c.variable("", "bias", bias))
		}
	} else {
		c.report(layout.GroupedConvolutionSplit, "transposed convolution with %d groups of %d input channels",
			group, channels/group)
		groupKernels := hostops.Split(kernel, 2, group)
		var groupBias []*tensors.Tensor
		if bias != nil {
			groupBias = hostops.Split(bias, 0, group)
		}
		groupChannels := channels / group
		parts := make([]*graph.Node, group)
		for gi := range group {
			scope := fmt.Sprintf("group_%03d", gi)
			xPart := graph.SliceAxis(xNode, 3, graph.AxisRange(gi*groupChannels, (gi+1)*groupChannels))
			parts[gi] = convolve(xPart, c.variable(scope, "weights", groupKernels[gi]), unitStrides, cfg.dilations, nil, 1)
			if bias != nil {
				parts[gi] = addBias(parts[gi], c.variable(scope, "bias", groupBias[gi]))
			}
		}
		y = graph.Concatenate(parts, 3)
	}

	if got := y.Shape().Dimensions[1:3]; !slices.Equal(got, expected) {
		c.shapeErrorf("transposed convolution built output spatial dimensions %v, expected %v", got, expected)
	}
	return []*layout.Tensor{layout.NewSymbolic(y, layout.Interleaved)}
}
