package nhwc

import (
	"math"

	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	timage "github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/onnx-nhwc/internal/hostops"
	"github.com/gomlx/onnx-nhwc/layout"
)

// pool2DConfig holds the validated attributes of MaxPool and AveragePool.
type pool2DConfig struct {
	kernel, strides, pads []int
}

// parsePool2DConfig reads and validates the attributes common to the 2D pooling operators.
func (c *nodeConverter) parsePool2DConfig(attrs Attributes) pool2DConfig {
	if autoPad := attrs.String("auto_pad", "NOTSET"); autoPad != "NOTSET" {
		c.notImplementedf("auto_pad=%q not supported, only explicit pads", autoPad)
	}
	if ceilMode := attrs.Int("ceil_mode", 0); ceilMode != 0 {
		c.notImplementedf("ceil_mode=%d not supported", ceilMode)
	}
	cfg := pool2DConfig{
		kernel:  attrs.Ints("kernel_shape", nil),
		strides: attrs.Ints("strides", []int{1, 1}),
		pads:    attrs.Ints("pads", []int{0, 0, 0, 0}),
	}
	if len(cfg.kernel) != 2 {
		c.notImplementedf("only 2D pooling is supported, got kernel_shape=%v", cfg.kernel)
	}
	if len(cfg.strides) != 2 || len(cfg.pads) != 4 {
		c.shapeErrorf("2D pooling requires 2 strides and 4 pads, got %v and %v", cfg.strides, cfg.pads)
	}
	return cfg
}

// convertMaxPool converts a 2D ONNX MaxPool. Pads are inserted as a separate padding with -inf.
//
// See ONNX documentation in:
// https://onnx.ai/onnx/operators/onnx__MaxPool.html
func convertMaxPool(c *nodeConverter, inputs []*layout.Tensor, attrs Attributes) []*layout.Tensor {
	c.requireInputs(inputs, 1)
	c.singleOutput()
	cfg := c.parsePool2DConfig(attrs)
	if dilations := attrs.Ints("dilations", []int{1, 1}); !allEqual(dilations, 1) {
		c.notImplementedf("dilations=%v not supported", dilations)
	}
	if storageOrder := attrs.Int("storage_order", 0); storageOrder != 0 {
		c.notImplementedf("storage_order=%d not supported", storageOrder)
	}
	x := c.interleaved(inputs[0])
	if !x.DType().IsFloat() {
		c.notImplementedf("MaxPool of %s not supported, only float dtypes", x.DType())
	}
	y := c.nodeOf(x)
	if !allEqual(cfg.pads, 0) {
		y = c.padSpatial(y, [2]int{cfg.pads[0], cfg.pads[2]}, [2]int{cfg.pads[1], cfg.pads[3]}, math.Inf(-1))
	}
	y = graph.MaxPool(y).ChannelsAxis(timage.ChannelsLast).
		WindowPerAxis(cfg.kernel...).
		StridePerAxis(cfg.strides...).
		Done()
	return []*layout.Tensor{layout.NewSymbolic(y, layout.Interleaved)}
}

// convertAveragePool converts a 2D ONNX AveragePool. Pads are only supported when they are included in the
// average (count_include_pad=1), and are inserted as a separate zero padding.
//
// See ONNX documentation in:
// https://onnx.ai/onnx/operators/onnx__AveragePool.html
func convertAveragePool(c *nodeConverter, inputs []*layout.Tensor, attrs Attributes) []*layout.Tensor {
	c.requireInputs(inputs, 1)
	cfg := c.parsePool2DConfig(attrs)
	if dilations := attrs.Ints("dilations", []int{1, 1}); !allEqual(dilations, 1) {
		c.notImplementedf("dilations=%v not supported", dilations)
	}
	x := c.interleaved(inputs[0])
	y := c.nodeOf(x)
	if !allEqual(cfg.pads, 0) {
		if attrs.Int("count_include_pad", 0) == 0 {
			c.notImplementedf("pads=%v require count_include_pad=1", cfg.pads)
		}
		y = c.padSpatial(y, [2]int{cfg.pads[0], cfg.pads[2]}, [2]int{cfg.pads[1], cfg.pads[3]}, 0)
	}
	y = graph.MeanPool(y).ChannelsAxis(timage.ChannelsLast).
		WindowPerAxis(cfg.kernel...).
		StridePerAxis(cfg.strides...).
		Done()
	return []*layout.Tensor{layout.NewSymbolic(y, layout.Interleaved)}
}

// convertGlobalAveragePool averages over the spatial axes, keeping them with dimension 1.
//
// See ONNX documentation in:
// https://onnx.ai/onnx/operators/onnx__GlobalAveragePool.html
func convertGlobalAveragePool(c *nodeConverter, inputs []*layout.Tensor, _ Attributes) []*layout.Tensor {
	c.requireInputs(inputs, 1)
	x := c.interleaved(inputs[0])
	y := graph.ReduceAndKeep(c.nodeOf(x), graph.ReduceMean, 1, 2)
	return []*layout.Tensor{layout.NewSymbolic(y, layout.Interleaved)}
}

// convertBatchNormalization converts the inference form of ONNX BatchNormalization: the statistics are folded
// into a per-channel multiplier and offset.
//
// See ONNX documentation in:
// https://onnx.ai/onnx/operators/onnx__BatchNormalization.html
func convertBatchNormalization(c *nodeConverter, inputs []*layout.Tensor, attrs Attributes) []*layout.Tensor {
	c.requireInputs(inputs, 5)
	c.singleOutput()
	if trainingMode := attrs.Int("training_mode", 0); trainingMode != 0 {
		c.notImplementedf("training_mode=%d not supported", trainingMode)
	}
	if spatial := attrs.Int("spatial", 1); spatial != 1 {
		c.notImplementedf("spatial=%d not supported", spatial)
	}
	epsilon := float64(attrs.Float("epsilon", 1e-5))
	x := inputs[0]
	if x.Rank() < 2 {
		c.shapeErrorf("input must have rank >= 2, got %s", x.Shape())
	}
	channelsAxis := 1
	if x.Layout() == layout.Interleaved {
		channelsAxis = 3
	}
	channels := x.Dims()[channelsAxis]
	params := make([]*tensors.Tensor, 4)
	for ii, name := range []string{"scale", "bias", "mean", "variance"} {
		params[ii] = c.constantValue(inputs[ii+1], name)
		if params[ii].Shape().Size() != channels {
			c.shapeErrorf("%s must have %d values (channels), got %s", name, channels, params[ii].Shape())
		}
		params[ii] = hostops.Reshape(params[ii], channels)
	}
	dtype := x.DType()
	multiplier := c.fold(func(in []*graph.Node) *graph.Node {
		scale, variance := graph.ConvertDType(in[0], dtype), graph.ConvertDType(in[1], dtype)
		return graph.Div(scale, graph.Sqrt(graph.Add(variance, filled(variance, epsilon))))
	}, params[0], params[3])
	offset := c.fold(func(in []*graph.Node) *graph.Node {
		bias, mean := graph.ConvertDType(in[0], dtype), graph.ConvertDType(in[1], dtype)
		return graph.Sub(bias, graph.Mul(mean, in[2]))
	}, params[1], params[2], multiplier)

	// Parameters shaped to broadcast on the channels axis.
	paramDims := make([]int, x.Rank())
	for axis := range paramDims {
		paramDims[axis] = 1
	}
	paramDims[channelsAxis] = channels
	xNode := c.nodeOf(x)
	dims := xNode.Shape().Dimensions
	multiplierNode := c.variable("", "multiplier", hostops.Reshape(multiplier, paramDims...))
	offsetNode := c.variable("", "offset", hostops.Reshape(offset, paramDims...))
	y := graph.Add(
		graph.Mul(xNode, graph.BroadcastToDims(multiplierNode, dims...)),
		graph.BroadcastToDims(offsetNode, dims...))
	return []*layout.Tensor{layout.NewSymbolic(y, x.Layout())}
}
