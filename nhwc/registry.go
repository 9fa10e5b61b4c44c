package nhwc

import (
	"maps"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/onnx-nhwc/layout"
	"github.com/gomlx/onnx-nhwc/onnx"
	"github.com/pkg/errors"
)

// opFunc implements one ONNX operator: it takes the node inputs by position (omitted optional inputs are nil)
// and returns one output per node output.
//
// Implementations report errors by panicking, like GoMLX graph building functions.
type opFunc func(c *nodeConverter, inputs []*layout.Tensor, attrs Attributes) []*layout.Tensor

type registryEntry struct {
	opType string
	fn     opFunc
}

// registry maps lower-cased ONNX operator types to their implementation.
var registry = newRegistry(map[string]opFunc{
	// Convolutions.
	"Conv":          convertConv,
	"ConvTranspose": convertConvTranspose,

	// Pooling and normalization.
	"MaxPool":            convertMaxPool,
	"AveragePool":        convertAveragePool,
	"GlobalAveragePool":  convertGlobalAveragePool,
	"BatchNormalization": convertBatchNormalization,

	// Activations and unary operators.
	"Relu":      convertRelu,
	"LeakyRelu": convertLeakyRelu,
	"Sigmoid":   convertSigmoid,
	"Softmax":   convertSoftmax,
	"PRelu":     convertPRelu,
	"Clip":      convertClip,
	"Sqrt":      unaryOp(graph.Sqrt),
	"Abs":       unaryOp(graph.Abs),
	"Neg":       unaryOp(graph.Neg),
	"Floor":     unaryOp(graph.Floor),
	"Identity":  convertIdentity,

	// Elementwise binary operators.
	"Add":     binaryOp(graph.Add),
	"Sub":     binaryOp(graph.Sub),
	"Mul":     convertMul,
	"Div":     binaryOp(graph.Div),
	"Equal":   binaryOp(graph.Equal),
	"Greater": binaryOp(graph.GreaterThan),
	"And":     binaryOp(graph.LogicalAnd),

	// Shapes and data movement.
	"Shape":      convertShape,
	"Gather":     convertGather,
	"Slice":      convertSlice,
	"Cast":       convertCast,
	"Reshape":    convertReshape,
	"Concat":     convertConcat,
	"Transpose":  convertTranspose,
	"Squeeze":    convertSqueeze,
	"Unsqueeze":  convertUnsqueeze,
	"Flatten":    convertFlatten,
	"Constant":   convertConstant,
	"Pad":        convertPad,
	"ReduceMean": convertReduceMean,

	// Dense.
	"Gemm":   convertGemm,
	"MatMul": convertMatMul,

	// Resizing.
	"Resize":   convertResize,
	"Upsample": convertUpsample,
})

func newRegistry(ops map[string]opFunc) map[string]registryEntry {
	r := make(map[string]registryEntry, len(ops))
	for opType, fn := range ops {
		r[strings.ToLower(opType)] = registryEntry{opType: opType, fn: fn}
	}
	return r
}

// SupportedOperators returns the sorted list of the ONNX operator types that can be translated.
func SupportedOperators() []string {
	opTypes := make([]string, 0, len(registry))
	for entry := range maps.Values(registry) {
		opTypes = append(opTypes, entry.opType)
	}
	slices.Sort(opTypes)
	return opTypes
}

// isDefaultDomain returns whether the domain is the default ONNX operator set.
func isDefaultDomain(domain string) bool {
	return domain == "" || domain == "ai.onnx"
}

// dispatch decodes the attributes of the node, calls the operator implementation and checks that it returned
// a value for every named node output.
//
// Panics of the implementation are returned as errors.
func (c *nodeConverter) dispatch(node *onnx.Node, inputs []*layout.Tensor) (outputs []*layout.Tensor, err error) {
	if !isDefaultDomain(node.Domain) {
		return nil, errors.Wrapf(ErrUnsupportedOperator, "%s of domain %q in node %q", node.OpType, node.Domain, node.Name)
	}
	entry, found := registry[strings.ToLower(node.OpType)]
	if !found {
		return nil, errors.Wrapf(ErrUnsupportedOperator, "%s in node %q", node.OpType, node.Name)
	}
	attrs, err := decodeAttributes(node)
	if err != nil {
		return nil, err
	}
	err = exceptions.TryCatch[error](func() { outputs = entry.fn(c, inputs, attrs) })
	if err != nil {
		return nil, errors.WithMessagef(err, "while converting %s", node)
	}
	if len(outputs) > len(node.Outputs) {
		return nil, errors.Wrapf(ErrGraphIntegrity, "%s produced %d outputs, but node declares %d outputs %q",
			node.OpType, len(outputs), len(node.Outputs), node.Outputs)
	}
	for ii, name := range node.Outputs {
		if name != "" && (ii >= len(outputs) || outputs[ii] == nil) {
			return nil, errors.Wrapf(ErrGraphIntegrity, "%s produced no value for output #%d (%q)",
				node.OpType, ii, name)
		}
	}
	return outputs, nil
}
