package nhwc

import (
	"fmt"
	"slices"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/onnx-nhwc/internal/hostops"
	"github.com/gomlx/onnx-nhwc/layout"
	"github.com/gomlx/onnx-nhwc/onnx"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// nodeConverter holds the state of one graph trace: the graph being built, the layout negotiator and the
// node currently being translated. Operator implementations get it as their first argument.
type nodeConverter struct {
	ctx        *context.Context
	g          *graph.Graph
	negotiator *layout.Negotiator
	opset      int
	decompose  bool

	// node being translated.
	node *onnx.Node
}

// trace builds the translated graph in g, given the input nodes (in channels-last layout) in the order of
// m.InputNames(). It returns the tagged graph outputs and the diagnostics of the trace.
//
// The phases are: seed the environment with initializers and inputs, propagate through the nodes in declaration
// order, and collect the declared outputs. The first error aborts the trace.
func (m *Model) trace(ctx *context.Context, g *graph.Graph, inputs []*graph.Node) (
	outputs []*layout.Tensor, diagnostics []layout.Diagnostic, err error) {
	c := &nodeConverter{
		ctx:        ctx.In(ModelScope).Checked(false),
		g:          g,
		negotiator: layout.NewNegotiator(g),
		opset:      m.source.OpsetVersion(),
		decompose:  m.decompose,
	}

	// Seed.
	if len(inputs) != len(m.inputNames) {
		return nil, nil, errors.Errorf("model has %d inputs %q, but %d were given", len(m.inputNames), m.inputNames, len(inputs))
	}
	env := make(map[string]*layout.Tensor, len(m.initializers)+len(inputs)+len(m.source.Graph.Nodes))
	for name, value := range m.initializers {
		env[name] = layout.NewConcrete(value, layout.Constant)
	}
	for ii, input := range inputs {
		if err = m.checkInputShape(ii, input); err != nil {
			return nil, nil, err
		}
		env[m.inputNames[ii]] = layout.NewSymbolic(input, layout.Interleaved)
	}

	// Propagate.
	nodes := m.source.Graph.Nodes
	for ii, node := range nodes {
		err = c.convertNode(node, env)
		if err != nil {
			return nil, nil, errors.WithMessagef(err, "while converting node %d out of %d", ii, len(nodes))
		}
	}

	// Finalize.
	outputs = make([]*layout.Tensor, len(m.outputNames))
	for ii, name := range m.outputNames {
		t, found := env[name]
		if !found {
			return nil, nil, errors.Wrapf(ErrGraphIntegrity, "graph output %q is not produced by any node", name)
		}
		outputs[ii] = t
	}
	return outputs, c.negotiator.Diagnostics(), nil
}

// convertNode resolves the inputs of node, dispatches it, and binds its outputs in env.
// Nothing is bound if the conversion fails.
func (c *nodeConverter) convertNode(node *onnx.Node, env map[string]*layout.Tensor) error {
	c.node = node
	c.negotiator.SetNode(fmt.Sprintf("%s(%s)", node.OpType, c.nodeName()))
	inputs := make([]*layout.Tensor, len(node.Inputs))
	for ii, name := range node.Inputs {
		if name == "" {
			continue
		}
		t, found := env[name]
		if !found {
			return errors.Wrapf(ErrGraphIntegrity, "input %q of %s is not defined", name, node)
		}
		inputs[ii] = t
	}
	outputs, err := c.dispatch(node, inputs)
	if err != nil {
		return err
	}
	for ii, name := range node.Outputs {
		if name != "" {
			env[name] = outputs[ii]
		}
	}
	if klog.V(1).Enabled() {
		klog.Infof("converted %s -> %s", node, outputs)
	}
	return nil
}

// nodeName returns the node name, or its first output name if the node is unnamed.
func (c *nodeConverter) nodeName() string {
	if c.node.Name != "" || len(c.node.Outputs) == 0 {
		return c.node.Name
	}
	return c.node.Outputs[0]
}

// notImplementedf panics with ErrNotImplemented, describing the unsupported configuration of the current node.
func (c *nodeConverter) notImplementedf(format string, args ...any) {
	panic(errors.Wrapf(ErrNotImplemented, "%s(%q): %s", c.node.OpType, c.nodeName(), fmt.Sprintf(format, args...)))
}

// shapeErrorf panics with ErrShape.
func (c *nodeConverter) shapeErrorf(format string, args ...any) {
	panic(errors.Wrapf(ErrShape, "%s(%q): %s", c.node.OpType, c.nodeName(), fmt.Sprintf(format, args...)))
}

// requireInputs panics with ErrGraphIntegrity if any of the first n inputs is missing.
func (c *nodeConverter) requireInputs(inputs []*layout.Tensor, n int) {
	if len(inputs) < n {
		panic(errors.Wrapf(ErrGraphIntegrity, "%s(%q) requires %d inputs, got %d", c.node.OpType, c.nodeName(), n, len(inputs)))
	}
	for ii, input := range inputs[:n] {
		if input == nil {
			panic(errors.Wrapf(ErrGraphIntegrity, "%s(%q) input #%d is required", c.node.OpType, c.nodeName(), ii))
		}
	}
}

// singleOutput panics with ErrNotImplemented if the node uses any of its optional outputs after the first.
func (c *nodeConverter) singleOutput() {
	for _, name := range c.node.Outputs[1:] {
		if name != "" {
			c.notImplementedf("optional output %q not supported", name)
		}
	}
}

// optionalInput returns inputs[idx], or nil if it was not given.
func optionalInput(inputs []*layout.Tensor, idx int) *layout.Tensor {
	if idx >= len(inputs) {
		return nil
	}
	return inputs[idx]
}

// convert returns t converted to the target layout, or panics.
func (c *nodeConverter) convert(t *layout.Tensor, target layout.Layout) *layout.Tensor {
	return must.M1(c.negotiator.Convert(t, target))
}

// interleaved returns t converted to the Interleaved layout. It must be of rank 4.
func (c *nodeConverter) interleaved(t *layout.Tensor) *layout.Tensor {
	return c.convert(t, layout.Interleaved)
}

// generic returns t converted to the Generic (or Constant) layout.
func (c *nodeConverter) generic(t *layout.Tensor) *layout.Tensor {
	return c.convert(t, layout.Generic)
}

// nodeOf returns the graph node of t, materializing concrete values as constants.
func (c *nodeConverter) nodeOf(t *layout.Tensor) *graph.Node {
	return t.Node(c.g)
}

// fold computes fn over concrete values by executing it once in a separate graph, on the backend of the trace.
// Operators use it to keep constant sub-expressions (shape arithmetic, masks, casts) concrete.
func (c *nodeConverter) fold(fn func(inputs []*graph.Node) *graph.Node, values ...*tensors.Tensor) *tensors.Tensor {
	args := make([]any, len(values))
	for ii, value := range values {
		args[ii] = value
	}
	result, err := graph.ExecOnce(c.g.Backend(), fn, args...)
	if err != nil {
		panic(errors.WithMessagef(err, "%s(%q): folding constant inputs", c.node.OpType, c.nodeName()))
	}
	return result
}

// constantValue returns the host value of t in the ONNX (Generic) axis order.
// It panics with ErrNotImplemented if t is not concrete, since the operator requires a static value for it.
func (c *nodeConverter) constantValue(t *layout.Tensor, what string) *tensors.Tensor {
	if !t.IsConcrete() {
		c.notImplementedf("%s must be a constant (an initializer or a value computed from constants), got %s", what, t)
	}
	return c.convert(t, layout.Constant).Value()
}

// constantInts returns the host value of the integer tensor t, flattened.
func (c *nodeConverter) constantInts(t *layout.Tensor, what string) []int {
	value := c.constantValue(t, what)
	if !value.DType().IsInt() {
		c.notImplementedf("%s must be an integer tensor, got %s", what, value.Shape())
	}
	return hostops.ToInts(value)
}

// constantScalar returns the value of a constant with one element as a float64.
func (c *nodeConverter) constantScalar(t *layout.Tensor, what string) float64 {
	value := c.constantValue(t, what)
	if value.Shape().Size() != 1 {
		c.notImplementedf("%s must have exactly one element, got %s", what, value.Shape())
	}
	return hostops.ToFloat64s(value)[0]
}

// variable returns the graph node of a variable holding value, created under a scope named after the first
// output of the current node.
// The optional subScope is used for the parts of a decomposed operator.
//
// Variables are force-set with value, and reused by later traces of the same Model.
func (c *nodeConverter) variable(subScope, name string, value *tensors.Tensor) *graph.Node {
	scope := c.ctx.In(SafeVarName(c.node.Outputs[0]))
	if subScope != "" {
		scope = scope.In(subScope)
	}
	return scope.VariableWithValue(name, value).ValueGraph(c.g)
}

// report adds a diagnostic attributed to the current node.
func (c *nodeConverter) report(kind layout.DiagnosticKind, format string, args ...any) {
	c.negotiator.Report(kind, format, args...)
}

// genericDims returns the dimensions of t in ONNX axis order, whatever its layout.
func genericDims(t *layout.Tensor) []int {
	dims := t.Dims()
	if t.Layout() != layout.Interleaved {
		return dims
	}
	return sliceMap(layout.ToGeneric, func(axis int) int { return dims[axis] })
}

// normalizeAxis converts a negative axis to its positive version, and panics with ErrShape if out of range.
func (c *nodeConverter) normalizeAxis(axis, rank int) int {
	adjusted := axis
	if adjusted < 0 {
		adjusted += rank
	}
	if adjusted < 0 || adjusted >= rank {
		c.shapeErrorf("axis %d out of range for rank %d", axis, rank)
	}
	return adjusted
}

// normalizeAxes normalizes each axis, and returns them sorted.
func (c *nodeConverter) normalizeAxes(axes []int, rank int) []int {
	normalized := sliceMap(axes, func(axis int) int { return c.normalizeAxis(axis, rank) })
	slices.Sort(normalized)
	return normalized
}

// scalar returns a scalar constant node of the given dtype.
func (c *nodeConverter) scalar(dtype dtypes.DType, value float64) *graph.Node {
	return graph.Scalar(c.g, dtype, value)
}
