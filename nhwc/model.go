package nhwc

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/onnx-nhwc/layout"
	"github.com/gomlx/onnx-nhwc/onnx"
	"github.com/pkg/errors"
)

// Model is a translated ONNX model. Its image inputs are channels-last, shaped [batch, height, width, channels].
//
// It can be used as a GoMLX graph building function with BuildGraph, or executed directly with Exec.
// The weights of convolutions and dense layers are stored as variables in its context, under ModelScope.
type Model struct {
	source    *onnx.Model
	backend   backends.Backend
	ctx       *context.Context
	decompose bool
	batchSize int

	inputNames  []string
	inputDims   [][]int // Channels-last, -1 for an unknown batch dimension.
	inputDTypes []dtypes.DType
	outputNames []string

	initializers  map[string]*tensors.Tensor
	diagnostics   []layout.Diagnostic
	outputLayouts []layout.Layout

	execMu sync.Mutex
	exec   *context.Exec
}

// Source returns the ONNX model this Model was translated from.
func (m *Model) Source() *onnx.Model { return m.source }

// Context where the model variables are stored.
func (m *Model) Context() *context.Context { return m.ctx }

// InputNames returns the names of the model inputs, in the order they are given to BuildGraph and Exec.
func (m *Model) InputNames() []string { return slices.Clone(m.inputNames) }

// OutputNames returns the names of the model outputs, in the order they are returned.
func (m *Model) OutputNames() []string { return slices.Clone(m.outputNames) }

// InputShapes returns the channels-last shapes of the inputs, using batchSize where the batch dimension is unknown.
func (m *Model) InputShapes(batchSize int) []shapes.Shape {
	inputShapes := make([]shapes.Shape, len(m.inputDims))
	for ii, dims := range m.inputDims {
		dims = slices.Clone(dims)
		if dims[0] < 0 {
			dims[0] = batchSize
		}
		inputShapes[ii] = shapes.Make(m.inputDTypes[ii], dims...)
	}
	return inputShapes
}

// OutputLayouts returns the layout of each output: 4D outputs in the Interleaved layout are channels-last,
// and have to be transposed with layout.ToGeneric to match the original model outputs.
func (m *Model) OutputLayouts() []layout.Layout { return slices.Clone(m.outputLayouts) }

// Diagnostics returns the diagnostics of the translation, in order.
func (m *Model) Diagnostics() []layout.Diagnostic { return slices.Clone(m.diagnostics) }

// TransposeCount returns the number of data-moving transpositions inserted by the layout negotiation.
func (m *Model) TransposeCount() int {
	var count int
	for _, d := range m.diagnostics {
		if d.Kind == layout.TransposeInserted {
			count++
		}
	}
	return count
}

// String implements fmt.Stringer, with a summary of the translated model.
func (m *Model) String() string {
	var sb strings.Builder
	w := func(format string, args ...any) { _, _ = fmt.Fprintf(&sb, format, args...) }
	w("NHWC model (opset %d, %d nodes, %d initializers)\n", m.source.OpsetVersion(),
		len(m.source.Graph.Nodes), len(m.initializers))
	for ii, name := range m.inputNames {
		w("\tinput  %q: %s %v\n", name, m.inputDTypes[ii], m.inputDims[ii])
	}
	for ii, name := range m.outputNames {
		w("\toutput %q: %s\n", name, m.outputLayouts[ii])
	}
	w("\t%d diagnostics, %d transpositions inserted", len(m.diagnostics), m.TransposeCount())
	return sb.String()
}

// checkInputShape returns ErrShape if the ii-th input node doesn't match the declared input.
func (m *Model) checkInputShape(ii int, input *graph.Node) error {
	shape := input.Shape()
	want := m.inputDims[ii]
	if shape.DType != m.inputDTypes[ii] || shape.Rank() != len(want) {
		return errors.Wrapf(ErrShape, "input #%d (%q) must be %s%v (channels-last), got %s",
			ii, m.inputNames[ii], m.inputDTypes[ii], want, shape)
	}
	for axis, dim := range want {
		if dim >= 0 && shape.Dimensions[axis] != dim {
			return errors.Wrapf(ErrShape, "input #%d (%q) must be %s%v (channels-last), got %s",
				ii, m.inputNames[ii], m.inputDTypes[ii], want, shape)
		}
	}
	return nil
}

// BuildGraph builds the translated model in the graph of the inputs, which must be given in the order of
// InputNames, channels-last. It returns the outputs in the order of OutputNames.
//
// Variables are created in ctx under ModelScope. If ctx is nil, the Model context is used.
// Like other GoMLX graph building functions, it panics on errors.
func (m *Model) BuildGraph(ctx *context.Context, inputs ...*graph.Node) []*graph.Node {
	if len(inputs) == 0 {
		exceptions.Panicf("nhwc.Model.BuildGraph requires the %d model inputs %q", len(m.inputNames), m.inputNames)
	}
	if ctx == nil {
		ctx = m.ctx
	}
	g := inputs[0].Graph()
	outputs, _, err := m.trace(ctx, g, inputs)
	if err != nil {
		panic(err)
	}
	return sliceMap(outputs, func(t *layout.Tensor) *graph.Node { return t.Node(g) })
}

// Exec executes the model on the given channels-last inputs, using the Model context.
// The executable is compiled on first use, and re-compiled for each new input shape.
func (m *Model) Exec(inputs ...*tensors.Tensor) (outputs []*tensors.Tensor, err error) {
	m.execMu.Lock()
	defer m.execMu.Unlock()
	err = exceptions.TryCatch[error](func() {
		if m.exec == nil {
			m.exec = context.MustNewExec(m.backend, m.ctx, func(ctx *context.Context, inputs []*graph.Node) []*graph.Node {
				return m.BuildGraph(ctx, inputs...)
			})
		}
		outputs = m.exec.MustExec(sliceMap(inputs, func(t *tensors.Tensor) any { return t })...)
	})
	if err != nil {
		return nil, errors.WithMessage(err, "while executing NHWC model")
	}
	return outputs, nil
}

// Finalize releases the compiled executable, if any. The Model can still be used afterwards.
func (m *Model) Finalize() {
	m.execMu.Lock()
	defer m.execMu.Unlock()
	if m.exec != nil {
		m.exec.Finalize()
		m.exec = nil
	}
}
