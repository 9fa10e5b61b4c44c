// Package nhwc translates ONNX models, whose image tensors are channels-first (NCHW), into GoMLX graphs whose
// image tensors are channels-last (NHWC).
//
// Every intermediate value is tracked with its layout (see package layout), and layout conversions are only inserted
// where an operator requires them: the number of data-moving transpositions inserted is reported in the
// Model diagnostics.
//
// Example:
//
//	source := must.M1(onnx.ReadFile("resnet50.onnx"))
//	model := must.M1(nhwc.NewConverter(source).DecomposeGroupedConvolutions(true).Convert(backend))
//	fmt.Printf("%d transpositions inserted\n", model.TransposeCount())
//	outputs := must.M1(model.Exec(images)) // images shaped [batch, height, width, channels].
//
// The translation is partial and fails closed: anything outside the supported subset of operators and attributes
// returns an error (see ErrUnsupportedOperator, ErrNotImplemented and the other sentinel errors).
package nhwc

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/onnx-nhwc/layout"
	"github.com/gomlx/onnx-nhwc/onnx"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DefaultBatchSize is used to trace a model whose inputs have an unknown batch dimension.
const DefaultBatchSize = 1

// Converter configures the translation of an ONNX model. Create it with NewConverter, configure it with
// its chained methods and call Convert.
type Converter struct {
	source    *onnx.Model
	decompose bool
	batchSize int
	ctx       *context.Context
}

// NewConverter creates a Converter for the source model.
func NewConverter(source *onnx.Model) *Converter {
	return &Converter{source: source, batchSize: DefaultBatchSize}
}

// DecomposeGroupedConvolutions configures whether grouped convolutions (group > 1) are translated as one convolution
// per group, concatenated on the channels axis, instead of a single convolution with ChannelGroupCount.
// Depthwise convolutions (group equal to the number of input channels) are never decomposed.
//
// Default is false. Transposed convolutions with group > 1 are always decomposed.
func (c *Converter) DecomposeGroupedConvolutions(decompose bool) *Converter {
	c.decompose = decompose
	return c
}

// WithBatchSize sets the batch size used to trace the model during Convert, for inputs with an unknown batch
// dimension. Default is DefaultBatchSize.
func (c *Converter) WithBatchSize(batchSize int) *Converter {
	c.batchSize = batchSize
	return c
}

// WithContext sets the context where the model variables are created, under ModelScope.
// If not set, a new context is created.
func (c *Converter) WithContext(ctx *context.Context) *Converter {
	c.ctx = ctx
	return c
}

// Convert is a shortcut to NewConverter(source).Convert(backend).
func Convert(backend backends.Backend, source *onnx.Model) (*Model, error) {
	return NewConverter(source).Convert(backend)
}

// Convert translates the model: it traces the whole graph once, surfacing any error, and collects the
// diagnostics of the translation.
//
// No Model is returned if any node fails to translate.
func (c *Converter) Convert(backend backends.Backend) (*Model, error) {
	source := c.source
	if source == nil || source.Graph == nil {
		return nil, errors.New("nhwc.Convert: nil source model")
	}
	if source.NumFunctions > 0 {
		return nil, errors.Wrapf(ErrNotImplemented, "model has %d local functions", source.NumFunctions)
	}
	if source.Graph.NumSparseInitializers > 0 {
		return nil, errors.Wrapf(ErrNotImplemented, "model has %d sparse initializers", source.Graph.NumSparseInitializers)
	}
	if c.batchSize <= 0 {
		return nil, errors.Errorf("nhwc.Convert: invalid batch size %d", c.batchSize)
	}
	ctx := c.ctx
	if ctx == nil {
		ctx = context.New()
	}
	m := &Model{
		source:      source,
		backend:     backend,
		ctx:         ctx,
		decompose:   c.decompose,
		batchSize:   c.batchSize,
		outputNames: source.OutputsNames(),
	}
	if err := m.loadInitializers(); err != nil {
		return nil, err
	}
	if err := m.loadInputs(); err != nil {
		return nil, err
	}

	// Validation trace, in a graph that is never compiled.
	g := graph.NewGraph(backend, "onnx-nhwc")
	defer g.Finalize()
	var outputs []*layout.Tensor
	var traceErr error
	err := exceptions.TryCatch[error](func() {
		inputShapes := m.InputShapes(c.batchSize)
		params := make([]*graph.Node, len(m.inputNames))
		for ii, name := range m.inputNames {
			params[ii] = graph.Parameter(g, name, inputShapes[ii])
		}
		outputs, m.diagnostics, traceErr = m.trace(ctx, g, params)
	})
	if err == nil {
		err = traceErr
	}
	if err != nil {
		return nil, err
	}
	m.outputLayouts = sliceMap(outputs, func(t *layout.Tensor) layout.Layout { return t.Layout() })
	klog.V(1).Infof("converted model with %d nodes: %d diagnostics, %d transpositions inserted",
		len(source.Graph.Nodes), len(m.diagnostics), m.TransposeCount())
	return m, nil
}

// loadInitializers materializes every initializer on the host. External data is memory mapped.
func (m *Model) loadInitializers() (err error) {
	m.initializers, err = m.source.InitializerValues()
	return err
}

// loadInputs checks that the declared inputs are 4D images, where only the batch dimension may be unknown,
// and records their channels-last dimensions.
func (m *Model) loadInputs() error {
	inputs := make(map[string]*onnx.ValueInfo, len(m.source.Graph.Inputs))
	for _, vi := range m.source.Graph.Inputs {
		inputs[vi.Name] = vi
	}
	m.inputNames = m.source.InputsNames()
	m.inputDims = make([][]int, len(m.inputNames))
	m.inputDTypes = make([]dtypes.DType, len(m.inputNames))
	for ii, name := range m.inputNames {
		vi := inputs[name]
		if !vi.HasShape || len(vi.Dims) != 4 {
			return errors.Wrapf(ErrShape, "input %q must be a 4D image tensor, got dimensions %v", name, vi.Dims)
		}
		dtype, err := onnx.DTypeForONNX(vi.ElemType)
		if err != nil {
			return errors.Wrapf(ErrNotImplemented, "input %q: %v", name, err)
		}
		nchw := make([]int, 4)
		for axis, dim := range vi.Dims {
			switch {
			case dim.IsKnown():
				nchw[axis] = int(dim.Value)
			case axis == 0:
				nchw[axis] = -1
			default:
				return errors.Wrapf(ErrShape, "input %q: only the batch dimension can be unknown, got dimensions %v", name, vi.Dims)
			}
		}
		m.inputDims[ii] = sliceMap(layout.ToInterleaved, func(axis int) int { return nchw[axis] })
		m.inputDTypes[ii] = dtype
	}
	return nil
}
