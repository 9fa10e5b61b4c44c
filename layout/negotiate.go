package layout

import (
	"fmt"
	"slices"

	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/onnx-nhwc/internal/hostops"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Negotiator converts tensors between layouts within one graph trace, and collects the
// diagnostics of the conversions it inserts.
//
// It is not safe for concurrent use: a translation owns its Negotiator.
type Negotiator struct {
	g           *graph.Graph
	node        string
	diagnostics []Diagnostic
}

// NewNegotiator creates a Negotiator for the graph g, where symbolic conversions are built.
func NewNegotiator(g *graph.Graph) *Negotiator {
	return &Negotiator{g: g}
}

// Graph being built.
func (n *Negotiator) Graph() *graph.Graph { return n.g }

// SetNode sets the label of the node being translated, used to attribute diagnostics.
func (n *Negotiator) SetNode(label string) {
	n.node = label
}

// Diagnostics returns the diagnostics emitted so far, in order.
func (n *Negotiator) Diagnostics() []Diagnostic {
	return slices.Clone(n.diagnostics)
}

// Report adds a diagnostic attributed to the current node.
func (n *Negotiator) Report(kind DiagnosticKind, format string, args ...any) {
	d := Diagnostic{Kind: kind, Node: n.node, Message: fmt.Sprintf(format, args...)}
	klog.V(1).Infof("diagnostic: %s", d)
	n.diagnostics = append(n.diagnostics, d)
}

// Convert returns t in the target layout.
//
// The conversion table, by (from, to):
//
//   - identical or refinement (Constant to Generic): t itself.
//   - Generic to Interleaved, symbolic rank-4: reshape if height==width==1 or channels==1,
//     otherwise a transposition (reported with a TransposeInserted diagnostic).
//   - Constant to Interleaved, rank-4: permuted on the host, no diagnostic.
//   - Interleaved to Generic or Constant, concrete: permuted on the host, the result is Constant.
//   - Interleaved to Generic, symbolic rank-4: reshape or transposition, as above.
//
// Rank mismatches return ErrShape, any other pair returns ErrUnsupportedConversion.
func (n *Negotiator) Convert(t *Tensor, target Layout) (*Tensor, error) {
	from := t.Layout()
	if Satisfies(from, target) {
		return t, nil
	}
	switch {
	case target == Interleaved:
		// From Generic (symbolic) or Constant.
		if t.Rank() != 4 {
			return nil, errors.Wrapf(ErrShape, "converting %s to %s requires rank 4", t, target)
		}
		if t.IsConcrete() {
			return NewConcrete(hostops.Transpose(t.Value(), ToInterleaved...), Interleaved), nil
		}
		return n.permuteSymbolic(t, ToInterleaved, Interleaved), nil

	case from == Interleaved:
		if t.IsConcrete() {
			// Both Generic and Constant targets are satisfied by a Constant.
			return NewConcrete(hostops.Transpose(t.Value(), ToGeneric...), Constant), nil
		}
		if target == Constant {
			break
		}
		if t.Rank() != 4 {
			return nil, errors.Wrapf(ErrShape, "converting %s to %s requires rank 4", t, target)
		}
		return n.permuteSymbolic(t, ToGeneric, Generic), nil
	}
	return nil, errors.Wrapf(ErrUnsupportedConversion, "from %s to %s", t, target)
}

// permuteSymbolic applies the permutation to a rank-4 node, as a reshape when the axes that move
// are degenerate (so no data moves), or as a transposition otherwise.
func (n *Negotiator) permuteSymbolic(t *Tensor, permutation []int, target Layout) *Tensor {
	x := t.Node(n.g)
	dims := x.Shape().Dimensions
	outDims := make([]int, 4)
	for ii, axis := range permutation {
		outDims[ii] = dims[axis]
	}
	// Spatial dims and channels are at different positions for each layout.
	var spatialSize, channels int
	if t.Layout() == Interleaved {
		spatialSize, channels = dims[1]*dims[2], dims[3]
	} else {
		spatialSize, channels = dims[2]*dims[3], dims[1]
	}
	if spatialSize == 1 || channels == 1 {
		klog.V(2).Infof("%s: %s to %s as a reshape to %v", n.node, t, target, outDims)
		return NewSymbolic(graph.Reshape(x, outDims...), target)
	}
	klog.V(2).Infof("%s: %s to %s with a transposition", n.node, t, target)
	n.Report(TransposeInserted, "%s transposed to %s %v", t, target, outDims)
	return NewSymbolic(graph.TransposeAllAxes(x, permutation...), target)
}

// ReconcilePair returns a and b converted so they can be combined by an elementwise operation:
//
//  1. Compatible layouts are returned unchanged.
//  2. A rank-0 Constant is broadcast to the shape of the other operand, in its layout.
//  3. A Constant operand is converted to the layout of the other one: lower rank constants are
//     first expanded to rank 4 with leading axes of dimension 1 (ONNX broadcasting).
//  4. Otherwise the concrete operand, if any, is converted to the layout of the other. When both are
//     symbolic, a is converted into the layout of b and b is returned unchanged: callers that prefer
//     to keep one operand's layout pass it as b.
func (n *Negotiator) ReconcilePair(a, b *Tensor) (*Tensor, *Tensor, error) {
	if Compatible(a.Layout(), b.Layout()) {
		return a, b, nil
	}
	var err error
	switch {
	case b.IsScalarConstant():
		b = n.broadcastScalar(b, a)
	case a.IsScalarConstant():
		a = n.broadcastScalar(a, b)
	case b.Layout() == Constant:
		b, err = n.convertConstant(b, a.Layout())
	case a.Layout() == Constant:
		a, err = n.convertConstant(a, b.Layout())
	case b.IsConcrete():
		b, err = n.Convert(b, a.Layout())
	default:
		a, err = n.Convert(a, b.Layout())
	}
	if err != nil {
		return nil, nil, err
	}
	return a, b, nil
}

// broadcastScalar expands the rank-0 constant scalar to the shape and layout of like.
func (n *Negotiator) broadcastScalar(scalar, like *Tensor) *Tensor {
	dims := like.Dims()
	if like.IsConcrete() {
		return NewConcrete(hostops.BroadcastTo(scalar.Value(), dims...), like.Layout())
	}
	return NewSymbolic(graph.BroadcastToDims(scalar.Node(n.g), dims...), like.Layout())
}

// convertConstant converts the constant c to target, expanding it to rank 4 first if the target is
// Interleaved.
func (n *Negotiator) convertConstant(c *Tensor, target Layout) (*Tensor, error) {
	if target == Interleaved && c.Rank() < 4 {
		dims := make([]int, 4)
		for ii := range dims {
			dims[ii] = 1
		}
		copy(dims[4-c.Rank():], c.Dims())
		c = NewConcrete(hostops.Reshape(c.Value(), dims...), Constant)
	}
	return n.Convert(c, target)
}

// MustReconcilePair is like ReconcilePair, but panics on error. For use in graph building
// functions, which report errors by panicking.
func (n *Negotiator) MustReconcilePair(a, b *Tensor) (*Tensor, *Tensor) {
	a, b, err := n.ReconcilePair(a, b)
	if err != nil {
		panic(err)
	}
	return a, b
}
