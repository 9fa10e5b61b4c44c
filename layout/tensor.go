package layout

import (
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
)

// Tensor is an immutable value of the translated graph tagged with its layout: either a graph node
// (Symbolic) or a host tensor (Concrete).
//
// The layout always describes the actual axis order of the value: transformations create new
// Tensors instead of re-tagging existing ones.
type Tensor struct {
	layout Layout
	kind   Kind
	node   *graph.Node
	value  *tensors.Tensor
}

// NewSymbolic tags a graph node with the given layout.
// Constant is a property of host values only: a node tagged Constant is stored as Generic.
func NewSymbolic(node *graph.Node, l Layout) *Tensor {
	if node == nil {
		exceptions.Panicf("layout.NewSymbolic: nil node")
	}
	if l == Constant {
		l = Generic
	}
	return &Tensor{layout: l, kind: Symbolic, node: node}
}

// NewConcrete tags a host tensor with the given layout. A host value tagged Generic is stored as
// Constant, its most refined layout.
func NewConcrete(value *tensors.Tensor, l Layout) *Tensor {
	if value == nil {
		exceptions.Panicf("layout.NewConcrete: nil value")
	}
	if l == Generic {
		l = Constant
	}
	return &Tensor{layout: l, kind: Concrete, value: value}
}

// NewConstant is a shortcut to NewConcrete(tensors.FromAnyValue(value), Constant).
func NewConstant(value any) *Tensor {
	return NewConcrete(tensors.FromAnyValue(value), Constant)
}

// Layout of the tensor.
func (t *Tensor) Layout() Layout { return t.layout }

// Kind of the tensor.
func (t *Tensor) Kind() Kind { return t.kind }

// IsConcrete returns whether the tensor is a host value.
func (t *Tensor) IsConcrete() bool { return t.kind == Concrete }

// IsScalarConstant returns whether the tensor is a rank-0 Constant.
func (t *Tensor) IsScalarConstant() bool {
	return t.layout == Constant && t.Rank() == 0
}

// Shape of the value, in the axis order of its layout.
func (t *Tensor) Shape() shapes.Shape {
	if t.kind == Concrete {
		return t.value.Shape()
	}
	return t.node.Shape()
}

// DType of the value.
func (t *Tensor) DType() dtypes.DType { return t.Shape().DType }

// Rank of the value.
func (t *Tensor) Rank() int { return t.Shape().Rank() }

// Dims returns the dimensions of the value, in the axis order of its layout.
func (t *Tensor) Dims() []int { return t.Shape().Dimensions }

// Value returns the host tensor of a Concrete tensor, or nil for a Symbolic one.
func (t *Tensor) Value() *tensors.Tensor { return t.value }

// Node returns the graph node holding the value: a Concrete tensor is materialized as a constant in g.
func (t *Tensor) Node(g *graph.Graph) *graph.Node {
	if t.kind == Symbolic {
		return t.node
	}
	return graph.Const(g, t.value)
}

// String implements fmt.Stringer.
func (t *Tensor) String() string {
	return fmt.Sprintf("%s %s %s", t.layout, t.kind, t.Shape())
}
