// Package layout tracks the physical axis order of the values of a translated graph, and
// negotiates the conversions between them.
//
// Every value is a *Tensor tagged with a Layout:
//
//   - Generic: the ONNX axis order, for images (batch, channels, height, width).
//   - Constant: a Generic value that is materialized on the host, and can be manipulated
//     numerically without building graph operations (implicit constant folding).
//   - Interleaved: the channels-last axis order (batch, height, width, channels) of the
//     GoMLX image operations.
//
// A Negotiator converts values between layouts, inserting the minimum data movement, and records a
// Diagnostic for every transposition it had to insert.
package layout

import "fmt"

// Layout is the axis order convention of a tensor.
type Layout int

const (
	Generic Layout = iota
	Constant
	Interleaved
)

// String implements fmt.Stringer.
func (l Layout) String() string {
	switch l {
	case Generic:
		return "Generic"
	case Constant:
		return "Constant"
	case Interleaved:
		return "Interleaved"
	default:
		return fmt.Sprintf("Layout(%d)", int(l))
	}
}

// Satisfies returns whether a value in layout from can be used where layout to is required:
// either they are the same, or from is a refinement of to (Constant satisfies Generic).
func Satisfies(from, to Layout) bool {
	return from == to || (from == Constant && to == Generic)
}

// Compatible returns whether a and b can be combined without conversion.
func Compatible(a, b Layout) bool {
	return Satisfies(a, b) || Satisfies(b, a)
}

// Kind tells how a value is materialized.
type Kind int

const (
	// Symbolic values are nodes of the graph being built.
	Symbolic Kind = iota

	// Concrete values are host tensors.
	Concrete
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case Symbolic:
		return "Symbolic"
	case Concrete:
		return "Concrete"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Permutations between the two image layouts.
var (
	ToInterleaved = []int{0, 2, 3, 1}
	ToGeneric     = []int{0, 3, 1, 2}
)

// InterleavedAxis maps an axis of a rank-4 Generic (NCHW) tensor to the same axis of its
// Interleaved (NHWC) version. Negative axes count from the end.
func InterleavedAxis(genericAxis int) int {
	if genericAxis < 0 {
		genericAxis += 4
	}
	return ToGeneric[genericAxis]
}
