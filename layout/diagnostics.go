package layout

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrUnsupportedConversion is returned when there is no legal conversion path between two layouts.
	ErrUnsupportedConversion = errors.New("unsupported layout conversion")

	// ErrShape is returned when a rank or dimension assumption is violated, e.g. a non-4D tensor
	// converted to Interleaved.
	ErrShape = errors.New("shape error")
)

// DiagnosticKind classifies a Diagnostic.
type DiagnosticKind int

const (
	// TransposeInserted reports a layout conversion that moves data: a candidate for a
	// channels-last fast path in the operator that required it.
	TransposeInserted DiagnosticKind = iota

	// GroupedConvolutionSplit reports a grouped convolution decomposed into one convolution per group.
	GroupedConvolutionSplit
)

// String implements fmt.Stringer.
func (k DiagnosticKind) String() string {
	switch k {
	case TransposeInserted:
		return "TransposeInserted"
	case GroupedConvolutionSplit:
		return "GroupedConvolutionSplit"
	default:
		return fmt.Sprintf("DiagnosticKind(%d)", int(k))
	}
}

// Diagnostic is a warning emitted during translation. It is not an error: the translation is still correct.
type Diagnostic struct {
	Kind DiagnosticKind

	// Node is the label of the node being translated when the diagnostic was emitted.
	Node string

	Message string
}

// String implements fmt.Stringer.
func (d Diagnostic) String() string {
	return fmt.Sprintf("%s in %s: %s", d.Kind, d.Node, d.Message)
}
