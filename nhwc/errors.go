package nhwc

import (
	"github.com/gomlx/onnx-nhwc/layout"
	"github.com/pkg/errors"
)

// Errors returned by the translation. They are wrapped with the context of the failure
// (node, operator, attribute), so check for them with errors.Is.
var (
	// ErrUnsupportedOperator is returned for an operator type without an implementation, or of a domain
	// other than the default ONNX one.
	ErrUnsupportedOperator = errors.New("unsupported operator")

	// ErrNotImplemented is returned for a known operator used with attributes, shapes or layouts outside the
	// supported subset.
	ErrNotImplemented = errors.New("not implemented")

	// ErrUnsupportedAttribute is returned for attributes of a variant that can't be decoded (graphs,
	// sparse tensors, type protos...), or present with the wrong variant.
	ErrUnsupportedAttribute = errors.New("unsupported attribute")

	// ErrGraphIntegrity is returned when the graph is malformed: a node reads a value that was never defined,
	// or an operator produced a number of outputs different from the one declared by the node.
	ErrGraphIntegrity = errors.New("graph integrity error")

	// ErrUnsupportedConversion is returned when two values can't be brought to a common layout.
	ErrUnsupportedConversion = layout.ErrUnsupportedConversion

	// ErrShape is returned when a rank or dimension assumption is violated.
	ErrShape = layout.ErrShape
)
