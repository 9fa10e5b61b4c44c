package nhwc

import (
	"strings"

	"github.com/gomlx/gomlx/pkg/ml/context"
)

// ModelScope is the context scope under which the translated model creates its variables (weights and biases).
var ModelScope = "nhwc"

// SafeVarName converts an ONNX value name to a GoMLX safe variable (or scope) name by replacing the scope separator
// with a "|".
func SafeVarName(onnxName string) (gomlxName string) {
	return strings.ReplaceAll(onnxName, context.ScopeSeparator, "|")
}
