package nhwc

import (
	"github.com/gomlx/onnx-nhwc/layout"
	"github.com/gomlx/onnx-nhwc/onnx"
	"github.com/pkg/errors"
)

// Attributes holds the decoded attributes of a node, by name. Values are one of:
// int, []int, float32, []float32, string, []string or *layout.Tensor (always tagged layout.Constant).
//
// The typed accessors panic with ErrUnsupportedAttribute if an attribute is present with a different
// variant: they are meant to be used in the operator implementations, where errors are raised by panicking.
type Attributes map[string]any

// decodeAttributes converts the attributes of node to native values.
// Tensor attributes are materialized as Constant tensors.
func decodeAttributes(node *onnx.Node) (Attributes, error) {
	attrs := make(Attributes, len(node.Attributes))
	for _, attr := range node.Attributes {
		if attr.RefAttrName != "" {
			return nil, errors.Wrapf(ErrUnsupportedAttribute, "attribute %q refers to function attribute %q in %s",
				attr.Name, attr.RefAttrName, node)
		}
		switch attr.Type {
		case onnx.AttributeInt:
			attrs[attr.Name] = int(attr.I)
		case onnx.AttributeInts:
			attrs[attr.Name] = sliceMap(attr.Ints, func(v int64) int { return int(v) })
		case onnx.AttributeFloat:
			attrs[attr.Name] = attr.F
		case onnx.AttributeFloats:
			attrs[attr.Name] = attr.Floats
		case onnx.AttributeString:
			attrs[attr.Name] = string(attr.S)
		case onnx.AttributeStrings:
			attrs[attr.Name] = sliceMap(attr.Strings, func(s []byte) string { return string(s) })
		case onnx.AttributeTensor:
			if attr.T == nil {
				return nil, errors.Wrapf(ErrUnsupportedAttribute, "tensor attribute %q without value in %s", attr.Name, node)
			}
			value, err := onnx.TensorToGoMLX(attr.T)
			if err != nil {
				return nil, errors.WithMessagef(err, "while decoding attribute %q of %s", attr.Name, node)
			}
			attrs[attr.Name] = layout.NewConcrete(value, layout.Constant)
		default:
			return nil, errors.Wrapf(ErrUnsupportedAttribute, "attribute %q of type %s in %s", attr.Name, attr.Type, node)
		}
	}
	return attrs, nil
}

// Has returns whether the attribute is set.
func (a Attributes) Has(name string) bool {
	_, found := a[name]
	return found
}

// get returns the attribute value as type T, or defaultValue if not set.
func get[T any](a Attributes, name string, defaultValue T) T {
	value, found := a[name]
	if !found {
		return defaultValue
	}
	typed, ok := value.(T)
	if !ok {
		panic(errors.Wrapf(ErrUnsupportedAttribute, "attribute %q is %T, expected %T", name, value, defaultValue))
	}
	return typed
}

// Int returns an INT attribute, or defaultValue if not set.
func (a Attributes) Int(name string, defaultValue int) int {
	return get(a, name, defaultValue)
}

// Ints returns an INTS attribute, or defaultValue if not set. A single INT is accepted as a list of one element.
func (a Attributes) Ints(name string, defaultValue []int) []int {
	if v, ok := a[name].(int); ok {
		return []int{v}
	}
	return get(a, name, defaultValue)
}

// Float returns a FLOAT attribute, or defaultValue if not set.
func (a Attributes) Float(name string, defaultValue float32) float32 {
	return get(a, name, defaultValue)
}

// Floats returns a FLOATS attribute, or defaultValue if not set.
func (a Attributes) Floats(name string, defaultValue []float32) []float32 {
	return get(a, name, defaultValue)
}

// String returns a STRING attribute, or defaultValue if not set.
func (a Attributes) String(name string, defaultValue string) string {
	return get(a, name, defaultValue)
}

// Strings returns a STRINGS attribute, or defaultValue if not set.
func (a Attributes) Strings(name string, defaultValue []string) []string {
	return get(a, name, defaultValue)
}

// Tensor returns a TENSOR attribute as a Constant, or nil if not set.
func (a Attributes) Tensor(name string) *layout.Tensor {
	return get[*layout.Tensor](a, name, nil)
}

// sliceMap executes the given function sequentially for every element on in, and returns a mapped slice.
func sliceMap[In, Out any](in []In, fn func(e In) Out) (out []Out) {
	out = make([]Out, len(in))
	for ii, e := range in {
		out[ii] = fn(e)
	}
	return
}
