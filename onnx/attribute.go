package onnx

import "fmt"

// AttributeType enumerates the variants of an ONNX node attribute.
type AttributeType int32

const (
	AttributeUndefined     AttributeType = 0
	AttributeFloat         AttributeType = 1
	AttributeInt           AttributeType = 2
	AttributeString        AttributeType = 3
	AttributeTensor        AttributeType = 4
	AttributeGraph         AttributeType = 5
	AttributeFloats        AttributeType = 6
	AttributeInts          AttributeType = 7
	AttributeStrings       AttributeType = 8
	AttributeTensors       AttributeType = 9
	AttributeGraphs        AttributeType = 10
	AttributeSparseTensor  AttributeType = 11
	AttributeSparseTensors AttributeType = 12
	AttributeTypeProto     AttributeType = 13
	AttributeTypeProtos    AttributeType = 14
)

var attributeTypeNames = map[AttributeType]string{
	AttributeUndefined:     "UNDEFINED",
	AttributeFloat:         "FLOAT",
	AttributeInt:           "INT",
	AttributeString:        "STRING",
	AttributeTensor:        "TENSOR",
	AttributeGraph:         "GRAPH",
	AttributeFloats:        "FLOATS",
	AttributeInts:          "INTS",
	AttributeStrings:       "STRINGS",
	AttributeTensors:       "TENSORS",
	AttributeGraphs:        "GRAPHS",
	AttributeSparseTensor:  "SPARSE_TENSOR",
	AttributeSparseTensors: "SPARSE_TENSORS",
	AttributeTypeProto:     "TYPE_PROTO",
	AttributeTypeProtos:    "TYPE_PROTOS",
}

// String implements fmt.Stringer.
func (t AttributeType) String() string {
	if name, found := attributeTypeNames[t]; found {
		return name
	}
	return fmt.Sprintf("AttributeType(%d)", int32(t))
}

// Attribute is a named node attribute. Only the field corresponding to Type is meaningful.
//
// Graph valued attributes (control flow) are only counted: the translation doesn't support sub-graphs.
type Attribute struct {
	Name      string
	Type      AttributeType
	DocString string

	// RefAttrName is set for attributes of function bodies referring to the function attributes.
	RefAttrName string

	F       float32
	I       int64
	S       []byte
	T       *TensorProto
	Floats  []float32
	Ints    []int64
	Strings [][]byte
	Tensors []*TensorProto

	// NumGraphs counts the graphs (GRAPH or GRAPHS variants) held by the attribute.
	NumGraphs int
}

// String implements fmt.Stringer.
func (a *Attribute) String() string {
	switch a.Type {
	case AttributeFloat:
		return fmt.Sprintf("%s=%g", a.Name, a.F)
	case AttributeInt:
		return fmt.Sprintf("%s=%d", a.Name, a.I)
	case AttributeString:
		return fmt.Sprintf("%s=%q", a.Name, a.S)
	case AttributeFloats:
		return fmt.Sprintf("%s=%v", a.Name, a.Floats)
	case AttributeInts:
		return fmt.Sprintf("%s=%v", a.Name, a.Ints)
	case AttributeTensor:
		if a.T == nil {
			return fmt.Sprintf("%s=<nil tensor>", a.Name)
		}
		return fmt.Sprintf("%s=tensor(%s%v)", a.Name, a.T.DataType, a.T.Dims)
	default:
		return fmt.Sprintf("%s=<%s>", a.Name, a.Type)
	}
}

// Attribute returns the node attribute with the given name, or nil if not set.
func (n *Node) Attribute(name string) *Attribute {
	for _, attr := range n.Attributes {
		if attr.Name == name {
			return attr
		}
	}
	return nil
}

// String implements fmt.Stringer, with a compact description of the node.
func (n *Node) String() string {
	name := n.Name
	if name == "" && len(n.Outputs) > 0 {
		name = n.Outputs[0]
	}
	return fmt.Sprintf("%s(%q: inputs=%q, outputs=%q)", n.OpType, name, n.Inputs, n.Outputs)
}
