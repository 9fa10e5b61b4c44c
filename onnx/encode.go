package onnx

import (
	"github.com/gomlx/onnx-nhwc/internal/protos"
	"github.com/janpfeifer/must"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
)

// Marshal serializes the model to the ONNX protobuf wire format.
//
// Features that are only counted when parsing (functions, training info, sparse initializers and
// graph attributes) are not written back.
func (m *Model) Marshal() []byte {
	pb := must.M1(protos.NewModel())
	p := protoMessage{pb}
	p.setInt("ir_version", m.IRVersion)
	p.setString("producer_name", m.ProducerName)
	p.setString("producer_version", m.ProducerVersion)
	p.setString("domain", m.Domain)
	p.setInt("model_version", m.ModelVersion)
	p.setString("doc_string", m.DocString)
	if m.Graph != nil {
		encodeGraph(p.mutable("graph"), m.Graph)
	}
	for _, opset := range m.OpsetImports {
		op := p.addMessage("opset_import")
		op.setString("domain", opset.Domain)
		op.set("version", protoreflect.ValueOfInt64(opset.Version))
	}
	for _, entry := range m.MetadataProps {
		encodeStringStringEntry(p.addMessage("metadata_props"), entry)
	}
	return must.M1(proto.Marshal(pb))
}

func (p protoMessage) set(name string, v protoreflect.Value) { p.m.Set(p.field(name), v) }

// intValue converts v to the integer kind of the field.
func intValue(fd protoreflect.FieldDescriptor, v int64) protoreflect.Value {
	switch fd.Kind() {
	case protoreflect.Int32Kind:
		return protoreflect.ValueOfInt32(int32(v))
	case protoreflect.Uint64Kind:
		return protoreflect.ValueOfUint64(uint64(v))
	default:
		return protoreflect.ValueOfInt64(v)
	}
}

// setInt sets an integer field, if v is not zero.
func (p protoMessage) setInt(name string, v int64) {
	if v != 0 {
		fd := p.field(name)
		p.m.Set(fd, intValue(fd, v))
	}
}

// setString sets a string field, if s is not empty.
func (p protoMessage) setString(name, s string) {
	if s != "" {
		p.set(name, protoreflect.ValueOfString(s))
	}
}

func (p protoMessage) mutable(name string) protoMessage {
	return protoMessage{p.m.Mutable(p.field(name)).Message()}
}

// addMessage appends a new element to a repeated message field, and returns it.
func (p protoMessage) addMessage(name string) protoMessage {
	return protoMessage{p.m.Mutable(p.field(name)).List().AppendMutable().Message()}
}

// addAll appends values to a repeated field, converted with fn.
func addAll[T any](p protoMessage, name string, values []T, fn func(v T) protoreflect.Value) {
	if len(values) == 0 {
		return
	}
	l := p.m.Mutable(p.field(name)).List()
	for _, v := range values {
		l.Append(fn(v))
	}
}

// addInts appends integer values to a repeated field of any integer kind.
func addInts[T int32 | int64 | uint64](p protoMessage, name string, values []T) {
	fd := p.field(name)
	addAll(p, name, values, func(v T) protoreflect.Value { return intValue(fd, int64(v)) })
}

func encodeStringStringEntry(p protoMessage, entry StringStringEntry) {
	p.setString("key", entry.Key)
	p.setString("value", entry.Value)
}

func encodeGraph(p protoMessage, g *Graph) {
	p.setString("name", g.Name)
	p.setString("doc_string", g.DocString)
	for _, node := range g.Nodes {
		encodeNode(p.addMessage("node"), node)
	}
	for _, t := range g.Initializers {
		encodeTensor(p.addMessage("initializer"), t)
	}
	for _, vi := range g.Inputs {
		encodeValueInfo(p.addMessage("input"), vi)
	}
	for _, vi := range g.Outputs {
		encodeValueInfo(p.addMessage("output"), vi)
	}
	for _, vi := range g.ValueInfo {
		encodeValueInfo(p.addMessage("value_info"), vi)
	}
}

func encodeNode(p protoMessage, node *Node) {
	// Empty input names are meaningful (omitted optional inputs), and are kept.
	addAll(p, "input", node.Inputs, protoreflect.ValueOfString)
	addAll(p, "output", node.Outputs, protoreflect.ValueOfString)
	p.setString("name", node.Name)
	p.setString("op_type", node.OpType)
	p.setString("domain", node.Domain)
	p.setString("doc_string", node.DocString)
	for _, attr := range node.Attributes {
		encodeAttribute(p.addMessage("attribute"), attr)
	}
}

func encodeAttribute(p protoMessage, attr *Attribute) {
	p.setString("name", attr.Name)
	p.setInt("type", int64(attr.Type))
	p.setString("doc_string", attr.DocString)
	p.setString("ref_attr_name", attr.RefAttrName)
	switch attr.Type {
	case AttributeFloat:
		p.set("f", protoreflect.ValueOfFloat32(attr.F))
	case AttributeInt:
		p.set("i", protoreflect.ValueOfInt64(attr.I))
	case AttributeString:
		p.set("s", protoreflect.ValueOfBytes(attr.S))
	case AttributeTensor:
		if attr.T != nil {
			encodeTensor(p.mutable("t"), attr.T)
		}
	case AttributeFloats:
		addAll(p, "floats", attr.Floats, protoreflect.ValueOfFloat32)
	case AttributeInts:
		addAll(p, "ints", attr.Ints, protoreflect.ValueOfInt64)
	case AttributeStrings:
		addAll(p, "strings", attr.Strings, protoreflect.ValueOfBytes)
	case AttributeTensors:
		for _, t := range attr.Tensors {
			encodeTensor(p.addMessage("tensors"), t)
		}
	}
}

func encodeTensor(p protoMessage, t *TensorProto) {
	p.setString("name", t.Name)
	p.setString("doc_string", t.DocString)
	addInts(p, "dims", t.Dims)
	p.setInt("data_type", int64(t.DataType))
	addAll(p, "float_data", t.FloatData, protoreflect.ValueOfFloat32)
	addInts(p, "int32_data", t.Int32Data)
	addAll(p, "string_data", t.StringData, protoreflect.ValueOfBytes)
	addInts(p, "int64_data", t.Int64Data)
	if t.RawData != nil {
		p.set("raw_data", protoreflect.ValueOfBytes(t.RawData))
	}
	addAll(p, "double_data", t.DoubleData, protoreflect.ValueOfFloat64)
	addInts(p, "uint64_data", t.Uint64Data)
	for _, entry := range t.ExternalData {
		encodeStringStringEntry(p.addMessage("external_data"), entry)
	}
	p.setInt("data_location", int64(t.DataLocation))
}

func encodeValueInfo(p protoMessage, vi *ValueInfo) {
	p.setString("name", vi.Name)
	p.setString("doc_string", vi.DocString)
	tensorType := p.mutable("type").mutable("tensor_type")
	tensorType.setInt("elem_type", int64(vi.ElemType))
	if !vi.HasShape {
		return
	}
	shape := tensorType.mutable("shape")
	for _, dim := range vi.Dims {
		d := shape.addMessage("dim")
		if dim.Param != "" {
			d.set("dim_param", protoreflect.ValueOfString(dim.Param))
		} else {
			d.set("dim_value", protoreflect.ValueOfInt64(dim.Value))
		}
	}
}
