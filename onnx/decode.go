package onnx

import (
	"github.com/gomlx/onnx-nhwc/internal/protos"
	"github.com/pkg/errors"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
)

// protoMessage wraps an ONNX protobuf message, accessing its fields by their schema names.
// Unknown field names are a mismatch with the embedded schema, and panic.
type protoMessage struct {
	m protoreflect.Message
}

func (p protoMessage) field(name string) protoreflect.FieldDescriptor {
	fd := p.m.Descriptor().Fields().ByName(protoreflect.Name(name))
	if fd == nil {
		panic(errors.Errorf("ONNX message %s has no field %q", p.m.Descriptor().FullName(), name))
	}
	return fd
}

func (p protoMessage) has(name string) bool { return p.m.Has(p.field(name)) }

func (p protoMessage) int64(name string) int64 { return p.m.Get(p.field(name)).Int() }

func (p protoMessage) float32(name string) float32 { return float32(p.m.Get(p.field(name)).Float()) }

func (p protoMessage) string(name string) string { return p.m.Get(p.field(name)).String() }

func (p protoMessage) bytes(name string) []byte { return p.m.Get(p.field(name)).Bytes() }

func (p protoMessage) message(name string) protoMessage {
	return protoMessage{p.m.Get(p.field(name)).Message()}
}

func (p protoMessage) list(name string) protoreflect.List { return p.m.Get(p.field(name)).List() }

// count returns the number of elements of a repeated field.
func (p protoMessage) count(name string) int { return p.list(name).Len() }

// repeated converts the elements of a repeated field with fn. It returns nil for empty fields.
func repeated[T any](p protoMessage, name string, fn func(v protoreflect.Value) T) []T {
	l := p.list(name)
	if l.Len() == 0 {
		return nil
	}
	values := make([]T, l.Len())
	for ii := range values {
		values[ii] = fn(l.Get(ii))
	}
	return values
}

func repeatedMessages[T any](p protoMessage, name string, fn func(p protoMessage) T) []T {
	return repeated(p, name, func(v protoreflect.Value) T { return fn(protoMessage{v.Message()}) })
}

func valueInt64(v protoreflect.Value) int64     { return v.Int() }
func valueInt32(v protoreflect.Value) int32     { return int32(v.Int()) }
func valueUint64(v protoreflect.Value) uint64   { return v.Uint() }
func valueFloat32(v protoreflect.Value) float32 { return float32(v.Float()) }
func valueFloat64(v protoreflect.Value) float64 { return v.Float() }
func valueString(v protoreflect.Value) string   { return v.String() }
func valueBytes(v protoreflect.Value) []byte    { return v.Bytes() }

// decodeModel unmarshals the serialized ModelProto b into m.
func decodeModel(b []byte, m *Model) error {
	pb, err := protos.NewModel()
	if err != nil {
		return err
	}
	if err = proto.Unmarshal(b, pb); err != nil {
		return errors.Wrap(err, "ModelProto")
	}
	p := protoMessage{pb}
	m.IRVersion = p.int64("ir_version")
	m.ProducerName = p.string("producer_name")
	m.ProducerVersion = p.string("producer_version")
	m.Domain = p.string("domain")
	m.ModelVersion = p.int64("model_version")
	m.DocString = p.string("doc_string")
	m.OpsetImports = repeatedMessages(p, "opset_import", func(p protoMessage) OperatorSetID {
		return OperatorSetID{Domain: p.string("domain"), Version: p.int64("version")}
	})
	m.MetadataProps = repeatedMessages(p, "metadata_props", decodeStringStringEntry)
	m.NumTrainingInfo = p.count("training_info")
	m.NumFunctions = p.count("functions")
	if p.has("graph") {
		m.Graph = decodeGraph(p.message("graph"))
	}
	return nil
}

func decodeStringStringEntry(p protoMessage) StringStringEntry {
	return StringStringEntry{Key: p.string("key"), Value: p.string("value")}
}

func decodeGraph(p protoMessage) *Graph {
	return &Graph{
		Name:                  p.string("name"),
		DocString:             p.string("doc_string"),
		Nodes:                 repeatedMessages(p, "node", decodeNode),
		Initializers:          repeatedMessages(p, "initializer", decodeTensor),
		Inputs:                repeatedMessages(p, "input", decodeValueInfo),
		Outputs:               repeatedMessages(p, "output", decodeValueInfo),
		ValueInfo:             repeatedMessages(p, "value_info", decodeValueInfo),
		NumSparseInitializers: p.count("sparse_initializer"),
	}
}

func decodeNode(p protoMessage) *Node {
	return &Node{
		Name:       p.string("name"),
		OpType:     p.string("op_type"),
		Domain:     p.string("domain"),
		Inputs:     repeated(p, "input", valueString),
		Outputs:    repeated(p, "output", valueString),
		Attributes: repeatedMessages(p, "attribute", decodeAttribute),
		DocString:  p.string("doc_string"),
	}
}

func decodeAttribute(p protoMessage) *Attribute {
	attr := &Attribute{
		Name:        p.string("name"),
		Type:        AttributeType(p.int64("type")),
		DocString:   p.string("doc_string"),
		RefAttrName: p.string("ref_attr_name"),
		F:           p.float32("f"),
		I:           p.int64("i"),
		S:           p.bytes("s"),
		Floats:      repeated(p, "floats", valueFloat32),
		Ints:        repeated(p, "ints", valueInt64),
		Strings:     repeated(p, "strings", valueBytes),
		Tensors:     repeatedMessages(p, "tensors", decodeTensor),
		NumGraphs:   p.count("graphs"),
	}
	if p.has("t") {
		attr.T = decodeTensor(p.message("t"))
	}
	if p.has("g") {
		attr.NumGraphs++
	}
	return attr
}

func decodeTensor(p protoMessage) *TensorProto {
	t := &TensorProto{
		Name:         p.string("name"),
		DocString:    p.string("doc_string"),
		Dims:         repeated(p, "dims", valueInt64),
		DataType:     DataType(p.int64("data_type")),
		FloatData:    repeated(p, "float_data", valueFloat32),
		Int32Data:    repeated(p, "int32_data", valueInt32),
		Int64Data:    repeated(p, "int64_data", valueInt64),
		DoubleData:   repeated(p, "double_data", valueFloat64),
		Uint64Data:   repeated(p, "uint64_data", valueUint64),
		StringData:   repeated(p, "string_data", valueBytes),
		DataLocation: DataLocation(p.int64("data_location")),
		ExternalData: repeatedMessages(p, "external_data", decodeStringStringEntry),
		HasSegment:   p.has("segment"),
	}
	// An empty raw_data is still a (zero elements) raw encoding.
	if p.has("raw_data") {
		t.RawData = p.bytes("raw_data")
		if t.RawData == nil {
			t.RawData = []byte{}
		}
	}
	return t
}

func decodeValueInfo(p protoMessage) *ValueInfo {
	vi := &ValueInfo{
		Name:      p.string("name"),
		DocString: p.string("doc_string"),
	}
	// Only tensor types are kept.
	typeProto := p.message("type")
	if !typeProto.has("tensor_type") {
		return vi
	}
	tensorType := typeProto.message("tensor_type")
	vi.ElemType = DataType(tensorType.int64("elem_type"))
	if tensorType.has("shape") {
		vi.HasShape = true
		vi.Dims = repeatedMessages(tensorType.message("shape"), "dim", func(p protoMessage) Dim {
			return Dim{Value: p.int64("dim_value"), Param: p.string("dim_param")}
		})
	}
	return vi
}
