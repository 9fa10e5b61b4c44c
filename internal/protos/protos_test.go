package protos

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"
)

func TestSchema(t *testing.T) {
	fd, err := Schema()
	require.NoError(t, err)
	assert.Equal(t, protoreflect.FullName("onnx"), fd.Package())

	// Field numbers of the upstream schema.
	for message, fields := range map[string]map[string]protoreflect.FieldNumber{
		"ModelProto":     {"ir_version": 1, "graph": 7, "opset_import": 8, "metadata_props": 14, "functions": 25},
		"GraphProto":     {"node": 1, "initializer": 5, "input": 11, "output": 12, "sparse_initializer": 15},
		"NodeProto":      {"input": 1, "op_type": 4, "attribute": 5, "domain": 7},
		"AttributeProto": {"f": 2, "i": 3, "ints": 8, "type": 20, "ref_attr_name": 21},
		"TensorProto":    {"dims": 1, "data_type": 2, "raw_data": 9, "external_data": 13, "data_location": 14},
	} {
		md, err := Descriptor(message)
		require.NoError(t, err)
		for name, number := range fields {
			field := md.Fields().ByName(protoreflect.Name(name))
			require.NotNil(t, field, "%s.%s", message, name)
			assert.Equal(t, number, field.Number(), "%s.%s", message, name)
		}
	}

	_, err = Descriptor("FunctionProto")
	require.Error(t, err)
}

func TestModelRoundTrip(t *testing.T) {
	model, err := NewModel()
	require.NoError(t, err)
	md := model.Descriptor()
	model.Set(md.Fields().ByName("ir_version"), protoreflect.ValueOfInt64(9))
	graph := model.Mutable(md.Fields().ByName("graph")).Message()
	graph.Set(graph.Descriptor().Fields().ByName("name"), protoreflect.ValueOfString("g"))

	b, err := proto.Marshal(model)
	require.NoError(t, err)
	parsed := dynamicpb.NewMessage(md)
	require.NoError(t, proto.Unmarshal(b, parsed))
	assert.Equal(t, int64(9), parsed.Get(md.Fields().ByName("ir_version")).Int())
	parsedGraph := parsed.Get(md.Fields().ByName("graph")).Message()
	assert.Equal(t, "g", parsedGraph.Get(parsedGraph.Descriptor().Fields().ByName("name")).String())
}
