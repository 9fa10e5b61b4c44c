// Package protos provides the ONNX protobuf messages, as dynamic messages built from the embedded
// onnx.proto schema.
//
// The schema is compiled once, on first use.
package protos

import (
	"context"
	_ "embed"
	"sync"

	"github.com/bufbuild/protocompile"
	"github.com/pkg/errors"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"
)

// SchemaFile is the path of the embedded schema, as seen by the compiler.
const SchemaFile = "onnx.proto"

//go:embed onnx.proto
var schemaSource string

var schema = sync.OnceValues(func() (protoreflect.FileDescriptor, error) {
	compiler := protocompile.Compiler{
		Resolver: &protocompile.SourceResolver{
			Accessor: protocompile.SourceAccessorFromMap(map[string]string{SchemaFile: schemaSource}),
		},
	}
	files, err := compiler.Compile(context.Background(), SchemaFile)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to compile the ONNX protobuf schema %s", SchemaFile)
	}
	return files.FindFileByPath(SchemaFile), nil
})

// Schema returns the descriptor of the compiled ONNX schema.
func Schema() (protoreflect.FileDescriptor, error) {
	return schema()
}

// Descriptor returns the descriptor of the top level ONNX message with the given name, e.g. "ModelProto".
func Descriptor(name string) (protoreflect.MessageDescriptor, error) {
	fd, err := schema()
	if err != nil {
		return nil, err
	}
	md := fd.Messages().ByName(protoreflect.Name(name))
	if md == nil {
		return nil, errors.Errorf("ONNX schema has no message %q", name)
	}
	return md, nil
}

// NewModel returns an empty ModelProto.
func NewModel() (*dynamicpb.Message, error) {
	md, err := Descriptor("ModelProto")
	if err != nil {
		return nil, err
	}
	return dynamicpb.NewMessage(md), nil
}
