// Package onnx provides an in-memory representation of ONNX models and the reader/writer of the
// ONNX container format.
//
//   - Parse: converts a serialized ONNX ModelProto to a Model.
//   - ReadFile: reads a file and calls Parse. External tensor data is resolved relative to the file.
//   - Model: object holding the graph (nodes, initializers, inputs and outputs) of an ONNX model.
//     It is the input of the nhwc package translation.
//   - Model.Marshal: serializes the Model back to the ONNX wire format, e.g. to feed a reference runtime.
//
// Only the subset of the ONNX protobuf messages needed to describe static inference graphs is kept:
// training info, sparse initializers and local functions are parsed only to be reported.
package onnx

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// Model represents a parsed ONNX file.
type Model struct {
	IRVersion       int64
	ProducerName    string
	ProducerVersion string
	Domain          string
	ModelVersion    int64
	DocString       string
	OpsetImports    []OperatorSetID
	MetadataProps   []StringStringEntry
	Graph           *Graph

	// NumFunctions and NumTrainingInfo count the model local functions and training info entries,
	// which are not supported (only reported).
	NumFunctions, NumTrainingInfo int

	// baseDir is the directory of the model file, used to resolve external data.
	baseDir        string
	externalReader *ExternalDataReader
}

// OperatorSetID identifies one operator set used by the model.
type OperatorSetID struct {
	Domain  string
	Version int64
}

// StringStringEntry is a generic key/value pair used by metadata and external data locations.
type StringStringEntry struct {
	Key, Value string
}

// Graph is the computation graph of a model: nodes are listed in a topological order.
type Graph struct {
	Name         string
	DocString    string
	Nodes        []*Node
	Initializers []*TensorProto
	Inputs       []*ValueInfo
	Outputs      []*ValueInfo
	ValueInfo    []*ValueInfo

	// NumSparseInitializers counts sparse initializers, which are not supported.
	NumSparseInitializers int
}

// Node is one operator application in the graph.
//
// Omitted optional inputs are represented by empty names.
type Node struct {
	Name       string
	OpType     string
	Domain     string
	Inputs     []string
	Outputs    []string
	Attributes []*Attribute
	DocString  string
}

// ValueInfo describes a graph input, output or intermediary value.
type ValueInfo struct {
	Name      string
	DocString string

	// ElemType is the element type of the tensor, if the value is a tensor.
	ElemType DataType

	// HasShape indicates whether the shape is known. If false, Dims is empty and the rank is unknown.
	HasShape bool
	Dims     []Dim
}

// Dim is a dimension of a ValueInfo shape: either a fixed value or a symbolic name.
// A dimension with Value <= 0 is unknown.
type Dim struct {
	Value int64
	Param string
}

// IsKnown returns whether the dimension has a fixed positive value.
func (d Dim) IsKnown() bool {
	return d.Value > 0 && d.Param == ""
}

// Parse parses an ONNX model into an in-memory representation that can be translated.
// Fields unknown to the schema are ignored.
func Parse(contents []byte) (*Model, error) {
	m := &Model{}
	if err := decodeModel(contents, m); err != nil {
		return nil, errors.WithMessage(err, "failed to parse ONNX model proto")
	}
	if m.Graph == nil {
		return nil, errors.New("ONNX model has no graph")
	}
	return m, nil
}

// ReadFile parses an ONNX model file into an in-memory representation.
// External tensor data is resolved relative to the directory of filePath.
func ReadFile(filePath string) (*Model, error) {
	contents, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read ONNX model file in %s", filePath)
	}
	m, err := Parse(contents)
	if err != nil {
		return nil, errors.WithMessagef(err, "while reading %s", filePath)
	}
	m.baseDir = filepath.Dir(filePath)
	return m, nil
}

// WithBaseDir sets the directory used to resolve external tensor data, for models built in memory
// or parsed with Parse. It returns the model itself.
func (m *Model) WithBaseDir(baseDir string) *Model {
	m.baseDir = baseDir
	return m
}

// Close releases memory mapped external data files, if any were opened.
func (m *Model) Close() error {
	if m.externalReader == nil {
		return nil
	}
	err := m.externalReader.Close()
	m.externalReader = nil
	return err
}

// OpsetVersion returns the version of the default ONNX operator set ("" or "ai.onnx" domains) imported
// by the model, or 0 if not declared.
func (m *Model) OpsetVersion() int {
	for _, opset := range m.OpsetImports {
		if opset.Domain == "" || opset.Domain == "ai.onnx" {
			return int(opset.Version)
		}
	}
	return 0
}

// InputsNames returns the names of the graph inputs that are not initializers: these are the values
// a caller must feed.
func (m *Model) InputsNames() []string {
	initializers := make(map[string]bool, len(m.Graph.Initializers))
	for _, t := range m.Graph.Initializers {
		initializers[t.Name] = true
	}
	names := make([]string, 0, len(m.Graph.Inputs))
	for _, vi := range m.Graph.Inputs {
		if !initializers[vi.Name] {
			names = append(names, vi.Name)
		}
	}
	return names
}

// OutputsNames returns the names of the graph outputs.
func (m *Model) OutputsNames() []string {
	names := make([]string, len(m.Graph.Outputs))
	for ii, vi := range m.Graph.Outputs {
		names[ii] = vi.Name
	}
	return names
}
