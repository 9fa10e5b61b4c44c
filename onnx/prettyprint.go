package onnx

import (
	"bytes"
	"fmt"
	"maps"
	"slices"

	"github.com/gomlx/gomlx/pkg/support/sets"
)

// String implements fmt.Stringer, and pretty prints model information.
func (m *Model) String() string {
	var buf bytes.Buffer
	w := func(format string, args ...any) {
		if len(args) == 0 {
			buf.WriteString(format)
		} else {
			buf.WriteString(fmt.Sprintf(format, args...))
		}
	}
	w("ONNX Model:\n")
	if m.DocString != "" {
		w("%s\n", m.DocString)
	}
	if m.ModelVersion != 0 {
		w("\tVersion:\t%d\n", m.ModelVersion)
	}
	if m.ProducerName != "" {
		w("\tProducer:\t%s / %s\n", m.ProducerName, m.ProducerVersion)
	}
	w("\tIR Version:\t%d\n", m.IRVersion)
	w("\tOperator Sets:\t[")
	for ii, opset := range m.OpsetImports {
		if ii > 0 {
			w(", ")
		}
		if opset.Domain != "" {
			w("v%d (%s)", opset.Version, opset.Domain)
		} else {
			w("v%d", opset.Version)
		}
	}
	w("]\n")

	if m.Graph != nil {
		w("\tInputs:\t\t%q\n", m.InputsNames())
		w("\tOutputs:\t%q\n", m.OutputsNames())
		w("\t# initializers:\t%d\n", len(m.Graph.Initializers))
		w("\t# nodes:\t%d\n", len(m.Graph.Nodes))
		opTypes := sets.Make[string]()
		for _, n := range m.Graph.Nodes {
			opTypes.Insert(n.OpType)
		}
		w("\tOp types:\t%#v\n", slices.Sorted(maps.Keys(opTypes)))
		if m.Graph.NumSparseInitializers > 0 {
			w("\t# sparse initializers:\t%d\n", m.Graph.NumSparseInitializers)
		}
	}
	if m.NumTrainingInfo > 0 {
		w("\t# training info:\t%d\n", m.NumTrainingInfo)
	}
	if m.NumFunctions > 0 {
		w("\t# functions:\t%d\n", m.NumFunctions)
	}

	if len(m.MetadataProps) > 0 {
		w("\tMetadata: [")
		for ii, prop := range m.MetadataProps {
			if ii > 0 {
				w(", ")
			}
			w("%s=%s", prop.Key, prop.Value)
		}
		w("]\n")
	}
	return buf.String()
}
