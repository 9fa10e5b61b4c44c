package onnx

import (
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// InitializerValues materializes all initializers of the graph as host tensors, indexed by name.
// External data is read (memory mapped) relative to the model directory.
//
// Sparse initializers are not supported and return an error.
func (m *Model) InitializerValues() (map[string]*tensors.Tensor, error) {
	if m.Graph.NumSparseInitializers > 0 {
		return nil, errors.Errorf("model has %d sparse initializers, which are not supported", m.Graph.NumSparseInitializers)
	}
	values := make(map[string]*tensors.Tensor, len(m.Graph.Initializers))
	for _, proto := range m.Graph.Initializers {
		value, err := m.TensorToGoMLX(proto)
		if err != nil {
			return nil, errors.WithMessagef(err, "while loading initializer %q", proto.Name)
		}
		values[proto.Name] = value
	}
	return values, nil
}
