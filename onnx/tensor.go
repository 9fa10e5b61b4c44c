package onnx

import (
	"encoding/binary"
	"strconv"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// DataLocation tells where the data of a TensorProto is stored.
type DataLocation int32

const (
	DataLocationDefault  DataLocation = 0
	DataLocationExternal DataLocation = 1
)

// TensorProto is a serialized tensor: used for initializers (weights) and tensor attributes.
//
// Exactly one of the data fields is expected to be set, or ExternalData if DataLocation is
// DataLocationExternal.
type TensorProto struct {
	Name      string
	DocString string
	Dims      []int64
	DataType  DataType

	FloatData  []float32
	Int32Data  []int32
	Int64Data  []int64
	DoubleData []float64
	Uint64Data []uint64
	StringData [][]byte
	RawData    []byte

	DataLocation DataLocation
	ExternalData []StringStringEntry

	// HasSegment is set if the tensor is a segment of a larger tensor, which is not supported.
	HasSegment bool
}

// Shape converts an ONNX data type and shape to GoMLX shapes.Shape (it includes the dtype).
func Shape(proto *TensorProto) (shape shapes.Shape, err error) {
	if proto == nil {
		err = errors.New("ONNX TensorProto is nil")
		return
	}
	shape.DType, err = DTypeForONNX(proto.DataType)
	if err != nil {
		return
	}
	shape.Dimensions = make([]int, len(proto.Dims))
	for axis, dim := range proto.Dims {
		if dim < 0 {
			err = errors.Errorf("tensor %q has invalid negative dimension %d at axis %d", proto.Name, dim, axis)
			return
		}
		shape.Dimensions[axis] = int(dim)
	}
	if proto.HasSegment {
		err = errors.Errorf("segmented tensor %q not supported", proto.Name)
		return
	}
	return
}

// checkAndCreateTensor implements the generic check and copy of the ONNX proto data to a tensor for the supported data type.
func checkAndCreateTensor[T interface {
	float32 | float64 | int32 | int64 | uint64
}](proto *TensorProto, onnxData []T, shape shapes.Shape) (*tensors.Tensor, error) {
	if onnxData == nil {
		// Not this type of data.
		return nil, nil
	}
	if shape.DType != dtypes.FromGenericsType[T]() {
		return nil, errors.Errorf("tensor %q shaped %s provided data as %T!?", proto.Name, shape, onnxData)
	}
	if len(onnxData) != shape.Size() {
		return nil, errors.Errorf("tensor %q shaped %s has size %d , but ONNX model provided a slice with %d values!?",
			proto.Name, shape, shape.Size(), len(onnxData))
	}
	return tensors.FromFlatDataAndDimensions[T](onnxData, shape.Dimensions...), nil
}

// narrowInt32Data handles the dtypes ONNX packs in the int32_data field with narrower widths: 8 and 16 bits
// integers, bool, float16 and bfloat16 (the last two as their bit patterns).
func narrowInt32Data(proto *TensorProto, shape shapes.Shape) (t *tensors.Tensor, err error) {
	elementSize := shape.DType.Size()
	if elementSize > 2 {
		return nil, nil
	}
	if len(proto.Int32Data) != shape.Size() {
		return nil, errors.Errorf("tensor %q shaped %s has size %d, but ONNX model provided %d int32 values!?",
			proto.Name, shape, shape.Size(), len(proto.Int32Data))
	}
	t = tensors.FromShape(shape)
	t.MutableBytes(func(data []byte) {
		for ii, v := range proto.Int32Data {
			if elementSize == 1 {
				data[ii] = byte(v)
			} else {
				binary.LittleEndian.PutUint16(data[2*ii:], uint16(v))
			}
		}
	})
	return t, nil
}

// TensorToGoMLX converts a TensorProto stored inline (raw or typed data) to a tensors.Tensor.
// Use Model.TensorToGoMLX for tensors that may have external data.
func TensorToGoMLX(proto *TensorProto) (t *tensors.Tensor, err error) {
	return tensorToGoMLX(proto, nil)
}

// TensorToGoMLX converts a TensorProto of the model to a tensors.Tensor, reading external data if needed.
func (m *Model) TensorToGoMLX(proto *TensorProto) (t *tensors.Tensor, err error) {
	return tensorToGoMLX(proto, m)
}

// tensorToGoMLX converts a TensorProto object to a tensors.Tensor object, handling errors and different data types.
// m is only used for external data, and it can be nil.
func tensorToGoMLX(proto *TensorProto, m *Model) (t *tensors.Tensor, err error) {
	var shape shapes.Shape
	shape, err = Shape(proto)
	if err != nil {
		err = errors.WithMessage(err, "while parsing tensor")
		return
	}

	if proto.DataLocation == DataLocationExternal || len(proto.ExternalData) > 0 {
		if m == nil {
			return nil, errors.Errorf("tensor %q has external data, but no model was given to locate it", proto.Name)
		}
		return m.externalTensor(proto, shape)
	}

	// If data is provided as RawData: check that the size of the data is the same used in GoMLX.
	if proto.RawData != nil {
		t = tensors.FromShape(shape)
		t.MutableBytes(func(data []byte) {
			if len(data) != len(proto.RawData) {
				err = errors.Errorf("tensor %q shaped %s uses %d bytes, but ONNX model provided %d bytes of raw-data!?",
					proto.Name, shape, len(data), len(proto.RawData))
			} else {
				copy(data, proto.RawData)
			}
		})
		if err != nil {
			t.FinalizeAll()
			t = nil
			return nil, err
		}
		return
	}

	// Tries to convert to each data type.
	t, err = checkAndCreateTensor(proto, proto.FloatData, shape)
	if t != nil || err != nil {
		return
	}
	t, err = checkAndCreateTensor(proto, proto.DoubleData, shape)
	if t != nil || err != nil {
		return
	}
	if proto.Int32Data != nil {
		t, err = narrowInt32Data(proto, shape)
		if t != nil || err != nil {
			return
		}
	}
	t, err = checkAndCreateTensor(proto, proto.Int32Data, shape)
	if t != nil || err != nil {
		return
	}
	t, err = checkAndCreateTensor(proto, proto.Int64Data, shape)
	if t != nil || err != nil {
		return
	}
	t, err = checkAndCreateTensor(proto, proto.Uint64Data, shape)
	if t != nil || err != nil {
		return
	}
	if shape.Size() == 0 {
		// Empty tensors may legitimately come without any data.
		return tensors.FromShape(shape), nil
	}
	// Unknown tensor data type!?
	return nil, errors.Errorf("tensor %q shaped %s has no supported format of data in the ONNX model!?", proto.Name, shape)
}

// externalDataInfo is the parsed location of a tensor stored outside the model file.
type externalDataInfo struct {
	location string
	offset   int64
	length   int64
}

// parseExternalData parses the key/value entries of a tensor with external data.
func parseExternalData(proto *TensorProto) (*externalDataInfo, error) {
	info := &externalDataInfo{}
	for _, entry := range proto.ExternalData {
		var err error
		switch entry.Key {
		case "location":
			info.location = entry.Value
		case "offset":
			info.offset, err = strconv.ParseInt(entry.Value, 10, 64)
		case "length":
			info.length, err = strconv.ParseInt(entry.Value, 10, 64)
		case "checksum":
			// Not verified.
		default:
			return nil, errors.Errorf("tensor %q has unknown external data key %q", proto.Name, entry.Key)
		}
		if err != nil {
			return nil, errors.Wrapf(err, "tensor %q has invalid external data %s=%q", proto.Name, entry.Key, entry.Value)
		}
	}
	if info.location == "" {
		return nil, errors.Errorf("tensor %q has external data without a location", proto.Name)
	}
	return info, nil
}

// externalTensor reads the tensor data from the external file, using a memory mapped reader shared by all
// the tensors of the model.
func (m *Model) externalTensor(proto *TensorProto, shape shapes.Shape) (t *tensors.Tensor, err error) {
	info, err := parseExternalData(proto)
	if err != nil {
		return nil, err
	}
	if m.baseDir == "" {
		return nil, errors.Errorf("tensor %q has external data in %q, but the model base directory is not known "+
			"(use ReadFile or Model.WithBaseDir)", proto.Name, info.location)
	}
	if numBytes := int64(shape.Size() * shape.DType.Size()); info.length > 0 && info.length != numBytes {
		return nil, errors.Errorf("tensor %q shaped %s uses %d bytes, but its external data length is %d",
			proto.Name, shape, numBytes, info.length)
	}
	if m.externalReader == nil {
		m.externalReader = NewExternalDataReader(m.baseDir)
	}
	t = tensors.FromShape(shape)
	t.MutableBytes(func(data []byte) {
		err = m.externalReader.ReadInto(info, data)
		if err != nil {
			// Try reading it without memory mapping.
			if directErr := readExternalDataDirect(m.baseDir, info, data); directErr == nil {
				err = nil
			}
		}
	})
	if err != nil {
		t.FinalizeAll()
		return nil, errors.WithMessagef(err, "while reading external data of tensor %q", proto.Name)
	}
	return t, nil
}

// TensorFromGoMLX creates a TensorProto with the contents of t stored as raw data.
func TensorFromGoMLX(name string, t *tensors.Tensor) (*TensorProto, error) {
	shape := t.Shape()
	dataType := DataTypeForDType(shape.DType)
	if dataType == DataTypeUndefined {
		return nil, errors.Errorf("tensor %q: dtype %s has no ONNX equivalent", name, shape.DType)
	}
	proto := &TensorProto{
		Name:     name,
		DataType: dataType,
		Dims:     make([]int64, shape.Rank()),
	}
	for axis, dim := range shape.Dimensions {
		proto.Dims[axis] = int64(dim)
	}
	t.ConstBytes(func(data []byte) {
		proto.RawData = make([]byte, len(data))
		copy(proto.RawData, data)
	})
	return proto, nil
}
