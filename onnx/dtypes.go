package onnx

import (
	"fmt"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/pkg/errors"
)

// DataType is the ONNX TensorProto.DataType enumeration.
type DataType int32

const (
	DataTypeUndefined  DataType = 0
	DataTypeFloat      DataType = 1
	DataTypeUint8      DataType = 2
	DataTypeInt8       DataType = 3
	DataTypeUint16     DataType = 4
	DataTypeInt16      DataType = 5
	DataTypeInt32      DataType = 6
	DataTypeInt64      DataType = 7
	DataTypeString     DataType = 8
	DataTypeBool       DataType = 9
	DataTypeFloat16    DataType = 10
	DataTypeDouble     DataType = 11
	DataTypeUint32     DataType = 12
	DataTypeUint64     DataType = 13
	DataTypeComplex64  DataType = 14
	DataTypeComplex128 DataType = 15
	DataTypeBFloat16   DataType = 16
)

var dataTypeNames = map[DataType]string{
	DataTypeUndefined:  "UNDEFINED",
	DataTypeFloat:      "FLOAT",
	DataTypeUint8:      "UINT8",
	DataTypeInt8:       "INT8",
	DataTypeUint16:     "UINT16",
	DataTypeInt16:      "INT16",
	DataTypeInt32:      "INT32",
	DataTypeInt64:      "INT64",
	DataTypeString:     "STRING",
	DataTypeBool:       "BOOL",
	DataTypeFloat16:    "FLOAT16",
	DataTypeDouble:     "DOUBLE",
	DataTypeUint32:     "UINT32",
	DataTypeUint64:     "UINT64",
	DataTypeComplex64:  "COMPLEX64",
	DataTypeComplex128: "COMPLEX128",
	DataTypeBFloat16:   "BFLOAT16",
}

// String implements fmt.Stringer.
func (dt DataType) String() string {
	if name, found := dataTypeNames[dt]; found {
		return name
	}
	return fmt.Sprintf("DataType(%d)", int32(dt))
}

// DTypeForONNX converts an ONNX data type to a GoMLX data type.
func DTypeForONNX(onnxDType DataType) (dtypes.DType, error) {
	switch onnxDType {
	case DataTypeFloat:
		return dtypes.Float32, nil
	case DataTypeFloat16:
		return dtypes.Float16, nil
	case DataTypeBFloat16:
		return dtypes.BFloat16, nil
	case DataTypeDouble:
		return dtypes.Float64, nil
	case DataTypeInt32:
		return dtypes.Int32, nil
	case DataTypeInt64:
		return dtypes.Int64, nil
	case DataTypeUint8:
		return dtypes.Uint8, nil
	case DataTypeInt8:
		return dtypes.Int8, nil
	case DataTypeInt16:
		return dtypes.Int16, nil
	case DataTypeUint16:
		return dtypes.Uint16, nil
	case DataTypeUint32:
		return dtypes.Uint32, nil
	case DataTypeUint64:
		return dtypes.Uint64, nil
	case DataTypeBool:
		return dtypes.Bool, nil
	case DataTypeComplex64:
		return dtypes.Complex64, nil
	case DataTypeComplex128:
		return dtypes.Complex128, nil
	default:
		return dtypes.InvalidDType, errors.Errorf("unsupported/unknown ONNX data type %s", onnxDType)
	}
}

// DataTypeForDType converts a GoMLX data type back to the ONNX enumeration.
// It returns DataTypeUndefined for types without an ONNX counterpart.
func DataTypeForDType(dtype dtypes.DType) DataType {
	switch dtype {
	case dtypes.Float32:
		return DataTypeFloat
	case dtypes.Float16:
		return DataTypeFloat16
	case dtypes.BFloat16:
		return DataTypeBFloat16
	case dtypes.Float64:
		return DataTypeDouble
	case dtypes.Int32:
		return DataTypeInt32
	case dtypes.Int64:
		return DataTypeInt64
	case dtypes.Uint8:
		return DataTypeUint8
	case dtypes.Int8:
		return DataTypeInt8
	case dtypes.Int16:
		return DataTypeInt16
	case dtypes.Uint16:
		return DataTypeUint16
	case dtypes.Uint32:
		return DataTypeUint32
	case dtypes.Uint64:
		return DataTypeUint64
	case dtypes.Bool:
		return DataTypeBool
	case dtypes.Complex64:
		return DataTypeComplex64
	case dtypes.Complex128:
		return DataTypeComplex128
	default:
		return DataTypeUndefined
	}
}
