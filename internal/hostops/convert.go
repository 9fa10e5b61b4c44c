package hostops

import (
	"reflect"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/x448/float16"
)

// number lists the dtypes converted element by element. Float16 and Bool are handled separately.
type number interface {
	float32 | float64 | int8 | int16 | int32 | int64 | uint8 | uint16 | uint32 | uint64
}

func convertFlat[From, To number](t *tensors.Tensor) []To {
	in := tensors.MustCopyFlatData[From](t)
	out := make([]To, len(in))
	for ii, v := range in {
		out[ii] = To(v)
	}
	return out
}

func toNumbers[To number](t *tensors.Tensor) []To {
	switch t.DType() {
	case dtypes.Float32:
		return convertFlat[float32, To](t)
	case dtypes.Float64:
		return convertFlat[float64, To](t)
	case dtypes.Int8:
		return convertFlat[int8, To](t)
	case dtypes.Int16:
		return convertFlat[int16, To](t)
	case dtypes.Int32:
		return convertFlat[int32, To](t)
	case dtypes.Int64:
		return convertFlat[int64, To](t)
	case dtypes.Uint8:
		return convertFlat[uint8, To](t)
	case dtypes.Uint16:
		return convertFlat[uint16, To](t)
	case dtypes.Uint32:
		return convertFlat[uint32, To](t)
	case dtypes.Uint64:
		return convertFlat[uint64, To](t)
	case dtypes.Float16:
		in := tensors.MustCopyFlatData[float16.Float16](t)
		out := make([]To, len(in))
		for ii, v := range in {
			out[ii] = To(v.Float32())
		}
		return out
	case dtypes.Bool:
		in := tensors.MustCopyFlatData[bool](t)
		out := make([]To, len(in))
		for ii, v := range in {
			if v {
				out[ii] = 1
			}
		}
		return out
	}
	exceptions.Panicf("hostops: dtype %s has no numeric conversion", t.DType())
	return nil
}

func fromNumbers[T number](values []T, dtype dtypes.DType, dims []int) *tensors.Tensor {
	switch dtype {
	case dtypes.Float32:
		return convertValues[T, float32](values, dims)
	case dtypes.Float64:
		return convertValues[T, float64](values, dims)
	case dtypes.Int8:
		return convertValues[T, int8](values, dims)
	case dtypes.Int16:
		return convertValues[T, int16](values, dims)
	case dtypes.Int32:
		return convertValues[T, int32](values, dims)
	case dtypes.Int64:
		return convertValues[T, int64](values, dims)
	case dtypes.Uint8:
		return convertValues[T, uint8](values, dims)
	case dtypes.Uint16:
		return convertValues[T, uint16](values, dims)
	case dtypes.Uint32:
		return convertValues[T, uint32](values, dims)
	case dtypes.Uint64:
		return convertValues[T, uint64](values, dims)
	case dtypes.Float16:
		out := make([]float16.Float16, len(values))
		for ii, v := range values {
			out[ii] = float16.Fromfloat32(float32(v))
		}
		return tensors.FromFlatDataAndDimensions(out, dims...)
	case dtypes.Bool:
		out := make([]bool, len(values))
		for ii, v := range values {
			out[ii] = v != 0
		}
		return tensors.FromFlatDataAndDimensions(out, dims...)
	}
	exceptions.Panicf("hostops: cannot create tensor of dtype %s", dtype)
	return nil
}

func convertValues[From, To number](values []From, dims []int) *tensors.Tensor {
	out := make([]To, len(values))
	for ii, v := range values {
		out[ii] = To(v)
	}
	return tensors.FromFlatDataAndDimensions(out, dims...)
}

// ToFloat64s returns the values of t converted to float64.
func ToFloat64s(t *tensors.Tensor) []float64 {
	return toNumbers[float64](t)
}

// FromFloat64s creates a tensor of the given dtype and dimensions from float64 values.
// Conversion to integers truncates toward zero.
func FromFloat64s(dtype dtypes.DType, values []float64, dims ...int) *tensors.Tensor {
	return fromNumbers(values, dtype, dims)
}

// FromInts creates a tensor of the given dtype and dimensions from int values.
func FromInts(dtype dtypes.DType, values []int, dims ...int) *tensors.Tensor {
	converted := make([]int64, len(values))
	for ii, v := range values {
		converted[ii] = int64(v)
	}
	return fromNumbers(converted, dtype, dims)
}

// ToInts converts an integer (or float) tensor to a flat slice of ints. Used for shapes, axes and
// other attributes given as tensors.
func ToInts(t *tensors.Tensor) []int {
	res := make([]int, t.Shape().Size())
	if len(res) == 0 {
		return res
	}
	intType := reflect.TypeOf(int(0))
	t.ConstFlatData(func(flat any) {
		valueOf := reflect.ValueOf(flat)
		for ii := range valueOf.Len() {
			res[ii] = valueOf.Index(ii).Convert(intType).Interface().(int)
		}
	})
	return res
}
