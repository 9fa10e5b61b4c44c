// Package hostops moves the data of concrete (host) tensors around: weight permutations, slices of
// constant shapes, concatenations of constant shapes, etc.
//
// The data movement (Transpose, Slice, Gather, Concat, Split, BroadcastTo, Reverse) is executed by
// github.com/pdevine/tensor dense tensors, backed by the raw bits of the elements: uint8, uint16, uint32 or
// uint64, depending on the size of the dtype. So any fixed size dtype is supported, including Float16,
// BFloat16 and Bool.
//
// Arithmetic is not done here: the converter folds it by executing the corresponding GoMLX graph operation.
//
// Like the graph operations they mirror, the functions panic (with an error) on invalid arguments.
package hostops

import (
	"slices"
	"unsafe"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pdevine/tensor"
	"github.com/pkg/errors"
)

type bits interface {
	uint8 | uint16 | uint32 | uint64
}

// bitsOf copies the raw bytes into a slice of unsigned integers of the element size.
func bitsOf[T bits](data []byte) []T {
	var zero T
	out := make([]T, len(data)/int(unsafe.Sizeof(zero)))
	copy(bytesOf(out), data)
	return out
}

// bytesOf returns the raw bytes of values (not a copy).
func bytesOf[T bits](values []T) []byte {
	if len(values) == 0 {
		return nil
	}
	var zero T
	return unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(values))), len(values)*int(unsafe.Sizeof(zero)))
}

// denseOf returns a dense tensor with the raw bits of t, shaped dims (which must have the size of t).
// Rank-0 values are given the shape [1].
func denseOf(t *tensors.Tensor, dims []int) *tensor.Dense {
	if len(dims) == 0 {
		dims = []int{1}
	}
	var backing any
	t.ConstBytes(func(data []byte) {
		switch t.DType().Size() {
		case 1:
			backing = slices.Clone(data)
		case 2:
			backing = bitsOf[uint16](data)
		case 4:
			backing = bitsOf[uint32](data)
		case 8:
			backing = bitsOf[uint64](data)
		default:
			exceptions.Panicf("hostops: dtype %s not supported", t.DType())
		}
	})
	return tensor.New(tensor.WithShape(dims...), tensor.WithBacking(backing))
}

// fromDense creates a tensor of dtype and dims with the data of d.
//
// The dimensions are always given explicitly: dense tensors collapse axes of dimension 1 when sliced.
func fromDense(d tensor.Tensor, dtype dtypes.DType, dims []int) *tensors.Tensor {
	out := tensors.FromShape(shapes.Make(dtype, dims...))
	size := out.Shape().Size()
	if size == 0 {
		return out
	}
	dense := tensor.Materialize(d).(*tensor.Dense)
	out.MutableBytes(func(data []byte) {
		var n int
		switch flat := dense.Data().(type) {
		case []uint8:
			n = copy(data, flat)
		case []uint16:
			n = copy(data, bytesOf(flat))
		case []uint32:
			n = copy(data, bytesOf(flat))
		case []uint64:
			n = copy(data, bytesOf(flat))
		// Single element results are returned as scalars.
		case uint8:
			n = copy(data, []byte{flat})
		case uint16:
			n = copy(data, bytesOf([]uint16{flat}))
		case uint32:
			n = copy(data, bytesOf([]uint32{flat}))
		case uint64:
			n = copy(data, bytesOf([]uint64{flat}))
		default:
			exceptions.Panicf("hostops: unexpected dense data of type %T", flat)
		}
		if n != len(data) {
			exceptions.Panicf("hostops: dense result has %d bytes, expected %d for %s", n, len(data), out.Shape())
		}
	})
	return out
}

// empty returns a tensor with no elements.
func empty(dtype dtypes.DType, dims []int) *tensors.Tensor {
	return tensors.FromShape(shapes.Make(dtype, dims...))
}

func must1[T any](v T, err error) T {
	if err != nil {
		panic(errors.Wrap(err, "hostops"))
	}
	return v
}

// Transpose permutes the axes of t: output axis i is input axis permutation[i].
func Transpose(t *tensors.Tensor, permutation ...int) *tensors.Tensor {
	dims := t.Shape().Dimensions
	if len(permutation) != len(dims) {
		exceptions.Panicf("hostops.Transpose: permutation %v doesn't match rank %d", permutation, len(dims))
	}
	seen := make([]bool, len(dims))
	outDims := make([]int, len(dims))
	for ii, axis := range permutation {
		if axis < 0 || axis >= len(dims) || seen[axis] {
			exceptions.Panicf("hostops.Transpose: invalid permutation %v for rank %d", permutation, len(dims))
		}
		seen[axis] = true
		outDims[ii] = dims[axis]
	}
	if t.Shape().Size() == 0 {
		return empty(t.DType(), outDims)
	}
	if len(dims) <= 1 {
		return Reshape(t, outDims...)
	}
	transposed := must1(tensor.Transpose(denseOf(t, dims), permutation...))
	return fromDense(transposed, t.DType(), outDims)
}

// Reshape returns a copy of t with the new dimensions, which must have the same size.
func Reshape(t *tensors.Tensor, dims ...int) *tensors.Tensor {
	shape := shapes.Make(t.DType(), dims...)
	if shape.Size() != t.Shape().Size() {
		exceptions.Panicf("hostops.Reshape: cannot reshape %s to dimensions %v", t.Shape(), dims)
	}
	if shape.Size() == 0 {
		return empty(t.DType(), dims)
	}
	return fromDense(denseOf(t, t.Shape().Dimensions), t.DType(), dims)
}

// BroadcastDims returns the dimensions resulting of broadcasting the shapes a and b, following
// numpy (and ONNX multidirectional) rules: the shorter is left padded with 1s, and axes of dimension
// 1 are expanded.
func BroadcastDims(a, b []int) []int {
	rank := max(len(a), len(b))
	out := make([]int, rank)
	for ii := range rank {
		da, db := 1, 1
		if k := ii - (rank - len(a)); k >= 0 {
			da = a[k]
		}
		if k := ii - (rank - len(b)); k >= 0 {
			db = b[k]
		}
		switch {
		case da == db || db == 1:
			out[ii] = da
		case da == 1:
			out[ii] = db
		default:
			exceptions.Panicf("hostops: dimensions %v and %v cannot be broadcast together", a, b)
		}
	}
	return out
}

// BroadcastTo expands t to dims: t is left padded with axes of dimension 1 if needed.
func BroadcastTo(t *tensors.Tensor, dims ...int) *tensors.Tensor {
	inDims := t.Shape().Dimensions
	if slices.Equal(inDims, dims) {
		return t
	}
	if len(inDims) > len(dims) {
		exceptions.Panicf("hostops.BroadcastTo: cannot broadcast %s to lower rank dimensions %v", t.Shape(), dims)
	}
	padded := slices.Concat(slices.Repeat([]int{1}, len(dims)-len(inDims)), inDims)
	for axis, dim := range padded {
		if dim != 1 && dim != dims[axis] {
			exceptions.Panicf("hostops.BroadcastTo: cannot broadcast %s to dimensions %v", t.Shape(), dims)
		}
	}
	if shapes.Make(t.DType(), dims...).Size() == 0 {
		return empty(t.DType(), dims)
	}
	var current tensor.Tensor = denseOf(t, padded)
	for axis, dim := range padded {
		if dim == 1 && dims[axis] != 1 {
			current = must1(tensor.Repeat(current, axis, dims[axis]))
		}
	}
	return fromDense(current, t.DType(), dims)
}

// Slice takes for every axis the elements starts[axis], starts[axis]+steps[axis], ... up to ends[axis]
// (exclusive). Steps must be positive and ranges already clamped to the dimensions.
func Slice(t *tensors.Tensor, starts, ends, steps []int) *tensors.Tensor {
	dims := t.Shape().Dimensions
	if len(starts) != len(dims) || len(ends) != len(dims) || len(steps) != len(dims) {
		exceptions.Panicf("hostops.Slice: starts=%v, ends=%v and steps=%v must have one value per axis of %s",
			starts, ends, steps, t.Shape())
	}
	outDims := make([]int, len(dims))
	ranges := make([]tensor.Slice, len(dims))
	for axis := range dims {
		if steps[axis] <= 0 || starts[axis] < 0 || ends[axis] > dims[axis] {
			exceptions.Panicf("hostops.Slice: invalid range [%d:%d:%d] for axis %d of %s",
				starts[axis], ends[axis], steps[axis], axis, t.Shape())
		}
		if ends[axis] > starts[axis] {
			outDims[axis] = (ends[axis] - starts[axis] + steps[axis] - 1) / steps[axis]
		}
		if starts[axis] != 0 || ends[axis] != dims[axis] || steps[axis] != 1 {
			ranges[axis] = tensor.S(starts[axis], ends[axis], steps[axis])
		}
	}
	if shapes.Make(t.DType(), outDims...).Size() == 0 {
		return empty(t.DType(), outDims)
	}
	if slices.Equal(outDims, dims) {
		return Reshape(t, dims...)
	}
	view := must1(denseOf(t, dims).Slice(ranges...))
	return fromDense(view, t.DType(), outDims)
}

// Gather takes the slices of t along axis at the given indices. The output shape is
// t.dims[:axis] + indicesDims + t.dims[axis+1:]. Negative indices count from the end.
func Gather(t *tensors.Tensor, axis int, indices []int, indicesDims ...int) *tensors.Tensor {
	dims := t.Shape().Dimensions
	if axis < 0 || axis >= len(dims) {
		exceptions.Panicf("hostops.Gather: invalid axis %d for %s", axis, t.Shape())
	}
	if shapes.Make(t.DType(), indicesDims...).Size() != len(indices) {
		exceptions.Panicf("hostops.Gather: %d indices given for indices dimensions %v", len(indices), indicesDims)
	}
	normalized := make([]int, len(indices))
	for ii, idx := range indices {
		if idx < 0 {
			idx += dims[axis]
		}
		if idx < 0 || idx >= dims[axis] {
			exceptions.Panicf("hostops.Gather: index %d out of range for axis %d of %s", indices[ii], axis, t.Shape())
		}
		normalized[ii] = idx
	}
	outDims := slices.Concat(dims[:axis], indicesDims, dims[axis+1:])
	if shapes.Make(t.DType(), outDims...).Size() == 0 {
		return empty(t.DType(), outDims)
	}

	// Each index selects a slab of dimension 1 on axis: the slabs are concatenated on axis.
	source := denseOf(t, dims)
	slabDims := slices.Clone(dims)
	slabDims[axis] = 1
	slabs := make([]tensor.Tensor, len(normalized))
	for ii, idx := range normalized {
		ranges := make([]tensor.Slice, len(dims))
		ranges[axis] = tensor.S(idx, idx+1)
		slab := tensor.Materialize(must1(source.Slice(ranges...))).(*tensor.Dense)
		if err := slab.Reshape(slabDims...); err != nil {
			panic(errors.Wrap(err, "hostops.Gather"))
		}
		slabs[ii] = slab
	}
	return fromDense(concat(axis, slabs), t.DType(), outDims)
}

func concat(axis int, parts []tensor.Tensor) tensor.Tensor {
	if len(parts) == 1 {
		return parts[0]
	}
	return must1(tensor.Concat(axis, parts[0], parts[1:]...))
}

// Concat joins the tensors along axis. They must have the same dtype, rank and dimensions in all
// other axes.
func Concat(axis int, ts ...*tensors.Tensor) *tensors.Tensor {
	if len(ts) == 0 {
		exceptions.Panicf("hostops.Concat: no tensors given")
	}
	first := ts[0].Shape()
	if axis < 0 || axis >= first.Rank() {
		exceptions.Panicf("hostops.Concat: invalid axis %d for %s", axis, first)
	}
	outDims := slices.Clone(first.Dimensions)
	outDims[axis] = 0
	parts := make([]tensor.Tensor, 0, len(ts))
	for _, t := range ts {
		shape := t.Shape()
		if shape.DType != first.DType || shape.Rank() != first.Rank() {
			exceptions.Panicf("hostops.Concat: incompatible shapes %s and %s", first, shape)
		}
		for ii, dim := range shape.Dimensions {
			if ii != axis && dim != first.Dimensions[ii] {
				exceptions.Panicf("hostops.Concat: incompatible shapes %s and %s on axis %d", first, shape, axis)
			}
		}
		outDims[axis] += shape.Dimensions[axis]
		if shape.Size() > 0 {
			parts = append(parts, denseOf(t, shape.Dimensions))
		}
	}
	if len(parts) == 0 {
		return empty(first.DType, outDims)
	}
	return fromDense(concat(axis, parts), first.DType, outDims)
}

// Split is the inverse of Concat: it cuts t along axis into numParts parts of equal size.
func Split(t *tensors.Tensor, axis, numParts int) []*tensors.Tensor {
	dims := t.Shape().Dimensions
	if axis < 0 || axis >= len(dims) || numParts <= 0 || dims[axis]%numParts != 0 {
		exceptions.Panicf("hostops.Split: cannot split axis %d of %s in %d parts", axis, t.Shape(), numParts)
	}
	partSize := dims[axis] / numParts
	parts := make([]*tensors.Tensor, numParts)
	starts := make([]int, len(dims))
	ends := slices.Clone(dims)
	steps := slices.Repeat([]int{1}, len(dims))
	for part := range numParts {
		starts[axis] = part * partSize
		ends[axis] = (part + 1) * partSize
		parts[part] = Slice(t, starts, ends, steps)
	}
	return parts
}

// Reverse reverses the order of the elements along the given axes.
func Reverse(t *tensors.Tensor, axes ...int) *tensors.Tensor {
	dims := t.Shape().Dimensions
	for _, axis := range axes {
		if axis < 0 || axis >= len(dims) {
			exceptions.Panicf("hostops.Reverse: invalid axis %d for %s", axis, t.Shape())
		}
		indices := make([]int, dims[axis])
		for ii := range indices {
			indices[ii] = dims[axis] - 1 - ii
		}
		t = Gather(t, axis, indices, dims[axis])
	}
	return t
}
