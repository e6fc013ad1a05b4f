// Package tensors implements a host-only Tensor: a multi-dimensional array defined by a
// dtype (dtypes.DType), its axes' dimensions and its content stored as a flat slice of
// values in row-major order.
//
// This is the in-memory representation of the checkpoint states (weights, activations and
// gradients) saved during training. Tensors here are plain data: they are loaded from
// ".safetensors" files (see ReadSafetensors) and handed to metric functions, nothing else.
package tensors

import (
	"fmt"
	"math"
	"slices"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Tensor represents a multidimensional array (from scalar with 0 dimensions, to arbitrarily
// large dimensions), defined by its dtype, its axes' dimensions and its flat content.
//
// Data is stored little-endian, the same layout used by the ".safetensors" format, so
// loading is a straight copy.
//
// A Tensor is immutable after construction.
type Tensor struct {
	dtype      dtypes.DType
	dimensions []int
	data       []byte
}

// FromFlatDataAndDimensions creates a Tensor with the given dimensions, and sets the
// flattened values with the given data.
//
// It panics if the data size doesn't match the dimensions -- that is a bug in the caller,
// not an I/O condition.
func FromFlatDataAndDimensions[T Supported](data []T, dimensions ...int) *Tensor {
	dtype := dtypes.FromGenericsType[T]()
	size := 1
	for _, dim := range dimensions {
		if dim <= 0 {
			panic(errors.Errorf("tensors.FromFlatDataAndDimensions: invalid dimension %d in %v", dim, dimensions))
		}
		size *= dim
	}
	if len(data) != size {
		panic(errors.Errorf("tensors.FromFlatDataAndDimensions: data has %d values, dimensions %v require %d",
			len(data), dimensions, size))
	}
	t := newTensor(dtype, dimensions)
	encodeFlat(t.data, data)
	return t
}

// FromShape creates a zero-initialized tensor with the given dtype and dimensions.
func FromShape(dtype dtypes.DType, dimensions ...int) *Tensor {
	return newTensor(dtype, dimensions)
}

// Supported lists the Go types a Tensor can be built from.
type Supported interface {
	float16.Float16 | float32 | float64 | int32 | int64 | uint8
}

func newTensor(dtype dtypes.DType, dimensions []int) *Tensor {
	size := 1
	for _, dim := range dimensions {
		size *= dim
	}
	return &Tensor{
		dtype:      dtype,
		dimensions: slices.Clone(dimensions),
		data:       make([]byte, size*dtype.Size()),
	}
}

func encodeFlat[T Supported](dst []byte, data []T) {
	switch values := any(data).(type) {
	case []float16.Float16:
		for ii, v := range values {
			putUint16(dst[ii*2:], uint16(v))
		}
	case []float32:
		for ii, v := range values {
			putUint32(dst[ii*4:], math.Float32bits(v))
		}
	case []float64:
		for ii, v := range values {
			putUint64(dst[ii*8:], math.Float64bits(v))
		}
	case []int32:
		for ii, v := range values {
			putUint32(dst[ii*4:], uint32(v))
		}
	case []int64:
		for ii, v := range values {
			putUint64(dst[ii*8:], uint64(v))
		}
	case []uint8:
		copy(dst, values)
	}
}

func putUint16(b []byte, v uint16) { b[0] = byte(v); b[1] = byte(v >> 8) }

func putUint32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func putUint64(b []byte, v uint64) {
	putUint32(b, uint32(v))
	putUint32(b[4:], uint32(v>>32))
}

func getUint16(b []byte) uint16 { return uint16(b[0]) | uint16(b[1])<<8 }

func getUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func getUint64(b []byte) uint64 {
	return uint64(getUint32(b)) | uint64(getUint32(b[4:]))<<32
}

// DType of the tensor's values.
func (t *Tensor) DType() dtypes.DType { return t.dtype }

// Rank returns the number of axes of the tensor. A scalar has rank 0.
func (t *Tensor) Rank() int { return len(t.dimensions) }

// Dimensions returns a copy of the tensor's axes dimensions.
func (t *Tensor) Dimensions() []int { return slices.Clone(t.dimensions) }

// Size returns the number of elements in the tensor.
func (t *Tensor) Size() int {
	size := 1
	for _, dim := range t.dimensions {
		size *= dim
	}
	return size
}

// Memory returns the number of bytes used to store the tensor's values.
func (t *Tensor) Memory() uintptr { return uintptr(len(t.data)) }

// ConstBytes returns the tensor's raw little-endian data. The returned slice is owned by
// the Tensor and must not be modified.
func (t *Tensor) ConstBytes() []byte { return t.data }

// Equal reports whether two tensors have the same dtype, dimensions and values.
func (t *Tensor) Equal(other *Tensor) bool {
	if t == nil || other == nil {
		return t == other
	}
	return t.dtype == other.dtype &&
		slices.Equal(t.dimensions, other.dimensions) &&
		slices.Equal(t.data, other.data)
}

// String implements fmt.Stringer, printing dtype and dimensions only.
func (t *Tensor) String() string {
	return fmt.Sprintf("(%s)%v", t.dtype, t.dimensions)
}

// Float64s returns the tensor's values converted to float64, in row-major order.
//
// It supports the float dtypes (Float16, BFloat16, Float32, Float64) and the common integer
// ones. Anything else returns an error -- checkpoint states are floats in practice.
func (t *Tensor) Float64s() ([]float64, error) {
	size := t.Size()
	out := make([]float64, size)
	switch t.dtype {
	case dtypes.Float16:
		for ii := range out {
			out[ii] = float64(float16.Float16(getUint16(t.data[ii*2:])).Float32())
		}
	case dtypes.BFloat16:
		for ii := range out {
			out[ii] = float64(math.Float32frombits(uint32(getUint16(t.data[ii*2:])) << 16))
		}
	case dtypes.Float32:
		for ii := range out {
			out[ii] = float64(math.Float32frombits(getUint32(t.data[ii*4:])))
		}
	case dtypes.Float64:
		for ii := range out {
			out[ii] = math.Float64frombits(getUint64(t.data[ii*8:]))
		}
	case dtypes.Int32:
		for ii := range out {
			out[ii] = float64(int32(getUint32(t.data[ii*4:])))
		}
	case dtypes.Int64:
		for ii := range out {
			out[ii] = float64(int64(getUint64(t.data[ii*8:])))
		}
	case dtypes.Uint8:
		for ii := range out {
			out[ii] = float64(t.data[ii])
		}
	default:
		return nil, errors.Errorf("tensors.Float64s: unsupported dtype %s", t.dtype)
	}
	return out, nil
}
