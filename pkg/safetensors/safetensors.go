// Package safetensors implements reading and writing of the safetensors
// tensor container format: an 8-byte little-endian header length, a JSON
// header describing dtype, shape and data offsets per tensor, followed by the
// raw tensor data region.
package safetensors

import (
	"errors"
	"fmt"
)

// DType identifies the element type of a stored tensor. Values match the
// dtype strings used by the safetensors format.
type DType string

const (
	F64  DType = "F64"
	F32  DType = "F32"
	F16  DType = "F16"
	BF16 DType = "BF16"
	I64  DType = "I64"
	I32  DType = "I32"
	I16  DType = "I16"
	I8   DType = "I8"
	U8   DType = "U8"
	Bool DType = "BOOL"
)

var dtypeSizes = map[DType]uint64{
	F64:  8,
	F32:  4,
	F16:  2,
	BF16: 2,
	I64:  8,
	I32:  4,
	I16:  2,
	I8:   1,
	U8:   1,
	Bool: 1,
}

// Size returns the per-element size in bytes, or 0 for unknown dtypes.
func (d DType) Size() uint64 {
	return dtypeSizes[d]
}

// Valid reports whether the dtype is one the codec understands.
func (d DType) Valid() bool {
	_, ok := dtypeSizes[d]
	return ok
}

var (
	ErrUnsupportedDType = errors.New("unsupported tensor dtype")
	ErrCorruptHeader    = errors.New("corrupt safetensors header")
	ErrTensorNotFound   = errors.New("tensor not found")
)

// TensorInfo describes a single tensor within a safetensors file.
type TensorInfo struct {
	Name  string
	DType DType
	Shape []uint64

	// begin and end are byte offsets relative to the start of the data
	// region, as recorded in the header.
	begin uint64
	end   uint64
}

// Elements returns the number of elements implied by the shape. A zero-rank
// tensor holds a single element.
func (t *TensorInfo) Elements() uint64 {
	n := uint64(1)
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// ByteSize returns the size of the tensor payload in bytes.
func (t *TensorInfo) ByteSize() uint64 {
	return t.end - t.begin
}

func (t *TensorInfo) validate() error {
	if !t.DType.Valid() {
		return fmt.Errorf("%w: tensor %q has dtype %q", ErrUnsupportedDType, t.Name, t.DType)
	}
	if t.end < t.begin {
		return fmt.Errorf("%w: tensor %q has inverted data offsets", ErrCorruptHeader, t.Name)
	}
	if want := t.Elements() * t.DType.Size(); want != t.ByteSize() {
		return fmt.Errorf("%w: tensor %q shape implies %d bytes but offsets span %d",
			ErrCorruptHeader, t.Name, want, t.ByteSize())
	}
	return nil
}
