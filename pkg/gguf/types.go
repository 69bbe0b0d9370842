// Package gguf implements writing (and the reading needed for
// requantization) of GGUF v3 tensor containers.
package gguf

import "fmt"

const (
	// Magic is "GGUF" interpreted as a little-endian uint32.
	Magic uint32 = 0x46554747
	// Version is the container version this package writes.
	Version uint32 = 3
	// Alignment of the tensor data region and of each tensor's offset.
	Alignment = 32
)

// TensorType identifies the ggml storage type of a tensor.
type TensorType uint32

const (
	TypeF32  TensorType = 0
	TypeF16  TensorType = 1
	TypeQ8_0 TensorType = 8
	TypeQ4_K TensorType = 12
	TypeQ5_K TensorType = 13
)

func (t TensorType) String() string {
	switch t {
	case TypeF32:
		return "F32"
	case TypeF16:
		return "F16"
	case TypeQ8_0:
		return "Q8_0"
	case TypeQ4_K:
		return "Q4_K"
	case TypeQ5_K:
		return "Q5_K"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint32(t))
	}
}

// BlockSize returns the number of elements per quantization block.
func (t TensorType) BlockSize() uint64 {
	switch t {
	case TypeQ8_0:
		return 32
	case TypeQ4_K, TypeQ5_K:
		return 256
	default:
		return 1
	}
}

// BlockBytes returns the encoded size of one block in bytes.
func (t TensorType) BlockBytes() uint64 {
	switch t {
	case TypeF32:
		return 4
	case TypeF16:
		return 2
	case TypeQ8_0:
		return 34
	case TypeQ4_K:
		return 144
	case TypeQ5_K:
		return 176
	default:
		return 0
	}
}

// ByteSize returns the encoded size of a tensor with n elements, or an error
// when n does not divide into whole blocks.
func (t TensorType) ByteSize(n uint64) (uint64, error) {
	bs := t.BlockSize()
	if bs == 0 || t.BlockBytes() == 0 {
		return 0, fmt.Errorf("unsupported tensor type %s", t)
	}
	if n%bs != 0 {
		return 0, fmt.Errorf("%d elements do not divide into %s blocks of %d", n, t, bs)
	}
	return n / bs * t.BlockBytes(), nil
}

// ValueType identifies the wire type of a metadata value.
type ValueType uint32

const (
	ValueUint8   ValueType = 0
	ValueInt8    ValueType = 1
	ValueUint16  ValueType = 2
	ValueInt16   ValueType = 3
	ValueUint32  ValueType = 4
	ValueInt32   ValueType = 5
	ValueFloat32 ValueType = 6
	ValueBool    ValueType = 7
	ValueString  ValueType = 8
	ValueArray   ValueType = 9
	ValueUint64  ValueType = 10
	ValueInt64   ValueType = 11
	ValueFloat64 ValueType = 12
)

// FileType is the llama file-type enum recorded under general.file_type,
// describing the majority tensor encoding of the file.
type FileType uint32

const (
	FileTypeF32    FileType = 0
	FileTypeF16    FileType = 1
	FileTypeQ8_0   FileType = 7
	FileTypeQ4_K_S FileType = 14
	FileTypeQ5_K_S FileType = 16
)

func (f FileType) String() string {
	switch f {
	case FileTypeF32:
		return "F32"
	case FileTypeF16:
		return "F16"
	case FileTypeQ8_0:
		return "Q8_0"
	case FileTypeQ4_K_S:
		return "Q4_K_S"
	case FileTypeQ5_K_S:
		return "Q5_K_S"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint32(f))
	}
}

// Metadata keys written by the converter.
const (
	KeyArchitecture        = "general.architecture"
	KeyName                = "general.name"
	KeyFileType            = "general.file_type"
	KeyQuantizationVersion = "general.quantization_version"
)

// QuantizationVersion is the ggml quantization format version in effect.
const QuantizationVersion = 2

// KV is a single metadata entry. Order is significant on the wire, so
// metadata is carried as a slice rather than a map.
type KV struct {
	Key   string
	Value Value
}

// Value is a typed metadata value. For ValueArray, V holds a []Value whose
// elements all share Elem as their type.
type Value struct {
	Type ValueType
	Elem ValueType
	V    interface{}
}

// TensorInfo describes one tensor in a GGUF file. Dims are in ggml order
// (innermost dimension first), which is the reverse of the logical row-major
// shape.
type TensorInfo struct {
	Name   string
	Dims   []uint64
	Type   TensorType
	Offset uint64
}

// Elements returns the element count of the tensor.
func (t *TensorInfo) Elements() uint64 {
	n := uint64(1)
	for _, d := range t.Dims {
		n *= d
	}
	return n
}

// ByteSize returns the encoded payload size.
func (t *TensorInfo) ByteSize() (uint64, error) {
	return t.Type.ByteSize(t.Elements())
}

// align32 rounds n up to the next multiple of Alignment.
func align32(n uint64) uint64 {
	return (n + Alignment - 1) &^ uint64(Alignment-1)
}
