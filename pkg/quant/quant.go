// Package quant implements the tensor quantization kernels used when
// producing reduced-precision GGUF variants. Block layouts are bit-compatible
// with the ggml formats of the same names.
package quant

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/x448/float16"

	"github.com/sdxl-tools/sdgguf/pkg/gguf"
)

// Type is a requestable quantization target.
type Type string

const (
	TypeQ4KS Type = "Q4_K_S"
	TypeQ5KS Type = "Q5_K_S"
	TypeQ8_0 Type = "Q8_0"
)

// All lists every supported quantization target, in the order the original
// tool offered them.
var All = []Type{TypeQ4KS, TypeQ5KS, TypeQ8_0}

var ErrUnknownType = errors.New("unknown quantization type")

// Parse resolves a user-supplied quantization type name. Matching is
// case-insensitive.
func Parse(s string) (Type, error) {
	for _, t := range All {
		if strings.EqualFold(s, string(t)) {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: %q (supported: Q4_K_S, Q5_K_S, Q8_0)", ErrUnknownType, s)
}

// TensorType returns the ggml storage type eligible tensors are encoded as.
func (t Type) TensorType() gguf.TensorType {
	switch t {
	case TypeQ4KS:
		return gguf.TypeQ4_K
	case TypeQ5KS:
		return gguf.TypeQ5_K
	case TypeQ8_0:
		return gguf.TypeQ8_0
	default:
		return gguf.TypeF16
	}
}

// FileType returns the llama file-type enum value recorded in the output
// file's metadata.
func (t Type) FileType() gguf.FileType {
	switch t {
	case TypeQ4KS:
		return gguf.FileTypeQ4_K_S
	case TypeQ5KS:
		return gguf.FileTypeQ5_K_S
	case TypeQ8_0:
		return gguf.FileTypeQ8_0
	default:
		return gguf.FileTypeF16
	}
}

// ShouldQuantize reports whether a tensor is eligible for quantization.
// Only 2D linear weights are quantized; embeddings, norms and biases keep
// their original precision, and rows must divide into whole blocks.
func ShouldQuantize(name string, dims []uint64, target Type) bool {
	if !strings.HasSuffix(name, ".weight") {
		return false
	}
	if strings.Contains(name, "embed") || strings.Contains(name, "norm") ||
		strings.Contains(name, "ln_") || strings.Contains(name, "layernorm") {
		return false
	}
	if len(dims) != 2 {
		return false
	}
	elements := dims[0] * dims[1]
	if elements < 1024 {
		return false
	}
	// dims are in ggml order, so dims[0] is the row length.
	return dims[0]%target.TensorType().BlockSize() == 0
}

// Quantize encodes float32 values into the block format for the target type.
func Quantize(target Type, src []float32) ([]byte, error) {
	switch target {
	case TypeQ8_0:
		return quantizeQ8_0(src)
	case TypeQ4KS:
		return quantizeQ4K(src)
	case TypeQ5KS:
		return quantizeQ5K(src)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, target)
	}
}

// Dequantize decodes a block-format payload back to float32 values.
func Dequantize(typ gguf.TensorType, data []byte, elements uint64) ([]float32, error) {
	switch typ {
	case gguf.TypeQ8_0:
		return dequantizeQ8_0(data, elements)
	case gguf.TypeQ4_K:
		return dequantizeQ4K(data, elements)
	case gguf.TypeQ5_K:
		return dequantizeQ5K(data, elements)
	case gguf.TypeF16:
		return F16ToF32(data), nil
	case gguf.TypeF32:
		out := make([]float32, elements)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
		}
		return out, nil
	default:
		return nil, fmt.Errorf("cannot dequantize tensor type %s", typ)
	}
}

// F32ToF16 converts raw little-endian float32 data to float16.
func F32ToF16(data []byte) []byte {
	out := make([]byte, len(data)/2)
	for i := 0; i < len(data)/4; i++ {
		f := math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
		binary.LittleEndian.PutUint16(out[i*2:], float16.Fromfloat32(f).Bits())
	}
	return out
}

// F16ToF32 decodes raw little-endian float16 data to float32 values.
func F16ToF32(data []byte) []float32 {
	out := make([]float32, len(data)/2)
	for i := range out {
		out[i] = float16.Frombits(binary.LittleEndian.Uint16(data[i*2:])).Float32()
	}
	return out
}

// BF16ToF32 decodes raw little-endian bfloat16 data to float32 values.
func BF16ToF32(data []byte) []float32 {
	out := make([]float32, len(data)/2)
	for i := range out {
		out[i] = math.Float32frombits(uint32(binary.LittleEndian.Uint16(data[i*2:])) << 16)
	}
	return out
}

// F32FromBytes decodes raw little-endian float32 data.
func F32FromBytes(data []byte) []float32 {
	out := make([]float32, len(data)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return out
}

func nearestInt(f float32) int {
	return int(math.Round(float64(f)))
}

func f16bits(f float32) uint16 {
	return float16.Fromfloat32(f).Bits()
}

func f16val(bits uint16) float32 {
	return float16.Frombits(bits).Float32()
}
