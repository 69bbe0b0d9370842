// Package convert turns extracted UNet safetensors files into GGUF
// containers and produces quantized variants of converted files.
package convert

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/sdxl-tools/sdgguf/pkg/gguf"
	"github.com/sdxl-tools/sdgguf/pkg/logging"
	"github.com/sdxl-tools/sdgguf/pkg/quant"
	"github.com/sdxl-tools/sdgguf/pkg/safetensors"
)

// Architecture is the value recorded under general.architecture for
// converted SDXL UNets, matching the convention of the GGUF image-model
// tooling.
const Architecture = "sdxl"

// unetPrefix is stripped from tensor names during conversion; GGUF image
// tooling expects bare UNet keys.
const unetPrefix = "model.diffusion_model."

// Converter handles safetensors to GGUF conversion.
type Converter struct {
	log logging.Logger
}

// New returns a Converter.
func New() *Converter {
	return &Converter{log: logging.NewComponentLogger("convert")}
}

// targetType returns the GGUF storage type for a tensor during F16
// conversion: one-dimensional tensors (biases, norm parameters) stay F32,
// everything else becomes F16.
func targetType(info *safetensors.TensorInfo) gguf.TensorType {
	if len(info.Shape) <= 1 {
		return gguf.TypeF32
	}
	return gguf.TypeF16
}

// ggmlDims reverses a logical row-major shape into ggml dimension order.
func ggmlDims(shape []uint64) []uint64 {
	if len(shape) == 0 {
		return []uint64{1}
	}
	dims := make([]uint64, len(shape))
	for i, d := range shape {
		dims[len(shape)-1-i] = d
	}
	return dims
}

// ToGGUF converts the UNet safetensors file at srcPath into an F16 GGUF
// container at dstPath.
func (c *Converter) ToGGUF(srcPath, dstPath string) error {
	src, err := safetensors.Open(srcPath)
	if err != nil {
		return fmt.Errorf("open unet: %w", err)
	}
	defer src.Close()

	name := strings.TrimSuffix(filepath.Base(srcPath), filepath.Ext(srcPath))
	name = strings.TrimSuffix(name, "_unet")

	w, err := gguf.NewWriter(dstPath)
	if err != nil {
		return err
	}
	meta := []gguf.KV{
		{Key: gguf.KeyArchitecture, Value: gguf.Value{Type: gguf.ValueString, V: Architecture}},
		{Key: gguf.KeyName, Value: gguf.Value{Type: gguf.ValueString, V: name}},
		{Key: gguf.KeyFileType, Value: gguf.Value{Type: gguf.ValueUint32, V: uint32(gguf.FileTypeF16)}},
		{Key: gguf.KeyQuantizationVersion, Value: gguf.Value{Type: gguf.ValueUint32, V: uint32(gguf.QuantizationVersion)}},
	}
	for _, kv := range meta {
		if err := w.AddKV(kv); err != nil {
			w.Close()
			return err
		}
	}

	names := src.Names()
	for _, key := range names {
		info, err := src.Tensor(key)
		if err != nil {
			w.Close()
			return err
		}
		if !convertible(info.DType) {
			w.Close()
			return fmt.Errorf("tensor %q: cannot convert dtype %s to GGUF", key, info.DType)
		}
		if err := w.AddTensor(storedName(key), ggmlDims(info.Shape), targetType(info)); err != nil {
			w.Close()
			return err
		}
	}

	c.log.Infof("converting %d tensors from %s", len(names), srcPath)
	for _, key := range names {
		info, _ := src.Tensor(key)
		raw, err := src.ReadTensor(key)
		if err != nil {
			w.Close()
			return err
		}
		data, err := convertPayload(raw, info.DType, targetType(info))
		if err != nil {
			w.Close()
			return fmt.Errorf("tensor %q: %w", key, err)
		}
		if err := w.WriteTensorData(data); err != nil {
			w.Close()
			return err
		}
	}
	return w.Close()
}

func storedName(key string) string {
	return strings.TrimPrefix(key, unetPrefix)
}

func convertible(d safetensors.DType) bool {
	switch d {
	case safetensors.F32, safetensors.F16, safetensors.BF16:
		return true
	default:
		return false
	}
}

// convertPayload re-encodes raw tensor bytes from a safetensors dtype to a
// GGUF storage type.
func convertPayload(raw []byte, src safetensors.DType, dst gguf.TensorType) ([]byte, error) {
	// Fast paths: no re-encoding needed.
	if src == safetensors.F16 && dst == gguf.TypeF16 {
		return raw, nil
	}
	if src == safetensors.F32 && dst == gguf.TypeF32 {
		return raw, nil
	}

	var vals []float32
	switch src {
	case safetensors.F32:
		vals = quant.F32FromBytes(raw)
	case safetensors.F16:
		vals = quant.F16ToF32(raw)
	case safetensors.BF16:
		vals = quant.BF16ToF32(raw)
	default:
		return nil, fmt.Errorf("unsupported source dtype %s", src)
	}

	switch dst {
	case gguf.TypeF16:
		return f32ToF16Bytes(vals), nil
	case gguf.TypeF32:
		return f32Bytes(vals), nil
	default:
		return nil, fmt.Errorf("unsupported conversion target %s", dst)
	}
}
