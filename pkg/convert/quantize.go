package convert

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/x448/float16"

	"github.com/sdxl-tools/sdgguf/pkg/gguf"
	"github.com/sdxl-tools/sdgguf/pkg/quant"
)

// QuantizeFile reads an F16 GGUF file and writes a variant with eligible
// tensors re-encoded at the target quantization. Metadata is carried over
// with only general.file_type updated; ineligible tensors keep their
// original encoding.
func (c *Converter) QuantizeFile(srcPath, dstPath string, target quant.Type) error {
	src, err := gguf.Open(srcPath)
	if err != nil {
		return fmt.Errorf("open source gguf: %w", err)
	}
	defer src.Close()

	w, err := gguf.NewWriter(dstPath)
	if err != nil {
		return err
	}

	sawFileType := false
	for _, kv := range src.KVs {
		if kv.Key == gguf.KeyFileType {
			kv = gguf.KV{Key: gguf.KeyFileType, Value: gguf.Value{Type: gguf.ValueUint32, V: uint32(target.FileType())}}
			sawFileType = true
		}
		if err := w.AddKV(kv); err != nil {
			w.Close()
			return err
		}
	}
	if !sawFileType {
		if err := w.AddUint32(gguf.KeyFileType, uint32(target.FileType())); err != nil {
			w.Close()
			return err
		}
	}

	// Decide the output type per tensor up front; declaration fixes offsets.
	outTypes := make([]gguf.TensorType, len(src.Tensors))
	quantized := 0
	for i, info := range src.Tensors {
		outTypes[i] = info.Type
		if isFloat(info.Type) && quant.ShouldQuantize(info.Name, info.Dims, target) {
			outTypes[i] = target.TensorType()
			quantized++
		}
		if err := w.AddTensor(info.Name, info.Dims, outTypes[i]); err != nil {
			w.Close()
			return err
		}
	}
	c.log.Infof("quantizing %d of %d tensors to %s", quantized, len(src.Tensors), target)

	for i, info := range src.Tensors {
		data, err := src.ReadTensorData(info)
		if err != nil {
			w.Close()
			return err
		}
		if outTypes[i] != info.Type {
			vals, err := quant.Dequantize(info.Type, data, info.Elements())
			if err != nil {
				w.Close()
				return fmt.Errorf("tensor %q: %w", info.Name, err)
			}
			data, err = quant.Quantize(target, vals)
			if err != nil {
				w.Close()
				return fmt.Errorf("tensor %q: %w", info.Name, err)
			}
		}
		if err := w.WriteTensorData(data); err != nil {
			w.Close()
			return err
		}
	}
	return w.Close()
}

func isFloat(t gguf.TensorType) bool {
	return t == gguf.TypeF16 || t == gguf.TypeF32
}

func f32Bytes(vals []float32) []byte {
	out := make([]byte, len(vals)*4)
	for i, v := range vals {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}

func f32ToF16Bytes(vals []float32) []byte {
	out := make([]byte, len(vals)*2)
	for i, v := range vals {
		binary.LittleEndian.PutUint16(out[i*2:], float16.Fromfloat32(v).Bits())
	}
	return out
}
