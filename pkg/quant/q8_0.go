package quant

import (
	"encoding/binary"
	"fmt"
)

// Q8_0: blocks of 32 elements, stored as an f16 delta followed by 32 signed
// 8-bit quants (34 bytes per block).
const (
	q8_0BlockSize  = 32
	q8_0BlockBytes = 34
)

func quantizeQ8_0(src []float32) ([]byte, error) {
	if len(src)%q8_0BlockSize != 0 {
		return nil, fmt.Errorf("q8_0: %d elements is not a multiple of %d", len(src), q8_0BlockSize)
	}
	nb := len(src) / q8_0BlockSize
	out := make([]byte, nb*q8_0BlockBytes)

	for i := 0; i < nb; i++ {
		block := src[i*q8_0BlockSize : (i+1)*q8_0BlockSize]

		var amax float32
		for _, v := range block {
			if a := abs32(v); a > amax {
				amax = a
			}
		}

		d := amax / 127
		id := float32(0)
		if d != 0 {
			id = 1 / d
		}

		dst := out[i*q8_0BlockBytes:]
		binary.LittleEndian.PutUint16(dst, f16bits(d))
		for j, v := range block {
			dst[2+j] = byte(int8(clampInt(nearestInt(v*id), -128, 127)))
		}
	}
	return out, nil
}

func dequantizeQ8_0(data []byte, elements uint64) ([]float32, error) {
	if uint64(len(data)) != elements/q8_0BlockSize*q8_0BlockBytes || elements%q8_0BlockSize != 0 {
		return nil, fmt.Errorf("q8_0: %d bytes does not match %d elements", len(data), elements)
	}
	out := make([]float32, elements)
	nb := int(elements / q8_0BlockSize)
	for i := 0; i < nb; i++ {
		src := data[i*q8_0BlockBytes:]
		d := f16val(binary.LittleEndian.Uint16(src))
		for j := 0; j < q8_0BlockSize; j++ {
			out[i*q8_0BlockSize+j] = d * float32(int8(src[2+j]))
		}
	}
	return out, nil
}

func abs32(f float32) float32 {
	if f < 0 {
		return -f
	}
	return f
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
