package quant

import (
	"encoding/binary"
	"fmt"
)

// K-quant super-blocks cover 256 elements split into 8 sub-blocks of 32.
// Each sub-block gets a 6-bit scale and a 6-bit min, packed into 12 bytes,
// with two f16 super-block factors d and dmin:
//
//	x ~= d*ls*q - dmin*lm
//
// Q4_K stores 4-bit quants (144 bytes per super-block); Q5_K adds a high-bit
// plane (176 bytes).
const (
	qkBlockSize = 256
	qkSubBlocks = 8
	qkSubSize   = 32
	q4KBlockLen = 144
	q5KBlockLen = 176
	scaleMax    = 63
)

// subBlockScales derives per-sub-block scales and mins for one super-block.
// maxQ is 15 for 4-bit quants, 31 for 5-bit.
func subBlockScales(block []float32, maxQ float32) (scales, mins [qkSubBlocks]float32) {
	for j := 0; j < qkSubBlocks; j++ {
		sub := block[j*qkSubSize : (j+1)*qkSubSize]
		lo, hi := sub[0], sub[0]
		for _, v := range sub[1:] {
			if v < lo {
				lo = v
			}
			if v > hi {
				hi = v
			}
		}
		// Quants are unsigned, so positive minima are folded into the range.
		if lo > 0 {
			lo = 0
		}
		scales[j] = (hi - lo) / maxQ
		mins[j] = -lo
	}
	return scales, mins
}

// packScales encodes 8 6-bit scales and 8 6-bit mins into the 12-byte layout
// expected by ggml's get_scale_min_k4.
func packScales(ls, lm [qkSubBlocks]uint8) [12]uint8 {
	var out [12]uint8
	for j := 0; j < qkSubBlocks; j++ {
		if j < 4 {
			out[j] = ls[j]
			out[j+4] = lm[j]
		} else {
			out[j+4] = (ls[j] & 0xF) | ((lm[j] & 0xF) << 4)
			out[j-4] |= (ls[j] >> 4) << 6
			out[j] |= (lm[j] >> 4) << 6
		}
	}
	return out
}

// unpackScaleMin decodes the 6-bit scale and min for sub-block j.
func unpackScaleMin(scales []uint8, j int) (uint8, uint8) {
	if j < 4 {
		return scales[j] & 63, scales[j+4] & 63
	}
	sc := (scales[j+4] & 0xF) | ((scales[j-4] >> 6) << 4)
	m := (scales[j+4] >> 4) | ((scales[j] >> 6) << 4)
	return sc, m
}

// quantizeKBlock computes the quantized levels for one super-block and the
// super-block factors. maxQ selects 4-bit or 5-bit behavior.
func quantizeKBlock(block []float32, maxQ float32) (d, dmin float32, ls, lm [qkSubBlocks]uint8, levels [qkBlockSize]uint8) {
	scales, mins := subBlockScales(block, maxQ)

	var maxScale, maxMin float32
	for j := 0; j < qkSubBlocks; j++ {
		if scales[j] > maxScale {
			maxScale = scales[j]
		}
		if mins[j] > maxMin {
			maxMin = mins[j]
		}
	}

	var invScale, invMin float32
	if maxScale > 0 {
		invScale = scaleMax / maxScale
		d = maxScale / scaleMax
	}
	if maxMin > 0 {
		invMin = scaleMax / maxMin
		dmin = maxMin / scaleMax
	}

	for j := 0; j < qkSubBlocks; j++ {
		ls[j] = uint8(clampInt(nearestInt(invScale*scales[j]), 0, scaleMax))
		lm[j] = uint8(clampInt(nearestInt(invMin*mins[j]), 0, scaleMax))
	}

	// Round-trip through the stored f16 factors so encoded levels match what
	// a decoder will reconstruct with.
	d = f16val(f16bits(d))
	dmin = f16val(f16bits(dmin))

	for j := 0; j < qkSubBlocks; j++ {
		dsub := d * float32(ls[j])
		msub := dmin * float32(lm[j])
		sub := block[j*qkSubSize : (j+1)*qkSubSize]
		for l, v := range sub {
			if dsub == 0 {
				continue
			}
			levels[j*qkSubSize+l] = uint8(clampInt(nearestInt((v+msub)/dsub), 0, int(maxQ)))
		}
	}
	return d, dmin, ls, lm, levels
}

func quantizeQ4K(src []float32) ([]byte, error) {
	if len(src)%qkBlockSize != 0 {
		return nil, fmt.Errorf("q4_K: %d elements is not a multiple of %d", len(src), qkBlockSize)
	}
	nb := len(src) / qkBlockSize
	out := make([]byte, nb*q4KBlockLen)

	for i := 0; i < nb; i++ {
		block := src[i*qkBlockSize : (i+1)*qkBlockSize]
		d, dmin, ls, lm, levels := quantizeKBlock(block, 15)

		dst := out[i*q4KBlockLen:]
		binary.LittleEndian.PutUint16(dst[0:], f16bits(d))
		binary.LittleEndian.PutUint16(dst[2:], f16bits(dmin))
		scales := packScales(ls, lm)
		copy(dst[4:16], scales[:])

		// Nibbles pair element n with element n+32 inside each 64-element
		// span, matching ggml's layout.
		qs := dst[16:q4KBlockLen]
		qi := 0
		for n := 0; n < qkBlockSize; n += 64 {
			for l := 0; l < 32; l++ {
				qs[qi] = levels[n+l] | (levels[n+l+32] << 4)
				qi++
			}
		}
	}
	return out, nil
}

func dequantizeQ4K(data []byte, elements uint64) ([]float32, error) {
	if elements%qkBlockSize != 0 || uint64(len(data)) != elements/qkBlockSize*q4KBlockLen {
		return nil, fmt.Errorf("q4_K: %d bytes does not match %d elements", len(data), elements)
	}
	out := make([]float32, elements)
	nb := int(elements / qkBlockSize)

	for i := 0; i < nb; i++ {
		src := data[i*q4KBlockLen:]
		d := f16val(binary.LittleEndian.Uint16(src[0:]))
		dmin := f16val(binary.LittleEndian.Uint16(src[2:]))
		scales := src[4:16]
		qs := src[16:q4KBlockLen]

		y := out[i*qkBlockSize:]
		yi := 0
		is := 0
		for n := 0; n < qkBlockSize; n += 64 {
			sc1, m1 := unpackScaleMin(scales, is)
			sc2, m2 := unpackScaleMin(scales, is+1)
			d1, min1 := d*float32(sc1), dmin*float32(m1)
			d2, min2 := d*float32(sc2), dmin*float32(m2)
			for l := 0; l < 32; l++ {
				y[yi+l] = d1*float32(qs[l]&0xF) - min1
				y[yi+l+32] = d2*float32(qs[l]>>4) - min2
			}
			qs = qs[32:]
			yi += 64
			is += 2
		}
	}
	return out, nil
}

func quantizeQ5K(src []float32) ([]byte, error) {
	if len(src)%qkBlockSize != 0 {
		return nil, fmt.Errorf("q5_K: %d elements is not a multiple of %d", len(src), qkBlockSize)
	}
	nb := len(src) / qkBlockSize
	out := make([]byte, nb*q5KBlockLen)

	for i := 0; i < nb; i++ {
		block := src[i*qkBlockSize : (i+1)*qkBlockSize]
		d, dmin, ls, lm, levels := quantizeKBlock(block, 31)

		dst := out[i*q5KBlockLen:]
		binary.LittleEndian.PutUint16(dst[0:], f16bits(d))
		binary.LittleEndian.PutUint16(dst[2:], f16bits(dmin))
		scales := packScales(ls, lm)
		copy(dst[4:16], scales[:])

		qh := dst[16:48]
		ql := dst[48:q5KBlockLen]
		m1, m2 := uint8(1), uint8(2)
		qi := 0
		for n := 0; n < qkBlockSize; n += 64 {
			for l := 0; l < 32; l++ {
				l1, l2 := levels[n+l], levels[n+l+32]
				if l1 > 15 {
					l1 -= 16
					qh[l] |= m1
				}
				if l2 > 15 {
					l2 -= 16
					qh[l] |= m2
				}
				ql[qi] = l1 | (l2 << 4)
				qi++
			}
			m1 <<= 2
			m2 <<= 2
		}
	}
	return out, nil
}

func dequantizeQ5K(data []byte, elements uint64) ([]float32, error) {
	if elements%qkBlockSize != 0 || uint64(len(data)) != elements/qkBlockSize*q5KBlockLen {
		return nil, fmt.Errorf("q5_K: %d bytes does not match %d elements", len(data), elements)
	}
	out := make([]float32, elements)
	nb := int(elements / qkBlockSize)

	for i := 0; i < nb; i++ {
		src := data[i*q5KBlockLen:]
		d := f16val(binary.LittleEndian.Uint16(src[0:]))
		dmin := f16val(binary.LittleEndian.Uint16(src[2:]))
		scales := src[4:16]
		qh := src[16:48]
		ql := src[48:q5KBlockLen]

		y := out[i*qkBlockSize:]
		yi := 0
		is := 0
		u1, u2 := uint8(1), uint8(2)
		for n := 0; n < qkBlockSize; n += 64 {
			sc1, m1 := unpackScaleMin(scales, is)
			sc2, m2 := unpackScaleMin(scales, is+1)
			d1, min1 := d*float32(sc1), dmin*float32(m1)
			d2, min2 := d*float32(sc2), dmin*float32(m2)
			for l := 0; l < 32; l++ {
				v1 := float32(ql[l] & 0xF)
				if qh[l]&u1 != 0 {
					v1 += 16
				}
				v2 := float32(ql[l] >> 4)
				if qh[l]&u2 != 0 {
					v2 += 16
				}
				y[yi+l] = d1*v1 - min1
				y[yi+l+32] = d2*v2 - min2
			}
			ql = ql[32:]
			yi += 64
			is += 2
			u1 <<= 2
			u2 <<= 2
		}
	}
	return out, nil
}
