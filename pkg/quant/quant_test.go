package quant

import (
	"math"
	"math/rand"
	"testing"

	"github.com/sdxl-tools/sdgguf/pkg/gguf"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in      string
		want    Type
		wantErr bool
	}{
		{"Q4_K_S", TypeQ4KS, false},
		{"q5_k_s", TypeQ5KS, false},
		{"Q8_0", TypeQ8_0, false},
		{"q8_0", TypeQ8_0, false},
		{"Q4_K_M", "", true},
		{"F16", "", true},
		{"", "", true},
	}
	for _, tc := range tests {
		got, err := Parse(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("Parse(%q): expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("Parse(%q): %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("Parse(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestShouldQuantize(t *testing.T) {
	tests := []struct {
		name   string
		tensor string
		dims   []uint64
		target Type
		want   bool
	}{
		{"linear weight", "input_blocks.1.1.proj_in.weight", []uint64{1280, 1280}, TypeQ4KS, true},
		{"bias", "input_blocks.1.1.proj_in.bias", []uint64{1280, 1280}, TypeQ4KS, false},
		{"norm weight", "input_blocks.1.1.norm.weight", []uint64{1280, 1280}, TypeQ4KS, false},
		{"layernorm", "transformer_blocks.0.ln_1.weight", []uint64{1280, 1280}, TypeQ4KS, false},
		{"embedding", "time_embed.0.weight", []uint64{1280, 1280}, TypeQ4KS, false},
		{"conv kernel", "conv_in.weight", []uint64{3, 3, 4, 320}, TypeQ4KS, false},
		{"1d tensor", "out.2.weight", []uint64{320}, TypeQ8_0, false},
		{"tiny tensor", "small.weight", []uint64{16, 16}, TypeQ8_0, false},
		{"row not divisible for k-quant", "ff.net.0.proj.weight", []uint64{40, 1280}, TypeQ4KS, false},
		{"row divisible for q8_0", "ff.net.0.proj.weight", []uint64{1312, 1280}, TypeQ8_0, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := ShouldQuantize(tc.tensor, tc.dims, tc.target); got != tc.want {
				t.Errorf("ShouldQuantize(%q, %v, %s) = %v, want %v",
					tc.tensor, tc.dims, tc.target, got, tc.want)
			}
		})
	}
}

// randomWeights generates values in a distribution typical of trained
// weights: small, roughly centered on zero.
func randomWeights(n int, seed int64) []float32 {
	rng := rand.New(rand.NewSource(seed))
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(rng.NormFloat64()) * 0.02
	}
	return out
}

func rmse(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i] - b[i])
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(a)))
}

func maxAbs(a []float32) float64 {
	var m float64
	for _, v := range a {
		if av := math.Abs(float64(v)); av > m {
			m = av
		}
	}
	return m
}

func TestQuantizeRoundTrip(t *testing.T) {
	tests := []struct {
		target   Type
		elements int
		// maxRelRMSE is the acceptable round-trip RMSE relative to the
		// input's max magnitude.
		maxRelRMSE float64
	}{
		{TypeQ8_0, 32 * 64, 0.01},
		{TypeQ4KS, 256 * 8, 0.05},
		{TypeQ5KS, 256 * 8, 0.03},
	}
	for _, tc := range tests {
		t.Run(string(tc.target), func(t *testing.T) {
			src := randomWeights(tc.elements, 42)
			enc, err := Quantize(tc.target, src)
			if err != nil {
				t.Fatalf("Quantize: %v", err)
			}

			wantLen, err := tc.target.TensorType().ByteSize(uint64(tc.elements))
			if err != nil {
				t.Fatalf("ByteSize: %v", err)
			}
			if uint64(len(enc)) != wantLen {
				t.Fatalf("encoded %d bytes, expected %d", len(enc), wantLen)
			}

			dec, err := Dequantize(tc.target.TensorType(), enc, uint64(tc.elements))
			if err != nil {
				t.Fatalf("Dequantize: %v", err)
			}
			if len(dec) != tc.elements {
				t.Fatalf("decoded %d elements, expected %d", len(dec), tc.elements)
			}

			if rel := rmse(src, dec) / maxAbs(src); rel > tc.maxRelRMSE {
				t.Errorf("round-trip RMSE %.5f exceeds %.5f", rel, tc.maxRelRMSE)
			}
		})
	}
}

func TestQuantizeZeros(t *testing.T) {
	for _, target := range All {
		t.Run(string(target), func(t *testing.T) {
			src := make([]float32, 256)
			enc, err := Quantize(target, src)
			if err != nil {
				t.Fatalf("Quantize: %v", err)
			}
			dec, err := Dequantize(target.TensorType(), enc, 256)
			if err != nil {
				t.Fatalf("Dequantize: %v", err)
			}
			for i, v := range dec {
				if v != 0 {
					t.Fatalf("element %d: got %v, want 0", i, v)
				}
			}
		})
	}
}

func TestQuantizeRejectsPartialBlocks(t *testing.T) {
	for _, target := range All {
		if _, err := Quantize(target, make([]float32, 7)); err == nil {
			t.Errorf("%s: expected error for partial block", target)
		}
	}
}

func TestPackScalesRoundTrip(t *testing.T) {
	var ls, lm [qkSubBlocks]uint8
	for j := 0; j < qkSubBlocks; j++ {
		ls[j] = uint8((j*17 + 5) % 64)
		lm[j] = uint8((j*29 + 11) % 64)
	}
	packed := packScales(ls, lm)
	for j := 0; j < qkSubBlocks; j++ {
		sc, m := unpackScaleMin(packed[:], j)
		if sc != ls[j] || m != lm[j] {
			t.Errorf("sub-block %d: got (%d,%d), want (%d,%d)", j, sc, m, ls[j], lm[j])
		}
	}
}

func TestF16RoundTrip(t *testing.T) {
	src := []float32{0, 1, -1, 0.5, -0.5, 65504, -65504, 0.000061035156}
	raw := make([]byte, len(src)*4)
	for i, v := range src {
		putF32(raw[i*4:], v)
	}
	dec := F16ToF32(F32ToF16(raw))
	for i := range src {
		if dec[i] != src[i] {
			t.Errorf("element %d: got %v, want %v", i, dec[i], src[i])
		}
	}
}

func TestBF16ToF32(t *testing.T) {
	// 1.0 in bfloat16 is 0x3F80.
	dec := BF16ToF32([]byte{0x80, 0x3F})
	if len(dec) != 1 || dec[0] != 1.0 {
		t.Errorf("got %v, want [1]", dec)
	}
}

func TestDequantizeF32Passthrough(t *testing.T) {
	raw := make([]byte, 8)
	putF32(raw[0:], 1.5)
	putF32(raw[4:], -2.25)
	dec, err := Dequantize(gguf.TypeF32, raw, 2)
	if err != nil {
		t.Fatalf("Dequantize: %v", err)
	}
	if dec[0] != 1.5 || dec[1] != -2.25 {
		t.Errorf("got %v", dec)
	}
}

func putF32(b []byte, v float32) {
	bits := math.Float32bits(v)
	b[0] = byte(bits)
	b[1] = byte(bits >> 8)
	b[2] = byte(bits >> 16)
	b[3] = byte(bits >> 24)
}
