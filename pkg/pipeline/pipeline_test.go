package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/sdxl-tools/sdgguf/pkg/civitai"
	"github.com/sdxl-tools/sdgguf/pkg/extract"
	"github.com/sdxl-tools/sdgguf/pkg/gguf"
	"github.com/sdxl-tools/sdgguf/pkg/quant"
	"github.com/sdxl-tools/sdgguf/pkg/safetensors"
)

// writeCheckpoint builds a miniature SDXL checkpoint covering all four
// components, with a UNet weight large enough to quantize.
func writeCheckpoint(t *testing.T, path string) {
	t.Helper()

	rng := rand.New(rand.NewSource(11))
	f32Payload := func(n int) []byte {
		raw := make([]byte, n*4)
		for i := 0; i < n; i++ {
			bits := math.Float32bits(float32(rng.NormFloat64()) * 0.02)
			binary.LittleEndian.PutUint32(raw[i*4:], bits)
		}
		return raw
	}

	tensors := []struct {
		key   string
		shape []uint64
	}{
		{"model.diffusion_model.input_blocks.0.0.weight", []uint64{8, 256}},
		{"model.diffusion_model.out.2.bias", []uint64{16}},
		{"conditioner.embedders.0.transformer.text_model.final_layer_norm.weight", []uint64{8}},
		{"conditioner.embedders.1.model.text_projection", []uint64{4, 4}},
		{"first_stage_model.decoder.conv_in.weight", []uint64{2, 2, 3, 3}},
	}

	w, err := safetensors.NewWriter(path)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	for _, tensor := range tensors {
		if err := w.Declare(tensor.key, safetensors.F32, tensor.shape); err != nil {
			t.Fatalf("Declare %s: %v", tensor.key, err)
		}
	}
	for _, tensor := range tensors {
		n := 1
		for _, d := range tensor.shape {
			n *= int(d)
		}
		if err := w.WriteTensor(f32Payload(n)); err != nil {
			t.Fatalf("WriteTensor %s: %v", tensor.key, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestRun(t *testing.T) {
	dir := t.TempDir()
	checkpoint := filepath.Join(dir, "dreamshaperXL.safetensors")
	writeCheckpoint(t, checkpoint)

	outDir := filepath.Join(dir, "out")
	res, err := New(Options{
		ModelPath:   checkpoint,
		OutputDir:   outDir,
		QuantTypes:  []quant.Type{quant.TypeQ8_0, quant.TypeQ4KS},
		Concurrency: 2,
	}).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if res.ModelName != "dreamshaperXL" {
		t.Errorf("ModelName = %q", res.ModelName)
	}
	for _, component := range extract.Components {
		path, ok := res.Components[component]
		if !ok {
			t.Errorf("component %s missing from result", component)
			continue
		}
		if _, err := os.Stat(path); err != nil {
			t.Errorf("component %s file: %v", component, err)
		}
	}

	wantF16 := filepath.Join(outDir, "gguf", "dreamshaperXL-F16.gguf")
	if res.F16Path != wantF16 {
		t.Errorf("F16Path = %q, want %q", res.F16Path, wantF16)
	}

	for _, target := range []quant.Type{quant.TypeQ8_0, quant.TypeQ4KS} {
		path, ok := res.Quantized[target]
		if !ok {
			t.Errorf("quantized %s missing from result", target)
			continue
		}
		g, err := gguf.Open(path)
		if err != nil {
			t.Errorf("open %s: %v", path, err)
			continue
		}
		if got := g.Uint32KV(gguf.KeyFileType); got != uint32(target.FileType()) {
			t.Errorf("%s file_type = %d, want %d", target, got, uint32(target.FileType()))
		}
		g.Close()
	}

	// Summary: 4 components + F16 + 2 quantizations.
	if len(res.Files) != 7 {
		t.Errorf("got %d summary files, want 7: %+v", len(res.Files), res.Files)
	}
	for _, f := range res.Files {
		if f.Size <= 0 {
			t.Errorf("summary file %s has size %d", f.Label, f.Size)
		}
	}
}

func TestRunSkipExtract(t *testing.T) {
	dir := t.TempDir()
	checkpoint := filepath.Join(dir, "model.safetensors")
	writeCheckpoint(t, checkpoint)

	// First produce a UNet file, then run again from it.
	outDir := filepath.Join(dir, "out1")
	res, err := New(Options{ModelPath: checkpoint, OutputDir: outDir, SkipQuant: true}).Run(context.Background())
	if err != nil {
		t.Fatalf("first Run: %v", err)
	}

	outDir2 := filepath.Join(dir, "out2")
	res2, err := New(Options{
		OutputDir:   outDir2,
		SkipExtract: true,
		UNetPath:    res.Components[extract.ComponentUNet],
		QuantTypes:  []quant.Type{quant.TypeQ8_0},
	}).Run(context.Background())
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if res2.ModelName != "model" {
		t.Errorf("ModelName = %q", res2.ModelName)
	}
	if _, err := os.Stat(res2.Quantized[quant.TypeQ8_0]); err != nil {
		t.Errorf("quantized output: %v", err)
	}
}

func TestRunSkipConvert(t *testing.T) {
	dir := t.TempDir()
	checkpoint := filepath.Join(dir, "model.safetensors")
	writeCheckpoint(t, checkpoint)

	outDir := filepath.Join(dir, "out")
	res, err := New(Options{ModelPath: checkpoint, OutputDir: outDir, SkipQuant: true}).Run(context.Background())
	if err != nil {
		t.Fatalf("first Run: %v", err)
	}

	res2, err := New(Options{
		OutputDir:   outDir,
		SkipConvert: true,
		GGUFPath:    res.F16Path,
		QuantTypes:  []quant.Type{quant.TypeQ5KS},
	}).Run(context.Background())
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if res2.ModelName != "model" {
		t.Errorf("ModelName = %q", res2.ModelName)
	}
	if _, err := os.Stat(filepath.Join(outDir, "quantized", "model-Q5_K_S.gguf")); err != nil {
		t.Errorf("quantized output: %v", err)
	}
}

func TestRunModelNameOverride(t *testing.T) {
	dir := t.TempDir()
	checkpoint := filepath.Join(dir, "tmpabc123.safetensors")
	writeCheckpoint(t, checkpoint)

	res, err := New(Options{
		ModelPath: checkpoint,
		OutputDir: filepath.Join(dir, "out"),
		ModelName: "Juggernaut XL v9",
		SkipQuant: true,
	}).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ModelName != "Juggernaut_XL_v9" {
		t.Errorf("ModelName = %q", res.ModelName)
	}
	if filepath.Base(res.F16Path) != "Juggernaut_XL_v9-F16.gguf" {
		t.Errorf("F16Path = %q", res.F16Path)
	}
	if filepath.Base(filepath.Dir(res.F16Path)) != "gguf" {
		t.Errorf("F16 not placed under gguf/: %q", res.F16Path)
	}
}

func TestRunDownload(t *testing.T) {
	dir := t.TempDir()
	checkpoint := filepath.Join(dir, "served.safetensors")
	writeCheckpoint(t, checkpoint)
	payload, err := os.ReadFile(checkpoint)
	if err != nil {
		t.Fatalf("read checkpoint: %v", err)
	}
	sum := sha256.Sum256(payload)

	mux := http.NewServeMux()
	var srvURL string
	mux.HandleFunc("/api/v1/model-versions/777", func(w http.ResponseWriter, r *http.Request) {
		version := civitai.ModelVersion{ID: 777, Name: "v1.0"}
		file := civitai.ModelFile{
			Name:        "served.safetensors",
			Type:        "Model",
			Primary:     true,
			DownloadURL: srvURL + "/api/download/models/777",
		}
		file.Hashes.SHA256 = hex.EncodeToString(sum[:])
		version.Files = []civitai.ModelFile{file}
		json.NewEncoder(w).Encode(version)
	})
	mux.HandleFunc("/api/download/models/777", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", fmt.Sprint(len(payload)))
		w.Write(payload)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	srvURL = srv.URL

	outDir := filepath.Join(dir, "out")
	downloadDir := filepath.Join(dir, "downloads")
	res, err := New(Options{
		OutputDir:      outDir,
		DownloadDir:    downloadDir,
		ModelVersionID: 777,
		CivitaiBaseURL: srv.URL,
		SkipQuant:      true,
	}).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ModelPath != filepath.Join(downloadDir, "served.safetensors") {
		t.Errorf("ModelPath = %q", res.ModelPath)
	}
	if _, err := os.Stat(res.F16Path); err != nil {
		t.Errorf("F16 output: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		opts Options
	}{
		{"no output dir", Options{ModelPath: "x.safetensors"}},
		{"no source", Options{OutputDir: "out"}},
		{"skip extract without unet", Options{OutputDir: "out", SkipExtract: true}},
		{"skip convert without gguf", Options{OutputDir: "out", SkipConvert: true}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(tc.opts).Run(context.Background()); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestSanitizeName(t *testing.T) {
	tests := []struct{ in, want string }{
		{"dreamshaperXL", "dreamshaperXL"},
		{"Juggernaut XL v9", "Juggernaut_XL_v9"},
		{"weird/name:v1", "weirdnamev1"},
		{"model-v1.0_final", "model-v1.0_final"},
	}
	for _, tc := range tests {
		if got := sanitizeName(tc.in); got != tc.want {
			t.Errorf("sanitizeName(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
