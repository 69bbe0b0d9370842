package extract

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/sdxl-tools/sdgguf/pkg/safetensors"
)

func TestRoute(t *testing.T) {
	tests := []struct {
		key       string
		component Component
		storeKey  string
	}{
		{"conditioner.embedders.0.transformer.text_model.embeddings.token_embedding.weight", ComponentClipL,
			"conditioner.embedders.0.transformer.text_model.embeddings.token_embedding.weight"},
		{"conditioner.embedders.1.model.ln_final.weight", ComponentClipG,
			"conditioner.embedders.1.model.ln_final.weight"},
		{"first_stage_model.decoder.conv_in.weight", ComponentVAE, "decoder.conv_in.weight"},
		{"model.diffusion_model.input_blocks.0.0.weight", ComponentUNet,
			"model.diffusion_model.input_blocks.0.0.weight"},
		{"conditioner_something_else", ComponentUNet, "conditioner_something_else"},
	}
	for _, tc := range tests {
		component, storeKey := Route(tc.key)
		if component != tc.component || storeKey != tc.storeKey {
			t.Errorf("Route(%q) = (%s, %q), want (%s, %q)",
				tc.key, component, storeKey, tc.component, tc.storeKey)
		}
	}
}

// writeCheckpoint creates a small synthetic SDXL-style checkpoint.
func writeCheckpoint(t *testing.T, path string, keys []string) {
	t.Helper()
	w, err := safetensors.NewWriter(path)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	for _, key := range keys {
		if err := w.Declare(key, safetensors.F32, []uint64{4}); err != nil {
			t.Fatalf("Declare(%q): %v", key, err)
		}
	}
	for i := range keys {
		var buf bytes.Buffer
		binary.Write(&buf, binary.LittleEndian, []float32{float32(i), 1, 2, 3})
		if err := w.WriteTensor(buf.Bytes()); err != nil {
			t.Fatalf("WriteTensor: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestExtract(t *testing.T) {
	dir := t.TempDir()
	checkpoint := filepath.Join(dir, "juggernaut.safetensors")
	keys := []string{
		"model.diffusion_model.input_blocks.0.0.weight",
		"model.diffusion_model.out.2.bias",
		"conditioner.embedders.0.transformer.text_model.final_layer_norm.weight",
		"conditioner.embedders.1.model.text_projection",
		"first_stage_model.decoder.conv_in.weight",
		"first_stage_model.encoder.conv_out.bias",
	}
	writeCheckpoint(t, checkpoint, keys)

	outDir := filepath.Join(dir, "components")
	result, err := New().Extract(checkpoint, outDir)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}

	wantTensors := map[Component][]string{
		ComponentUNet: {
			"model.diffusion_model.input_blocks.0.0.weight",
			"model.diffusion_model.out.2.bias",
		},
		ComponentClipL: {"conditioner.embedders.0.transformer.text_model.final_layer_norm.weight"},
		ComponentClipG: {"conditioner.embedders.1.model.text_projection"},
		ComponentVAE:   {"decoder.conv_in.weight", "encoder.conv_out.bias"},
	}

	for component, want := range wantTensors {
		path, ok := result[component]
		if !ok {
			t.Fatalf("missing %s in result", component)
		}
		if got := filepath.Base(path); got != "juggernaut_"+string(component)+".safetensors" {
			t.Errorf("%s: unexpected file name %q", component, got)
		}

		f, err := safetensors.Open(path)
		if err != nil {
			t.Fatalf("open %s: %v", component, err)
		}
		names := f.Names()
		f.Close()

		if len(names) != len(want) {
			t.Fatalf("%s: got %d tensors %v, want %d", component, len(names), names, len(want))
		}
		got := make(map[string]bool, len(names))
		for _, n := range names {
			got[n] = true
		}
		for _, n := range want {
			if !got[n] {
				t.Errorf("%s: missing tensor %q", component, n)
			}
		}
	}
}

func TestExtractPayloadIntegrity(t *testing.T) {
	dir := t.TempDir()
	checkpoint := filepath.Join(dir, "m.safetensors")
	keys := []string{
		"model.diffusion_model.a.weight",
		"first_stage_model.b.weight",
	}
	writeCheckpoint(t, checkpoint, keys)

	src, err := safetensors.Open(checkpoint)
	if err != nil {
		t.Fatalf("open source: %v", err)
	}
	want, err := src.ReadTensor("first_stage_model.b.weight")
	if err != nil {
		t.Fatalf("read source tensor: %v", err)
	}
	src.Close()

	result, err := New().Extract(checkpoint, filepath.Join(dir, "out"))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}

	vae, err := safetensors.Open(result[ComponentVAE])
	if err != nil {
		t.Fatalf("open vae: %v", err)
	}
	defer vae.Close()
	got, err := vae.ReadTensor("b.weight")
	if err != nil {
		t.Fatalf("read extracted tensor: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Error("vae tensor payload changed during extraction")
	}
}

func TestExtractSkipsEmptyComponents(t *testing.T) {
	dir := t.TempDir()
	checkpoint := filepath.Join(dir, "unet_only.safetensors")
	writeCheckpoint(t, checkpoint, []string{"model.diffusion_model.a.weight"})

	outDir := filepath.Join(dir, "components")
	result, err := New().Extract(checkpoint, outDir)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(result) != 1 {
		t.Fatalf("got %d components %v, want 1", len(result), result)
	}
	if _, ok := result[ComponentUNet]; !ok {
		t.Fatal("missing unet in result")
	}
	for _, component := range []Component{ComponentClipL, ComponentClipG, ComponentVAE} {
		path := filepath.Join(outDir, "unet_only_"+string(component)+".safetensors")
		if _, err := os.Stat(path); !os.IsNotExist(err) {
			t.Errorf("%s: empty component file should not exist", component)
		}
	}
}

func TestExtractMissingFile(t *testing.T) {
	_, err := New().Extract(filepath.Join(t.TempDir(), "nope.safetensors"), t.TempDir())
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
}
