package commands

import (
	"bytes"
	"strings"
	"testing"
)

// execute runs the root command with the given arguments and returns its
// combined output.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestRunFlagValidation(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{
			name: "civitai without version id",
			args: []string{"run", "--civitai", "--output-dir", "out"},
			want: "--model-version-id",
		},
		{
			name: "version id without civitai",
			args: []string{"run", "--model-version-id", "123", "--output-dir", "out"},
			want: "--civitai",
		},
		{
			name: "no source",
			args: []string{"run", "--output-dir", "out"},
			want: "model path",
		},
		{
			name: "bad quant type",
			args: []string{"run", "--model-path", "x.safetensors", "--quant-types", "Q9_9"},
			want: "unknown quantization type",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := execute(t, tc.args...)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestSnakeCaseFlagsAccepted(t *testing.T) {
	// The published workflow documents snake_case flags; both spellings
	// must parse.
	_, err := execute(t, "run", "--model_path", "", "--output_dir", "out", "--skip_quant")
	if err == nil {
		t.Fatal("expected error (no model source), got none")
	}
	if strings.Contains(err.Error(), "unknown flag") {
		t.Errorf("snake_case flags not accepted: %v", err)
	}
}

func TestQuantizeRequiresTypes(t *testing.T) {
	_, err := execute(t, "quantize", "model-F16.gguf", "--quant-types", "")
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestVersionCmd(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.Contains(out, "sdgguf version") {
		t.Errorf("unexpected output %q", out)
	}
}
