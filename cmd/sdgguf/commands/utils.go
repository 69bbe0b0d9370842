package commands

import (
	"fmt"
	"io"
	"strings"

	"github.com/docker/go-units"
	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"

	"github.com/sdxl-tools/sdgguf/pkg/pipeline"
	"github.com/sdxl-tools/sdgguf/pkg/quant"
)

// firstNonEmpty returns the first non-empty value, implementing the
// flag > config > default precedence.
func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// parseQuantTypes resolves the --quant-types flag values. "all" expands to
// every supported quantization; duplicates are dropped.
func parseQuantTypes(values []string) ([]quant.Type, error) {
	var out []quant.Type
	seen := make(map[quant.Type]bool)
	add := func(t quant.Type) {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	for _, v := range values {
		if strings.EqualFold(v, "all") {
			for _, t := range quant.All {
				add(t)
			}
			continue
		}
		t, err := quant.Parse(v)
		if err != nil {
			return nil, err
		}
		add(t)
	}
	return out, nil
}

// printSummary renders the produced files as a table.
func printSummary(w io.Writer, res *pipeline.Result) {
	if len(res.Files) == 0 {
		return
	}

	green := color.New(color.FgGreen).SprintFunc()
	fmt.Fprintf(w, "\n%s %s\n\n", green("Done:"), res.ModelName)

	var f16Size int64
	for _, f := range res.Files {
		if f.Path == res.F16Path {
			f16Size = f.Size
		}
	}

	table := tablewriter.NewTable(w)
	table.Header("File", "Size", "% of F16", "Path")
	for _, f := range res.Files {
		percent := "-"
		if f16Size > 0 && strings.HasSuffix(f.Path, ".gguf") {
			percent = fmt.Sprintf("%.1f%%", 100*float64(f.Size)/float64(f16Size))
		}
		table.Append(f.Label, units.HumanSize(float64(f.Size)), percent, f.Path)
	}
	table.Render()
}
