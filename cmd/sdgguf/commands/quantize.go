package commands

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sdxl-tools/sdgguf/pkg/convert"
)

func newQuantizeCmd() *cobra.Command {
	var (
		quantTypes []string
		outputDir  string
	)

	c := &cobra.Command{
		Use:   "quantize GGUF",
		Short: "Produce quantized variants of an F16 GGUF file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			targets, err := parseQuantTypes(quantTypes)
			if err != nil {
				return err
			}
			if len(targets) == 0 {
				return fmt.Errorf("at least one quantization type is required")
			}

			src := args[0]
			stem := strings.TrimSuffix(filepath.Base(src), filepath.Ext(src))
			stem = strings.TrimSuffix(stem, "-F16")

			conv := convert.New()
			for _, target := range targets {
				dst := filepath.Join(outputDir, "quantized", stem+"-"+string(target)+".gguf")
				if err := conv.QuantizeFile(src, dst, target); err != nil {
					return err
				}
				cmd.Println(dst)
			}
			return nil
		},
	}

	c.Flags().StringSliceVarP(&quantTypes, "quant-types", "q", []string{"all"}, `Quantizations to produce (Q4_K_S, Q5_K_S, Q8_0 or "all")`)
	c.Flags().StringVarP(&outputDir, "output-dir", "o", ".", "Directory to place the quantized/ subdirectory in")
	return c
}
