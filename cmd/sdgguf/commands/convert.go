package commands

import (
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sdxl-tools/sdgguf/pkg/convert"
)

func newConvertCmd() *cobra.Command {
	var output string

	c := &cobra.Command{
		Use:   "convert UNET",
		Short: "Convert an extracted UNet safetensors file to an F16 GGUF file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			src := args[0]
			stem := strings.TrimSuffix(filepath.Base(src), filepath.Ext(src))
			stem = strings.TrimSuffix(stem, "_unet")
			dst := filepath.Join(output, "gguf", stem+"-F16.gguf")
			if err := convert.New().ToGGUF(src, dst); err != nil {
				return err
			}
			cmd.Println(dst)
			return nil
		},
	}

	c.Flags().StringVarP(&output, "output-dir", "o", ".", "Directory to place the gguf/ subdirectory in")
	return c
}
