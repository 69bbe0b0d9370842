package commands

import (
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/sdxl-tools/sdgguf/pkg/extract"
)

func newExtractCmd() *cobra.Command {
	var outputDir string

	c := &cobra.Command{
		Use:   "extract CHECKPOINT",
		Short: "Extract the UNet, CLIP and VAE components from an SDXL checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			components, err := extract.New().Extract(args[0], filepath.Join(outputDir, "components"))
			if err != nil {
				return err
			}
			for _, component := range extract.Components {
				if path, ok := components[component]; ok {
					cmd.Printf("%s: %s\n", component, path)
				}
			}
			return nil
		},
	}

	c.Flags().StringVarP(&outputDir, "output-dir", "o", ".", "Directory to place the components/ subdirectory in")
	return c
}
