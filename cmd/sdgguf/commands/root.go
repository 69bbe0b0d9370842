// Package commands implements the sdgguf CLI.
package commands

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/sdxl-tools/sdgguf/pkg/logging"
)

var (
	configPath string
	logLevel   string
)

// NewRootCmd returns the root sdgguf command.
func NewRootCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "sdgguf",
		Short: "Convert SDXL checkpoints to quantized GGUF files",
		Long: "sdgguf extracts the UNet, CLIP and VAE components from an SDXL\n" +
			"safetensors checkpoint, converts the UNet to an F16 GGUF file and\n" +
			"produces quantized variants, optionally downloading the checkpoint\n" +
			"from Civitai first.",
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logging.SetLevel(logLevel)
		},
	}

	// Accept snake_case spellings for every flag.
	c.SetGlobalNormalizationFunc(func(f *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	c.PersistentFlags().StringVar(&configPath, "config", "", "Path to a YAML config file with workflow defaults")
	c.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	c.AddCommand(
		newRunCmd(),
		newDownloadCmd(),
		newExtractCmd(),
		newConvertCmd(),
		newQuantizeCmd(),
		newInspectCmd(),
		newVersionCmd(),
	)
	return c
}
