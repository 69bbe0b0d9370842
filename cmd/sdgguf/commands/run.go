package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sdxl-tools/sdgguf/pkg/config"
	"github.com/sdxl-tools/sdgguf/pkg/pipeline"
	"github.com/sdxl-tools/sdgguf/pkg/progress"
	"github.com/sdxl-tools/sdgguf/pkg/quant"
)

func newRunCmd() *cobra.Command {
	var (
		modelPath      string
		outputDir      string
		downloadDir    string
		useCivitai     bool
		modelName      string
		modelVersionID int64
		civitaiToken   string
		quantTypes     []string
		skipExtract    bool
		unetPath       string
		skipConvert    bool
		ggufPath       string
		skipQuant      bool
		jobs           int
	)

	c := &cobra.Command{
		Use:   "run",
		Short: "Run the full checkpoint-to-GGUF workflow",
		Long: "Run downloads (optionally), extracts, converts and quantizes an SDXL\n" +
			"checkpoint in one pass, then prints a summary of the produced files.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			opts := pipeline.Options{
				ModelPath:    modelPath,
				OutputDir:    firstNonEmpty(outputDir, cfg.OutputDir, "."),
				DownloadDir:  firstNonEmpty(downloadDir, cfg.DownloadDir),
				ModelName:    modelName,
				CivitaiToken: firstNonEmpty(civitaiToken, cfg.CivitaiToken),
				SkipExtract:  skipExtract,
				UNetPath:     unetPath,
				SkipConvert:  skipConvert,
				GGUFPath:     ggufPath,
				SkipQuant:    skipQuant,
				Concurrency:  jobs,
			}

			if useCivitai {
				if modelVersionID == 0 {
					return fmt.Errorf("--civitai requires --model-version-id")
				}
				opts.ModelVersionID = modelVersionID
			} else if modelVersionID != 0 {
				return fmt.Errorf("--model-version-id requires --civitai")
			}

			if !skipQuant {
				requested := quantTypes
				if len(requested) == 0 {
					requested = cfg.QuantTypes
				}
				if len(requested) == 0 {
					requested = []string{string(quant.TypeQ5KS)}
				}
				opts.QuantTypes, err = parseQuantTypes(requested)
				if err != nil {
					return err
				}
			}

			updates := make(chan progress.Update, 16)
			opts.Progress = updates
			done := make(chan struct{})
			go func() {
				defer close(done)
				progress.NewPrinter(cmd.OutOrStdout(), "Downloading").Consume(updates)
			}()

			res, runErr := pipeline.New(opts).Run(cmd.Context())
			close(updates)
			<-done
			if runErr != nil {
				return runErr
			}

			printSummary(cmd.OutOrStdout(), res)
			return nil
		},
	}

	flags := c.Flags()
	flags.StringVar(&modelPath, "model-path", "", "Path to the SDXL checkpoint (.safetensors)")
	flags.StringVarP(&outputDir, "output-dir", "o", "", "Directory for extracted and converted files")
	flags.StringVar(&downloadDir, "download-dir", "", "Directory for downloaded checkpoints (defaults to the output directory)")
	flags.BoolVar(&useCivitai, "civitai", false, "Download the checkpoint from Civitai instead of using a local file")
	flags.StringVar(&modelName, "model-name", "", "Base name for output files (defaults to the checkpoint filename)")
	flags.Int64Var(&modelVersionID, "model-version-id", 0, "Civitai model version ID to download")
	flags.StringVar(&civitaiToken, "civitai-token", "", "Civitai API token for gated downloads")
	flags.StringSliceVarP(&quantTypes, "quant-types", "q", nil, `Quantizations to produce (Q4_K_S, Q5_K_S, Q8_0 or "all")`)
	flags.BoolVar(&skipExtract, "skip-extract", false, "Skip extraction and use an existing UNet file")
	flags.StringVar(&unetPath, "unet-path", "", "Existing UNet safetensors file (with --skip-extract)")
	flags.BoolVar(&skipConvert, "skip-convert", false, "Skip conversion and use an existing F16 GGUF file")
	flags.StringVar(&ggufPath, "gguf-path", "", "Existing F16 GGUF file (with --skip-convert)")
	flags.BoolVar(&skipQuant, "skip-quant", false, "Stop after F16 conversion")
	flags.IntVarP(&jobs, "jobs", "j", 1, "Number of quantizations to run in parallel")

	return c
}
