package commands

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/sdxl-tools/sdgguf/pkg/civitai"
	"github.com/sdxl-tools/sdgguf/pkg/config"
	"github.com/sdxl-tools/sdgguf/pkg/progress"
)

func newDownloadCmd() *cobra.Command {
	var (
		downloadDir  string
		civitaiToken string
	)

	c := &cobra.Command{
		Use:   "download MODEL_VERSION_ID",
		Short: "Download a model version from Civitai",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			versionID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid model version ID %q", args[0])
			}
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			client := civitai.NewClient(firstNonEmpty(civitaiToken, cfg.CivitaiToken))
			version, err := client.GetModelVersion(cmd.Context(), versionID)
			if err != nil {
				return err
			}
			file, err := version.PrimaryFile()
			if err != nil {
				return err
			}
			cmd.Printf("%s (%s, version %s)\n", file.Name, version.Model.Name, version.Name)

			updates := make(chan progress.Update, 16)
			done := make(chan struct{})
			go func() {
				defer close(done)
				progress.NewPrinter(cmd.OutOrStdout(), "Downloading").Consume(updates)
			}()

			dir := firstNonEmpty(downloadDir, cfg.DownloadDir, ".")
			dest, dlErr := client.DownloadFile(cmd.Context(), file, dir, updates)
			close(updates)
			<-done
			if dlErr != nil {
				return dlErr
			}
			cmd.Println(dest)
			return nil
		},
	}

	c.Flags().StringVarP(&downloadDir, "download-dir", "o", "", "Directory for the downloaded checkpoint")
	c.Flags().StringVar(&civitaiToken, "civitai-token", "", "Civitai API token for gated downloads")
	return c
}
