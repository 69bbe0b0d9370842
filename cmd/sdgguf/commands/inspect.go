package commands

import (
	parser "github.com/gpustack/gguf-parser-go"
	"github.com/spf13/cobra"
)

func newInspectCmd() *cobra.Command {
	var showTensors bool

	c := &cobra.Command{
		Use:   "inspect GGUF",
		Short: "Show the metadata of a GGUF file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			gf, err := parser.ParseGGUFFile(args[0])
			if err != nil {
				return err
			}
			md := gf.Metadata()

			cmd.Printf("architecture: %s\n", md.Architecture)
			cmd.Printf("name:         %s\n", md.Name)
			cmd.Printf("file type:    %s\n", md.FileType)
			cmd.Printf("parameters:   %s\n", md.Parameters)
			cmd.Printf("size:         %s\n", md.Size)
			cmd.Printf("tensors:      %d\n", len(gf.TensorInfos))

			if showTensors {
				cmd.Println()
				for _, ti := range gf.TensorInfos {
					cmd.Printf("%-12s %-60s %v\n", ti.Type, ti.Name, ti.Dimensions)
				}
			}
			return nil
		},
	}

	c.Flags().BoolVar(&showTensors, "tensors", false, "List every tensor with its type")
	return c
}
