package main

import (
	"os"

	"github.com/sdxl-tools/sdgguf/cmd/sdgguf/commands"
)

func main() {
	if err := commands.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
