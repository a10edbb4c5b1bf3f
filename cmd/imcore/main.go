package main

import (
	"os"

	"github.com/opd-ai/imcore/cmd/imcore/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
