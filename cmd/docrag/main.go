package main

import (
	"os"

	"github.com/aihub/docrag/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
