package main

import (
	"os"

	"github.com/attia12/stage-mouna/cmd/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
