package main

import (
	"os"

	"github.com/psantana5/partnerbatch/cmd/partnerd/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
