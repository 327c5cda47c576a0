package main

import (
	"os"

	"github.com/rustyeddy/jarvis/cmd/jarvis/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
