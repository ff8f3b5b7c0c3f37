package main

import (
	"os"

	"github.com/dopejs/keepsync/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
