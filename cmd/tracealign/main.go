package main

import (
	"os"

	"github.com/lvonguyen/tracealign/cmd/tracealign/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
