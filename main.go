package main

import (
	"os"

	"github.com/ghyeongl/mirrorsync/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
