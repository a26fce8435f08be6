package main

import (
	"os"

	"github.com/babelcloud/mediarecorder/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
