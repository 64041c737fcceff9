package main

import (
	"os"

	"github.com/recolab/banditd/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
