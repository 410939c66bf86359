package main

import (
	"os"

	"github.com/harun/fanout/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
