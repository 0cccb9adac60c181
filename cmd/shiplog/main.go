package main

import (
	"os"

	"github.com/shiplog/shiplog/cmd/shiplog/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
