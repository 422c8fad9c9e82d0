// Package main provides the entry point for the workgraph CLI.
package main

import (
	"os"

	"github.com/rslattery/workgraph/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
