// Package main is the entry point for the protosink binary.
package main

import (
	"os"

	"protosink/pkg/cli"
)

func main() {
	os.Exit(cli.Execute())
}
