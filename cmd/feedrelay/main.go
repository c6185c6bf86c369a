// Package main is the entry point for the feedrelay application.
package main

import (
	"os"

	"github.com/jmylchreest/feedrelay/cmd/feedrelay/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
