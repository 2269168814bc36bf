// Package main is the storage gateway binary: it serves the HTTP API and
// provides operator commands for tenant databases and the tenant registry.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
