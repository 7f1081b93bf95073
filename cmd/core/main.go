// Package main is the dukanx command line entry point.
package main

import (
	"fmt"
	"os"

	"github.com/dukanx/backend/internal/cli"
	apperrors "github.com/dukanx/backend/internal/errors"
)

// Version is set at build time
var Version = "0.1.0"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cmd := cli.NewRootCommand(Version)
	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if apperrors.Is(err, apperrors.ErrInvalid) || apperrors.Is(err, apperrors.ErrValidation) {
			return 2
		}
		return 1
	}
	return 0
}
