// Package main provides the entry point for the drydock CLI.
package main

import (
	"os"

	"github.com/randalmurphal/drydock/internal/cli"
	dderrors "github.com/randalmurphal/drydock/internal/errors"
)

func main() {
	if err := cli.Execute(); err != nil {
		cli.PrintError(err)
		os.Exit(dderrors.ExitCodeFor(err))
	}
}
