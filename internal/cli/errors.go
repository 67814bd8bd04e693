package cli

import (
	"fmt"
	"os"

	"github.com/fatih/color"

	dderrors "github.com/randalmurphal/drydock/internal/errors"
)

// PrintError prints an error to stderr with appropriate formatting.
// A drydock *errors.Error gets the What/Why/Fix format; anything else is
// printed as-is.
func PrintError(err error) {
	red := color.New(color.FgRed, color.Bold)
	if e := dderrors.AsError(err); e != nil {
		red.Fprintln(os.Stderr, e.UserMessage())
		if verbose {
			fmt.Fprintf(os.Stderr, "\nCode: %s\n", e.Code)
			if e.Cause != nil {
				fmt.Fprintf(os.Stderr, "Cause: %v\n", e.Cause)
			}
		}
		return
	}
	red.Fprintf(os.Stderr, "Error: %v\n", err)
}
