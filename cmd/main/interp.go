package main

import (
	"github.com/spf13/cobra"

	"vessel/internal/envproc"
	"vessel/internal/interp"
)

// interpCmd is how the supervisor re-invokes this binary as the environment
// process: primary channel on stdio, relay channel on inherited descriptors.
// Not meant to be run by hand.
var interpCmd = &cobra.Command{
	Use:    "interp",
	Short:  "Run as the execution environment process",
	Hidden: true,
	RunE:   runInterp,
}

var interpMaxSteps uint64

func init() {
	interpCmd.Flags().Uint64Var(&interpMaxSteps, "max-steps", 0, "Execution step cap per snippet (0 = unlimited)")
}

func runInterp(cmd *cobra.Command, args []string) error {
	return interp.Serve(envproc.InterpPipes(), interpMaxSteps)
}
