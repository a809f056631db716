// Command ducible rewrites a PE image and its matching PDB so that two
// independent builds of identical sources produce byte-identical
// output, by eliminating timestamps, random GUIDs, PDB ages, and
// uninitialised padding left behind by the compiler and linker.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/buildtools/ducible/internal/ducible"
)

var version = "dev"

func main() {
	logrus.SetOutput(os.Stdout)
	logrus.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:     "ducible IMAGE [PDB]",
		Short:   "Make a PE image and its PDB build-reproducible",
		Version: version,
		Args:    cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := ducible.Options{
				ImagePath: args[0],
				DryRun:    dryRun,
			}
			if len(args) == 2 {
				opts.PdbPath = args[1]
			}

			final, err := ducible.Run(opts)
			if err != nil {
				return err
			}
			fmt.Printf("%x\n", final)
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.Flags().BoolVarP(&dryRun, "dryrun", "n", false, "report what would change without modifying any file")
	return cmd
}
