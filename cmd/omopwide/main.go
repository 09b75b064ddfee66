// omopwide turns OMOP CDM observations and measurements into wide,
// time-bucketed tables.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "0.1.0"

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "omopwide",
	Short:         "Extract wide time-series tables from an OMOP CDM",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(extractCmd)
	rootCmd.AddCommand(catalogCmd)
}
