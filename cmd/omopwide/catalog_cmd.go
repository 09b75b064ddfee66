package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/synaptica-ai/omopwide/pkg/terminology"
)

var catalogPath string

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "List the concepts known to a catalog",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cat, err := terminology.Load(catalogPath)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "CONCEPT_ID\tLABEL\tVALUE_COLUMN\tDOMAIN")
		for _, c := range cat.Concepts() {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", c.ConceptID, c.Label, c.ValueColumn, c.Domain)
		}
		return w.Flush()
	},
}

func init() {
	catalogCmd.Flags().StringVar(&catalogPath, "catalog", os.Getenv("CONCEPT_CATALOG_PATH"), "Concept catalog YAML file (default: built-in)")
}
