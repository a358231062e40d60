package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var noColor bool

var rootCmd = &cobra.Command{
	Use:     "oppwatch",
	Short:   "Detect and triage product opportunities from analytics data",
	Version: version,
	Long: `oppwatch watches product analytics for funnel drop-offs, low
satisfaction scores, and underused features, files them as opportunities,
and walks each one through triage, spec generation, and shipping.`,
	SilenceUsage: true,
}

func main() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(detectCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(actCmd)
	rootCmd.AddCommand(generateCmd)
	rootCmd.AddCommand(shipCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(configCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
