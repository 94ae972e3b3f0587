package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags.
var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "mokuroku",
	Short: "Run-manifest coordinator for fan-out data collection campaigns",
	Long: "Mokuroku tracks the expected-vs-observed workload of a collection window,\n" +
		"grades the run's coverage tier on close, and routes the downstream events\n" +
		"(tensor.ready, gapfill.ready, mii.skipped) that drive scoring and retries.",
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(snapshotCmd)
	rootCmd.Version = version
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
