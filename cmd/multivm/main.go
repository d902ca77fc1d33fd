// multivm runs a single-node multi-VM ledger executing native, EVM and
// sBPF contracts side by side.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information
var (
	Version   = "0.1.0"
	GitCommit = "dev"
)

var rootCmd = &cobra.Command{
	Use:           "multivm",
	Short:         "Single-node multi-VM ledger",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "multivm %s (%s)\n", Version, GitCommit)
	},
}

func init() {
	rootCmd.AddCommand(runCmd, keygenCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
