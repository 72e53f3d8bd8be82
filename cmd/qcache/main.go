// Command qcache runs the warehouse query-cache gateway and inspects its state.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "qcache",
		Short: "Query-cache gateway for a slow SQL warehouse",
		Long: `qcache sits between dashboard clients and an analytical warehouse.
It serves repeated queries from Redis, refreshes long-lived entries in the
background and scores queries for pre-warming.

Examples:
  # Run the gateway
  qcache serve --config qcache.yaml

  # Show the top pre-warm candidates
  qcache candidates --limit 20

  # Show how a statement is fingerprinted and cached
  qcache fingerprint "SELECT * FROM sales WHERE day = CURRENT_DATE"
`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&configPath, "config", os.Getenv("QCACHE_CONFIG"), "Path to YAML config file")

	root.AddCommand(newServeCmd(&configPath))
	root.AddCommand(newCandidatesCmd(&configPath))
	root.AddCommand(newFingerprintCmd())

	return root
}
