package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Sternrassler/warehouse-query-cache/pkg/fingerprint"
	"github.com/Sternrassler/warehouse-query-cache/pkg/strategy"
)

func newFingerprintCmd() *cobra.Command {
	var (
		userID       string
		forceDynamic bool
		persistent   bool
	)

	cmd := &cobra.Command{
		Use:   "fingerprint [sql]",
		Short: "Show the fingerprint, cache key and TTL of a statement",
		Long: `Show how the gateway identifies and caches a statement.
The SQL is read from the argument, or from stdin when no argument is given.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var sql string
			if len(args) == 1 {
				sql = args[0]
			} else {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("read stdin: %w", err)
				}
				sql = string(data)
			}
			if strings.TrimSpace(sql) == "" {
				return fmt.Errorf("sql is required")
			}

			fp := fingerprint.Of(sql, userID)
			decision := strategy.ClassifyNormalized(fp.NormalizedSQL, forceDynamic, time.Now())
			ttl := decision.EffectiveTTL(persistent)

			ttlText := ttl.String()
			if ttl == 0 {
				ttlText = "none"
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "normalized:  %s\n", fp.NormalizedSQL)
			fmt.Fprintf(out, "full hash:   %s\n", fp.FullHash)
			fmt.Fprintf(out, "short hash:  %s\n", fp.ShortHash)
			fmt.Fprintf(out, "strategy:    %s\n", decision.Type)
			fmt.Fprintf(out, "cache key:   %s\n", decision.Key(fp.FullHash))
			fmt.Fprintf(out, "ttl:         %s\n", ttlText)
			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "Caller scope for per-user cache isolation")
	cmd.Flags().BoolVar(&forceDynamic, "force-dynamic", false, "Force daily partitioning")
	cmd.Flags().BoolVar(&persistent, "persistent", false, "Assume the query is persistent when computing the TTL")
	return cmd
}
