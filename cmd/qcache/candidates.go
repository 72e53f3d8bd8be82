package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Sternrassler/warehouse-query-cache/pkg/config"
	"github.com/Sternrassler/warehouse-query-cache/pkg/logging"
	"github.com/Sternrassler/warehouse-query-cache/pkg/scoring"
)

func newCandidatesCmd(configPath *string) *cobra.Command {
	var (
		limit  int
		format string
	)

	cmd := &cobra.Command{
		Use:   "candidates",
		Short: "List the highest-scoring pre-warm candidates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != "text" && format != "json" {
				return fmt.Errorf("unknown format %q (text, json)", format)
			}

			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			redisClient, err := connectRedis(ctx, cfg.Redis)
			if err != nil {
				return err
			}
			defer redisClient.Close()

			engine, err := scoring.NewEngine(redisClient, cfg.Scoring, logging.NewLogger("scoring"))
			if err != nil {
				return err
			}
			candidates, err := engine.Candidates(ctx, limit)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if format == "json" {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(candidates)
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SCORE\tPERSISTENT\tFINGERPRINT\tSQL")
			for _, c := range candidates {
				fmt.Fprintf(tw, "%.2f\t%t\t%s\t%s\n", c.Score, c.IsPersistent, shortHash(c.FullHash), c.SQL)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", scoring.DefaultFeedLimit, "Number of candidates to list")
	cmd.Flags().StringVar(&format, "format", "text", "Output format (text, json)")
	return cmd
}

func shortHash(h string) string {
	if len(h) > 8 {
		return h[:8]
	}
	return h
}
