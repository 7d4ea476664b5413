package main

import (
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/TinTinWinata/bitbucket-automatic-pr-reviewer/internal/logging"
	"github.com/TinTinWinata/bitbucket-automatic-pr-reviewer/internal/metrics"
)

func metricsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Inspect persisted review metrics",
	}

	cmd.AddCommand(metricsShowCmd())

	return cmd
}

func metricsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the last persisted metrics snapshot",
		Long: "Read the configured metrics store and print every persisted series.\n" +
			"The snapshot lags the running server by at most one flush interval.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := metrics.OpenStore(cfg.Metrics, logging.Discard())
			if err != nil {
				return err
			}
			defer store.Close()

			snap, err := store.Load(cmd.Context())
			if err != nil {
				return fmt.Errorf("load metrics: %w", err)
			}
			if snap == nil || (len(snap.Counters) == 0 && len(snap.Histograms) == 0) {
				fmt.Fprintln(cmd.OutOrStdout(), "No metrics recorded yet.")
				return nil
			}
			printSnapshot(cmd.OutOrStdout(), snap)
			return nil
		},
	}
}

func printSnapshot(w io.Writer, snap *metrics.Snapshot) {
	keys := make([]string, 0, len(snap.Counters))
	for k := range snap.Counters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "%s %g\n", k, snap.Counters[k])
	}

	keys = keys[:0]
	for k := range snap.Histograms {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h := snap.Histograms[k]
		mean := 0.0
		if h.Count > 0 {
			mean = h.Sum / float64(h.Count)
		}
		fmt.Fprintf(w, "%s count=%d sum=%g mean=%.1fs\n", k, h.Count, h.Sum, mean)
	}
}
