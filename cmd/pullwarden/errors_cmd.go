package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/TinTinWinata/bitbucket-automatic-pr-reviewer/internal/daemon"
)

func errorsCmd() *cobra.Command {
	var (
		limit int
		path  string
	)

	cmd := &cobra.Command{
		Use:   "errors",
		Short: "Show recent failed reviews from the error log",
		RunE: func(cmd *cobra.Command, args []string) error {
			if path == "" {
				path = daemon.DefaultErrorLogPath()
			}
			entries, err := daemon.ReadErrorLog(path, limit)
			if err != nil {
				return fmt.Errorf("read error log: %w", err)
			}

			out := cmd.OutOrStdout()
			if len(entries) == 0 {
				fmt.Fprintln(out, "No errors logged.")
				return nil
			}
			for _, e := range entries {
				kind := e.ErrorType
				if kind == "" {
					kind = e.Component
				}
				fmt.Fprintf(out, "%s  %-5s  %-13s", e.Timestamp.Local().Format(time.DateTime), e.Level, kind)
				if e.Repository != "" {
					fmt.Fprintf(out, "  %s", e.Repository)
				}
				if e.JobID != "" {
					fmt.Fprintf(out, "  job=%s", e.JobID)
				}
				fmt.Fprintf(out, "\n    %s\n", e.Message)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of entries to show (0 for all)")
	cmd.Flags().StringVar(&path, "file", "", "error log path (default <data dir>/errors.log)")

	return cmd
}
