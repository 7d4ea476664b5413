package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/TinTinWinata/bitbucket-automatic-pr-reviewer/internal/version"
)

func versionCmd() *cobra.Command {
	var full bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show pullwarden version",
		Run: func(cmd *cobra.Command, args []string) {
			v := version.Version
			if full {
				v = version.Full()
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pullwarden %s\n", v)
		},
	}

	cmd.Flags().BoolVar(&full, "full", false, "include commit time and Go version")

	return cmd
}
