package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/TinTinWinata/bitbucket-automatic-pr-reviewer/internal/config"
)

var (
	configPath string
	envFile    string
)

// exitError is an error that signals a specific exit code
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit code %d", e.code)
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "pullwarden",
		Short: "Automatic AI review for Bitbucket pull requests",
		Long: "pullwarden receives Bitbucket pull request webhooks, checks out the source branch, " +
			"and asks a review agent to comment on the change.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.GlobalConfigPath(), "path to config file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "path to .env file (ignored if missing)")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(templatesCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(metricsCmd())
	rootCmd.AddCommand(errorsCmd())
	rootCmd.AddCommand(versionCmd())

	return rootCmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		// exitError carries its own code and has already reported
		if exitErr, ok := err.(*exitError); ok {
			os.Exit(exitErr.code)
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// loadConfig reads the configuration selected by the persistent flags.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath, envFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
