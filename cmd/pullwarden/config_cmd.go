package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/TinTinWinata/bitbucket-automatic-pr-reviewer/internal/config"
)

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect pullwarden configuration",
	}

	cmd.AddCommand(configGetCmd())
	cmd.AddCommand(configSetCmd())
	cmd.AddCommand(configShowCmd())
	cmd.AddCommand(configCheckCmd())

	return cmd
}

func configGetCmd() *cobra.Command {
	var reveal bool

	cmd := &cobra.Command{
		Use:   "get <key>",
		Short: "Print one effective configuration value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]
			if !config.IsValidKey(key) {
				return fmt.Errorf("unknown config key: %q", key)
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			val, err := config.GetConfigValue(cfg, key)
			if err != nil {
				return err
			}
			if config.IsSensitiveKey(key) && !reveal && val != "" {
				val = config.MaskValue(val)
			}
			fmt.Fprintln(cmd.OutOrStdout(), val)
			return nil
		},
	}

	cmd.Flags().BoolVar(&reveal, "reveal", false, "print sensitive values unmasked")

	return cmd
}

func configSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set a value in the config file",
		Long: "Write one key to the file named by --config, keeping every other key as it is.\n" +
			"List values are comma-separated. Environment variables still override the file.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := setConfigKey(configPath, args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s updated in %s\n", args[0], configPath)
			return nil
		},
	}
}

func configShowCmd() *cobra.Command {
	var showEnv bool

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets masked",
		Long: "Print every configuration key after the config file, .env file and environment\n" +
			"have been applied. Sensitive values are masked.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			printKeyValues(cmd.OutOrStdout(), config.ListConfigKeys(cfg), showEnv)
			return nil
		},
	}

	cmd.Flags().BoolVar(&showEnv, "env", false, "show the environment variable bound to each key")

	return cmd
}

func configCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), err)
				return &exitError{code: 1}
			}
			fmt.Fprintln(cmd.OutOrStdout(), "configuration OK")
			return nil
		},
	}
}

func printKeyValues(w io.Writer, kvs []config.KeyValue, showEnv bool) {
	for _, kv := range kvs {
		if showEnv && kv.Env != "" {
			fmt.Fprintf(w, "%s=%s\t(%s)\n", kv.Key, kv.Value, kv.Env)
			continue
		}
		fmt.Fprintf(w, "%s=%s\n", kv.Key, kv.Value)
	}
}

// setConfigKey sets a key in a TOML file using raw map manipulation so the
// file doesn't fill up with defaults.
func setConfigKey(path, key, value string) error {
	if !config.IsValidKey(key) {
		return fmt.Errorf("unknown config key: %q", key)
	}

	// Convert the value through the typed config so the file gets a proper
	// TOML int, bool or array.
	typed := config.DefaultConfig()
	if err := config.SetConfigValue(typed, key, value); err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	field, err := config.FindFieldByTOMLKey(reflect.ValueOf(typed).Elem(), key)
	if err != nil {
		return err
	}

	raw := make(map[string]interface{})
	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, &raw); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	}
	setRawMapKey(raw, key, field.Interface())

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	var mode os.FileMode = 0600
	if info, err := os.Stat(path); err == nil {
		mode = info.Mode()
	}

	f, err := os.CreateTemp(filepath.Dir(path), ".pullwarden-config-*.toml")
	if err != nil {
		return err
	}
	tmpPath := f.Name()
	defer os.Remove(tmpPath) // no-op after a successful rename

	if err := toml.NewEncoder(f).Encode(raw); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpPath, mode); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

// setRawMapKey sets a value in a nested map using dot-separated keys.
func setRawMapKey(m map[string]interface{}, key string, value interface{}) {
	parts := strings.Split(key, ".")
	current := m
	for _, part := range parts[:len(parts)-1] {
		sub, ok := current[part].(map[string]interface{})
		if !ok {
			sub = make(map[string]interface{})
			current[part] = sub
		}
		current = sub
	}
	current[parts[len(parts)-1]] = value
}
