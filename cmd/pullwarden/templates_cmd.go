package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/TinTinWinata/bitbucket-automatic-pr-reviewer/internal/prompt"
)

func templatesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "templates",
		Short: "Inspect review prompt templates",
	}

	cmd.AddCommand(templatesCheckCmd())

	return cmd
}

func templatesCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check [mapping-file]",
		Short: "Validate the repository-to-template mapping and every template it names",
		Long: "Parse the mapping file and each template it references, reporting the first problem found.\n" +
			"Without an argument the configured template_map_path is checked.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			} else {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				path = cfg.TemplateMapPath
			}

			out := cmd.OutOrStdout()
			set, err := prompt.LoadSet(path)
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "invalid: %v\n", err)
				return &exitError{code: 1}
			}

			if path == "" {
				fmt.Fprintln(out, "No template mapping configured; the built-in template is used for every repository.")
				return nil
			}
			fmt.Fprintf(out, "%s: OK\n", path)
			printTemplate(out, "default", set.Default)
			for _, repo := range set.Repositories() {
				printTemplate(out, repo, set.For(repo))
			}
			return nil
		},
	}
}

func printTemplate(w io.Writer, label string, t *prompt.Template) {
	fmt.Fprintf(w, "  %s: %s\n", label, t.Name)
	if names := t.Placeholders(); len(names) > 0 {
		fmt.Fprintf(w, "    uses: %s\n", strings.Join(names, ", "))
	}
}
