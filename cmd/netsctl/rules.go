package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"aegisflux/nets/internal/rules"
)

// errInvalidBundle makes the process exit non-zero after diagnostics are printed
var errInvalidBundle = errors.New("rule bundle is invalid")

func newRulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Inspect rule bundles and the rule language",
	}

	check := &cobra.Command{
		Use:   "check DIR",
		Short: "Compile a rules directory and list its rules",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sources, err := rules.ReadDir(args[0])
			if err != nil {
				return fmt.Errorf("failed to read rules: %w", err)
			}
			b, err := rules.Compile(sources...)
			if err != nil {
				var be *rules.BundleError
				if errors.As(err, &be) {
					for _, ce := range be.Errors {
						fmt.Fprintln(cmd.ErrOrStderr(), ce.Error())
					}
					return errInvalidBundle
				}
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "bundle %s: %d rules from %d files\n", b.Hash[:12], len(b.Rules), len(b.Sources))
			for _, info := range b.Describe() {
				fmt.Fprintf(out, "%-32s %-8s %s\n", info.ID, info.Severity, info.Summary)
				for _, cl := range info.Clauses {
					fmt.Fprintf(out, "    %s\n", cl)
				}
			}
			return nil
		},
	}

	fields := &cobra.Command{
		Use:   "fields",
		Short: "List the flow fields and functions rules can use",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]interface{}{
				"fields":    rules.Fields(),
				"functions": rules.FunctionHelp(),
			})
		},
	}

	cmd.AddCommand(check, fields)
	return cmd
}
