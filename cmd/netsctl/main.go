package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"aegisflux/nets/internal/logging"
)

const version = "0.1.0"

var logLevel string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "netsctl",
		Short: "Offline tooling for the local network-flow monitor",
		Long: `netsctl checks rule bundles, replays captures and event streams
through the detection pipeline, and reads storage archives. Nothing it
does touches the network or installs enforcement.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")
	root.CompletionOptions.DisableDefaultCmd = true
	root.SetVersionTemplate(fmt.Sprintf("netsctl version %s\n", version))

	root.AddCommand(newValidateCmd(), newReplayCmd(), newFlowsCmd(), newRulesCmd())
	return root
}

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newLogger(cmd *cobra.Command) *slog.Logger {
	return logging.New(logging.Options{Level: logLevel, Format: "text", Output: cmd.ErrOrStderr()}).Logger
}

// writeJSONLines writes one JSON document per line
func writeJSONLines[T any](w io.Writer, items []T) error {
	enc := json.NewEncoder(w)
	for _, item := range items {
		if err := enc.Encode(item); err != nil {
			return err
		}
	}
	return nil
}
