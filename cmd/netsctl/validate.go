package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"aegisflux/nets/internal/collector"
	"aegisflux/nets/internal/model"
	"aegisflux/nets/internal/normalizer"
	"aegisflux/nets/internal/rules"
)

func newValidateCmd() *cobra.Command {
	var rulesDir, samplesPath string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Compile rules and test them against sample events without activating anything",
		Long: `Compile every rule file of a directory as one bundle. With --samples,
the JSON lines file of collector events is normalized and each resulting
flow is evaluated against the bundle using scratch window state; the
alerts and quarantine proposals it would produce are printed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(cmd)
			sources, err := rules.ReadDir(rulesDir)
			if err != nil {
				return fmt.Errorf("failed to read rules: %w", err)
			}

			var samples []*model.NormalizedFlow
			if samplesPath != "" {
				samples, err = loadSamples(cmd.Context(), samplesPath, logger)
				if err != nil {
					return err
				}
			}

			res := rules.NewEngine(logger, 1).Validate(sources, samples)
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(res); err != nil {
				return err
			}
			if !res.Valid {
				return errInvalidBundle
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&rulesDir, "rules", "rules.d", "Rules directory")
	cmd.Flags().StringVar(&samplesPath, "samples", "", "JSON lines file of sample collector events")
	return cmd
}

// loadSamples normalizes a JSON lines event file into flows
func loadSamples(ctx context.Context, path string, logger *slog.Logger) ([]*model.NormalizedFlow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open samples: %w", err)
	}
	defer f.Close()

	validator, err := collector.NewValidator()
	if err != nil {
		return nil, err
	}
	src := collector.NewJSONLSource("samples", f, validator, logger)
	src.OnInvalid(func(line int, err error) {
		logger.Warn("Skipping invalid sample", "line", line, "error", err)
	})

	norm := normalizer.New(normalizer.DefaultConfig(), nil, logger, nil)
	var flows []*model.NormalizedFlow
	err = src.Run(ctx, collector.SinkFunc(func(_ context.Context, ev *model.FlowEvent) error {
		flows = append(flows, norm.Ingest(ev)...)
		return nil
	}))
	if err != nil {
		return nil, err
	}
	return append(flows, norm.FlushAll()...), nil
}
