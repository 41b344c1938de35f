package main

import (
	"context"
	"fmt"
	"net/netip"
	"sort"

	"github.com/spf13/cobra"

	"aegisflux/nets/internal/collector"
	"aegisflux/nets/internal/config"
	"aegisflux/nets/internal/detect"
	"aegisflux/nets/internal/model"
	"aegisflux/nets/internal/normalizer"
	"aegisflux/nets/internal/pipeline"
	"aegisflux/nets/internal/policy"
	"aegisflux/nets/internal/rules"
	"aegisflux/nets/internal/store"
)

// alerts beyond this are dropped oldest first
const maxReplayAlerts = 100000

type replayOptions struct {
	configPath  string
	rulesDir    string
	archivePath string
	minSeverity string
	localAddrs  []string
}

func newReplayCmd() *cobra.Command {
	var opts replayOptions

	cmd := &cobra.Command{
		Use:   "replay INPUT",
		Short: "Run a capture or event stream through the detection pipeline offline",
		Long: `Replay a classic pcap file (.pcap) or a JSON lines event stream through
normalization, rules and detectors, then print the alerts raised as JSON
lines ordered by time. Quarantine proposals are recorded but never
enforced.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(cmd, args[0], opts)
		},
	}
	cmd.Flags().StringVar(&opts.configPath, "config", "", "Daemon configuration file for normalizer and detector settings")
	cmd.Flags().StringVar(&opts.rulesDir, "rules", "", "Rules directory (default: the configured one)")
	cmd.Flags().StringVar(&opts.archivePath, "archive", "", "Also write alerts and flows to this archive")
	cmd.Flags().StringVar(&opts.minSeverity, "min-severity", "low", "Lowest severity to print")
	cmd.Flags().StringSliceVar(&opts.localAddrs, "local", nil, "Addresses owned by the capturing host")
	return cmd
}

func runReplay(cmd *cobra.Command, input string, opts replayOptions) error {
	logger := newLogger(cmd)
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	minSev, ok := model.ParseSeverity(opts.minSeverity)
	if !ok {
		return fmt.Errorf("unknown severity %q", opts.minSeverity)
	}
	var locals []netip.Addr
	for _, s := range opts.localAddrs {
		addr, err := netip.ParseAddr(s)
		if err != nil {
			return fmt.Errorf("invalid local address %q: %w", s, err)
		}
		locals = append(locals, addr)
	}

	cfg := config.Default()
	if opts.configPath != "" {
		loaded, err := config.Load(opts.configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	rulesDir := cfg.Rules.Dir
	if opts.rulesDir != "" {
		rulesDir = opts.rulesDir
	}

	engine := rules.NewEngine(logger, cfg.Pipeline.RuleShards)
	sources, err := rules.ReadDir(rulesDir)
	if err != nil {
		return fmt.Errorf("failed to read rules: %w", err)
	}
	if res := engine.Import(sources...); !res.Accepted {
		for _, ce := range res.Errors {
			fmt.Fprintln(cmd.ErrOrStderr(), ce.Error())
		}
		return errInvalidBundle
	}

	manager := policy.NewManager(cfg.Policy.Config, policy.NewNoopEnforcer(logger), nil, logger)
	defer manager.Stop(context.Background())

	var sink store.Sink
	if opts.archivePath != "" {
		archive, err := store.NewArchiveSink(opts.archivePath, 0, logger)
		if err != nil {
			return err
		}
		defer archive.Close()
		sink = archive
	}

	memStore := store.NewMemoryStore(maxReplayAlerts, 1, 0)
	pipe := pipeline.New(pipeline.Config{
		QueueSize:   cfg.Pipeline.QueueSize,
		Workers:     cfg.Pipeline.Workers,
		WorkerQueue: cfg.Pipeline.WorkerQueue,
		SinkRetries: cfg.Pipeline.SinkRetries,
	}, pipeline.Deps{
		Normalizer: normalizer.New(cfg.Normalizer, normalizer.NewLocalAddrs(locals...), logger, nil),
		Engine:     engine,
		Detectors:  detect.NewSet(cfg.Detectors, logger),
		Policy:     manager,
		Store:      memStore,
		Sink:       sink,
		Logger:     logger,
	})

	src, closeInput, err := collector.Open(input, "", func(line int, err error) {
		logger.Warn("Skipping invalid event", "line", line, "error", err)
	}, logger)
	if err != nil {
		return err
	}
	defer closeInput()

	done := make(chan error, 1)
	go func() { done <- pipe.Run(ctx) }()
	srcErr := src.Run(ctx, collector.SinkFunc(pipe.Submit))
	pipe.CloseInput()
	if err := <-done; err != nil {
		return err
	}
	if srcErr != nil {
		return fmt.Errorf("replay of %s stopped: %w", src.Name(), srcErr)
	}

	alerts := memStore.GetAlerts(store.AlertFilter{MinSeverity: minSev})
	sort.Slice(alerts, func(i, j int) bool {
		if !alerts[i].Ts.Equal(alerts[j].Ts) {
			return alerts[i].Ts.Before(alerts[j].Ts)
		}
		return alerts[i].ID < alerts[j].ID
	})
	if err := writeJSONLines(cmd.OutOrStdout(), alerts); err != nil {
		return err
	}

	st := pipe.Status()
	fmt.Fprintf(cmd.ErrOrStderr(), "replayed %d events into %d flows: %d alerts, %d quarantine proposals\n",
		st.Submitted, st.Processed, st.Alerts, len(manager.List(policy.StateProposed)))
	return nil
}
