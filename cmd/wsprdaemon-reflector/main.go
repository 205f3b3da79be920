// Command wsprdaemon-reflector runs the WSPRDAEMON Reflector, spec.md §4.6:
// hard-link fan-out of incoming archives into per-destination queues, then
// transfer each queue to its mirror independently with bounded retry.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/n5wspr/wsprcore/internal/config"
	"github.com/n5wspr/wsprcore/internal/logging"
	"github.com/n5wspr/wsprcore/internal/metrics"
	"github.com/n5wspr/wsprcore/internal/reflector"
)

var (
	configPath        string
	verbosityOverride int
	dryRun            bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "wsprdaemon-reflector",
	Short: "Mirror incoming wsprdaemon archives to one or more remote destinations",
	RunE:  run,
}

var flags *pflag.FlagSet

func init() {
	flags = rootCmd.Flags()
	flags.StringVar(&configPath, "config", "config.yaml", "path to the configuration file")
	flags.CountVarP(&verbosityOverride, "verbose", "v", "increase log verbosity (repeatable); overrides the config file's verbosity")
	flags.BoolVar(&dryRun, "dry-run", false, "log what would be transferred without contacting any destination")
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if verbosityOverride > 0 {
		cfg.Verbosity = verbosityOverride
	}

	logging.Init(logging.Config{Verbosity: cfg.Verbosity, LogFile: cfg.LogFile, LogMaxMB: cfg.LogMaxMB})
	logger := logging.WithComponent("main")
	logger.Info().Int("destinations", len(cfg.Reflector.Destinations)).Bool("dry_run", dryRun).Msg("wsprdaemon-reflector starting")

	refl, err := reflector.New(cfg.Reflector, reflector.WithDryRun(dryRun))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metricsErr := make(chan error, 1)
	go func() { metricsErr <- metrics.Serve(ctx, cfg.MetricsAddr, logger) }()

	reflErr := make(chan error, 1)
	go func() { reflErr <- refl.Run(ctx) }()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
		<-reflErr
		return nil
	case err := <-reflErr:
		return err
	case err := <-metricsErr:
		return err
	}
}
