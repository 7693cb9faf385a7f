package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ca-srg/sockframe"
	"github.com/ca-srg/sockframe/config"
	"github.com/ca-srg/sockframe/observability"
	"github.com/ca-srg/sockframe/pipeline"
)

var overridesPath string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect to Slack and run until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run()
	},
}

func init() {
	runCmd.Flags().StringVar(&overridesPath, "overrides", "", "path to a YAML overrides file applied on top of the environment")
}

func run() error {
	logger := log.New(os.Stdout, "sockbot ", log.LstdFlags)

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	if overridesPath != "" {
		overrides, err := config.LoadOverrides(overridesPath)
		if err != nil {
			return fmt.Errorf("load overrides: %w", err)
		}
		if err := overrides.Apply(cfg); err != nil {
			return fmt.Errorf("apply overrides: %w", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otelCfg, err := observability.LoadFromEnv()
	if err != nil {
		return fmt.Errorf("load observability configuration: %w", err)
	}
	otelShutdown, err := observability.Init(ctx, otelCfg)
	if err != nil {
		return fmt.Errorf("initialize observability: %w", err)
	}
	defer func() {
		if err := otelShutdown(context.Background()); err != nil {
			logger.Printf("observability shutdown: %v", err)
		}
	}()

	opts := []sockframe.Option{sockframe.WithLogger(logger)}
	if otelCfg.Enabled {
		opts = append(opts, sockframe.WithOTelBridge())
	}
	instance, err := sockframe.New(cfg, opts...)
	if err != nil {
		return fmt.Errorf("build instance: %w", err)
	}

	instance.Handle(pipeline.EnvelopeEventsAPI, func(_ context.Context, env *pipeline.Envelope, _ *pipeline.State) error {
		logger.Printf("event received envelope=%s", env.EnvelopeID)
		return nil
	})

	logger.Printf("starting instance=%s", cfg.InstanceName)
	if err := instance.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Println("shutdown complete")
	return nil
}
