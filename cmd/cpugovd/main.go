package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/serverket/cpugovd/pkg/authority"
	"github.com/serverket/cpugovd/pkg/config"
	"github.com/serverket/cpugovd/pkg/governor"
	"github.com/serverket/cpugovd/pkg/observability/logging"
	"github.com/serverket/cpugovd/pkg/observability/metrics"
	"github.com/serverket/cpugovd/pkg/service"
	"github.com/serverket/cpugovd/pkg/store"
	"github.com/serverket/cpugovd/pkg/sysfs"
)

const metricsDumpInterval = 15 * time.Minute

func main() {
	cmd := &cobra.Command{
		Use:          "cpugovd",
		Short:        "CPU frequency scaling governor daemon",
		RunE:         run,
		SilenceUsage: true,
	}
	cmd.Flags().String("config", config.DefaultPath, "Path to the daemon config file")
	cmd.Flags().String("state", "", "Override the persisted governor record path")
	cmd.Flags().String("sysfs-root", "", "Override the sysfs CPU base directory")
	cmd.Flags().String("log-level", "", "Override the configured log level")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if v, _ := cmd.Flags().GetString("state"); v != "" {
		cfg.StatePath = v
	}
	if v, _ := cmd.Flags().GetString("sysfs-root"); v != "" {
		cfg.SysfsRoot = v
	}
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		cfg.LogLevel = v
	}

	if err := logging.Init(cfg.LogLevel); err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	log := zap.S().Named("daemon")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The meter provider must be installed before the controller creates
	// its counters against the global meter.
	prov := metrics.NewProvider()

	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return fmt.Errorf("connect system bus: %w", err)
	}
	defer conn.Close()

	accessor := sysfs.New(cfg.SysfsRoot, sysfs.WithCPUInfoPath(cfg.CPUInfoPath))
	st := store.New(cfg.StatePath)
	auth := authority.NewPolkit(conn)
	ctrl := governor.New(accessor, st, auth,
		governor.WithAuthTimeout(cfg.AuthTimeout.Duration()))

	ctrl.Restore()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return service.New(conn, ctrl).Run(ctx)
	})
	g.Go(func() error {
		return prov.Run(ctx, metricsDumpInterval)
	})

	err = g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if sdErr := prov.Shutdown(shutdownCtx); sdErr != nil {
		log.Warnw("metrics shutdown failed", "error", sdErr)
	}

	if errors.Is(err, context.Canceled) {
		log.Info("shut down")
		return nil
	}
	return err
}
