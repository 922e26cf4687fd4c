// Command fruwatch is the enclosure hardware-health agent. It polls the
// enclosure management API for FRU health, raises alerts for every
// transition and bridges them to the message broker.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/HerbHall/fruwatch/internal/actuators/threadctl"
	"github.com/HerbHall/fruwatch/internal/broker"
	"github.com/HerbHall/fruwatch/internal/bus"
	"github.com/HerbHall/fruwatch/internal/config"
	"github.com/HerbHall/fruwatch/internal/enclosure"
	"github.com/HerbHall/fruwatch/internal/registry"
	"github.com/HerbHall/fruwatch/internal/runtime"
	"github.com/HerbHall/fruwatch/internal/schema"
	"github.com/HerbHall/fruwatch/internal/sensors"
	"github.com/HerbHall/fruwatch/internal/server"
	"github.com/HerbHall/fruwatch/internal/version"
	"github.com/HerbHall/fruwatch/pkg/plugin"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

const shutdownTimeout = 15 * time.Second

func main() {
	flags := pflag.NewFlagSet("fruwatch", pflag.ExitOnError)
	configPath := flags.StringP("config", "c", "", "path to configuration file")
	flags.String("log-level", "info", "log level: debug, info, warn, error")
	showVersion := flags.Bool("version", false, "print version information and exit")
	_ = flags.Parse(os.Args[1:])

	if *showVersion {
		fmt.Println(version.Info())
		return
	}

	v, err := config.Load(*configPath, flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := config.NewLogger(v)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("fruwatch starting", zap.String("version", version.Short()))
	if f := v.ConfigFileUsed(); f != "" {
		logger.Info("configuration loaded", zap.String("source", f))
	} else {
		logger.Warn("no configuration file found, using defaults")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, config.New(v), logger); err != nil {
		logger.Error("fruwatch exited with error", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
	logger.Info("fruwatch stopped")
}

func run(ctx context.Context, cfg *config.ViperConfig, logger *zap.Logger) error {
	validator, err := schema.New()
	if err != nil {
		return fmt.Errorf("compile schemas: %w", err)
	}

	caches, err := openCaches(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer caches.Close()

	ec := enclosure.DefaultConfig()
	if err := cfg.UnmarshalKey("enclosure", &ec); err != nil {
		return fmt.Errorf("enclosure config: %w", err)
	}
	if ec.URL == "" {
		logger.Warn("enclosure.url is not set; every sensor poll will fail")
	}
	client := enclosure.NewClient(ec, logger.Named("enclosure"))

	bc := broker.DefaultConfig()
	if err := cfg.UnmarshalKey("broker", &bc); err != nil {
		return fmt.Errorf("broker config: %w", err)
	}
	egressTransport, ingressTransport, err := newTransports(bc, logger)
	if err != nil {
		return err
	}

	msgBus := bus.New(cfg.GetInt("bus.queue_capacity"), logger.Named("bus"))
	sched := runtime.NewScheduler(logger.Named("scheduler"))
	reg := registry.New(msgBus, logger.Named("registry"))

	modules := []plugin.Plugin{
		broker.NewEgress(bc, egressTransport),
		broker.NewIngress(bc, ingressTransport),
		threadctl.New(),
	}
	for _, kind := range sensors.Kinds() {
		modules = append(modules, sensors.New(kind, client, caches.Stores))
	}
	for _, m := range modules {
		name := m.Info().Name
		if !cfg.Enabled(name) {
			logger.Info("module disabled by configuration", zap.String("name", name))
			continue
		}
		if err := reg.Register(m); err != nil {
			return fmt.Errorf("register module: %w", err)
		}
	}
	if err := reg.Validate(); err != nil {
		return fmt.Errorf("module validation: %w", err)
	}

	if err := reg.InitAll(ctx, func(name string) plugin.Dependencies {
		return plugin.Dependencies{
			Config:    cfg.Module(name),
			Logger:    logger.Named(name),
			Bus:       msgBus,
			Scheduler: sched,
			Validator: validator,
			Plugins:   reg,
		}
	}); err != nil {
		return fmt.Errorf("initialize modules: %w", err)
	}

	sched.Start(ctx)
	if err := reg.StartAll(ctx); err != nil {
		sched.Stop()
		return fmt.Errorf("start modules: %w", err)
	}

	sc := server.DefaultConfig()
	if err := cfg.UnmarshalKey("server", &sc); err != nil {
		return fmt.Errorf("server config: %w", err)
	}
	srv := server.New(sc, reg, logger.Named("server"), caches.Ready)
	srvErr := make(chan error, 1)
	go func() { srvErr <- srv.Start() }()

	logger.Info("fruwatch ready",
		zap.Int("modules", len(reg.All())),
		zap.String("transport", bc.Transport),
		zap.String("ops_addr", sc.Addr),
	)

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case err := <-srvErr:
		runErr = err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	reg.StopAll(shutdownCtx)
	sched.Stop()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server shutdown error", zap.Error(err))
	}
	return runErr
}
