package main

import (
	"context"
	"fmt"
	"os"

	"github.com/HerbHall/fruwatch/internal/broker"
	"github.com/HerbHall/fruwatch/internal/broker/jetstream"
	"github.com/HerbHall/fruwatch/internal/broker/mqtt"
	"github.com/HerbHall/fruwatch/internal/config"
	"github.com/HerbHall/fruwatch/internal/sensors"
	"github.com/HerbHall/fruwatch/internal/server"
	"github.com/HerbHall/fruwatch/internal/store"
	"github.com/HerbHall/fruwatch/internal/version"
	"go.uber.org/zap"
)

// newTransports gives egress and ingress their own broker sessions.
func newTransports(cfg broker.Config, logger *zap.Logger) (egress, ingress broker.Transport, err error) {
	switch cfg.Transport {
	case "mqtt", "":
		l := logger.Named("mqtt")
		return mqtt.New(mqtt.FromBroker(cfg, broker.EgressName), l),
			mqtt.New(mqtt.FromBroker(cfg, broker.IngressName), l), nil
	case "jetstream":
		l := logger.Named("jetstream")
		return jetstream.New(jetstream.FromBroker(cfg, broker.EgressName), l),
			jetstream.New(jetstream.FromBroker(cfg, broker.IngressName), l), nil
	default:
		return nil, nil, fmt.Errorf("unknown broker.transport %q: want mqtt or jetstream", cfg.Transport)
	}
}

// caches owns the fault cache backend shared by the sensors.
type caches struct {
	Stores sensors.StoreFactory
	Ready  server.ReadinessChecker
	db     *store.SQLiteStore
}

func (c *caches) Close() {
	if c.db != nil {
		_ = c.db.Close()
	}
}

func openCaches(ctx context.Context, cfg *config.ViperConfig, logger *zap.Logger) (*caches, error) {
	switch backend := cfg.GetString("cache.backend"); backend {
	case "json", "":
		dir := cfg.GetString("cache.dir")
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create cache dir %q: %w", dir, err)
		}
		logger.Info("fault caches use JSON files", zap.String("dir", dir))
		return &caches{Stores: sensors.FileStores(dir)}, nil

	case "sqlite":
		path := cfg.GetString("cache.sqlite_path")
		db, err := store.New(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("open fault cache database: %w", err)
		}
		if err := db.CheckVersion(ctx, version.Short()); err != nil {
			db.Close()
			return nil, err
		}
		logger.Info("fault caches use SQLite", zap.String("path", path))
		return &caches{
			Stores: sensors.SQLiteStores(db),
			Ready:  func(ctx context.Context) error { return db.DB().PingContext(ctx) },
			db:     db,
		}, nil

	default:
		return nil, fmt.Errorf("unknown cache.backend %q: want json or sqlite", backend)
	}
}
