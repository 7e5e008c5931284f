// Package branchdb opens revision controlled document repositories from configuration.
package branchdb

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/nasdf/branchdb/config"
	"github.com/nasdf/branchdb/core"
	"github.com/nasdf/branchdb/lock"
	"github.com/nasdf/branchdb/logging"
	"github.com/nasdf/branchdb/metrics"
	"github.com/nasdf/branchdb/schema"
	"github.com/nasdf/branchdb/storage"

	"github.com/prometheus/client_golang/prometheus"
)

// DB is a repository together with the storage and metrics it was opened with.
type DB struct {
	*core.Repository

	storage  storage.Storage
	registry *prometheus.Registry
}

// Open returns the repository described by the given configuration.
//
// When the configuration names no schema file the schema saved in the storage is used.
func Open(ctx context.Context, cfg *config.Config) (*DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s, err := loadSchema(cfg.Schema)
	if err != nil {
		return nil, err
	}
	store, collectors, err := openStorage(cfg.Storage)
	if err != nil {
		return nil, err
	}
	registry := prometheus.NewRegistry()
	if err := metrics.Register(registry, collectors...); err != nil {
		return nil, errors.Join(err, store.Close())
	}
	var clock core.Clock = core.NewWallClock()
	if cfg.Clock == config.ClockLamport {
		clock = core.NewLamportClock()
	}
	repo, err := core.Open(ctx, store, s, core.Options{
		Clock:     clock,
		Locker:    lock.NewTable(cfg.LockTimeout),
		Logger:    logging.NewDefaultLogger(logging.ParseLevel(cfg.LogLevel)),
		CacheSize: cfg.CacheSize,
	})
	if err != nil {
		return nil, errors.Join(err, store.Close())
	}
	return &DB{
		Repository: repo,
		storage:    store,
		registry:   registry,
	}, nil
}

// Registry returns the prometheus registry holding the repository metrics.
func (db *DB) Registry() *prometheus.Registry {
	return db.registry
}

// Close releases the storage of the repository.
func (db *DB) Close() error {
	return db.storage.Close()
}

func loadSchema(path string) (*schema.Schema, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	s, err := schema.Load(string(data))
	if err != nil {
		return nil, fmt.Errorf("load schema %s: %w", path, err)
	}
	return s, nil
}

func openStorage(cfg config.Storage) (storage.Storage, []prometheus.Collector, error) {
	switch cfg.Backend {
	case config.BackendPebble:
		p, err := storage.OpenPebble(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return p, []prometheus.Collector{storage.NewPebbleCollector(p)}, nil
	case config.BackendSQLite:
		s, err := storage.OpenSQLite(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return s, nil, nil
	default:
		return storage.NewMemory(), nil, nil
	}
}
