package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/calvinalkan/tasksync/internal/connectivity"
	"github.com/calvinalkan/tasksync/internal/queue"
	"github.com/calvinalkan/tasksync/internal/remote"
	"github.com/calvinalkan/tasksync/internal/subscribe"
	"github.com/calvinalkan/tasksync/internal/syncer"
)

// Subdirectories of the data dir, one per backend, so switching backends
// never reads another backend's files.
const (
	fileLogDir   = "queue"
	badgerLogDir = "queue.badger"
	sqliteLogDB  = "queue.db"
)

// LogPath returns where the configured backend keeps the mutation log.
func (c Config) LogPath() string {
	switch c.QueueBackend {
	case BackendBadger:
		return filepath.Join(c.DataDirAbs, badgerLogDir)
	case BackendSQLite:
		return filepath.Join(c.DataDirAbs, sqliteLogDB)
	default:
		return filepath.Join(c.DataDirAbs, fileLogDir)
	}
}

// OpenLog opens the durable mutation log of the configured backend.
func OpenLog(ctx context.Context, cfg Config, logger *slog.Logger) (queue.Log, error) {
	path := cfg.LogPath()

	var (
		log queue.Log
		err error
	)

	switch cfg.QueueBackend {
	case BackendFile:
		log, err = openFileLog(path, logger)
	case BackendBadger:
		bc := queue.DefaultBadgerConfig(path)
		bc.Logger = logger

		log, err = openBadgerLog(bc)
	case BackendSQLite:
		log, err = openSQLiteLog(ctx, path)
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.QueueBackend)
	}

	if err != nil {
		return nil, err
	}

	return log, nil
}

func openFileLog(path string, logger *slog.Logger) (queue.Log, error) {
	l, err := queue.OpenFileLog(path, queue.FileLogOptions{Logger: logger})
	if err != nil {
		return nil, err
	}

	return l, nil
}

func openBadgerLog(bc queue.BadgerConfig) (queue.Log, error) {
	l, err := queue.OpenBadgerLog(bc)
	if err != nil {
		return nil, err
	}

	return l, nil
}

func openSQLiteLog(ctx context.Context, path string) (queue.Log, error) {
	l, err := queue.OpenSQLiteLog(ctx, path)
	if err != nil {
		return nil, err
	}

	return l, nil
}

// Prober returns an HTTP reachability prober for probe_url, or nil when no
// URL is configured.
func (c Config) Prober() connectivity.Prober {
	if c.ProbeURL == "" {
		return nil
	}

	return connectivity.HTTPProber{URL: c.ProbeURL}
}

// ClientOptions maps the configuration onto [syncer.Options]. The caller
// supplies the remote store, the log and the clock.
func (c Config) ClientOptions(rs remote.Store, log queue.Log) syncer.Options {
	return syncer.Options{
		Scope:            c.Scope,
		Collection:       c.Collection,
		Remote:           rs,
		Log:              log,
		Prober:           c.Prober(),
		ProbeInterval:    c.ProbeInterval.Std(),
		MaxAttempts:      c.MaxAttempts,
		FailureRetention: c.FailureRetention,
		Subscription: subscribe.RetryPolicy{
			MaxRetries: c.SubscriptionMaxRetries,
			BaseDelay:  c.SubscriptionBaseDelay.Std(),
			Retryable:  remote.IsRetryable,
		},
	}
}
