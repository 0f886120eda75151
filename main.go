// Package main implements a Cloud Run service that finds due reminders and
// delivers them as Web Push notifications to every device of every
// interested user.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"reminder-notifier/dispatch"
	"reminder-notifier/pkg/notifier"
	"reminder-notifier/poll"
	"reminder-notifier/push"
	"reminder-notifier/reconcile"
	"reminder-notifier/server"
	"reminder-notifier/sqlstore"
	"reminder-notifier/storage"
	"time"

	gcs "cloud.google.com/go/storage"
)

// backend is the persistence layer every component reads from and writes to.
type backend interface {
	poll.Store
	dispatch.Store
	reconcile.Store
	server.Store
}

func main() {
	ctx := context.Background()

	cfg, err := loadConfig()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	// Initialize structured logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.level,
	}))
	slog.SetDefault(logger)

	store, closeStore, err := openBackend(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize storage", "backend", cfg.backend, "error", err)
		os.Exit(1)
	}
	defer closeStore()

	var sender dispatch.Sender
	if cfg.MockPush {
		logger.Info("Mock push mode enabled, notifications are only logged")
		sender = push.NewMockSender(logger)
	} else {
		sender = push.New(push.Config{
			VAPIDPublicKey:  cfg.VAPIDPublicKey,
			VAPIDPrivateKey: cfg.VAPIDPrivateKey,
			Subject:         cfg.VAPIDSubject,
			TTL:             cfg.PushTTL,
			Timeout:         cfg.PushTimeout,
		}, &http.Client{Timeout: cfg.PushTimeout + 5*time.Second}, logger)
	}

	dispatcher := dispatch.New(store, sender, dispatch.Config{
		Payload: notifier.PayloadOptions{
			Icon: cfg.IconURL,
			URL:  cfg.AppURL,
		},
		Concurrency: cfg.DispatchConcurrency,
	}, logger)

	monitor := poll.New(
		store,
		poll.NewScanner(cfg.location, logger),
		dispatcher,
		reconcile.New(store, logger),
		poll.Config{UserConcurrency: cfg.UserConcurrency},
		logger,
	)

	srv := server.New(&server.Config{
		Store:          store,
		Poller:         monitor,
		Dispatcher:     dispatcher,
		Logger:         logger,
		AccessLog:      os.Stdout,
		IsNotFound:     storage.IsNotFound,
		VAPIDPublicKey: cfg.VAPIDPublicKey,
		PollToken:      cfg.PollToken,
	})

	logger.Info("Reminder notifier configured",
		"backend", cfg.backend,
		"timezone", cfg.location.String(),
		"base_url", cfg.BaseURL,
		"mock_push", cfg.MockPush)

	if err := srv.ListenAndServe(cfg.Port); err != nil {
		logger.Error("Server failed", "error", err)
		os.Exit(1)
	}
}

// openBackend connects the storage backend selected by cfg. The returned
// function releases its resources.
func openBackend(ctx context.Context, cfg *Config, logger *slog.Logger) (backend, func(), error) {
	switch cfg.backend {
	case backendSQL:
		db, err := sqlstore.Open(cfg.DBType, cfg.DBDSN)
		if err != nil {
			return nil, nil, err
		}
		store, err := sqlstore.New(db, logger)
		if err != nil {
			return nil, nil, err
		}
		closeDB := func() {
			if sqlDB, err := db.DB(); err == nil {
				closeQuietly(sqlDB, "database", logger)
			}
		}
		logger.Info("Using SQL storage", "db_type", cfg.DBType)
		return store, closeDB, nil

	case backendGCS:
		client, err := gcs.NewClient(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("create storage client: %w", err)
		}
		logger.Info("Using Cloud Storage", "bucket", cfg.StorageBucket)
		return storage.New(client, cfg.StorageBucket, "", logger), func() { closeQuietly(client, "storage client", logger) }, nil

	default:
		// Local development mode
		if err := os.MkdirAll(cfg.LocalStorage, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create local storage directory: %w", err)
		}
		logger.Info("Running in local development mode", "storage_path", cfg.LocalStorage)
		return storage.New(nil, "", cfg.LocalStorage, logger), func() {}, nil
	}
}

func closeQuietly(c io.Closer, what string, logger *slog.Logger) {
	if err := c.Close(); err != nil {
		logger.Warn("Failed to close "+what, "error", err)
	}
}
