// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/absmach/fluxdispatch/config"
	"github.com/absmach/fluxdispatch/dispatch"
	"github.com/absmach/fluxdispatch/session"
	"github.com/absmach/fluxdispatch/storage"
	"github.com/absmach/fluxdispatch/storage/badger"
	"github.com/absmach/fluxdispatch/storage/memory"
	"github.com/absmach/fluxdispatch/storage/sqlite"
)

type destinationCreator interface {
	Create(ctx context.Context, cfg dispatch.DestinationConfig) error
}

type sessionOpener interface {
	Open(id, name string) (*session.Session, bool)
}

func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func openStore(ctx context.Context, cfg config.StorageConfig) (storage.DeadLetterStore, error) {
	switch cfg.Type {
	case "", "memory":
		return memory.New(), nil
	case "badger":
		s, err := badger.New(badger.Config{Dir: cfg.BadgerDir})
		if err != nil {
			return nil, fmt.Errorf("failed to open badger store: %w", err)
		}
		return s, nil
	case "sqlite":
		s, err := sqlite.New(ctx, sqlite.Config{Path: cfg.SQLitePath})
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}

// createDestinations registers every configured destination. Session
// destinations get an open session so they can be killed later.
func createDestinations(ctx context.Context, engine destinationCreator, sessions sessionOpener, cfg *config.Config, logger *slog.Logger) error {
	for _, dc := range cfg.Destinations {
		dest, err := dispatch.DestinationFromConfig(dc, cfg.Dispatch.Defaults)
		if err != nil {
			return err
		}
		if err := engine.Create(ctx, dest); err != nil {
			return fmt.Errorf("failed to create destination %s: %w", dest.Destination.ID(), err)
		}
		if s, ok := dest.Destination.(dispatch.Session); ok && sessions != nil {
			sessions.Open(s.SessionID, s.Name)
		}
		logger.Info("destination_created",
			slog.String("destination", dest.Destination.ID()),
			slog.Int("addresses", len(dest.Addresses)),
			slog.Bool("paused", dest.Paused))
	}
	return nil
}
