// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package deadletter files entries that will never be delivered in a
// storage.DeadLetterStore and lets operators replay them.
package deadletter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/absmach/fluxdispatch/broker/events"
	"github.com/absmach/fluxdispatch/dispatch"
	"github.com/absmach/fluxdispatch/storage"
)

const defaultStoreTimeout = 5 * time.Second

var _ dispatch.DeadLetterSink = (*Sink)(nil)

// Enqueuer re-submits replayed entries. *dispatch.Engine satisfies it.
type Enqueuer interface {
	Enqueue(ctx context.Context, id string, entry *dispatch.Entry) (*dispatch.Entry, error)
}

// Config configures a Sink.
type Config struct {
	// Topic dead letters are filed under. Defaults to
	// storage.DefaultDeadLetterTopic.
	Topic string
	// StoreTimeout bounds one store write.
	StoreTimeout time.Duration
	Events       dispatch.EventPublisher
	Logger       *slog.Logger
}

// Sink is a best-effort dispatch.DeadLetterSink. A store failure never
// reaches the dispatcher: the entries are logged and dropped.
type Sink struct {
	store   storage.DeadLetterStore
	topic   string
	timeout time.Duration
	events  dispatch.EventPublisher
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a sink writing to store.
func New(store storage.DeadLetterStore, cfg Config) *Sink {
	if cfg.Topic == "" {
		cfg.Topic = storage.DefaultDeadLetterTopic
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = defaultStoreTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Sink{
		store:   store,
		topic:   cfg.Topic,
		timeout: cfg.StoreTimeout,
		events:  cfg.Events,
		logger:  cfg.Logger,
		now:     time.Now,
	}
}

// DeadLetter implements dispatch.DeadLetterSink.
func (s *Sink) DeadLetter(dest string, reason error, entries []*dispatch.Entry) {
	if len(entries) == 0 {
		return
	}

	now := s.now()
	letters := make([]*storage.DeadLetter, len(entries))
	for i, e := range entries {
		letters[i] = s.letter(dest, reason, e, now)
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	stored := true
	if err := s.store.Store(ctx, letters...); err != nil {
		stored = false
		s.logger.Error("dead-letter store failed, dropping entries",
			slog.String("destination", dest),
			slog.Int("entries", len(entries)),
			slog.String("reason", errString(reason)),
			slog.String("error", err.Error()))
	} else {
		s.logger.Debug("entries dead-lettered",
			slog.String("destination", dest),
			slog.String("topic", s.topic),
			slog.Int("entries", len(entries)))
	}

	if s.events != nil {
		ids := make([]string, len(entries))
		for i, e := range entries {
			ids[i] = e.ID
		}
		s.events.Publish(events.DeadLettered{
			DestinationID: dest,
			Reason:        errString(reason),
			EntryIDs:      ids,
			Stored:        stored,
		})
	}
}

func (s *Sink) letter(dest string, reason error, e *dispatch.Entry, now time.Time) *storage.DeadLetter {
	return &storage.DeadLetter{
		ID:          e.ID,
		Topic:       s.topic,
		Destination: dest,
		Method:      e.Method.String(),
		Key:         e.Key,
		Priority:    e.Priority,
		Payload:     e.Payload,
		QoS:         e.QoS,
		Kind:        dispatch.KindOf(reason).String(),
		Reason:      errString(reason),
		Redeliver:   e.Redeliver(),
		Arrival:     e.Arrival,
		DeadAt:      now,
	}
}

// Replay re-enqueues the stored letter id to its destination and removes
// it from the store once accepted. The replayed entry keeps the original
// method, key, priority and payload but gets a fresh ID and arrival.
func (s *Sink) Replay(ctx context.Context, q Enqueuer, id string) (*dispatch.Entry, error) {
	l, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	method, err := dispatch.ParseMethod(l.Method)
	if err != nil {
		return nil, fmt.Errorf("dead letter %s: %w", id, err)
	}
	opts := []dispatch.EntryOption{dispatch.WithPriority(l.Priority)}
	if l.Key != "" {
		opts = append(opts, dispatch.WithKey(l.Key))
	}
	if len(l.QoS) > 0 {
		opts = append(opts, dispatch.WithQoS(l.QoS))
	}

	entry, err := q.Enqueue(ctx, l.Destination, dispatch.NewEntry(method, l.Payload, opts...))
	if err != nil {
		return nil, fmt.Errorf("failed to replay dead letter %s: %w", id, err)
	}

	// Already queued; a letter left on file is only logged.
	if err := s.store.Delete(ctx, id); err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.logger.Warn("failed to remove replayed dead letter",
			slog.String("id", id),
			slog.String("error", err.Error()))
	}
	return entry, nil
}

// Store returns the underlying store.
func (s *Sink) Store() storage.DeadLetterStore {
	return s.store
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
