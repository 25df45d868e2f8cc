// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ingress answers request frames from peer nodes by turning them
// into entries of the local dispatch engine.
package ingress

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/absmach/fluxdispatch/dispatch"
	"github.com/absmach/fluxdispatch/driver"
	"github.com/absmach/fluxdispatch/driver/frame"
)

// Response codes beyond the ones driver.Response already defines.
const (
	CodeUnknownDestination = "destination.unknown"
	CodeUnsupported        = "protocol.unsupportedOperation"
	CodeTimeout            = "dispatch.timeout"
	CodeBadRequest         = "protocol.badRequest"
)

const defaultWaitTimeout = 30 * time.Second

var _ frame.Handler = (*Handler)(nil)

// Enqueuer accepts entries for a destination. *dispatch.Engine satisfies it.
type Enqueuer interface {
	EnqueueBatch(ctx context.Context, id string, entries ...*dispatch.Entry) error
}

// Config configures a Handler.
type Config struct {
	// WaitTimeout bounds how long one request waits for its results.
	WaitTimeout time.Duration
	Logger      *slog.Logger
}

// Handler implements frame.Handler over an Enqueuer.
type Handler struct {
	queue   Enqueuer
	timeout time.Duration
	logger  *slog.Logger
}

// New creates an ingress handler feeding q.
func New(q Enqueuer, cfg Config) *Handler {
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = defaultWaitTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Handler{queue: q, timeout: cfg.WaitTimeout, logger: cfg.Logger}
}

var keyedOps = map[string]dispatch.MethodKind{
	driver.OpConnect:     dispatch.MethodConnect,
	driver.OpDisconnect:  dispatch.MethodDisconnect,
	driver.OpSubscribe:   dispatch.MethodSubscribe,
	driver.OpUnsubscribe: dispatch.MethodUnsubscribe,
	driver.OpGet:         dispatch.MethodGet,
	driver.OpErase:       dispatch.MethodErase,
}

// Handle implements frame.Handler.
func (h *Handler) Handle(ctx context.Context, dest string, req *driver.Request) *driver.Response {
	resp := &driver.Response{ID: req.ID}

	switch req.Op {
	case driver.OpPing:
		resp.Result = req.Data
		return resp

	case driver.OpPublishOneway:
		entries := make([]*dispatch.Entry, len(req.Messages))
		for i, m := range req.Messages {
			entries[i] = publishEntry(dispatch.MethodPublishOneway, m)
		}
		if err := h.queue.EnqueueBatch(ctx, dest, entries...); err != nil {
			return h.fail(resp, dest, err)
		}
		return resp

	case driver.OpPublishArr:
		entries := make([]*dispatch.Entry, len(req.Messages))
		for i, m := range req.Messages {
			entries[i] = publishEntry(dispatch.MethodPublish, m)
		}
		results, err := h.run(ctx, dest, entries)
		if err != nil {
			return h.fail(resp, dest, err)
		}
		resp.Results = results
		return resp
	}

	method, ok := keyedOps[req.Op]
	if !ok {
		resp.Code = CodeUnsupported
		resp.Error = "unsupported operation " + req.Op
		return resp
	}

	var opts []dispatch.EntryOption
	if req.Key != "" {
		opts = append(opts, dispatch.WithKey(req.Key))
	}
	results, err := h.run(ctx, dest, []*dispatch.Entry{dispatch.NewEntry(method, req.QoS, opts...)})
	if err != nil {
		return h.fail(resp, dest, err)
	}
	resp.Result = results[0]
	return resp
}

func publishEntry(method dispatch.MethodKind, m driver.WireMessage) *dispatch.Entry {
	opts := []dispatch.EntryOption{dispatch.WithKey(m.Key)}
	if len(m.QoS) > 0 {
		opts = append(opts, dispatch.WithQoS(m.QoS))
	}
	return dispatch.NewEntry(method, m.Content, opts...)
}

// run enqueues entries and waits for all of them. The first entry error
// fails the whole request.
func (h *Handler) run(ctx context.Context, dest string, entries []*dispatch.Entry) ([][]byte, error) {
	if err := h.queue.EnqueueBatch(ctx, dest, entries...); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	results := make([][]byte, len(entries))
	for i, e := range entries {
		res, err := e.Wait(ctx)
		if err != nil {
			return nil, err
		}
		if res.Err != nil {
			return nil, res.Err
		}
		results[i] = res.Response
	}
	return results, nil
}

func (h *Handler) fail(resp *driver.Response, dest string, err error) *driver.Response {
	resp.Code = codeOf(err)
	resp.Error = err.Error()
	h.logger.Debug("ingress request failed",
		slog.String("destination", dest),
		slog.String("code", resp.Code),
		slog.String("error", resp.Error))
	return resp
}

// codeOf maps a local failure to the code the peer's driver classifies.
// Failures that another attempt could fix report the link as unavailable.
func codeOf(err error) string {
	switch {
	case errors.Is(err, dispatch.ErrUnknownDestination):
		return CodeUnknownDestination
	case errors.Is(err, dispatch.ErrEngineClosed),
		errors.Is(err, dispatch.ErrShutdown),
		errors.Is(err, dispatch.ErrTransportFailure):
		return driver.CodeUnavailable
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return CodeTimeout
	default:
		return dispatch.KindOf(err).String()
	}
}
