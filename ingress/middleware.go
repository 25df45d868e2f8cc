// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ingress

import (
	"context"
	"log/slog"
	"time"

	"github.com/absmach/fluxdispatch/driver"
	"github.com/absmach/fluxdispatch/driver/frame"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	_ frame.Handler = (*loggingMiddleware)(nil)
	_ frame.Handler = (*metricsMiddleware)(nil)
)

type loggingMiddleware struct {
	logger *slog.Logger
	next   frame.Handler
}

// NewLogging wraps h, logging every answered frame. Failed frames are
// logged at warn level.
func NewLogging(h frame.Handler, logger *slog.Logger) frame.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &loggingMiddleware{logger: logger, next: h}
}

func (lm *loggingMiddleware) Handle(ctx context.Context, dest string, req *driver.Request) (resp *driver.Response) {
	defer func(begin time.Time) {
		level := slog.LevelDebug
		attrs := []slog.Attr{
			slog.String("destination", dest),
			slog.String("op", req.Op),
			slog.String("id", req.ID),
			slog.String("duration", time.Since(begin).String()),
		}
		if resp != nil && resp.Code != "" {
			level = slog.LevelWarn
			attrs = append(attrs, slog.String("code", resp.Code), slog.String("error", resp.Error))
		}
		lm.logger.LogAttrs(ctx, level, "ingress_frame", attrs...)
	}(time.Now())

	return lm.next.Handle(ctx, dest, req)
}

type metricsMiddleware struct {
	frames   metric.Int64Counter
	duration metric.Float64Histogram
	next     frame.Handler
}

// NewMetrics wraps h, counting frames by op and answer code and recording
// how long each took.
func NewMetrics(h frame.Handler, meter metric.Meter) (frame.Handler, error) {
	frames, err := meter.Int64Counter("fluxdispatch.ingress.frames",
		metric.WithDescription("Request frames answered by ingress"))
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram("fluxdispatch.ingress.duration",
		metric.WithDescription("Time to answer one request frame"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	return &metricsMiddleware{frames: frames, duration: duration, next: h}, nil
}

func (mm *metricsMiddleware) Handle(ctx context.Context, dest string, req *driver.Request) *driver.Response {
	begin := time.Now()
	resp := mm.next.Handle(ctx, dest, req)

	code := "ok"
	if resp != nil && resp.Code != "" {
		code = resp.Code
	}
	opAttr := attribute.String("op", req.Op)
	mm.frames.Add(ctx, 1, metric.WithAttributes(opAttr, attribute.String("code", code)))
	mm.duration.Record(ctx, float64(time.Since(begin).Microseconds())/1000, metric.WithAttributes(opAttr))
	return resp
}
