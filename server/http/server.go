// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package http accepts request frames from peer nodes over HTTP.
package http

import (
	"context"
	"crypto/tls"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/absmach/fluxdispatch/driver/frame"
)

// MaxFrameSize bounds one request body.
const MaxFrameSize = 4 << 20

type Config struct {
	Address         string
	ShutdownTimeout time.Duration
	TLSConfig       *tls.Config
}

type Server struct {
	config   Config
	handler  frame.Handler
	logger   *slog.Logger
	server   *http.Server
	listener net.Listener
	ready    chan struct{}
}

func New(cfg Config, h frame.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		config:  cfg,
		handler: h,
		logger:  logger,
		ready:   make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST "+frame.Path+"{destination}", s.handleFrame)

	s.server = &http.Server{
		Addr:         cfg.Address,
		Handler:      mux,
		TLSConfig:    cfg.TLSConfig,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute,
	}

	return s
}

// Ready is closed once the listener is bound.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Addr returns the bound address; valid after Ready.
func (s *Server) Addr() string { return s.listener.Addr().String() }

func (s *Server) Listen(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return err
	}
	s.listener = ln
	close(s.ready)

	s.logger.Info("http_ingress_starting", slog.String("addr", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.config.TLSConfig != nil {
			err = s.server.ServeTLS(ln, "", "")
		} else {
			err = s.server.Serve(ln)
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.logger.Info("http_ingress_shutdown_initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("http_ingress_shutdown_error", slog.String("error", err.Error()))
			return err
		}
		s.logger.Info("http_ingress_stopped")
		return nil
	}
}

func (s *Server) handleFrame(w http.ResponseWriter, r *http.Request) {
	dest := r.PathValue("destination")

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxFrameSize))
	if err != nil {
		http.Error(w, "failed to read frame", http.StatusRequestEntityTooLarge)
		return
	}
	req, err := frame.DecodeRequest(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	resp := s.handler.Handle(r.Context(), dest, req)
	data, err := frame.Encode(resp)
	if err != nil {
		s.logger.Error("http_ingress_encode_error", slog.String("error", err.Error()))
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
