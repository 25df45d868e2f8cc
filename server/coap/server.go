// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package coap accepts request frames from peer nodes over CoAP, plain UDP
// or DTLS.
package coap

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/absmach/fluxdispatch/driver/frame"
	piondtls "github.com/pion/dtls/v3"
	"github.com/plgd-dev/go-coap/v3/dtls"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/plgd-dev/go-coap/v3/mux"
	"github.com/plgd-dev/go-coap/v3/net"
	"github.com/plgd-dev/go-coap/v3/options"
	"github.com/plgd-dev/go-coap/v3/udp"
)

// Config holds the CoAP server configuration.
type Config struct {
	Address         string
	ShutdownTimeout time.Duration

	// DTLS configuration (if nil, runs plain UDP)
	TLSConfig *piondtls.Config
}

// Server answers request frames posted to /frames/{destination}.
type Server struct {
	config  Config
	handler frame.Handler
	logger  *slog.Logger
	mux     *mux.Router
	ready   chan struct{}
	addr    string
}

// New creates a new CoAP server.
func New(cfg Config, h frame.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		config:  cfg,
		handler: h,
		logger:  logger,
		mux:     mux.NewRouter(),
		ready:   make(chan struct{}),
	}

	s.mux.DefaultHandle(mux.HandlerFunc(s.handleFrame))

	return s
}

// Ready is closed once the listener is bound.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Addr returns the bound address; valid after Ready.
func (s *Server) Addr() string { return s.addr }

// Listen starts the CoAP server and blocks until the context is cancelled.
func (s *Server) Listen(ctx context.Context) error {
	if s.config.TLSConfig != nil {
		return s.listenDTLS(ctx)
	}
	return s.listenUDP(ctx)
}

// listenUDP starts a plain UDP CoAP server.
func (s *Server) listenUDP(ctx context.Context) error {
	conn, err := net.NewListenUDP("udp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to create UDP listener: %w", err)
	}
	s.addr = conn.LocalAddr().String()
	close(s.ready)

	server := udp.NewServer(options.WithMux(s.mux))

	errCh := make(chan error, 1)
	go func() {
		if err := server.Serve(conn); err != nil {
			errCh <- err
		}
	}()

	s.logger.Info("coap_ingress_started", slog.String("addr", s.addr))

	select {
	case err := <-errCh:
		return fmt.Errorf("CoAP UDP server error: %w", err)
	case <-ctx.Done():
		server.Stop()
		s.logger.Info("coap_ingress_stopped")
		return nil
	}
}

// listenDTLS starts a DTLS-secured CoAP server.
func (s *Server) listenDTLS(ctx context.Context) error {
	listener, err := net.NewDTLSListener("udp", s.config.Address, s.config.TLSConfig)
	if err != nil {
		return fmt.Errorf("failed to create DTLS listener: %w", err)
	}
	s.addr = listener.Addr().String()
	close(s.ready)

	server := dtls.NewServer(options.WithMux(s.mux))

	errCh := make(chan error, 1)
	go func() {
		if err := server.Serve(listener); err != nil {
			errCh <- err
		}
	}()

	s.logger.Info("coap_dtls_ingress_started",
		slog.String("addr", s.addr),
		slog.Bool("mtls", s.config.TLSConfig.ClientAuth == piondtls.RequireAndVerifyClientCert))

	select {
	case err := <-errCh:
		return fmt.Errorf("CoAP DTLS server error: %w", err)
	case <-ctx.Done():
		server.Stop()
		listener.Close()
		s.logger.Info("coap_dtls_ingress_stopped")
		return nil
	}
}

func (s *Server) handleFrame(w mux.ResponseWriter, r *mux.Message) {
	path, err := r.Options().Path()
	if err != nil {
		s.sendResponse(w, codes.BadRequest, []byte("invalid path"))
		return
	}

	dest, ok := strings.CutPrefix("/"+strings.TrimPrefix(path, "/"), frame.Path)
	if !ok || dest == "" {
		s.sendResponse(w, codes.NotFound, []byte("destination is required in path"))
		return
	}
	if r.Code() != codes.POST {
		s.sendResponse(w, codes.MethodNotAllowed, nil)
		return
	}

	body, err := r.ReadBody()
	if err != nil {
		s.sendResponse(w, codes.BadRequest, fmt.Appendf(nil, "failed to read body: %v", err))
		return
	}
	req, err := frame.DecodeRequest(body)
	if err != nil {
		s.sendResponse(w, codes.BadRequest, []byte(err.Error()))
		return
	}

	resp := s.handler.Handle(r.Context(), dest, req)
	data, err := frame.Encode(resp)
	if err != nil {
		s.logger.Error("coap_encode_error", slog.String("error", err.Error()))
		s.sendResponse(w, codes.InternalServerError, nil)
		return
	}
	s.sendResponse(w, codes.Content, data)
}

func (s *Server) sendResponse(w mux.ResponseWriter, code codes.Code, body []byte) {
	format := message.TextPlain
	if code == codes.Content {
		format = message.AppJSON
	}
	var err error
	if body == nil {
		err = w.SetResponse(code, format, nil)
	} else {
		err = w.SetResponse(code, format, bytes.NewReader(body))
	}
	if err != nil {
		s.logger.Error("coap_send_response_error", slog.String("error", err.Error()))
	}
}
