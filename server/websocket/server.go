// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package websocket accepts request frames from peer nodes over
// WebSocket. One connection carries many concurrent requests; responses
// are matched by request ID.
package websocket

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/absmach/fluxdispatch/driver/frame"
	"github.com/gorilla/websocket"
)

type Config struct {
	Address         string
	ShutdownTimeout time.Duration
}

type Server struct {
	config   Config
	handler  frame.Handler
	logger   *slog.Logger
	server   *http.Server
	upgrader websocket.Upgrader
	listener net.Listener
	ready    chan struct{}

	mu    sync.Mutex
	conns map[*wsConnection]struct{}
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
		conns:   make(map[*wsConnection]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+frame.Path+"{destination}", s.handleWebSocket)

	s.server = &http.Server{
		Addr:    cfg.Address,
		Handler: mux,
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

	s.logger.Info("websocket_ingress_starting", slog.String("addr", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.logger.Info("websocket_ingress_shutdown_initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()

		// Hijacked connections are not tracked by Shutdown.
		s.closeAll()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("websocket_ingress_shutdown_error", slog.String("error", err.Error()))
			return err
		}

		s.logger.Info("websocket_ingress_stopped")
		return nil
	}
}

func (s *Server) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		c.close()
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	dest := r.PathValue("destination")

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket_upgrade_failed", slog.String("error", err.Error()))
		return
	}

	s.logger.Debug("websocket_connection_accepted",
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("destination", dest))

	c := &wsConnection{ws: ws}
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()

	s.serve(c, dest)

	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// serve reads frames until the peer goes away. Each request is answered
// on its own goroutine so a slow entry does not hold up the link.
func (s *Server) serve(c *wsConnection, dest string) {
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
		c.close()
	}()

	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("websocket_read_error", slog.String("error", err.Error()))
			}
			return
		}
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}

		req, err := frame.DecodeRequest(data)
		if err != nil {
			s.logger.Warn("websocket_bad_frame", slog.String("error", err.Error()))
			return
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			resp := s.handler.Handle(ctx, dest, req)
			out, err := frame.Encode(resp)
			if err != nil {
				s.logger.Error("websocket_encode_error", slog.String("error", err.Error()))
				return
			}
			if err := c.write(out); err != nil {
				s.logger.Debug("websocket_write_error", slog.String("error", err.Error()))
			}
		}()
	}
}

// wsConnection serializes writes; gorilla allows one concurrent writer.
type wsConnection struct {
	ws     *websocket.Conn
	mu     sync.Mutex
	closed bool
}

func (c *wsConnection) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return websocket.ErrCloseSent
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConnection) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
		time.Now().Add(time.Second))
	_ = c.ws.Close()
}
