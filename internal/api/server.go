package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Server serves the management API on a loopback address.
type Server struct {
	hub    *Hub
	srv    *http.Server
	ln     net.Listener
	logger *zap.Logger
	done   chan struct{}
}

// NewServer creates an API server for ctrl on 127.0.0.1:port. Port 0 picks a
// free port.
func NewServer(port int, ctrl Controller, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("api")

	hub := NewHub(logger)
	mux := http.NewServeMux()
	NewHandler(hub, ctrl, logger).RegisterRoutes(mux)

	return &Server{
		hub:    hub,
		logger: logger,
		srv: &http.Server{
			Addr:              fmt.Sprintf("127.0.0.1:%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
		done: make(chan struct{}),
	}
}

// Hub returns the hub steps are broadcast on.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start binds the address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("api listen on %s: %w", s.srv.Addr, err)
	}
	s.ln = ln
	s.logger.Info("api server listening", zap.Stringer("addr", ln.Addr()))

	go s.hub.Run()
	go func() {
		defer close(s.done)
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server failed", zap.Error(err))
		}
	}()
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Close stops the server and disconnects WebSocket clients.
func (s *Server) Close() error {
	if s.ln == nil {
		return nil
	}
	s.hub.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.srv.Shutdown(ctx)
	if err != nil {
		// Hijacked or slow connections.
		err = s.srv.Close()
	}
	<-s.done
	return err
}
