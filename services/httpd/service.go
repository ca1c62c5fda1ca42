// Package httpd serves the admin HTTP API: liveness, topology status,
// routing statistics and failover control.
package httpd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Service manages the listener and handler for the HTTP API.
type Service struct {
	addr string
	ln   net.Listener
	srv  *http.Server
	err  chan error

	Handler *Handler
	Logger  *zap.Logger
}

// NewService returns a new instance of Service.
func NewService(c Config) *Service {
	return &Service{
		addr: c.BindAddress,
		srv: &http.Server{
			ReadTimeout:  time.Duration(c.ReadTimeout),
			WriteTimeout: time.Duration(c.WriteTimeout),
			IdleTimeout:  time.Duration(c.IdleTimeout),
		},
		err:     make(chan error),
		Handler: NewHandler(c),
		Logger:  zap.NewNop(),
	}
}

// WithLogger sets the logger on the service and its handler.
func (s *Service) WithLogger(log *zap.Logger) {
	s.Logger = log.With(zap.String("service", "httpd"))
	s.Handler.Logger = s.Logger
}

// Open starts the service.
func (s *Service) Open() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.ln = ln

	s.Logger.Info("Listening on HTTP", zap.String("addr", ln.Addr().String()))

	// Begin listening for requests in a separate goroutine.
	go s.serve()
	return nil
}

// Close drains in-flight requests and closes the listener.
func (s *Service) Close() error {
	if s.ln == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}

// Err returns a channel for fatal errors that occur on the listener.
func (s *Service) Err() <-chan error { return s.err }

// Addr returns the listener's address. Returns nil if listener is closed.
func (s *Service) Addr() net.Addr {
	if s.ln != nil {
		return s.ln.Addr()
	}
	return nil
}

// serve serves the handler from the listener.
func (s *Service) serve() {
	s.srv.Handler = s.Handler
	err := s.srv.Serve(s.ln)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.err <- fmt.Errorf("listener failed: addr=%s, err=%w", s.Addr(), err)
	}
}
