package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	DefaultPath     = "/metrics"
	shutdownTimeout = 5 * time.Second
)

// ServerOption customizes a Server.
type ServerOption func(*Server)

// WithGatherer serves g instead of the default registry.
func WithGatherer(g prometheus.Gatherer) ServerOption {
	return func(s *Server) { s.gatherer = g }
}

// Server exposes the replay collectors over HTTP while a replay runs.
type Server struct {
	listen   string
	path     string
	gatherer prometheus.Gatherer

	http *http.Server
	ln   net.Listener
	done chan struct{}
}

// NewServer returns a server for listen. An empty path means DefaultPath.
func NewServer(listen, path string, opts ...ServerOption) *Server {
	if path == "" {
		path = DefaultPath
	}
	s := &Server{listen: listen, path: path, gatherer: prometheus.DefaultGatherer}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start binds the listen address and serves in the background. A bind
// failure is returned so the caller can abort before the replay starts.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.listen)
	if err != nil {
		return fmt.Errorf("metrics listen %s: %w", s.listen, err)
	}

	mux := http.NewServeMux()
	mux.Handle(s.path, promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{EnableOpenMetrics: true}))
	s.ln = ln
	s.done = make(chan struct{})
	s.http = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	slog.Info("metrics endpoint up", "addr", ln.Addr().String(), "path", s.path)
	go func() {
		defer close(s.done)
		if err := s.http.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics endpoint failed", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.listen
	}
	return s.ln.Addr().String()
}

// Stop shuts the endpoint down and waits for the serve loop to exit.
func (s *Server) Stop(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(ctx); err != nil {
		return fmt.Errorf("metrics shutdown: %w", err)
	}
	<-s.done
	return nil
}
