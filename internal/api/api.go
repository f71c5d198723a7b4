// Package api provides the HTTP surface of the orchestration core: the
// synchronous web chat endpoint, the pending-message poll for clients
// without a push transport, routing rule administration, and health.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/skyagarwal/mangwale-core/internal/gateway"
	"github.com/skyagarwal/mangwale-core/internal/router"
	"github.com/skyagarwal/mangwale-core/internal/store"
)

// DefaultAddr is the listen address when none is configured.
const DefaultAddr = ":8080"

const shutdownTimeout = 10 * time.Second

// Opts holds server configuration.
type Opts struct {
	Addr string
}

// Option configures the Server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// Server wires the gateway and rule store to HTTP handlers.
type Server struct {
	gw    *gateway.Gateway
	store store.Store
	cache *router.RuleCache
	addr  string
	http  *http.Server
}

// NewServer creates the API server.
func NewServer(gw *gateway.Gateway, st store.Store, cache *router.RuleCache, options ...Option) *Server {
	opts := Opts{Addr: DefaultAddr}
	for _, opt := range options {
		opt(&opts)
	}
	return &Server{gw: gw, store: st, cache: cache, addr: opts.Addr}
}

// Handler builds the route table. Exposed for handler tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/chat", s.chatHandler)
	mux.HandleFunc("/messages", s.pollHandler)
	mux.HandleFunc("/signals/payment", s.paymentSignalHandler)
	mux.HandleFunc("/admin/rules", s.rulesHandler)
	mux.HandleFunc("/admin/rules/", s.ruleDeleteHandler)
	mux.HandleFunc("/admin/rules/refresh", s.ruleRefreshHandler)
	mux.HandleFunc("/health", s.healthHandler)
	return mux
}

// Run serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.http = &http.Server{Addr: s.addr, Handler: s.Handler()}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server listening", "addr", s.addr)
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		slog.Info("Server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.http.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	}
}
