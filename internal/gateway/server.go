// Package gateway exposes the session over WebSocket: one upgraded
// connection runs one anonymous session, with inbound commands parsed from
// the JSON protocol and full state snapshots pushed back on every change.
package gateway

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gobwas/ws"

	"github.com/driftchat/drift/internal/identity"
	"github.com/driftchat/drift/internal/metrics"
	"github.com/driftchat/drift/internal/moderation"
	"github.com/driftchat/drift/internal/rtc"
	"github.com/driftchat/drift/internal/store"
)

// Config holds tunable parameters for the gateway server.
type Config struct {
	ListenAddr   string
	WriteTimeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr:   ":8080",
		WriteTimeout: 10 * time.Second,
	}
}

// Server upgrades HTTP connections to WebSocket and runs one client per
// connection, each with its own anonymous session.
type Server struct {
	config    Config
	store     store.Store
	connector rtc.Connector
	filter    *moderation.Filter

	// reportNotify, when set, is installed on every session's moderation
	// guard for report fan-out.
	reportNotify func(reportID string)

	// matchNotify, when set, fires once per room a connection enters.
	matchNotify func(roomID string)

	// newIdentity provides each connection's identity; defaults to a
	// fresh anonymous identity per connection.
	newIdentity func() identity.Provider

	httpServer *http.Server
}

// NewServer creates a gateway over the shared store, transport connector
// and message filter.
func NewServer(config Config, st store.Store, connector rtc.Connector, filter *moderation.Filter) *Server {
	return &Server{
		config:    config,
		store:     st,
		connector: connector,
		filter:    filter,
		newIdentity: func() identity.Provider {
			return identity.NewAnonymous()
		},
	}
}

// UseIdentityFactory replaces how per-connection identities are created,
// e.g. to back them with Firebase Auth. Must be called before Run.
func (s *Server) UseIdentityFactory(fn func() identity.Provider) {
	s.newIdentity = fn
}

// OnReportFiled installs the report fan-out hook for all sessions. Must be
// called before Run.
func (s *Server) OnReportFiled(fn func(reportID string)) {
	s.reportNotify = fn
}

// OnMatchFound installs the match fan-out hook, called once per room each
// connection enters. Must be called before Run.
func (s *Server) OnMatchFound(fn func(roomID string)) {
	s.matchNotify = fn
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	s.httpServer = &http.Server{
		Addr:    s.config.ListenAddr,
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[gateway] listening on %s", s.config.ListenAddr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("gateway: serve: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("[gateway] shutdown: %v", err)
		}
		return nil
	}
}

// handleUpgrade upgrades the HTTP connection and hands it to a client
// goroutine. One goroutine per connection; the session's own event
// goroutines do the rest.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("[gateway] upgrade failed: %v", err)
		return
	}

	c := newClient(conn, s.store, s.connector, s.filter, s.newIdentity(), s.config.WriteTimeout)
	if s.reportNotify != nil {
		c.sess.OnReportFiled(s.reportNotify)
	}
	c.onMatch = s.matchNotify
	// The request context dies when this handler returns; the hijacked
	// connection lives on its own.
	go c.run(context.Background())
}
