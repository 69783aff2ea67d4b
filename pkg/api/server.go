package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/psaab/dhcp6d/pkg/dhcp"
	"github.com/psaab/dhcp6d/pkg/relay"
)

// DHCPSource is the part of *dhcp.Manager the API reads and controls.
type DHCPSource interface {
	Snapshots() []dhcp.Snapshot
	DelegatedPrefixes() []dhcp.DelegatedPrefix
	ClientStats() map[string]dhcp.StatsSnapshot
	DUIDs() []dhcp.DUIDInfo
	ClearDUID(iface string) error
	Renew(iface string) error
}

// RelaySource is the part of *relay.Manager the API reads.
type RelaySource interface {
	Running() bool
	Stats() relay.StatsSnapshot
}

// Config configures the API server.
type Config struct {
	Addr  string
	Auth  *AuthConfig // nil = no authentication
	DHCP  DHCPSource
	Relay RelaySource
	// ConfigText returns the active configuration and its warnings.
	ConfigText func() (text string, warnings []string)
}

// Server is the HTTP API server.
type Server struct {
	httpServer *http.Server
	dhcp       DHCPSource
	relay      RelaySource
	configText func() (string, []string)
	startTime  time.Time
}

// NewServer creates a new API server.
func NewServer(cfg Config) *Server {
	s := &Server{
		dhcp:       cfg.DHCP,
		relay:      cfg.Relay,
		configText: cfg.ConfigText,
		startTime:  time.Now(),
	}

	var handler http.Handler = s.routes()
	if cfg.Auth != nil {
		handler = authMiddleware(*cfg.Auth, handler)
	}
	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.healthHandler)

	// Prometheus metrics with isolated registry
	registry := prometheus.NewRegistry()
	registry.MustRegister(newCollector(s))
	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	mux.HandleFunc("GET /api/v1/status", s.statusHandler)
	mux.HandleFunc("GET /api/v1/dhcp/sessions", s.dhcpSessionsHandler)
	mux.HandleFunc("GET /api/v1/dhcp/leases", s.dhcpLeasesHandler)
	mux.HandleFunc("GET /api/v1/dhcp/identifiers", s.dhcpIdentifiersHandler)
	mux.HandleFunc("GET /api/v1/relay/stats", s.relayStatsHandler)
	mux.HandleFunc("GET /api/v1/config", s.configHandler)

	mux.HandleFunc("POST /api/v1/dhcp/renew", s.dhcpRenewHandler)
	mux.HandleFunc("POST /api/v1/dhcp/identifiers/clear", s.clearDHCPIdentifiersHandler)
	return mux
}

// Handler returns the server's handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run starts the HTTP server and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP API server listening", "addr", ln.Addr())
		if err := s.httpServer.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}
