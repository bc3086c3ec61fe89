// Package server exposes the orchestrator to clients over HTTP.
//
// Clients hold a websocket at /ws and exchange msgpack frames: each
// sync_request is answered by a sync_response or sync_error carrying the
// same uuid, and task progress is broadcast to every connected client.
// Exports stream from /api/export/{id}; /metrics serves Prometheus text.
//
// Logging:
//   - Logger is dependency-injected via Config
//   - Scoped with component="server"
//   - Connection open/close, reloads, rejected requests and handler errors
package server

import (
	"cmp"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	jsoniter "github.com/json-iterator/go"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/time/rate"

	"cruncher/internal/config"
	"cruncher/internal/logging"
	"cruncher/internal/orchestrator"
)

// Version is reported by /metrics and the version command.
var Version = "dev"

// Config holds server configuration.
type Config struct {
	// Logger for structured logging. If nil, logging is disabled.
	Logger *slog.Logger

	// NodeID identifies this process in /healthz.
	NodeID string

	// Store is reloaded by the reloadConfig request. May be nil, in which
	// case reloadConfig fails.
	Store config.Store

	// RunQueryRate and RunQueryBurst bound runQuery requests per client
	// address. Zero values take the config package defaults.
	RunQueryRate  float64
	RunQueryBurst int
}

// Server serves the websocket protocol, exports, metrics and probes.
type Server struct {
	orch    *orchestrator.Orchestrator
	hub     *Hub
	store   config.Store
	nodeID  string
	logger  *slog.Logger
	limiter *rateLimiter
	metrics *serverMetrics
	router  *router
	started time.Time

	// reloadMu serializes configuration reloads.
	reloadMu sync.Mutex

	ctx      context.Context
	cancel   context.CancelFunc
	bg       sync.WaitGroup
	draining atomic.Bool

	mu     sync.Mutex
	server *http.Server
}

// New creates a server for orch. hub must be the Notifier orch was
// created with so that progress reaches websocket clients.
func New(orch *orchestrator.Orchestrator, hub *Hub, cfg Config) *Server {
	sc := config.ServerConfig{RunQueryRate: cfg.RunQueryRate, RunQueryBurst: cfg.RunQueryBurst}.WithDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		orch:    orch,
		hub:     hub,
		store:   cfg.Store,
		nodeID:  cfg.NodeID,
		logger:  logging.Default(cfg.Logger).With("component", "server"),
		limiter: newRateLimiter(rate.Limit(sc.RunQueryRate), sc.RunQueryBurst),
		started: time.Now(),
		ctx:     ctx,
		cancel:  cancel,
	}
	s.metrics = newServerMetrics(s)
	s.router = newRouter(s)
	return s
}

// Handler returns the server's HTTP handler without h2c.
func (s *Server) Handler() http.Handler {
	return s.trackingMiddleware(compressMiddleware(s.buildMux()))
}

func (s *Server) buildMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.serveWS)
	mux.HandleFunc("GET /api/export/{id}", s.serveExport)
	mux.HandleFunc("GET /metrics", s.serveMetrics)
	s.registerProbes(mux)
	return mux
}

// registerProbes adds liveness and readiness endpoints.
func (s *Server) registerProbes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", s.serveHealth)
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if s.draining.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
}

type health struct {
	Status  string  `json:"status"`
	Node    string  `json:"node,omitempty"`
	Version string  `json:"version"`
	Uptime  float64 `json:"uptimeSeconds"`
	Clients int     `json:"clients"`
	Tasks   int     `json:"tasks"`
}

func (s *Server) serveHealth(w http.ResponseWriter, r *http.Request) {
	h := health{
		Status:  "ok",
		Node:    s.nodeID,
		Version: Version,
		Uptime:  time.Since(s.started).Seconds(),
		Clients: s.hub.Len(),
		Tasks:   len(s.orch.Tasks()),
	}
	w.Header().Set("Content-Type", "application/json")
	if err := jsoniter.ConfigCompatibleWithStandardLibrary.NewEncoder(w).Encode(h); err != nil {
		s.logger.Debug("write health", "error", err)
	}
}

// trackingMiddleware rejects new requests once the server is draining.
func (s *Server) trackingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.draining.Load() {
			http.Error(w, "server is draining", http.StatusServiceUnavailable)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// isLoopback returns true if host is a loopback address (localhost, 127.0.0.1, ::1).
func isLoopback(host string) bool {
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}

// checkOrigin accepts websocket upgrades from the same origin, from
// non-browser clients that send no Origin, and between loopback hosts on
// any port (a dev proxy in front of the server).
func checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if u.Host == r.Host {
		return true
	}
	reqHost, _, _ := net.SplitHostPort(r.Host)
	reqHost = cmp.Or(reqHost, r.Host)
	oHost := cmp.Or(u.Hostname(), u.Host)
	return isLoopback(reqHost) && isLoopback(oHost)
}

// Serve serves on listener until Stop is called. HTTP/2 without TLS is
// accepted through h2c.
func (s *Server) Serve(listener net.Listener) error {
	srv := &http.Server{
		Handler:           h2c.NewHandler(s.Handler(), &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.server = srv
	s.mu.Unlock()

	s.limiter.runEviction(s.ctx, &s.bg, time.Minute, 10*time.Minute)
	s.logger.Info("server starting", "addr", listener.Addr().String())

	err := srv.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// ServeTCP starts the server on a TCP address.
func (s *Server) ServeTCP(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(listener)
}

// Stop drains the server: new requests are refused, websocket clients are
// disconnected and in-flight HTTP requests finish or ctx expires.
func (s *Server) Stop(ctx context.Context) error {
	s.draining.Store(true)
	s.cancel()
	s.hub.CloseAll()

	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()

	var err error
	if srv != nil {
		s.logger.Info("server stopping")
		err = srv.Shutdown(ctx)
	}
	s.hub.Wait()
	s.bg.Wait()
	return err
}

// Reload reads the configuration store and applies it to the
// orchestrator. Concurrent reloads are serialized.
func (s *Server) Reload(ctx context.Context) error {
	if s.store == nil {
		return errors.New("no configuration store")
	}
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	cfg, err := config.LoadOrBootstrap(ctx, s.store)
	if err != nil {
		return err
	}
	if err := s.orch.ApplyConfig(cfg); err != nil {
		return err
	}
	s.logger.Info("configuration reloaded", "connectors", len(cfg.Connectors))
	return nil
}
