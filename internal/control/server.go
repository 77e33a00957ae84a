// Package control exposes the dictation orchestrator to a local UI
// collaborator over HTTP.
//
// Routes:
//
//	POST   /v1/dictation/start          begin capturing (body: optional Trigger)
//	POST   /v1/dictation/stop           end capture and run the pipeline
//	POST   /v1/dictation/cancel         abort the live session
//	GET    /v1/status                   orchestrator and active model snapshot
//	GET    /v1/events                   websocket stream of JSON events
//	GET    /v1/models                   catalog with per-model state
//	PUT    /v1/models/active            select the model for the next dictation
//	POST   /v1/models/{id}/ensure-ready download and load a model
//	DELETE /v1/models/{id}/download     abort an in-flight download
//	DELETE /v1/models/cache             evict every unused model
//	POST   /v1/models/rescan            re-check the cache on disk
//	GET    /v1/history                  recent dictations (?limit, ?q)
//	POST   /v1/config/reload            re-read the configuration file
//	GET    /healthz, /readyz, /metrics
//
// Every route is wrapped with [observe.Middleware].
package control

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/voxscribe/internal/dictation"
	"github.com/MrWong99/voxscribe/internal/health"
	"github.com/MrWong99/voxscribe/internal/history"
	"github.com/MrWong99/voxscribe/internal/observe"
	"github.com/MrWong99/voxscribe/pkg/catalog"
	"github.com/MrWong99/voxscribe/pkg/modelstore"
)

// Dictation is the orchestrator surface the server drives.
type Dictation interface {
	Start(ctx context.Context, trig dictation.Trigger) error
	Stop(ctx context.Context) error
	Cancel()
	Status() dictation.Status
	Events() *dictation.Events
}

var _ Dictation = (*dictation.Orchestrator)(nil)

// Models is the model cache surface the server drives.
type Models interface {
	State(desc catalog.Descriptor) modelstore.State
	EnsureReady(ctx context.Context, desc catalog.Descriptor) error
	CancelDownload(desc catalog.Descriptor) bool
	ClearCache() error
	CheckExistence(ctx context.Context) error
}

var _ Models = (*modelstore.Store)(nil)

// Config holds the server's collaborators. Dictation, Catalog and Models are
// required.
type Config struct {
	Dictation Dictation
	Catalog   *catalog.Catalog
	Models    Models

	// History backs GET /v1/history. Nil answers 404.
	History history.Store

	// Activate selects the model for the next dictation. Nil answers 404.
	Activate func(id string) error

	// Reload re-reads the configuration file. It reports whether a new
	// config was applied, or why the file on disk was rejected. Nil answers
	// 404.
	Reload func() (bool, error)

	// Health serves /healthz and /readyz. Nil installs a handler without
	// checkers.
	Health *health.Handler

	// Metrics feeds the HTTP middleware. Nil uses [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Gatherer backs /metrics. Nil uses [prometheus.DefaultGatherer], which
	// the OpenTelemetry Prometheus exporter registers with.
	Gatherer prometheus.Gatherer
}

// Server is the control API.
type Server struct {
	cfg     Config
	handler http.Handler

	// eventWriteTimeout bounds a single websocket write.
	eventWriteTimeout time.Duration

	// closing ends websocket streams, which http.Server.Shutdown does not
	// track once hijacked.
	closing   chan struct{}
	closeOnce sync.Once

	mu  sync.Mutex
	srv *http.Server
}

// Option configures a [Server].
type Option func(*Server)

// WithEventWriteTimeout overrides how long a websocket event write may
// block before the client is dropped. Default: 5s.
func WithEventWriteTimeout(d time.Duration) Option {
	return func(s *Server) { s.eventWriteTimeout = d }
}

// New validates cfg and builds the route table.
func New(cfg Config, opts ...Option) (*Server, error) {
	var missing []string
	if cfg.Dictation == nil {
		missing = append(missing, "Dictation")
	}
	if cfg.Catalog == nil {
		missing = append(missing, "Catalog")
	}
	if cfg.Models == nil {
		missing = append(missing, "Models")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("control: missing dependencies: %v", missing)
	}
	if cfg.Health == nil {
		cfg.Health = health.New()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		cfg:               cfg,
		eventWriteTimeout: 5 * time.Second,
		closing:           make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}

	mux := http.NewServeMux()
	s.routes(mux)
	s.handler = observe.Middleware(cfg.Metrics)(mux)
	return s, nil
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/dictation/start", s.handleStart)
	mux.HandleFunc("POST /v1/dictation/stop", s.handleStop)
	mux.HandleFunc("POST /v1/dictation/cancel", s.handleCancel)
	mux.HandleFunc("GET /v1/status", s.handleStatus)
	mux.HandleFunc("GET /v1/events", s.handleEvents)

	mux.HandleFunc("GET /v1/models", s.handleModels)
	mux.HandleFunc("PUT /v1/models/active", s.handleActivate)
	mux.HandleFunc("POST /v1/models/{id}/ensure-ready", s.handleEnsureReady)
	mux.HandleFunc("DELETE /v1/models/{id}/download", s.handleCancelDownload)
	mux.HandleFunc("DELETE /v1/models/cache", s.handleClearCache)
	mux.HandleFunc("POST /v1/models/rescan", s.handleRescan)

	mux.HandleFunc("GET /v1/history", s.handleHistory)
	mux.HandleFunc("POST /v1/config/reload", s.handleReload)

	s.cfg.Health.Register(mux)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{}))
}

// Serve accepts connections on ln until [Server.Shutdown] is called. When
// tlsCfg is non-nil the listener is wrapped with TLS. It returns nil after a
// graceful shutdown.
func (s *Server) Serve(ln net.Listener, tlsCfg *tls.Config) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(slog.Default().Handler(), slog.LevelWarn),
	}
	if tlsCfg != nil {
		ln = tls.NewListener(ln, tlsCfg)
	}

	s.mu.Lock()
	if s.srv != nil {
		s.mu.Unlock()
		return errors.New("control: server already serving")
	}
	s.srv = srv
	s.mu.Unlock()

	slog.Info("control API listening", "addr", ln.Addr().String(), "tls", tlsCfg != nil)
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("control: serve: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests
// until ctx is done. Open event streams are closed.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closeOnce.Do(func() { close(s.closing) })

	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("control: shutdown: %w", err)
	}
	return nil
}

// LoadTLS loads a certificate pair into a server TLS config.
func LoadTLS(certFile, keyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("control: load TLS key pair: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}
