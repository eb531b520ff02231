// Package gateway is the wire surface of the process: a websocket
// control plane speaking the framed req/res/event protocol, plus a
// small HTTP side-channel for health, status, and metrics.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tradewire/tradewire/internal/agent"
	"github.com/tradewire/tradewire/internal/cron"
	"github.com/tradewire/tradewire/internal/heartbeat"
	"github.com/tradewire/tradewire/internal/memory"
	"github.com/tradewire/tradewire/internal/sessions"
	"github.com/tradewire/tradewire/pkg/models"
)

const (
	protocolVersion = 1
	serverVersion   = "1.0.0"
)

// ChatEngine is the slice of the turn engine the gateway drives.
type ChatEngine interface {
	Run(ctx context.Context, req agent.TurnRequest) (<-chan agent.Event, error)
	Abort(sessionKey string) error
}

// SessionDirectory is the read/admin slice of the session store.
type SessionDirectory interface {
	Get(key string) (*models.Session, error)
	List() []*models.Session
	Delete(key string) error
	History(key string, limit int) ([]models.TranscriptEntry, error)
	Count() int
}

// CronService is the scheduler surface exposed over the wire.
type CronService interface {
	Add(job *cron.Job) error
	Update(id string, fn func(*cron.Job) error) (*cron.Job, error)
	Remove(id string) error
	SetEnabled(id string, enabled bool) error
	Get(id string) (*cron.Job, error)
	List() []*cron.Job
	Runs(id string, limit int) ([]*cron.Run, error)
	RunNow(ctx context.Context, id string, force bool) (*cron.Run, error)
	RunningCount() int
}

// HeartbeatStatus exposes runner counters for status queries.
type HeartbeatStatus interface {
	Stats() heartbeat.Stats
}

// MemoryIndex serves memory.search and memory.get.
type MemoryIndex interface {
	Search(query string, limit int) []memory.SearchResult
	Get(file string) (string, error)
	Files() []string
}

// Config is the gateway's listener and auth configuration.
type Config struct {
	Host  string
	Port  int
	Token string
}

// Deps carries the subsystems the gateway routes to. Cron, Heartbeat,
// and Memory may be nil when the corresponding module is disabled.
type Deps struct {
	Engine    ChatEngine
	Sessions  SessionDirectory
	Cron      CronService
	Heartbeat HeartbeatStatus
	Memory    MemoryIndex
	Keys      *sessions.KeyBuilder
}

// Server owns the listener, the broker, and the per-connection state.
type Server struct {
	cfg      Config
	deps     Deps
	logger   *slog.Logger
	broker   *Broker
	idem     *idemCache
	metrics  *Metrics
	registry *prometheus.Registry

	id        string
	startTime time.Time
	nowFunc   func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	httpServer *http.Server
	listener   net.Listener
}

type ServerOption func(*Server)

func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = l.With("component", "gateway") }
}

func WithServerNow(now func() time.Time) ServerOption {
	return func(s *Server) { s.nowFunc = now }
}

func NewServer(cfg Config, deps Deps, opts ...ServerOption) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	registry := prometheus.NewRegistry()
	s := &Server{
		cfg:       cfg,
		deps:      deps,
		logger:    slog.Default().With("component", "gateway"),
		idem:      newIdemCache(),
		registry:  registry,
		metrics:   NewMetrics(registry),
		id:        newID(),
		startTime: time.Now(),
		nowFunc:   time.Now,
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.broker = NewBroker(
		WithBrokerLogger(s.logger),
		WithOnDrop(func() { s.metrics.EventsDropped.Inc() }),
	)
	return s
}

// Broker exposes the event fan-out for subsystem bridges.
func (s *Server) Broker() *Broker { return s.broker }

// Start binds the listener and serves until Stop.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	s.listener = listener

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/ws", s.handleWS)

	s.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("gateway serve failed", "error", err)
		}
	}()
	s.logger.Info("gateway listening", "addr", listener.Addr().String())
	return nil
}

// Addr returns the bound address after Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop shuts the listener down and cancels in-flight turns started
// through the gateway.
func (s *Server) Stop(ctx context.Context) error {
	s.cancel()
	s.idem.close()
	if s.httpServer == nil {
		return nil
	}
	shutdownCtx := ctx
	var cancel context.CancelFunc
	if shutdownCtx == nil {
		shutdownCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	return s.httpServer.Shutdown(shutdownCtx)
}

// OnHeartbeatResult bridges runner results into broker events. Wire it
// into the runner's result hook.
func (s *Server) OnHeartbeatResult(res *heartbeat.Result) {
	s.metrics.HeartbeatTicks.WithLabelValues(string(res.Status)).Inc()
	s.broker.Broadcast("heartbeat.result", res)
}

// OnCronEvent bridges scheduler run events into broker events.
func (s *Server) OnCronEvent(ev *cron.Event) {
	switch ev.Type {
	case "start":
		s.metrics.CronRunning.Inc()
		s.broker.Broadcast("cron.run.start", ev.Run)
	case "complete":
		s.metrics.CronRunning.Dec()
		s.metrics.CronRuns.WithLabelValues(string(ev.Run.Status)).Inc()
		s.broker.Broadcast("cron.run.complete", ev.Run)
	}
}

// OnSessionEvent bridges store mutations (archive, compaction) into
// broker events.
func (s *Server) OnSessionEvent(kind, key string) {
	s.broker.Broadcast(kind, map[string]any{"sessionKey": key})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.healthSnapshot())
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.statusSnapshot())
}

func (s *Server) healthSnapshot() map[string]any {
	return map[string]any{
		"status":   "ok",
		"uptimeMs": time.Since(s.startTime).Milliseconds(),
	}
}

func (s *Server) statusSnapshot() map[string]any {
	snapshot := map[string]any{
		"gatewayId": s.id,
		"version":   serverVersion,
		"uptimeMs":  time.Since(s.startTime).Milliseconds(),
		"clients":   s.broker.Subscribers(),
	}
	if s.deps.Sessions != nil {
		snapshot["sessions"] = s.deps.Sessions.Count()
	}
	if s.deps.Cron != nil {
		snapshot["cron"] = map[string]any{
			"jobs":    len(s.deps.Cron.List()),
			"running": s.deps.Cron.RunningCount(),
		}
	}
	if s.deps.Heartbeat != nil {
		snapshot["heartbeat"] = s.deps.Heartbeat.Stats()
	}
	if s.deps.Memory != nil {
		snapshot["memoryFiles"] = len(s.deps.Memory.Files())
	}
	return snapshot
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
