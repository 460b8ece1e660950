// Package gateway exposes the HTTP control plane and the event
// websocket. All state lives in the collaborators; the server itself
// only routes, guards, and reports.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/clawgate/internal/attachments"
	"github.com/nextlevelbuilder/clawgate/internal/bridge"
	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/internal/channels"
	"github.com/nextlevelbuilder/clawgate/internal/config"
	"github.com/nextlevelbuilder/clawgate/internal/metrics"
	"github.com/nextlevelbuilder/clawgate/internal/security"
	"github.com/nextlevelbuilder/clawgate/pkg/protocol"
)

// AgentProbe is the slice of the agent client the health check needs.
type AgentProbe interface {
	Ping(ctx context.Context) error
}

// Deps bundles the collaborators the control plane reports on.
type Deps struct {
	Config     *config.Config
	ConfigPath string
	Version    string
	Manager    *channels.Manager
	Bridge     *bridge.Bridge
	Cleaner    *bridge.Cleaner
	Security   *security.Manager
	Metrics    *metrics.Collector
	Agent      AgentProbe
	Media      *attachments.Handler
	Events     bus.EventPublisher
}

// Server is the gateway's HTTP and websocket front.
type Server struct {
	configPath string
	version    string

	manager  *channels.Manager
	bridge   *bridge.Bridge
	cleaner  *bridge.Cleaner
	security *security.Manager
	metrics  *metrics.Collector
	agent    AgentProbe
	media    *attachments.Handler
	events   bus.EventPublisher

	upgrader websocket.Upgrader
	clients  map[string]*Client
	mu       sync.RWMutex

	cfgMu sync.RWMutex
	cfg   *config.Config

	httpServer *http.Server
	mux        *http.ServeMux

	started      time.Time
	shuttingDown atomic.Bool
}

// NewServer creates a gateway server. The config pointer is swapped on
// reload; everything else is fixed for the process lifetime.
func NewServer(deps Deps) *Server {
	s := &Server{
		configPath: deps.ConfigPath,
		version:    deps.Version,
		manager:    deps.Manager,
		bridge:     deps.Bridge,
		cleaner:    deps.Cleaner,
		security:   deps.Security,
		metrics:    deps.Metrics,
		agent:      deps.Agent,
		media:      deps.Media,
		events:     deps.Events,
		clients:    make(map[string]*Client),
		cfg:        deps.Config,
		started:    time.Now(),
	}

	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}

	return s
}

func (s *Server) config() *config.Config {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg
}

func (s *Server) setConfig(cfg *config.Config) {
	s.cfgMu.Lock()
	s.cfg = cfg
	s.cfgMu.Unlock()
}

// ApplyConfig pushes a freshly loaded config through the manager (which
// also reloads security rules) and makes it the one the control plane
// reads. Both the /api/reload handler and the file watcher land here.
func (s *Server) ApplyConfig(ctx context.Context, cfg *config.Config) channels.ApplyResult {
	res := s.manager.ApplyConfigChange(ctx, cfg)
	s.setConfig(cfg)
	return res
}

// checkOrigin validates the websocket Origin against the configured
// whitelist. No configured origins means allow all; an empty Origin
// header (CLI and SDK clients) is always allowed.
func (s *Server) checkOrigin(r *http.Request) bool {
	allowed := s.config().Gateway.AllowedOrigins
	if len(allowed) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, a := range allowed {
		if origin == a || a == "*" {
			return true
		}
	}
	slog.Warn("websocket origin rejected", "origin", origin)
	return false
}

// BuildMux creates and caches the HTTP mux with all routes registered.
// Call this before Start() if the mux is needed for additional
// listeners (e.g. Tailscale).
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}

	mux := http.NewServeMux()

	// /api/health and the websocket upgrade stay reachable without a
	// token; everything else is bearer-guarded when a token is set.
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/status", s.requireAuth(s.handleStatus))
	mux.HandleFunc("/api/channels", s.requireAuth(s.handleChannels))
	mux.HandleFunc("/api/sessions", s.requireAuth(s.handleSessions))
	mux.HandleFunc("/api/metrics", s.requireAuth(s.handleMetrics))
	mux.HandleFunc("/api/metrics/reset", s.requireAuth(s.handleMetricsReset))
	mux.HandleFunc("/api/security/access", s.requireAuth(s.handleSecurityAccess))
	mux.HandleFunc("/api/reload", s.requireAuth(s.handleReload))

	s.mux = mux
	return mux
}

// Start listens until ctx is canceled, then drains with a 5 s grace.
func (s *Server) Start(ctx context.Context) error {
	mux := s.BuildMux()

	cfg := s.config()
	addr := fmt.Sprintf("%s:%d", cfg.Gateway.Host, cfg.Gateway.Port)
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	slog.Info("gateway starting", "addr", addr)

	go func() {
		<-ctx.Done()
		s.shuttingDown.Store(true)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

// BeginShutdown flips health to unhealthy and tells websocket
// subscribers the gateway is going away. Safe to call more than once.
func (s *Server) BeginShutdown() {
	if s.shuttingDown.Swap(true) {
		return
	}
	s.BroadcastEvent(protocol.NewEvent(protocol.EventShutdown, nil))
}

// handleWebSocket upgrades the connection and pushes events until the
// peer goes away.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(conn)
	s.registerClient(client)

	defer func() {
		s.unregisterClient(client)
		client.Close()
	}()

	client.Run(r.Context())
}

// BroadcastEvent sends an event to all connected clients. Clients whose
// write fails are closed; their read loop unregisters them.
func (s *Server) BroadcastEvent(event *protocol.Event) {
	s.mu.RLock()
	clients := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.RUnlock()

	for _, c := range clients {
		if err := c.SendEvent(event); err != nil {
			slog.Debug("websocket write failed, dropping client", "id", c.id, "error", err)
			c.Close()
		}
	}
}

func (s *Server) registerClient(c *Client) {
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()

	s.events.Subscribe(c.id, func(event bus.Event) {
		if err := c.SendEvent(protocol.NewEvent(event.Name, event.Payload)); err != nil {
			c.Close()
		}
	})

	slog.Info("websocket client connected", "id", c.id)
}

func (s *Server) unregisterClient(c *Client) {
	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()
	s.events.Unsubscribe(c.id)
	slog.Info("websocket client disconnected", "id", c.id)
}

func (s *Server) clientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// StartTestServer binds 127.0.0.1:0 and returns the actual address and
// a start function. Used by integration tests.
func StartTestServer(s *Server, ctx context.Context) (addr string, start func()) {
	mux := s.BuildMux()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic("listen: " + err.Error())
	}

	s.httpServer = &http.Server{Handler: mux}
	addr = ln.Addr().String()

	start = func() {
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			s.httpServer.Shutdown(shutdownCtx)
		}()
		s.httpServer.Serve(ln)
	}

	return addr, start
}
