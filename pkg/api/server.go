// Renflow - Gateway API Server
// Serves REST endpoints for adapter control, bus access and metrics, plus a
// WebSocket stream of live bus events.
package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/renflow/runner/pkg/config"
	"github.com/renflow/runner/pkg/connector"
	"github.com/renflow/runner/pkg/connector/templates"
	"github.com/renflow/runner/pkg/infrastructure/eventbus"
	"github.com/renflow/runner/pkg/infrastructure/persistence"
	"github.com/renflow/runner/pkg/logger"
)

// Server is the HTTP gateway.
type Server struct {
	config    config.GatewayConfig
	manager   *connector.Manager
	bus       *eventbus.Bus
	journal   *persistence.Journal
	templates *templates.Registry
	gatherer  prometheus.Gatherer
	wsHub     *WSHub
	bridge    *EventBridge
	startTime time.Time
	server    *http.Server
}

// Option configures optional Server collaborators.
type Option func(*Server)

// WithJournal exposes the event journal on /api/journal.
func WithJournal(j *persistence.Journal) Option {
	return func(s *Server) { s.journal = j }
}

// WithTemplates enables template listing and instantiation.
func WithTemplates(r *templates.Registry) Option {
	return func(s *Server) { s.templates = r }
}

// WithGatherer serves gatherer on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// NewServer creates the gateway. When no API key is configured a random one
// is generated and printed once.
func NewServer(cfg config.GatewayConfig, mgr *connector.Manager, opts ...Option) *Server {
	if cfg.APIKey == "" {
		raw := make([]byte, 24)
		if _, err := rand.Read(raw); err == nil {
			cfg.APIKey = hex.EncodeToString(raw)
			fmt.Println()
			fmt.Println("╔══════════════════════════════════════════════════════╗")
			fmt.Println("║          RENFLOW API KEY (session token)             ║")
			fmt.Printf("║  %-52s  ║\n", cfg.APIKey)
			fmt.Println("║  Set gateway.api_key in renflow.yaml to make         ║")
			fmt.Println("║  this permanent. Rotate it any time.                 ║")
			fmt.Println("╚══════════════════════════════════════════════════════╝")
			fmt.Println()
		}
	}
	s := &Server{
		config:    cfg,
		manager:   mgr,
		bus:       mgr.Bus(),
		gatherer:  prometheus.DefaultGatherer,
		startTime: time.Now(),
	}
	for _, o := range opts {
		o(s)
	}
	s.wsHub = NewWSHub(s)
	s.bridge = NewEventBridge(s.bus, s.wsHub)
	return s
}

// APIKey returns the effective bearer token.
func (s *Server) APIKey() string { return s.config.APIKey }

// Handler returns the routed, authenticated handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/system/info", s.handleSystemInfo)

	// Adapter management
	mux.HandleFunc("GET /api/adapters", s.handleListAdapters)
	mux.HandleFunc("POST /api/adapters", s.handleCreateAdapter)
	mux.HandleFunc("GET /api/adapters/{id}", s.handleGetAdapter)
	mux.HandleFunc("DELETE /api/adapters/{id}", s.handleDeleteAdapter)
	mux.HandleFunc("POST /api/adapters/{id}/connect", s.handleConnectAdapter)
	mux.HandleFunc("POST /api/adapters/{id}/disconnect", s.handleDisconnectAdapter)
	mux.HandleFunc("POST /api/adapters/{id}/api/{name}", s.handleCallAdapterAPI)
	mux.HandleFunc("POST /api/adapters/from-template", s.handleCreateFromTemplate)
	mux.HandleFunc("GET /api/kinds", s.handleKinds)
	mux.HandleFunc("GET /api/templates", s.handleListTemplates)

	// Queues
	mux.HandleFunc("GET /api/queues/{id}", s.handleQueueStats)
	mux.HandleFunc("POST /api/queues/{id}/jobs", s.handleEnqueue)

	// Event bus
	mux.HandleFunc("GET /api/events", s.handleRecentEvents)
	mux.HandleFunc("POST /api/events", s.handlePublishEvent)
	mux.HandleFunc("GET /api/journal", s.handleJournal)

	// Webhook ingestion (local programs → bus)
	mux.HandleFunc("POST /api/webhook/{source}", s.handleWebhook)

	// WebSocket for live events
	mux.HandleFunc("GET /api/ws", s.wsHub.HandleWebSocket)

	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	return corsMiddleware(authMiddleware(s.config.APIKey, mux))
}

// run starts the hub and the bus bridge; both stop with ctx.
func (s *Server) run(ctx context.Context) {
	go s.wsHub.Run(ctx)
	s.bridge.Run(ctx)
}

// Start begins listening on the configured host:port.
func (s *Server) Start(ctx context.Context) error {
	addr := s.config.Addr()
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	logger.InfoCF("api", "Gateway API server starting", map[string]interface{}{
		"addr": addr,
	})

	s.run(ctx)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.ErrorCF("api", "Server error", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()
	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// --- Middleware ---

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" || isAllowedOrigin(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		} else {
			w.Header().Set("Access-Control-Allow-Origin", "http://localhost")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// isAllowedOrigin checks if the origin is a trusted localhost address.
func isAllowedOrigin(origin string) bool {
	for _, prefix := range []string{"http://localhost", "http://127.0.0.1", "https://localhost", "https://127.0.0.1"} {
		if strings.HasPrefix(origin, prefix) {
			return true
		}
	}
	return false
}

// --- Handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"adapters":  len(s.manager.IDs()),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleSystemInfo(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	hostname, _ := os.Hostname()
	uptime := time.Since(s.startTime)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"hostname":       hostname,
		"go_version":     runtime.Version(),
		"goroutines":     runtime.NumGoroutine(),
		"memory_mb":      float64(m.Alloc) / 1024 / 1024,
		"uptime_seconds": int(uptime.Seconds()),
		"uptime_human":   formatDuration(uptime),
		"subscribers":    s.bus.SubscriberCount(),
		"dedupe_ttl":     s.bus.DedupeTTL().String(),
	})
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func formatDuration(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dm", minutes)
}
