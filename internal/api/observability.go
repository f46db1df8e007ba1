package api

import (
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"iogrid/internal/game"
)

// Metrics with bounded cardinality (no per-player labels to prevent DoS)
var (
	// World loop metrics
	tickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "world_tick_duration_seconds",
		Help:    "Time spent in one world tick",
		Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.02, 0.05},
	})

	// Bounded: one series per grid cell
	cellEntities = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "world_cell_entities",
		Help: "Entities stored per cell, external copies included",
	}, []string{"cell"})

	transfersTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "world_transfers_total",
		Help: "Ownership transfers sent",
	})

	rejectedTransitions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "world_rejected_transitions_total",
		Help: "Inbound copies rejected as stale or duplicate",
	})

	coinsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "world_coins_dropped_total",
		Help: "Coins placed by the coin economy",
	})

	malformedRefs = promauto.NewCounter(prometheus.CounterOpts{
		Name: "world_malformed_refs_total",
		Help: "Inbound state refs dropped for missing state",
	})

	// DoS detection metrics - use ONLY bounded label values
	connectionRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "connection_rejected_total",
		Help: "Connections rejected by rate limiter or origin check",
	}, []string{"reason"}) // Bounded: "rate_limit", "origin", "ws_total_limit", "ws_ip_limit"

	// HTTP metrics with bounded labels
	requestLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "endpoint"}) // endpoint is path pattern, not full URL

	requestTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "endpoint", "status"})

	// WebSocket metrics
	wsConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "websocket_connections_active",
		Help: "Currently active WebSocket connections",
	})

	wsMessagesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "websocket_messages_total",
		Help: "Total WebSocket messages sent",
	})

	wsInvalidTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "websocket_invalid_messages_total",
		Help: "Inbound WebSocket messages that failed validation",
	})

	wsDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "websocket_dropped_messages_total",
		Help: "Outbound WebSocket messages dropped on a full send buffer",
	})
)

// PromMetrics reports world loop metrics to Prometheus.
type PromMetrics struct{}

var _ game.Metrics = PromMetrics{}

func (PromMetrics) ObserveTick(d time.Duration) { tickDuration.Observe(d.Seconds()) }

func (PromMetrics) SetCellEntities(cell int, n int) {
	cellEntities.WithLabelValues(strconv.Itoa(cell)).Set(float64(n))
}

func (PromMetrics) AddTransfers(n int) { transfersTotal.Add(float64(n)) }
func (PromMetrics) AddRejectedTransitions(n int) { rejectedTransitions.Add(float64(n)) }
func (PromMetrics) AddCoinsDropped(n int) { coinsDropped.Add(float64(n)) }
func (PromMetrics) AddMalformedRefs(n int) { malformedRefs.Add(float64(n)) }

// RegisterEventLog exports the event log counters. Call it once per process.
func RegisterEventLog(el *game.EventLog) {
	promauto.NewCounterFunc(prometheus.CounterOpts{
		Name: "event_log_total",
		Help: "Total events logged",
	}, func() float64 { return float64(el.Written()) })
	promauto.NewCounterFunc(prometheus.CounterOpts{
		Name: "event_log_dropped_total",
		Help: "Events dropped due to rate limiting or buffer full",
	}, func() float64 { return float64(el.Dropped()) })
}

// ObservabilityConfig configures the debug server
type ObservabilityConfig struct {
	Enabled       bool
	ListenAddr    string // MUST be loopback in production
	BasicAuthUser string // Optional basic auth
	BasicAuthPass string
}

// DefaultObservabilityConfig returns safe defaults
func DefaultObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		Enabled:    true,
		ListenAddr: "127.0.0.1:6060",
	}
}

// debugAddr forces addr onto loopback unless ALLOW_DEBUG_EXTERNAL=true.
func debugAddr(addr string) (string, bool) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "127.0.0.1:6060", true
	}
	if host == "localhost" {
		return addr, false
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return addr, false
	}
	if os.Getenv("ALLOW_DEBUG_EXTERNAL") == "true" {
		return addr, false
	}
	return net.JoinHostPort("127.0.0.1", port), true
}

// DebugHandler serves pprof, /metrics and /health.
func DebugHandler(cfg ObservabilityConfig) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	if cfg.BasicAuthUser != "" {
		return basicAuthMiddleware(cfg.BasicAuthUser, cfg.BasicAuthPass, mux)
	}
	return mux
}

// StartDebugServer starts the internal observability server in the
// background. It returns nil when disabled.
// CRITICAL: This MUST bind to localhost only to prevent pprof-based DoS
func StartDebugServer(cfg ObservabilityConfig, logger *zap.Logger) *http.Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	log := logger.Named("debug")
	if !cfg.Enabled {
		log.Info("debug server disabled")
		return nil
	}

	addr, forced := debugAddr(cfg.ListenAddr)
	if forced {
		log.Warn("debug server forced to localhost", zap.String("requested", cfg.ListenAddr))
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           DebugHandler(cfg),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info("debug server starting", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn("debug server error", zap.Error(err))
		}
	}()
	return srv
}

// basicAuthMiddleware adds basic authentication to the handler
func basicAuthMiddleware(user, pass string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || u != user || p != pass {
			w.Header().Set("WWW-Authenticate", `Basic realm="debug"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RecordConnectionRejected increments the rejection counter
func RecordConnectionRejected(reason string) {
	connectionRejected.WithLabelValues(reason).Inc()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, endpoint string, status int, duration time.Duration) {
	requestLatency.WithLabelValues(method, endpoint).Observe(duration.Seconds())
	requestTotal.WithLabelValues(method, endpoint, strconv.Itoa(status)).Inc()
}

// UpdateWSConnections updates WebSocket connection count
func UpdateWSConnections(count int) {
	wsConnectionsActive.Set(float64(count))
}

// IncrementWSMessages increments WebSocket message counter
func IncrementWSMessages() {
	wsMessagesTotal.Inc()
}
