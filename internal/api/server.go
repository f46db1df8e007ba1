package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// Server is the HTTP API server with the websocket gateway.
type Server struct {
	router      *chi.Mux
	gateway     *Gateway
	rateLimiter *IPRateLimiter
	httpServer  *http.Server
	log         *zap.Logger
}

// NewServer creates the server. Nothing listens until Start is called.
//
// For testing HTTP endpoints without websocket support, use NewRouter directly.
func NewServer(cfg RouterConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.Logger = logger

	s := &Server{log: logger.Named("server")}

	// Track the rate limiter so Shutdown can stop it
	if cfg.RateLimiter == nil {
		rateLimitCfg := DefaultRateLimitConfig
		if cfg.RateLimitConfig != nil {
			rateLimitCfg = *cfg.RateLimitConfig
		}
		cfg.RateLimiter = NewIPRateLimiter(rateLimitCfg)
	}
	s.rateLimiter = cfg.RateLimiter

	s.gateway = NewGateway(cfg.Worlds, cfg.Broker, NewOriginPolicy(cfg.CORSOrigins), cfg.Gateway, logger)
	s.router = NewRouter(cfg)
	s.router.Get("/ws", s.gateway.HandleWebSocket)
	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// Start serves HTTP on addr until Shutdown. It returns nil after a clean
// shutdown.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	s.log.Info("API server starting", zap.String("addr", ln.Addr().String()))
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Router returns the HTTP handler for use with httptest.
func (s *Server) Router() http.Handler {
	return s.router
}

// Gateway returns the websocket gateway.
func (s *Server) Gateway() *Gateway {
	return s.gateway
}

// Shutdown stops accepting requests, disconnects websocket clients and
// stops background workers.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	s.gateway.Close()
	s.rateLimiter.Stop()
	return err
}
