// Package api exposes the campaign management HTTP API.
package api

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/pulsecast/pulsecast/internal/campaign"
	"github.com/pulsecast/pulsecast/internal/config"
	"github.com/pulsecast/pulsecast/internal/ratelimit"
	"github.com/pulsecast/pulsecast/internal/repository"
)

// QuotaReader exposes session quota observability
type QuotaReader interface {
	Sent(sessionID string) int
	History(sessionID string) []ratelimit.HistoryEntry
}

// Server is the HTTP API server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	campaigns  *campaign.Service
	sessions   *repository.SessionRepository
	quota      QuotaReader
	config     *config.APIConfig
	ipAllow    []*net.IPNet
	logger     *slog.Logger
	startTime  time.Time
}

// NewServer creates a new API server
func NewServer(svc *campaign.Service, sessions *repository.SessionRepository, quota QuotaReader, cfg *config.APIConfig, logger *slog.Logger) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		campaigns: svc,
		sessions:  sessions,
		quota:     quota,
		config:    cfg,
		ipAllow:   parseAllowedIPs(cfg.AllowedIPs),
		logger:    logger,
		startTime: time.Now(),
	}

	s.setupRoutes()
	return s
}

// parseAllowedIPs turns allowlist entries into networks, treating a bare IP
// as a single-host network. Invalid entries are rejected by config
// validation before this runs.
func parseAllowedIPs(entries []string) []*net.IPNet {
	var nets []*net.IPNet
	for _, entry := range entries {
		if _, n, err := net.ParseCIDR(entry); err == nil {
			nets = append(nets, n)
			continue
		}
		ip := net.ParseIP(entry)
		if ip == nil {
			continue
		}
		bits := 128
		if ip.To4() != nil {
			bits = 32
		}
		nets = append(nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
	}
	return nets
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Recoverer)

	// Health check (no auth required)
	s.router.Get("/health", s.handleHealth)

	// API v1 routes (auth required)
	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(s.ipFilterMiddleware)
		r.Use(s.authMiddleware)

		r.Post("/campaigns", s.handleCreateCampaign)
		r.Get("/campaigns", s.handleListCampaigns)
		r.Get("/campaigns/{id}", s.handleGetCampaign)
		r.Delete("/campaigns/{id}", s.handleDeleteCampaign)
		r.Get("/campaigns/{id}/progress", s.handleCampaignProgress)
		r.Post("/campaigns/{id}/start", s.handleStartCampaign)
		r.Post("/campaigns/{id}/pause", s.handlePauseCampaign)
		r.Post("/campaigns/{id}/resume", s.handleResumeCampaign)

		r.Get("/sessions", s.handleListSessions)
		r.Post("/sessions", s.handleCreateSession)
	})
}

// Handler returns the HTTP handler, for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:         s.config.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}

	s.logger.Info("starting HTTP API server", "addr", s.config.ListenAddr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP API server")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
