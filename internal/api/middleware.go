package api

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/pulsecast/pulsecast/internal/metrics"
)

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"bytes", ww.BytesWritten(),
			"remote_addr", r.RemoteAddr,
		)

		if m := metrics.Get(); m != nil {
			m.APIRequestsTotal.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(ww.Status())).Inc()
			m.APIRequestDurationSeconds.WithLabelValues(r.Method, r.URL.Path).Observe(time.Since(start).Seconds())
		}
	})
}

// ipFilterMiddleware rejects requests from outside the configured address
// allowlist. An empty allowlist admits everyone.
func (s *Server) ipFilterMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.ipAllow) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		host := r.RemoteAddr
		if h, _, err := net.SplitHostPort(host); err == nil {
			host = h
		}
		if ip := net.ParseIP(host); ip != nil {
			for _, n := range s.ipAllow {
				if n.Contains(ip) {
					next.ServeHTTP(w, r)
					return
				}
			}
		}

		s.logger.Warn("request from disallowed address",
			"remote_addr", r.RemoteAddr,
			"path", r.URL.Path,
		)
		http.Error(w, "Forbidden", http.StatusForbidden)
	})
}

// authMiddleware checks API key authentication
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.config.APIKeys) == 0 {
			// No API keys configured, allow all
			next.ServeHTTP(w, r)
			return
		}

		auth := r.Header.Get("Authorization")
		if auth == "" {
			auth = r.Header.Get("X-API-Key")
		}
		if strings.HasPrefix(auth, "Bearer ") {
			auth = strings.TrimPrefix(auth, "Bearer ")
		}

		for _, key := range s.config.APIKeys {
			if auth == key {
				next.ServeHTTP(w, r)
				return
			}
		}

		s.logger.Warn("unauthorized API request",
			"remote_addr", r.RemoteAddr,
			"path", r.URL.Path,
		)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
	})
}
