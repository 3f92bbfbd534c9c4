// HTTP endpoint for Prometheus scraping
//
// Copyright (C) 2026 Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	"context"
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"klipper-ace/pkg/log"
)

// ServerConfig configures the metrics listener.
type ServerConfig struct {
	Address  string
	Username string
	Password string
}

// Server serves /metrics and /health.
type Server struct {
	cfg  ServerConfig
	m    *ACEMetrics
	http *http.Server
	ln   net.Listener
}

func NewServer(m *ACEMetrics, cfg ServerConfig) *Server {
	s := &Server{cfg: cfg, m: m}
	s.http = &http.Server{
		Handler:      s.Routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Routes returns the handler tree, usable on its own or mounted.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/metrics", s.handleMetrics)
	r.Head("/metrics", s.handleMetrics)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("OK\n"))
	})
	return r
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		w.Header().Set("WWW-Authenticate", `Basic realm="ACE metrics"`)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	out := s.m.Gather()
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.Header().Set("Content-Length", strconv.Itoa(len(out)))
	if r.Method == http.MethodHead {
		return
	}
	_, _ = w.Write([]byte(out))
}

func (s *Server) authorized(r *http.Request) bool {
	if s.cfg.Username == "" && s.cfg.Password == "" {
		return true
	}
	u, p, ok := r.BasicAuth()
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(u), []byte(s.cfg.Username)) == 1 &&
		subtle.ConstantTimeCompare([]byte(p), []byte(s.cfg.Password)) == 1
}

// Start listens and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return err
	}
	s.ln = ln
	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.GetLogger("metrics").WithError(err).Error("metrics server stopped")
		}
	}()
	return nil
}

// Addr is the bound address once started.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.cfg.Address
	}
	return s.ln.Addr().String()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
