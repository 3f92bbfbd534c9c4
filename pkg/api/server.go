// ACE host HTTP and websocket API
//
// REST endpoints and JSON-RPC 2.0 (over HTTP POST or websocket) for
// status, commands and print state, with push notifications of status
// changes and operator prompts to subscribed websocket clients.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package api

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"klipper-ace/pkg/host"
	"klipper-ace/pkg/log"
	"klipper-ace/pkg/manager"
	"klipper-ace/pkg/metrics"
)

// Version is reported by server.info.
const Version = "0.3.0"

// DefaultBroadcastInterval bounds how often status notifications go out.
const DefaultBroadcastInterval = 250 * time.Millisecond

// Backend is what the API serves.
type Backend interface {
	Status() manager.Status
	// Execute runs one or more newline-separated commands.
	Execute(ctx context.Context, script string) (string, error)
}

// Config holds server configuration.
type Config struct {
	// Addr is the listen address, e.g. "127.0.0.1:7130".
	Addr    string
	Backend Backend
	// Printer, when set, exposes print start/stop so a host without its
	// own print job tracking can drive runout detection.
	Printer           *host.Standalone
	Metrics           *metrics.ACEMetrics
	BroadcastInterval time.Duration
	Logger            *log.Logger
}

// Server provides the API.
type Server struct {
	cfg     Config
	backend Backend
	log     *log.Logger

	httpServer *http.Server
	ln         net.Listener

	wsUpgrader websocket.Upgrader
	wsClients  map[int64]*WSClient
	wsClientMu sync.RWMutex
	nextWSID   int64

	dirty     atomic.Bool
	running   atomic.Bool
	stop      chan struct{}
	startTime time.Time
}

// New creates a server; Start listens.
func New(cfg Config) *Server {
	if cfg.BroadcastInterval <= 0 {
		cfg.BroadcastInterval = DefaultBroadcastInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = log.GetLogger("api")
	}
	s := &Server{
		cfg:       cfg,
		backend:   cfg.Backend,
		log:       cfg.Logger,
		wsClients: make(map[int64]*WSClient),
		stop:      make(chan struct{}),
		startTime: time.Now(),
	}
	s.wsUpgrader = websocket.Upgrader{
		// Served on the printer's LAN next to Moonraker; any origin may connect.
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	return s
}

// Routes returns the handler tree.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(corsMiddleware)

	r.Post("/jsonrpc", s.handleJSONRPC)
	r.Get("/websocket", s.handleWebSocket)

	r.Get("/server/info", s.restMethod("server.info"))
	r.Get("/ace/status", s.restMethod("ace.status"))
	r.Get("/ace/connections", s.restMethod("ace.connections"))
	r.Post("/ace/command", s.handleCommand)
	r.Post("/ace/tool/{tool}", s.handleChangeTool)
	r.Post("/printer/print/{action}", s.handlePrintAction)

	if s.cfg.Metrics != nil {
		mh := metrics.NewServer(s.cfg.Metrics, metrics.ServerConfig{}).Routes()
		r.Handle("/metrics", mh)
		r.Handle("/health", mh)
	}
	return r
}

// Start listens on Addr and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.httpServer = &http.Server{
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.running.Store(true)
	s.log.Info("API listening on %s", ln.Addr())

	go s.statusBroadcastLoop()
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("API server stopped")
		}
	}()
	return nil
}

// Addr is the bound address once started.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.cfg.Addr
	}
	return s.ln.Addr().String()
}

// Port is the bound TCP port, or 0 before Start.
func (s *Server) Port() int {
	if s.ln == nil {
		return 0
	}
	if a, ok := s.ln.Addr().(*net.TCPAddr); ok {
		return a.Port
	}
	return 0
}

// Stop closes every client and the listener.
func (s *Server) Stop(ctx context.Context) error {
	if !s.running.Swap(false) {
		return nil
	}
	close(s.stop)

	s.wsClientMu.Lock()
	for _, client := range s.wsClients {
		client.Close()
	}
	s.wsClients = make(map[int64]*WSClient)
	s.wsClientMu.Unlock()

	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// NotifyChanged marks the status dirty; subscribed clients get it on the
// next broadcast tick.
func (s *Server) NotifyChanged() { s.dirty.Store(true) }

// NotifyPrompt pushes an operator prompt to every websocket client.
func (s *Server) NotifyPrompt(msg string) {
	s.broadcast(notification("notify_ace_prompt", []any{msg}), false)
}

func (s *Server) statusBroadcastLoop() {
	ticker := time.NewTicker(s.cfg.BroadcastInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if s.dirty.Swap(false) {
				s.broadcastStatus()
			}
		}
	}
}

func (s *Server) broadcastStatus() {
	if s.backend == nil {
		return
	}
	st := s.backend.Status()
	s.broadcast(notification("notify_ace_status", []any{st, s.eventtime()}), true)
}

func (s *Server) broadcast(msg any, subscribedOnly bool) {
	s.wsClientMu.RLock()
	defer s.wsClientMu.RUnlock()
	for _, c := range s.wsClients {
		if subscribedOnly && !c.subscribed.Load() {
			continue
		}
		c.Send(msg)
	}
}

func (s *Server) eventtime() float64 {
	return float64(time.Since(s.startTime).Milliseconds()) / 1000.0
}

func (s *Server) clientCount() int {
	s.wsClientMu.RLock()
	defer s.wsClientMu.RUnlock()
	return len(s.wsClients)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func hostname() string {
	h, _ := os.Hostname()
	return h
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
