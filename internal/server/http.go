package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/mxcrafts/opentrack/internal/collector"
	"github.com/mxcrafts/opentrack/internal/config"
	"github.com/mxcrafts/opentrack/internal/monitor/openat"
	"github.com/mxcrafts/opentrack/pkg/logger"
)

// maxEntries bounds the recent event window.
const maxEntries = 1000

// Controller is the part of the monitor the server exposes.
type Controller interface {
	Status() openat.Status
	TargetPID() uint32
	SetTargetPID(pid uint32) error
}

// LogEntry is one recent event as served by /api/events.
type LogEntry struct {
	Timestamp string                 `json:"timestamp"`
	Type      string                 `json:"type"`
	Data      map[string]interface{} `json:"data"`
}

// FilterRequest is the body of GET and PUT /api/filter.
type FilterRequest struct {
	TargetPID *uint32 `json:"target_pid"`
}

// Server is the HTTP control surface.
type Server struct {
	addr     string
	ctl      Controller
	hostname string
	server   *http.Server

	logs      []LogEntry // newest first
	logsMutex sync.RWMutex
}

// NewServer creates a control server for ctl.
func NewServer(cfg *config.Config, ctl Controller, hostname string) *Server {
	return &Server{
		addr:     net.JoinHostPort(cfg.HttpServer.Host, strconv.Itoa(cfg.HttpServer.Port)),
		ctl:      ctl,
		hostname: hostname,
	}
}

// Handler returns the routes of the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", s.statusHandler)
	mux.HandleFunc("/api/filter", s.filterHandler)
	mux.HandleFunc("/api/events", s.eventsHandler)
	return mux
}

// Start binds the listen address and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}

	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Global.Info("HTTP server started", "address", ln.Addr().String())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.Global.Error("HTTP server error", "error", err)
		}
	}()

	return nil
}

// Stop shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		logger.Global.Info("Stopping HTTP server")
		return s.server.Shutdown(ctx)
	}
	return nil
}

// ProcessEvent records an event in the recent window.
func (s *Server) ProcessEvent(event collector.Event) {
	if event == nil {
		return
	}

	entry := LogEntry{
		Timestamp: event.GetTimestamp().Format(time.RFC3339Nano),
		Type:      event.GetType(),
	}
	if dataProvider, ok := event.(interface{ GetData() map[string]interface{} }); ok {
		entry.Data = dataProvider.GetData()
	} else {
		entry.Data = map[string]interface{}{"raw": fmt.Sprintf("%v", event)}
	}

	s.logsMutex.Lock()
	defer s.logsMutex.Unlock()

	if len(s.logs) >= maxEntries {
		s.logs = s.logs[:maxEntries-1]
	}
	s.logs = append([]LogEntry{entry}, s.logs...)
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}

	writeJSON(w, http.StatusOK, struct {
		openat.Status
		Host string `json:"host"`
	}{
		Status: s.ctl.Status(),
		Host:   s.hostname,
	})
}

func (s *Server) filterHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		pid := s.ctl.TargetPID()
		writeJSON(w, http.StatusOK, FilterRequest{TargetPID: &pid})

	case http.MethodPut:
		var req FilterRequest
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1024))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			http.Error(w, fmt.Sprintf("invalid filter: %v", err), http.StatusBadRequest)
			return
		}
		if req.TargetPID == nil {
			http.Error(w, "invalid filter: target_pid is required", http.StatusBadRequest)
			return
		}

		if err := s.ctl.SetTargetPID(*req.TargetPID); err != nil {
			logger.Global.Error("Failed to update filter", "error", err)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		logger.Global.Info("Target pid changed over HTTP",
			"target_pid", *req.TargetPID,
			"remote", r.RemoteAddr)
		writeJSON(w, http.StatusOK, req)

	default:
		methodNotAllowed(w, http.MethodGet, http.MethodPut)
	}
}

func (s *Server) eventsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}

	limit := 100
	if l, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && l > 0 {
		limit = l
	}

	s.logsMutex.RLock()
	if limit > len(s.logs) {
		limit = len(s.logs)
	}
	entries := make([]LogEntry, limit)
	copy(entries, s.logs[:limit])
	s.logsMutex.RUnlock()

	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	writeJSON(w, http.StatusOK, entries)
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	for _, m := range allowed {
		w.Header().Add("Allow", m)
	}
	http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Global.Error("Failed to encode JSON", "error", err)
	}
}
