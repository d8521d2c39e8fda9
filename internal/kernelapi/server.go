// Package kernelapi serves a small HTTP admin surface over a running kernel.
package kernelapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"nonobvious/internal/core/network"
	"nonobvious/internal/metrics"
	"nonobvious/internal/node"
	"nonobvious/internal/scheduler"
)

var json = sonic.ConfigStd

type Server struct {
	kernel  *scheduler.Scheduler
	bus     network.Bus
	metrics *metrics.Metrics
	log     *zap.Logger
}

func NewServer(k *scheduler.Scheduler, bus network.Bus, m *metrics.Metrics, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{kernel: k, bus: bus, metrics: m, log: log.Named("api")}
}

func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/kernel/nodes", s.handleNodes)
	mux.HandleFunc("/api/kernel/nodes/", s.handleNode)
	mux.HandleFunc("/api/kernel/topics", s.handleTopics)
	mux.HandleFunc("/api/kernel/publish", s.handlePublish)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics.Handler())
	}
}

func (s *Server) handleNodes(w http.ResponseWriter, r *http.Request) {
	if s.kernel == nil {
		writeError(w, http.StatusServiceUnavailable, "kernel unavailable")
		return
	}
	if r.Method == http.MethodOptions {
		writeNoContent(w)
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"nodes": s.kernel.Nodes()})
}

func (s *Server) handleNode(w http.ResponseWriter, r *http.Request) {
	if s.kernel == nil {
		writeError(w, http.StatusServiceUnavailable, "kernel unavailable")
		return
	}
	if r.Method == http.MethodOptions {
		writeNoContent(w)
		return
	}
	trimmed := strings.TrimPrefix(r.URL.Path, "/api/kernel/nodes/")
	parts := strings.Split(strings.Trim(trimmed, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusNotFound, "node id missing")
		return
	}
	id := node.ID(parts[0])
	action := ""
	if len(parts) > 1 {
		action = parts[1]
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		for _, info := range s.kernel.Nodes() {
			if info.ID == id {
				writeJSON(w, http.StatusOK, map[string]any{"node": info})
				return
			}
		}
		writeError(w, http.StatusNotFound, "node not found")
	case action == "deschedule" && r.Method == http.MethodPost:
		if !s.kernel.DescheduleID(id) {
			writeError(w, http.StatusNotFound, "node not found")
			return
		}
		s.log.Info("node descheduled", zap.String("node_id", string(id)))
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		writeError(w, http.StatusNotFound, "route not found")
	}
}

func (s *Server) handleTopics(w http.ResponseWriter, r *http.Request) {
	if s.kernel == nil {
		writeError(w, http.StatusServiceUnavailable, "kernel unavailable")
		return
	}
	if r.Method == http.MethodOptions {
		writeNoContent(w)
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, s.kernel.Registry().Snapshot())
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		writeError(w, http.StatusServiceUnavailable, "bus unavailable")
		return
	}
	if r.Method == http.MethodOptions {
		writeNoContent(w)
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		Topic   string `json:"topic"`
		Message any    `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Topic == "" {
		writeError(w, http.StatusBadRequest, "topic required")
		return
	}
	if err := s.bus.Endpoint(req.Topic).Send(r.Context(), req.Message); err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, network.ErrTopicEmpty) {
			status = http.StatusBadRequest
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

func writeNoContent(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	w.WriteHeader(http.StatusNoContent)
}
