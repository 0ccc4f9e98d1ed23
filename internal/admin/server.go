// Package admin serves the operational HTTP endpoints of a running engine
// and provides the client used by the CLI to call them.
//
// Endpoints:
//
//	GET  /health            liveness
//	GET  /metrics           prometheus exposition
//	GET  /stats             engine.Metrics as JSON
//	POST /flush[?shard=N]   force a WAL flush
//	POST /rebalance         run one load check
//
// Keys are not readable or writable over this surface.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/dreamware/shardkv/internal/engine"
	"github.com/dreamware/shardkv/internal/wal"
)

// Engine is the part of *engine.Engine the handlers use.
type Engine interface {
	Metrics() engine.Metrics
	ForceFlush(ctx context.Context, shardID *int) error
	Rebalance(ctx context.Context) (bool, error)
}

// FlushResponse is returned by POST /flush.
type FlushResponse struct {
	Shard *int `json:"shard,omitempty"`
}

// RebalanceResponse is returned by POST /rebalance.
type RebalanceResponse struct {
	Ran     bool    `json:"ran"`
	Entropy float64 `json:"entropy"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Handler routes the admin endpoints.
type Handler struct {
	engine Engine
	logger *zap.Logger
	mux    *http.ServeMux
}

// NewHandler returns a handler for e. Metrics are gathered from gatherer;
// a nil gatherer uses the default registry.
func NewHandler(e Engine, gatherer prometheus.Gatherer, logger *zap.Logger) *Handler {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{
		engine: e,
		logger: logger,
		mux:    http.NewServeMux(),
	}
	h.mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	h.mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	h.mux.HandleFunc("/stats", h.handleStats)
	h.mux.HandleFunc("/flush", h.handleFlush)
	h.mux.HandleFunc("/rebalance", h.handleRebalance)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.error(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	h.json(w, http.StatusOK, h.engine.Metrics())
}

func (h *Handler) handleFlush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.error(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}

	var shardID *int
	if s := r.URL.Query().Get("shard"); s != "" {
		id, err := strconv.Atoi(s)
		if err != nil || id < 0 {
			h.error(w, http.StatusBadRequest, errors.New("invalid shard"))
			return
		}
		shardID = &id
	}

	if err := h.engine.ForceFlush(r.Context(), shardID); err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, wal.ErrFlushTimeout):
			status = http.StatusGatewayTimeout
		case errors.Is(err, engine.ErrShardUnavailable):
			status = http.StatusNotFound
		}
		h.error(w, status, err)
		return
	}
	h.json(w, http.StatusOK, FlushResponse{Shard: shardID})
}

func (h *Handler) handleRebalance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.error(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	ran, err := h.engine.Rebalance(r.Context())
	if err != nil {
		h.error(w, http.StatusInternalServerError, err)
		return
	}
	h.json(w, http.StatusOK, RebalanceResponse{Ran: ran, Entropy: h.engine.Metrics().Entropy})
}

func (h *Handler) json(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("Error writing response", zap.Error(err))
	}
}

func (h *Handler) error(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		h.logger.Error("Admin request failed", zap.Int("status", status), zap.Error(err))
	}
	h.json(w, status, ErrorResponse{Error: err.Error()})
}
