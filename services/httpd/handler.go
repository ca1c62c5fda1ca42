package httpd

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi"
	"go.uber.org/zap"

	"github.com/shardpilot/shardpilot/cluster"
	"github.com/shardpilot/shardpilot/failover"
	"github.com/shardpilot/shardpilot/logger"
	"github.com/shardpilot/shardpilot/router"
)

// Handler serves the admin API routes.
type Handler struct {
	mux *chi.Mux

	Router interface {
		Statistics() []router.ShardStatistics
		CacheStats() router.CacheStatistics
	}

	TopologyStore interface {
		Status() []cluster.ShardStatus
	}

	Coordinator interface {
		TriggerManual(ctx context.Context, shardID, targetNodeID string) (*failover.Operation, error)
		History() []*failover.Operation
		Statistics() failover.Statistics
		Enabled() bool
		SetEnabled(enabled bool)
	}

	// Metrics serves GET /metrics. Set to a promhttp handler by the
	// server; nil responds with 404.
	Metrics http.Handler

	Logger     *zap.Logger
	logEnabled bool
}

// NewHandler returns a new instance of Handler.
func NewHandler(c Config) *Handler {
	h := &Handler{
		Logger:     zap.NewNop(),
		logEnabled: c.LogEnabled,
	}

	r := chi.NewRouter()
	r.Use(h.logRequest)

	r.Get("/ping", h.handlePing)
	r.Head("/ping", h.handlePing)
	r.Get("/status", h.handleStatus)
	r.Get("/statistics", h.handleStatistics)
	r.Get("/failover/operations", h.handleOperations)
	r.Post("/failover", h.handleTrigger)
	r.Put("/failover/enabled", h.handleSetEnabled)
	r.Get("/metrics", h.handleMetrics)

	h.mux = r
	return h
}

// ServeHTTP responds to HTTP requests.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// logRequest attaches the handler's logger to the request context and logs
// the request once served.
func (h *Handler) logRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := logger.NewContextWithLogger(r.Context(), h.Logger)
		if !h.logEnabled {
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		start := time.Now()
		next.ServeHTTP(w, r.WithContext(ctx))
		h.Logger.Debug("Request served",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("took", time.Since(start)))
	})
}

// handlePing is the HTTP handler for the GET /ping route.
func (h *Handler) handlePing(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

type statusResponse struct {
	Shards []cluster.ShardStatus `json:"shards"`
}

// handleStatus is the HTTP handler for the GET /status route.
func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, statusResponse{Shards: h.TopologyStore.Status()})
}

type statisticsResponse struct {
	Shards   []router.ShardStatistics `json:"shards"`
	Cache    router.CacheStatistics   `json:"cache"`
	Failover failover.Statistics      `json:"failover"`
}

// handleStatistics is the HTTP handler for the GET /statistics route.
func (h *Handler) handleStatistics(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, statisticsResponse{
		Shards:   h.Router.Statistics(),
		Cache:    h.Router.CacheStats(),
		Failover: h.Coordinator.Statistics(),
	})
}

type operationsResponse struct {
	Operations []*failover.Operation `json:"operations"`
}

// handleOperations is the HTTP handler for the GET /failover/operations
// route. An optional limit query parameter caps the result, newest first.
func (h *Handler) handleOperations(w http.ResponseWriter, r *http.Request) {
	ops := h.Coordinator.History()
	if s := r.URL.Query().Get("limit"); s != "" {
		limit, err := strconv.Atoi(s)
		if err != nil || limit < 0 {
			h.writeError(w, http.StatusBadRequest, errors.New("invalid limit"))
			return
		}
		if limit < len(ops) {
			ops = ops[:limit]
		}
	}
	if ops == nil {
		ops = []*failover.Operation{}
	}
	h.writeJSON(w, http.StatusOK, operationsResponse{Operations: ops})
}

type triggerRequest struct {
	ShardID      string `json:"shard_id"`
	TargetNodeID string `json:"target_node_id,omitempty"`
}

// handleTrigger is the HTTP handler for the POST /failover route. It runs
// a manual failover synchronously and returns the finished operation.
func (h *Handler) handleTrigger(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.ShardID == "" {
		h.writeError(w, http.StatusBadRequest, errors.New("shard_id required"))
		return
	}

	log := logger.FromContext(r.Context())
	log.Info("Manual failover requested",
		zap.String("shard", req.ShardID),
		zap.String("target", req.TargetNodeID))

	op, err := h.Coordinator.TriggerManual(r.Context(), req.ShardID, req.TargetNodeID)
	if err != nil {
		h.writeJSON(w, triggerStatusCode(err), map[string]interface{}{
			"error":     err.Error(),
			"operation": op,
		})
		return
	}
	h.writeJSON(w, http.StatusOK, op)
}

// triggerStatusCode maps a failover trigger error to an HTTP status.
func triggerStatusCode(err error) int {
	switch {
	case errors.Is(err, cluster.ErrShardNotFound):
		return http.StatusNotFound
	case errors.Is(err, failover.ErrShardLocked), errors.Is(err, failover.ErrCooldownActive):
		return http.StatusConflict
	case errors.Is(err, failover.ErrDisabled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

type enabledRequest struct {
	Enabled bool `json:"enabled"`
}

// handleSetEnabled is the HTTP handler for the PUT /failover/enabled route.
func (h *Handler) handleSetEnabled(w http.ResponseWriter, r *http.Request) {
	var req enabledRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	h.Coordinator.SetEnabled(req.Enabled)
	h.writeJSON(w, http.StatusOK, enabledRequest{Enabled: h.Coordinator.Enabled()})
}

// handleMetrics is the HTTP handler for the GET /metrics route.
func (h *Handler) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if h.Metrics == nil {
		http.NotFound(w, r)
		return
	}
	h.Metrics.ServeHTTP(w, r)
}

func (h *Handler) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.Logger.Warn("Unable to encode response", zap.Error(err))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, code int, err error) {
	h.writeJSON(w, code, map[string]string{"error": err.Error()})
}
