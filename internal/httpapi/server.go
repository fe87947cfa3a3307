package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/osmbridge/osmbridge/internal/osmbridge"
)

type ServerConfig struct {
	MaxBodyBytes    int64
	MaxQueryResults int
	QueryTimeout    time.Duration
}

// Server exposes the resolver over HTTP: entity resolution, structured
// queries, diagnostics and a websocket change feed.
type Server struct {
	resolver *osmbridge.Resolver
	logger   zerolog.Logger
	cfg      ServerConfig
	metrics  http.Handler
}

func NewServer(resolver *osmbridge.Resolver, registry *prometheus.Registry, logger zerolog.Logger, cfg ServerConfig) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.MaxQueryResults <= 0 {
		cfg.MaxQueryResults = 10_000
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 2 * time.Minute
	}
	var metricsHandler http.Handler = http.NotFoundHandler()
	if registry != nil {
		metricsHandler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	}
	return &Server{
		resolver: resolver,
		logger:   logger,
		cfg:      cfg,
		metrics:  metricsHandler,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)

	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/metrics" && r.Method == http.MethodGet {
		s.metrics.ServeHTTP(w, r)
		return
	}
	if r.URL.Path == "/v1/query" && r.Method == http.MethodPost {
		s.handleQuery(w, r, correlationID)
		return
	}
	if r.URL.Path == "/v1/diagnostics" && r.Method == http.MethodGet {
		s.handleDiagnostics(w, r, correlationID)
		return
	}
	if r.URL.Path == "/v1/events/ws" && r.Method == http.MethodGet {
		s.handleEvents(w, r, correlationID)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) == 4 && parts[0] == "v1" && parts[1] == "entities" && r.Method == http.MethodGet {
		s.handleResolve(w, r, parts[2], parts[3], correlationID)
		return
	}
	writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request, rawKind, rawID, correlationID string) {
	kind := osmbridge.Kind(rawKind)
	if !kind.Valid() {
		writeError(w, http.StatusBadRequest, "bad_request", "unknown entity kind", correlationID)
		return
	}
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil || id == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid entity id", correlationID)
		return
	}

	resolution, err := s.resolver.Resolve(r.Context(), kind, id)
	if err != nil {
		var conflict *osmbridge.MergeConflictError
		if errors.As(err, &conflict) {
			writeJSON(w, http.StatusConflict, map[string]any{
				"code":          "merge_conflict",
				"message":       err.Error(),
				"correlationId": correlationID,
				"fields":        conflict.Fields,
				"entity":        resolution.Entity,
			})
			return
		}
		s.writeResolveError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, resolution)
}

type queryResponse struct {
	Entities []*osmbridge.Entity `json:"entities"`
	Partial  bool                `json:"partial"`
	Count    int                 `json:"count"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request, correlationID string) {
	var filter osmbridge.Filter
	if !s.decodeJSONBody(w, r, correlationID, &filter) {
		return
	}
	limit := parseBoundedInt(r.URL.Query().Get("limit"), s.cfg.MaxQueryResults, 1, s.cfg.MaxQueryResults)

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.QueryTimeout)
	defer cancel()

	seq, err := s.resolver.ResolveQuery(ctx, filter)
	if err != nil {
		if errors.Is(err, osmbridge.ErrInvalidFilter) {
			writeError(w, http.StatusBadRequest, "invalid_filter", err.Error(), correlationID)
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	defer seq.Close()

	resp := queryResponse{Entities: []*osmbridge.Entity{}}
	for len(resp.Entities) < limit {
		entity, ok := seq.Next(ctx)
		if !ok {
			break
		}
		resp.Entities = append(resp.Entities, entity)
	}
	resp.Partial = seq.Partial()
	resp.Count = len(resp.Entities)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request, correlationID string) {
	limit := parseBoundedInt(r.URL.Query().Get("limit"), 100, 1, 1000)
	diags := s.resolver.Diagnostics().Recent()
	if len(diags) > limit {
		diags = diags[len(diags)-limit:]
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"diagnostics": diags,
		"count":       len(diags),
	})
}

// handleEvents streams committed entity changes over a websocket. A slow
// client misses changes rather than stalling the merge path.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, correlationID string) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Str("correlationId", correlationID).Msg("websocket accept failed")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	changes, cancel := s.resolver.Feed().Subscribe()
	defer cancel()

	ctx := r.Context()
	for {
		select {
		case change, ok := <-changes:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "feed closed")
				return
			}
			if err := wsjson.Write(ctx, conn, change); err != nil {
				return
			}
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "client gone")
			return
		}
	}
}

func (s *Server) writeResolveError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, osmbridge.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, osmbridge.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, osmbridge.ErrRemoteUnavailable):
		writeError(w, http.StatusBadGateway, "remote_unavailable", err.Error(), correlationID)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		writeError(w, http.StatusGatewayTimeout, "timeout", err.Error(), correlationID)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func getCorrelationID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Correlation-Id")); id != "" {
		return id
	}
	return ulid.Make().String()
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func parseBoundedInt(raw string, fallback, min, max int) int {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	if parsed < min {
		return fallback
	}
	if parsed > max {
		return max
	}
	return parsed
}
