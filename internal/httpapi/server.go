// Package httpapi exposes the gateway over HTTP.
//
// Routes:
//
//	POST /v1/query                       run a query through the cache
//	GET  /v1/prewarm/candidates?limit=N  top pre-warm candidates by score
//	GET  /health                         liveness plus backend ping
//	GET  /metrics                        Prometheus scrape endpoint
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/warehouse-query-cache/pkg/gateway"
	"github.com/Sternrassler/warehouse-query-cache/pkg/metrics"
	"github.com/Sternrassler/warehouse-query-cache/pkg/scoring"
	"github.com/Sternrassler/warehouse-query-cache/pkg/warehouse"
)

const (
	// MaxBodyBytes caps the size of a query request body.
	MaxBodyBytes = 2 << 20

	// MaxCandidates caps the limit parameter of the candidate feed.
	MaxCandidates = 1000
)

// QueryHandler serves queries. *gateway.Gateway implements it.
type QueryHandler interface {
	Handle(ctx context.Context, req gateway.Request) (*gateway.Response, error)
}

// CandidateFeed lists pre-warm candidates. *scoring.Engine implements it.
type CandidateFeed interface {
	Candidates(ctx context.Context, limit int) ([]scoring.Candidate, error)
}

// HealthCheck reports whether the backing store is reachable.
type HealthCheck func(ctx context.Context) error

// QueryRequest is the body of POST /v1/query.
type QueryRequest struct {
	SQL          string `json:"sql"`
	UserID       string `json:"userId,omitempty"`
	ForceDynamic bool   `json:"forceDynamic,omitempty"`
}

// QueryResponse is the body of a successful POST /v1/query.
type QueryResponse struct {
	Rows        []warehouse.Row `json:"rows"`
	CacheStatus gateway.Status  `json:"cacheStatus"`
	Strategy    string          `json:"strategy"`
	Fingerprint string          `json:"fingerprint"`
	Persistent  bool            `json:"persistent"`

	// Set on MISS only.
	RowCount   *int   `json:"rowCount,omitempty"`
	DurationMs *int64 `json:"durationMs,omitempty"`
}

// CandidatesResponse is the body of GET /v1/prewarm/candidates.
type CandidatesResponse struct {
	Candidates []scoring.Candidate `json:"candidates"`
}

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"requestId,omitempty"`
}

// Server holds the HTTP handlers.
type Server struct {
	queries QueryHandler
	feed    CandidateFeed
	health  HealthCheck
	logger  zerolog.Logger
}

// NewServer creates the HTTP handlers. health may be nil.
func NewServer(queries QueryHandler, feed CandidateFeed, health HealthCheck, logger zerolog.Logger) *Server {
	return &Server{
		queries: queries,
		feed:    feed,
		health:  health,
		logger:  logger,
	}
}

// Router returns the routed handler with middleware applied.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(requestIDMiddleware, recoveryMiddleware(s.logger), loggingMiddleware(s.logger))

	api := r.PathPrefix("/v1").Subrouter()
	api.HandleFunc("/query", s.handleQuery).Methods(http.MethodPost)
	api.HandleFunc("/prewarm/candidates", s.handleCandidates).Methods(http.MethodGet)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	return r
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxBodyBytes)

	var req QueryRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	resp, err := s.queries.Handle(r.Context(), gateway.Request{
		SQL:          req.SQL,
		UserID:       req.UserID,
		ForceDynamic: req.ForceDynamic,
	})
	if err != nil {
		s.writeGatewayError(w, r, err)
		return
	}

	body := QueryResponse{
		Rows:        resp.Rows,
		CacheStatus: resp.Status,
		Strategy:    string(resp.Strategy),
		Fingerprint: resp.Fingerprint,
		Persistent:  resp.Persistent,
	}
	if resp.Status == gateway.StatusMiss {
		rowCount := resp.RowCount
		durationMs := resp.Duration.Milliseconds()
		body.RowCount = &rowCount
		body.DurationMs = &durationMs
	}

	w.Header().Set("X-Cache-Status", string(resp.Status))
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleCandidates(w http.ResponseWriter, r *http.Request) {
	limit := scoring.DefaultFeedLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > MaxCandidates {
			s.writeError(w, r, http.StatusBadRequest, "limit must be an integer between 1 and "+strconv.Itoa(MaxCandidates))
			return
		}
		limit = n
	}

	candidates, err := s.feed.Candidates(r.Context(), limit)
	if err != nil {
		s.logger.Error().Err(err).Str("request_id", RequestID(r.Context())).Msg("Candidate feed failed")
		s.writeError(w, r, http.StatusInternalServerError, "candidate feed unavailable")
		return
	}

	writeJSON(w, http.StatusOK, CandidatesResponse{Candidates: candidates})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health(r.Context()); err != nil {
			s.logger.Warn().Err(err).Msg("Health check failed")
			http.Error(w, "UNAVAILABLE", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) writeGatewayError(w http.ResponseWriter, r *http.Request, err error) {
	var ve *gateway.ValidationError
	var we *gateway.WarehouseError
	switch {
	case errors.As(err, &ve):
		s.writeError(w, r, http.StatusBadRequest, ve.Error())
	case errors.As(err, &we):
		s.writeError(w, r, http.StatusBadGateway, we.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		s.writeError(w, r, http.StatusGatewayTimeout, "request cancelled")
	default:
		s.logger.Error().Err(err).Str("request_id", RequestID(r.Context())).Msg("Unexpected gateway error")
		s.writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg, RequestID: RequestID(r.Context())})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
