package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang/snappy"
	"github.com/google/uuid"

	"github.com/agentworkforce/fieldsync/internal/syncserver"
)

type ServerConfig struct {
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	MaxDecodedBytes int64
	MaxBatchItems   int
	Logger          *slog.Logger
}

type Server struct {
	processor   *syncserver.Processor
	cfg         ServerConfig
	logger      *slog.Logger
	rateLimiter *rateLimiter
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

type syncRequest struct {
	Queue *[]json.RawMessage `json:"queue"`
}

func NewServer(processor *syncserver.Processor) *Server {
	return NewServerWithConfig(processor, ServerConfig{})
}

func NewServerWithConfig(processor *syncserver.Processor, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.MaxDecodedBytes <= 0 {
		cfg.MaxDecodedBytes = 8 * cfg.MaxBodyBytes
	}
	if cfg.MaxBatchItems <= 0 {
		cfg.MaxBatchItems = 500
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		processor:   processor,
		cfg:         cfg,
		logger:      logger,
		rateLimiter: limiter,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/api/ping" && (r.Method == http.MethodGet || r.Method == http.MethodHead) {
		w.Header().Set("Cache-Control", "no-store")
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)})
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) > 0 && parts[0] == "api" {
		parts = parts[1:]
	}

	var requiredScope string
	var route string
	switch {
	case len(parts) == 1 && parts[0] == "offline-sync" && r.Method == http.MethodPost:
		requiredScope = ScopeSyncWrite
		route = "offline_sync"
	case len(parts) == 1 && parts[0] == "collections" && r.Method == http.MethodGet:
		requiredScope = ScopeRecordsRead
		route = "collections"
	case len(parts) == 2 && parts[0] == "collections" && r.Method == http.MethodGet:
		requiredScope = ScopeRecordsRead
		route = "collection"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	correlationID := getCorrelationID(r)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	w.Header().Set("X-Correlation-Id", correlationID)

	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, requiredScope, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if s.rateLimiter != nil {
		key := claims.TenantID + "|" + claims.Subject
		if !s.rateLimiter.allow(key, time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}

	switch route {
	case "offline_sync":
		s.handleOfflineSync(w, r, claims, correlationID)
	case "collections":
		s.handleStores(w, correlationID)
	case "collection":
		s.handleCollection(w, r, claims, parts[1], correlationID)
	}
}

func (s *Server) handleOfflineSync(w http.ResponseWriter, r *http.Request, claims tokenClaims, correlationID string) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	var req syncRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return
	}
	if req.Queue == nil {
		writeError(w, http.StatusBadRequest, "bad_request", "missing queue", correlationID)
		return
	}
	queue := *req.Queue
	if len(queue) > s.cfg.MaxBatchItems {
		writeError(w, http.StatusRequestEntityTooLarge, "batch_too_large", "batch exceeds "+strconv.Itoa(s.cfg.MaxBatchItems)+" operations", correlationID)
		return
	}

	result, err := s.processor.ProcessBatch(r.Context(), claims.TenantID, queue)
	if err != nil {
		var fatal *syncserver.FatalError
		switch {
		case errors.As(err, &fatal):
			s.logger.Error("offline sync failed", "tenant", claims.TenantID, "subject", claims.Subject, "correlation_id", correlationID, "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]any{
				"success":       false,
				"message":       "sync failed, no operations were applied",
				"error":         err.Error(),
				"correlationId": correlationID,
			})
		case errors.Is(err, syncserver.ErrInvalidInput):
			writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		default:
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		}
		return
	}
	status := http.StatusOK
	if !result.Success {
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, result)
}

func (s *Server) handleStores(w http.ResponseWriter, correlationID string) {
	specs := s.processor.Registry().Specs()
	stores := make([]map[string]any, 0, len(specs))
	for _, spec := range specs {
		stores = append(stores, map[string]any{
			"storeName":    spec.StoreName,
			"required":     spec.Required,
			"unique":       spec.Unique,
			"deletePolicy": spec.DeletePolicy,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": stores, "correlationId": correlationID})
}

func (s *Server) handleCollection(w http.ResponseWriter, r *http.Request, claims tokenClaims, storeName, correlationID string) {
	records, err := s.processor.List(r.Context(), claims.TenantID, storeName)
	if err != nil {
		switch {
		case errors.Is(err, syncserver.ErrStoreNotMapped):
			writeError(w, http.StatusNotFound, "store_not_mapped", err.Error(), correlationID)
		default:
			s.logger.Error("collection read failed", "tenant", claims.TenantID, "store", storeName, "error", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to read collection", correlationID)
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"store": storeName, "data": records})
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

// readRequestBody enforces the body limit and inflates snappy-encoded bodies.
func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	switch strings.ToLower(strings.TrimSpace(r.Header.Get("Content-Encoding"))) {
	case "", "identity":
		return body, true
	case "snappy":
		size, err := snappy.DecodedLen(body)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid snappy body", correlationID)
			return nil, false
		}
		if int64(size) > s.cfg.MaxDecodedBytes {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "decoded body exceeds configured limit", correlationID)
			return nil, false
		}
		decoded, err := snappy.Decode(nil, body)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid snappy body", correlationID)
			return nil, false
		}
		return decoded, true
	default:
		writeError(w, http.StatusUnsupportedMediaType, "unsupported_encoding", "unsupported content encoding", correlationID)
		return nil, false
	}
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

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}
