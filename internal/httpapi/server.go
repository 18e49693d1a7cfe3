package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/relaydoc/internal/docstore"
	"github.com/agentworkforce/relaydoc/internal/replication"
)

type ServerConfig struct {
	JWTSecret string
	// BackendDSN is the state backend of every database; a {database}
	// placeholder is replaced by the database name. Empty keeps data in memory.
	BackendDSN      string
	ValidateRecords bool
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	Logger          *zap.Logger
	Registry        *prometheus.Registry
}

type Server struct {
	cfg         ServerConfig
	logger      *zap.Logger
	databases   *xsync.MapOf[string, *docstore.Store]
	openMu      sync.Mutex
	rateLimiter *rateLimiter
	metrics     http.Handler
	requests    *prometheus.CounterVec
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

func NewServer() *Server {
	return NewServerWithConfig(ServerConfig{})
}

func NewServerWithConfig(cfg ServerConfig) *Server {
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
		cfg.MaxBodyBytes = 8 << 20
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Registry == nil {
		cfg.Registry = prometheus.NewRegistry()
		replication.MustRegisterMetrics(cfg.Registry)
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relaydoc",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Database API requests by route.",
	}, []string{"route"})
	cfg.Registry.MustRegister(requests)

	return &Server{
		cfg:         cfg,
		logger:      cfg.Logger,
		databases:   xsync.NewMapOf[string, *docstore.Store](),
		rateLimiter: limiter,
		metrics:     promhttp.HandlerFor(cfg.Registry, promhttp.HandlerOpts{}),
		requests:    requests,
	}
}

// AddDatabase serves store under name instead of opening it from the
// configured backend.
func (s *Server) AddDatabase(name string, store *docstore.Store) {
	s.databases.Store(name, store)
}

// Database returns the store of a database, opening it on first use.
func (s *Server) Database(name string) (*docstore.Store, error) {
	if store, ok := s.databases.Load(name); ok {
		return store, nil
	}
	if err := validateDatabaseName(name); err != nil {
		return nil, err
	}
	s.openMu.Lock()
	defer s.openMu.Unlock()
	if store, ok := s.databases.Load(name); ok {
		return store, nil
	}
	var backend docstore.StateBackend
	if strings.TrimSpace(s.cfg.BackendDSN) != "" {
		var err error
		backend, err = docstore.BuildStateBackendForDatabase(s.cfg.BackendDSN, name)
		if err != nil {
			return nil, err
		}
	}
	store, err := docstore.NewStoreWithOptions(docstore.StoreOptions{
		StateBackend:    backend,
		ValidateRecords: s.cfg.ValidateRecords,
		Logger:          s.logger.With(zap.String("database", name)),
	})
	if err != nil {
		return nil, err
	}
	s.databases.Store(name, store)
	s.logger.Info("database opened", zap.String("database", name))
	return store, nil
}

func validateDatabaseName(name string) error {
	if name == "" || len(name) > 128 {
		return fmt.Errorf("%w: invalid database name", docstore.ErrInvalidInput)
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
		default:
			return fmt.Errorf("%w: invalid database name %q", docstore.ErrInvalidInput, name)
		}
	}
	return nil
}

// Close closes every open database.
func (s *Server) Close() error {
	var errs error
	s.databases.Range(func(name string, store *docstore.Store) bool {
		errs = multierr.Append(errs, store.Close())
		s.databases.Delete(name)
		return true
	})
	return errs
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/metrics" && r.Method == http.MethodGet {
		s.metrics.ServeHTTP(w, r)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) < 4 || parts[0] != "v1" || parts[1] != "databases" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}
	database := parts[2]

	var requiredScope string
	var route string
	switch {
	case len(parts) == 4 && parts[3] == "changes" && r.Method == http.MethodGet:
		requiredScope = ScopeRead
		route = "changes"
	case len(parts) == 5 && parts[3] == "changes" && parts[4] == "ws" && r.Method == http.MethodGet:
		requiredScope = ScopeRead
		route = "changes_ws"
	case len(parts) == 4 && parts[3] == "revs_diff" && r.Method == http.MethodPost:
		requiredScope = ScopeRead
		route = "revs_diff"
	case len(parts) == 4 && parts[3] == "bulk_get" && r.Method == http.MethodPost:
		requiredScope = ScopeRead
		route = "bulk_get"
	case len(parts) == 4 && parts[3] == "replicate" && r.Method == http.MethodPost:
		requiredScope = ScopeWrite
		route = "replicate"
	case len(parts) == 4 && parts[3] == "bulk_docs" && r.Method == http.MethodPost:
		requiredScope = ScopeWrite
		route = "bulk_docs"
	case len(parts) == 4 && parts[3] == "all_docs" && r.Method == http.MethodGet:
		requiredScope = ScopeRead
		route = "all_docs"
	case len(parts) == 4 && parts[3] == "doc" && r.Method == http.MethodGet:
		requiredScope = ScopeRead
		route = "read_doc"
	case len(parts) == 4 && parts[3] == "doc" && r.Method == http.MethodDelete:
		requiredScope = ScopeWrite
		route = "delete_doc"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, database, requiredScope, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return
	}
	if s.rateLimiter != nil {
		key := database + "|" + claims.Agent
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
	s.requests.WithLabelValues(route).Inc()

	store, err := s.Database(database)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}

	switch route {
	case "changes":
		s.handleChanges(w, r, store, correlationID)
	case "changes_ws":
		s.handleChangesSocket(w, r, store, database)
	case "revs_diff":
		s.handleRevsDiff(w, r, store, correlationID)
	case "bulk_get":
		s.handleBulkGet(w, r, store, correlationID)
	case "replicate":
		s.handleReplicate(w, r, store, correlationID)
	case "bulk_docs":
		s.handleBulkDocs(w, r, store, correlationID)
	case "all_docs":
		writeJSON(w, http.StatusOK, replication.AllDocsResponse{Rows: store.AllDocs(r.URL.Query().Get("prefix"))})
	case "read_doc":
		s.handleReadDoc(w, r, store, correlationID)
	case "delete_doc":
		s.handleDeleteDoc(w, r, store, correlationID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

func filterFromQuery(r *http.Request) docstore.Filter {
	q := r.URL.Query()
	return docstore.Filter{
		Prefix: q.Get("prefix"),
		IDs:    q["id"],
		View:   q.Get("view"),
	}
}

func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request, store *docstore.Store, correlationID string) {
	var since uint64
	if raw := strings.TrimSpace(r.URL.Query().Get("since")); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid since query", correlationID)
			return
		}
		since = parsed
	}
	limit := parseBoundedInt(r.URL.Query().Get("limit"), 500, 1, 10000)
	feed, err := store.Changes(docstore.ChangesRequest{Since: since, Limit: limit, Filter: filterFromQuery(r)})
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, feed)
}

// handleChangesSocket sends the latest sequence whenever a change matching
// the query filter is committed.
func (s *Server) handleChangesSocket(w http.ResponseWriter, r *http.Request, store *docstore.Store, database string) {
	filter := filterFromQuery(r)
	if err := filter.Validate(); err != nil {
		s.writeStoreError(w, err, getCorrelationID(r))
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", zap.String("database", database), zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	ctx := conn.CloseRead(r.Context())

	updates, cancel := store.Subscribe()
	defer cancel()
	since := store.Seq()
	for {
		select {
		case <-ctx.Done():
			return
		case seq, ok := <-updates:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "database closed")
				return
			}
			feed, err := store.Changes(docstore.ChangesRequest{Since: since, Limit: 1, Filter: filter})
			since = seq
			if err != nil || len(feed.Results) == 0 {
				continue
			}
			if err := wsjson.Write(ctx, conn, replication.ChangeNotification{Seq: seq}); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleRevsDiff(w http.ResponseWriter, r *http.Request, store *docstore.Store, correlationID string) {
	var req replication.RevsRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	writeJSON(w, http.StatusOK, replication.RevsDiffResponse{Missing: store.RevsDiff(req.Revs)})
}

func (s *Server) handleBulkGet(w http.ResponseWriter, r *http.Request, store *docstore.Store, correlationID string) {
	var req replication.RevsRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	writeJSON(w, http.StatusOK, replication.BulkGetResponse{Revisions: store.LeafRevisions(req.Revs)})
}

func (s *Server) handleReplicate(w http.ResponseWriter, r *http.Request, store *docstore.Store, correlationID string) {
	var req replication.ReplicateRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	applied, err := store.PutReplicated(req.Revisions)
	var storageErr *docstore.StorageError
	if errors.As(err, &storageErr) || errors.Is(err, docstore.ErrClosed) {
		s.writeStoreError(w, err, correlationID)
		return
	}
	resp := replication.ReplicateResponse{Applied: applied}
	for _, recordErr := range multierr.Errors(err) {
		resp.Errors = append(resp.Errors, recordErr.Error())
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleBulkDocs(w http.ResponseWriter, r *http.Request, store *docstore.Store, correlationID string) {
	var req replication.BulkDocsRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	if len(req.Docs) == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "docs must not be empty", correlationID)
		return
	}
	results := store.PutMany(req.Docs)
	writeJSON(w, http.StatusOK, replication.BulkDocsResponse{Results: replication.EncodePutResults(results)})
}

func (s *Server) handleReadDoc(w http.ResponseWriter, r *http.Request, store *docstore.Store, correlationID string) {
	id := r.URL.Query().Get("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing id query", correlationID)
		return
	}
	var (
		doc docstore.Record
		err error
	)
	switch {
	case r.URL.Query().Get("rev") != "":
		doc, err = store.GetRevision(id, r.URL.Query().Get("rev"))
	case parseBool(r.URL.Query().Get("conflicts"), false):
		doc, _, err = store.GetWithConflicts(id)
	default:
		doc, err = store.Get(id)
	}
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	w.Header().Set("ETag", doc.Rev)
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleDeleteDoc(w http.ResponseWriter, r *http.Request, store *docstore.Store, correlationID string) {
	id := r.URL.Query().Get("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing id query", correlationID)
		return
	}
	rev := r.URL.Query().Get("rev")
	if rev == "" {
		rev = normalizeIfMatchHeader(r.Header.Get("If-Match"))
	}
	if rev == "" {
		writeError(w, http.StatusPreconditionFailed, "precondition_failed", "missing rev query or If-Match header", correlationID)
		return
	}
	result, err := store.Remove(id, rev)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, replication.EncodePutResults([]docstore.PutResult{result})[0])
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error, correlationID string) {
	var conflict *docstore.ConflictError
	if errors.As(err, &conflict) {
		writeJSON(w, http.StatusConflict, map[string]any{
			"code":             replication.CodeConflict,
			"message":          err.Error(),
			"correlationId":    correlationID,
			"expectedRevision": conflict.ExpectedRevision,
			"currentRevision":  conflict.CurrentRevision,
		})
		return
	}
	code := replication.ErrorCode(err)
	switch code {
	case replication.CodeImmutable, replication.CodeConflict:
		writeError(w, http.StatusConflict, code, err.Error(), correlationID)
	case replication.CodeInvalid:
		writeError(w, http.StatusBadRequest, code, err.Error(), correlationID)
	case replication.CodeNotFound:
		writeError(w, http.StatusNotFound, code, err.Error(), correlationID)
	default:
		s.logger.Error("store failure", zap.String("correlationId", correlationID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, code, err.Error(), correlationID)
	}
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

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
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
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

func normalizeIfMatchHeader(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	if strings.HasPrefix(value, "W/") || strings.HasPrefix(value, "w/") {
		value = strings.TrimSpace(value[2:])
	}
	if len(value) >= 2 && strings.HasPrefix(value, "\"") && strings.HasSuffix(value, "\"") {
		value = strings.TrimSpace(value[1 : len(value)-1])
	}
	return value
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

func parseBool(raw string, fallback bool) bool {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	return parsed
}
