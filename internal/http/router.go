package httpx

import (
	"bufio"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zinnnn37/loglens/internal/repository"
	"github.com/zinnnn37/loglens/internal/service/alerts"
	"github.com/zinnnn37/loglens/internal/service/flow"
	"github.com/zinnnn37/loglens/internal/service/ingest"
	"github.com/zinnnn37/loglens/internal/service/logs"
	"github.com/zinnnn37/loglens/internal/service/metrics"
	"github.com/zinnnn37/loglens/internal/ws"
)

// Router wires HTTP endpoints to services.
type Router struct {
	mux        *http.ServeMux
	logger     *slog.Logger
	logs       logs.Service
	flows      flow.Service
	metrics    *metrics.Service
	ingest     ingest.Service
	alerts     *alerts.Publisher
	upgrader   websocket.Upgrader
	limiter    RateLimiter
	agentToken string
	dbHealth   func(context.Context) error

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec

	heartbeatEvery time.Duration
}

const (
	rateWindowDefault  = time.Minute
	rateWindowRealtime = 30 * time.Second
	rateLimitRead      = 120
	rateLimitStream    = 30
	rateLimitIngest    = 600
	healthCheckTimeout = 2 * time.Second
	defaultPageSize    = 20
	defaultHeartbeat   = 30 * time.Second
)

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, logSvc logs.Service, flowSvc flow.Service, metricsSvc *metrics.Service, ingestSvc ingest.Service, alertPub *alerts.Publisher, limiter RateLimiter, agentToken string, dbHealth func(context.Context) error) *Router {
	r := &Router{
		mux:     http.NewServeMux(),
		logger:  logger,
		logs:    logSvc,
		flows:   flowSvc,
		metrics: metricsSvc,
		ingest:  ingestSvc,
		alerts:  alertPub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:        limiter,
		agentToken:     strings.TrimSpace(agentToken),
		dbHealth:       dbHealth,
		heartbeatEvery: defaultHeartbeat,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit(r.handleHealthz))
	r.mux.Handle("/metrics-internal", promhttp.Handler())
	r.mux.HandleFunc("/logs/", r.audit(r.withRateLimit("logs", rateLimitRead, rateWindowDefault, rateLimitKeyIP, r.handleLogs)))
	r.mux.HandleFunc("/flows/", r.audit(r.withRateLimit("flows", rateLimitRead, rateWindowDefault, rateLimitKeyIP, r.handleFlow)))
	r.mux.HandleFunc("/metrics/", r.audit(r.withRateLimit("metrics", rateLimitRead, rateWindowDefault, rateLimitKeyIP, r.handleMetrics)))
	r.mux.HandleFunc("/alerts/", r.audit(r.withRateLimit("alerts", rateLimitStream, rateWindowRealtime, rateLimitKeyIP, r.handleAlerts)))
	r.mux.HandleFunc("/ws/alerts", r.audit(r.withRateLimit("ws_alerts", rateLimitStream, rateWindowRealtime, rateLimitKeyIP, r.handleAlertsWS)))
	r.mux.HandleFunc("/ingest/", r.audit(r.handleIngest))
}

func (r *Router) handleLogs(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	projectID := strings.TrimPrefix(req.URL.Path, "/logs/")
	if projectID == "" || strings.Contains(projectID, "/") {
		r.notFound(w)
		return
	}
	query := req.URL.Query()

	size := defaultPageSize
	if raw := query.Get("size"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeErrorCode(w, http.StatusBadRequest, "INVALID_PAGE_SIZE", "size must be an integer")
			return
		}
		size = parsed
	}
	filters := logs.Filters{
		Severity: query.Get("severity"),
		Layer:    query.Get("layer"),
		TraceID:  query.Get("trace_id"),
	}
	var err error
	if filters.From, err = parseTimeParam(query.Get("from")); err != nil {
		writeErrorCode(w, http.StatusBadRequest, "INVALID_TIME_RANGE", "from must be RFC3339")
		return
	}
	if filters.To, err = parseTimeParam(query.Get("to")); err != nil {
		writeErrorCode(w, http.StatusBadRequest, "INVALID_TIME_RANGE", "to must be RFC3339")
		return
	}
	sort := logs.Sort{Ascending: strings.EqualFold(query.Get("sort"), "asc")}

	page, err := r.logs.Search(req.Context(), projectID, filters, sort, query.Get("cursor"), size)
	if err != nil {
		switch {
		case errors.Is(err, logs.ErrInvalidPageSize):
			writeErrorCode(w, http.StatusBadRequest, "INVALID_PAGE_SIZE", err.Error())
		case errors.Is(err, logs.ErrInvalidCursor):
			writeErrorCode(w, http.StatusBadRequest, "INVALID_CURSOR", err.Error())
		case errors.Is(err, logs.ErrInvalidTimeRange):
			writeErrorCode(w, http.StatusBadRequest, "INVALID_TIME_RANGE", err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"records":     recordsPayload(page),
		"next_cursor": page.NextCursor,
		"has_next":    page.HasNext,
	})
}

func (r *Router) handleFlow(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	trimmed := strings.TrimPrefix(req.URL.Path, "/flows/")
	parts := strings.Split(trimmed, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		r.notFound(w)
		return
	}
	reconstructed, err := r.flows.Reconstruct(req.Context(), parts[0], parts[1])
	if err != nil {
		if errors.Is(err, flow.ErrTraceNotFound) {
			writeErrorCode(w, http.StatusNotFound, "TRACE_NOT_FOUND", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, flowPayload(reconstructed))
}

func (r *Router) handleMetrics(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	projectID := strings.TrimPrefix(req.URL.Path, "/metrics/")
	if projectID == "" || strings.Contains(projectID, "/") {
		r.notFound(w)
		return
	}
	// Reads trigger an incremental pass; contention and short windows are
	// fine, the stored aggregate is served either way.
	if err := r.metrics.AggregateIncremental(req.Context(), projectID); err != nil &&
		!errors.Is(err, metrics.ErrAggregationSkipped) {
		r.logger.Warn("incremental aggregation failed", "project_id", projectID, "error", err)
	}
	aggregate, err := r.metrics.Get(req.Context(), projectID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeErrorCode(w, http.StatusNotFound, "AGGREGATE_NOT_FOUND", "no aggregate for project")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"project_id":         aggregate.ProjectID,
		"last_aggregated_at": aggregate.LastAggregatedAt.UTC().Format(time.RFC3339Nano),
		"total_calls":        aggregate.TotalCalls,
		"error_count":        aggregate.ErrorCount,
		"warn_count":         aggregate.WarnCount,
		"error_rate":         aggregate.ErrorRate(),
	})
}

func (r *Router) handleAlerts(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	trimmed := strings.TrimPrefix(req.URL.Path, "/alerts/")
	parts := strings.Split(trimmed, "/")
	projectID := parts[0]
	if projectID == "" {
		r.notFound(w)
		return
	}
	if len(parts) == 2 && parts[1] == "stream" {
		r.handleAlertsSSE(w, req, projectID)
		return
	}
	if len(parts) != 1 {
		r.notFound(w)
		return
	}
	since, err := parseTimeParam(req.URL.Query().Get("since"))
	if err != nil {
		writeErrorCode(w, http.StatusBadRequest, "INVALID_TIME_RANGE", "since must be RFC3339")
		return
	}
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	history, err := r.alerts.History(req.Context(), projectID, since, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	payload := make([]json.RawMessage, 0, len(history))
	for _, alert := range history {
		encoded, err := alerts.MarshalAlert(alert)
		if err != nil {
			continue
		}
		payload = append(payload, encoded)
	}
	writeJSON(w, http.StatusOK, payload)
}

func (r *Router) handleAlertsSSE(w http.ResponseWriter, req *http.Request, projectID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	client := ws.NewSSEClient(w, flusher, r.logger)
	hub := r.alerts.Hub()
	hub.Register(projectID, client)
	defer func() {
		hub.Unregister(projectID, client)
		client.Close()
	}()

	// Catch-up for reconnecting subscribers; best effort only.
	if since, err := parseTimeParam(req.URL.Query().Get("since")); err == nil && !since.IsZero() {
		history, err := r.alerts.History(req.Context(), projectID, since, 100)
		if err == nil {
			for i := len(history) - 1; i >= 0; i-- {
				if payload, err := alerts.MarshalAlert(history[i]); err == nil {
					if client.Send(payload) != nil {
						return
					}
				}
			}
		}
	}

	heartbeat := time.NewTicker(r.heartbeatEvery)
	defer heartbeat.Stop()
	for {
		select {
		case <-req.Context().Done():
			return
		case <-client.Done():
			return
		case <-heartbeat.C:
			if client.Heartbeat() != nil {
				return
			}
		}
	}
}

func (r *Router) handleAlertsWS(w http.ResponseWriter, req *http.Request) {
	projectID := req.URL.Query().Get("project_id")
	if projectID == "" {
		writeError(w, http.StatusBadRequest, "project_id query parameter required")
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	hub := r.alerts.Hub()
	hub.Register(projectID, client)
	go func() {
		defer func() {
			hub.Unregister(projectID, client)
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
			client.Touch()
		}
	}()
}

func (r *Router) handleIngest(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	if !r.verifyAgentToken(w, req) {
		return
	}
	trimmed := strings.TrimPrefix(req.URL.Path, "/ingest/")
	parts := strings.Split(trimmed, "/")
	if len(parts) != 2 || parts[0] == "" {
		r.notFound(w)
		return
	}
	projectID := parts[0]

	key := "agent:" + projectID
	decision := r.limiter.Allow(key, rateLimitIngest, rateWindowDefault)
	r.applyRateHeaders(w, rateLimitIngest, decision)
	if !decision.allowed {
		r.recordRateLimitHit("ingest", "agent")
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	switch parts[1] {
	case "records":
		var payload struct {
			Records []ingest.RecordInput `json:"records"`
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if err := r.ingest.StoreRecords(req.Context(), projectID, payload.Records); err != nil {
			status := http.StatusBadRequest
			if errors.Is(err, repository.ErrNotFound) {
				status = http.StatusNotFound
			}
			writeError(w, status, err.Error())
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "stored"})
	case "graph":
		var payload ingest.GraphInput
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if err := r.ingest.StoreGraph(req.Context(), projectID, payload); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, repository.ErrNotFound) {
				status = http.StatusNotFound
			}
			writeError(w, status, err.Error())
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "stored"})
	default:
		r.notFound(w)
	}
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			status = "degraded"
			components["database"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["database"] = map[string]any{"status": "up"}
		}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

// verifyAgentToken ensures ingest calls include the configured shared secret.
// Token issuance itself lives in the external auth service.
func (r *Router) verifyAgentToken(w http.ResponseWriter, req *http.Request) bool {
	expected := r.agentToken
	if expected == "" {
		r.logger.Error("agent token not configured", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "agent authentication misconfigured")
		return false
	}
	token := strings.TrimSpace(req.Header.Get("X-Agent-Token"))
	if len(token) != len(expected) || subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
		r.logger.Warn("agent token mismatch", "path", req.URL.Path)
		writeError(w, http.StatusUnauthorized, "invalid agent token")
		return false
	}
	return true
}

func (r *Router) audit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		duration := time.Since(start)
		route := routeLabel(req.URL.Path)
		r.recordRequestMetrics(req.Method, route, status, duration)

		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

func routeLabel(path string) string {
	trimmed := strings.TrimPrefix(path, "/")
	if idx := strings.IndexRune(trimmed, '/'); idx > 0 {
		return "/" + trimmed[:idx]
	}
	return path
}

func (r *Router) applyRateHeaders(w http.ResponseWriter, limit int, decision rateDecision) {
	if limit <= 0 {
		return
	}
	remaining := limit - decision.count
	if remaining < 0 {
		remaining = 0
	}
	headers := w.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if !decision.windowEnd.IsZero() {
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.windowEnd.Unix(), 10))
	}
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

func parseTimeParam(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	parsed, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		parsed, err = time.Parse(time.RFC3339, raw)
		if err != nil {
			return time.Time{}, err
		}
	}
	return parsed.UTC(), nil
}
