package httpx

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/al4/orlo/internal/service/release"
	"github.com/al4/orlo/internal/ws"
)

// Router wires HTTP endpoints to services.
type Router struct {
	mux       *http.ServeMux
	logger    *slog.Logger
	releases  release.Service
	hub       *ws.Hub
	upgrader  websocket.Upgrader
	limiter   RateLimiter
	opts      Options
	dbHealth  func(context.Context) error
	heartbeat time.Duration

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
	streamedReleases   prometheus.Counter
}

// Options tunes per-route limits and streaming.
type Options struct {
	WriteLimit   int
	ReadLimit    int
	SSEHeartbeat time.Duration
}

const (
	rateWindowDefault  = time.Minute
	rateWindowRealtime = 30 * time.Second
	rateLimitRealtime  = 30
	healthCheckTimeout = 2 * time.Second
	maxBodyBytes       = 1 << 20
)

// NewRouter assembles routes with dependencies. A nil hub disables the live
// event endpoints.
func NewRouter(logger *slog.Logger, releases release.Service, hub *ws.Hub, limiter RateLimiter, opts Options) *Router {
	r := &Router{
		mux:      http.NewServeMux(),
		logger:   logger,
		releases: releases,
		hub:      hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:   limiter,
		opts:      opts,
		dbHealth:  releases.Ping,
		heartbeat: opts.SSEHeartbeat,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	if r.heartbeat <= 0 {
		r.heartbeat = 15 * time.Second
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
	read := []rateRule{peerRule(r.opts.ReadLimit, rateWindowDefault)}
	write := []rateRule{peerRule(r.opts.WriteLimit, rateWindowDefault)}
	lifecycle := []rateRule{
		peerRule(r.opts.WriteLimit, rateWindowDefault),
		releaseRule(r.opts.WriteLimit, rateWindowDefault),
	}
	realtime := []rateRule{peerRule(rateLimitRealtime, rateWindowRealtime)}

	r.handle("GET /healthz", r.handleHealthz)
	r.handle("GET /ping", r.handlePing)
	r.mux.Handle("GET /metrics", promhttp.Handler())

	r.handle("POST /releases", r.withRateLimit("releases.create", write, r.handleCreateRelease))
	r.handle("GET /releases", r.withRateLimit("releases.list", read, r.handleListReleases))
	r.handle("GET /releases/{release_id}", r.withRateLimit("releases.get", read, r.handleListReleases))
	r.handle("POST /releases/{release_id}/stop", r.withRateLimit("releases.stop", lifecycle, r.handleStopRelease))
	r.handle("POST /releases/{release_id}/notes", r.withRateLimit("releases.notes", lifecycle, r.handleAddNote))
	r.handle("POST /releases/{release_id}/packages", r.withRateLimit("packages.create", lifecycle, r.handleCreatePackage))
	r.handle("POST /releases/{release_id}/packages/{package_id}/start", r.withRateLimit("packages.start", lifecycle, r.handleStartPackage))
	r.handle("POST /releases/{release_id}/packages/{package_id}/stop", r.withRateLimit("packages.stop", lifecycle, r.handleStopPackage))
	r.handle("POST /releases/{release_id}/packages/{package_id}/results", r.withRateLimit("packages.results", lifecycle, r.handleAddResult))

	r.handle("GET /events", r.withRateLimit("events.sse", realtime, r.handleEventsSSE))
	r.handle("GET /ws/events", r.withRateLimit("events.ws", realtime, r.handleEventsWS))
}

func (r *Router) handle(pattern string, h http.HandlerFunc) {
	route := pattern
	if _, path, ok := strings.Cut(pattern, " "); ok {
		route = path
	}
	r.mux.HandleFunc(pattern, r.audit(route, h))
}

func (r *Router) handlePing(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("pong"))
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
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

func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		duration := time.Since(start)
		r.recordRequestMetrics(req.Method, route, status, duration)

		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"route", route,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if req.URL.RawQuery != "" {
			fields = append(fields, "query", req.URL.RawQuery)
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

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (sr *statusRecorder) WriteHeader(code int) {
	if sr.status == 0 {
		sr.status = code
	}
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

func (sr *statusRecorder) Unwrap() http.ResponseWriter {
	return sr.ResponseWriter
}

// clientIP is the reported client address for audit logs. It honours
// X-Forwarded-For and must not be used for accounting.
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
	return remoteHost(req)
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
