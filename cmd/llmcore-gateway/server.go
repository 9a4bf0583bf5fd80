package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/relaycore/llmcore/core"
	"github.com/relaycore/llmcore/core/config"
	"github.com/relaycore/llmcore/core/observability"
	"github.com/relaycore/llmcore/core/types"
)

type serverConfig struct {
	Handle    *core.Handle
	Logger    *zap.Logger
	JWTSecret []byte
}

type server struct {
	handle      *core.Handle
	logger      *zap.Logger
	jwtSecret   []byte
	metrics     *observability.Metrics
	rateLimiter *TenantRateLimiter
}

func newServer(cfg serverConfig) *server {
	return &server{
		handle:      cfg.Handle,
		logger:      cfg.Logger,
		jwtSecret:   cfg.JWTSecret,
		metrics:     observability.NewMetrics("llmcore", cfg.Logger),
		rateLimiter: NewTenantRateLimiter(50, 100),
	}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("POST /v1/route_and_call", s.handleRouteAndCall)
	mux.HandleFunc("POST /v1/configure", s.handleConfigure)

	return Chain(mux,
		Recovery(s.logger),
		RequestID,
		RequestLogger(s.logger),
		SecurityHeaders,
		JWTAuth(s.jwtSecret, s.logger),
		s.rateLimiter.Middleware(),
	)
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// routeAndCallRequest is the JSON wire shape for POST /v1/route_and_call,
// mirroring core.Request's fields except the internal NoRecursiveCompact.
type routeAndCallRequest struct {
	Workload             string          `json:"workload"`
	Messages             []types.Message `json:"messages"`
	EstimatedTokens      int64           `json:"estimated_tokens"`
	RequiredCapabilities []string        `json:"required_capabilities"`
	Strategy             string          `json:"strategy"`
	AggressiveCache      bool            `json:"aggressive_cache"`
}

type routeAndCallResponse struct {
	Content      string          `json:"content"`
	ToolCalls    []types.ToolCall `json:"tool_calls,omitempty"`
	InputTokens  int64           `json:"input_tokens"`
	OutputTokens int64           `json:"output_tokens"`
}

func (s *server) handleRouteAndCall(w http.ResponseWriter, r *http.Request) {
	var body routeAndCallRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	caps := make(map[types.Capability]bool, len(body.RequiredCapabilities))
	for _, c := range body.RequiredCapabilities {
		caps[types.Capability(c)] = true
	}

	ctx, cancel := contextWithRequestDeadline(r)
	defer cancel()

	start := time.Now()
	resp, err := s.handle.RouteAndCall(ctx, core.Request{
		Workload:             types.Workload(body.Workload),
		Messages:             body.Messages,
		EstimatedTokens:      body.EstimatedTokens,
		RequiredCapabilities: caps,
		Strategy:             types.Strategy(body.Strategy),
		AggressiveCache:      body.AggressiveCache,
	})
	latency := time.Since(start)

	if err != nil {
		s.writeCoreError(w, err, latency)
		return
	}

	s.metrics.RecordAttempt(body.Workload, "Success", latency)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(routeAndCallResponse{
		Content:      resp.Content,
		ToolCalls:    resp.ToolCalls,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
	})
}

func (s *server) writeCoreError(w http.ResponseWriter, err error, latency time.Duration) {
	coreErr, ok := err.(*core.Error)
	if !ok {
		s.metrics.RecordAttempt("unknown", "Fatal", latency)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	s.metrics.RecordAttempt(coreErr.Endpoint, string(coreErr.Code), latency)

	status := http.StatusInternalServerError
	switch coreErr.Code {
	case core.CodeNoRoute:
		status = http.StatusServiceUnavailable
	case core.CodeExhausted:
		status = http.StatusBadGateway
	case core.CodeCancelled:
		status = http.StatusRequestTimeout
	case core.CodeConfiguration:
		status = http.StatusBadRequest
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"code":    string(coreErr.Code),
		"message": coreErr.Message,
	})
}

// contextWithRequestDeadline honors an optional X-Deadline-Ms header,
// letting a caller bound how long route_and_call may spend failing over
// before it gives up, per §6's deadline parameter.
func contextWithRequestDeadline(r *http.Request) (context.Context, context.CancelFunc) {
	if ms := r.Header.Get("X-Deadline-Ms"); ms != "" {
		if d, err := time.ParseDuration(ms + "ms"); err == nil && d > 0 {
			return context.WithTimeout(r.Context(), d)
		}
	}
	return context.WithCancel(r.Context())
}

// handleConfigure implements the configure() contract over HTTP: the body
// is the same YAML-equivalent JSON document core/config.Document accepts.
func (s *server) handleConfigure(w http.ResponseWriter, r *http.Request) {
	var doc config.Document
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		http.Error(w, "invalid configuration document", http.StatusBadRequest)
		return
	}
	if err := s.handle.Configure(&doc); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
