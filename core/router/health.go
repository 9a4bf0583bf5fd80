package router

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/relaycore/llmcore/core/breaker"
	"github.com/relaycore/llmcore/core/capacity"
	"github.com/relaycore/llmcore/core/classify"
	"github.com/relaycore/llmcore/core/types"
)

// Prober performs a cheap liveness probe against one endpoint's provider.
// Provider adapters implement this; an error means the provider is
// unreachable, not that it is out of capacity.
type Prober interface {
	Probe(ctx context.Context, endpoint types.Endpoint) error
}

// HealthChecker periodically probes every declared endpoint's provider and
// feeds the results into the Breaker Set and Capacity Registry outside the
// request path, so a long-idle endpoint that recovered (or died) is not
// rediscovered only by a live request failing on it.
type HealthChecker struct {
	router   Router
	breakers breaker.Set
	capacity capacity.Registry
	probers  map[string]Prober // providerID -> prober
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewHealthChecker constructs a checker over the given router's catalog.
// probers may omit providers; unprobed providers are skipped rather than
// guessed at.
func NewHealthChecker(r Router, breakers breaker.Set, cap capacity.Registry, probers map[string]Prober, interval, timeout time.Duration, logger *zap.Logger) *HealthChecker {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthChecker{
		router:   r,
		breakers: breakers,
		capacity: cap,
		probers:  probers,
		interval: interval,
		timeout:  timeout,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

// Start blocks, probing on each tick until ctx is done or Stop is called.
// Callers run it in its own goroutine.
func (h *HealthChecker) Start(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.CheckAll(ctx)
		}
	}
}

// Stop ends a running Start loop.
func (h *HealthChecker) Stop() {
	h.stopOnce.Do(func() { close(h.stopCh) })
}

// CheckAll probes each provider once (not once per endpoint — siblings
// share reachability the same way they share quota) and records the result
// against every endpoint declared under it.
func (h *HealthChecker) CheckAll(ctx context.Context) {
	byProvider := make(map[string][]types.Endpoint)
	for _, ep := range h.router.Endpoints() {
		byProvider[ep.ProviderID] = append(byProvider[ep.ProviderID], ep)
	}

	h.capacity.Tick(time.Now())

	for providerID, endpoints := range byProvider {
		p, ok := h.probers[providerID]
		if !ok {
			continue
		}

		probeCtx, cancel := context.WithTimeout(ctx, h.timeout)
		start := time.Now()
		err := p.Probe(probeCtx, endpoints[0])
		cancel()

		if err != nil {
			h.logger.Warn("health probe failed",
				zap.String("provider", providerID),
				zap.Duration("latency", time.Since(start)),
				zap.Error(err),
			)
			for _, ep := range endpoints {
				h.breakers.Record(ep.ID(), breaker.Failure, classify.Transport)
			}
			continue
		}

		for _, ep := range endpoints {
			// A probe success counts like any other success: it resets the
			// closed-state failure count and, for a HalfOpen breaker whose
			// probe slot it consumed, advances recovery.
			if h.breakers.Admit(ep.ID()) == breaker.Proceed {
				h.breakers.Record(ep.ID(), breaker.Success, classify.None)
			}
		}
	}
}
