// Package executor implements the Failover Executor (C9): drives one
// request through a RoutingDecision's ranked endpoint list, honoring
// circuit/capacity gates, updating every downstream component on outcome,
// and emitting one observation per attempt. The resilience composition —
// wrapping a single upstream call with breaker admission and classified
// outcome recording — is adapted from the teacher's
// llm.ResilientProvider/WrapProviderWithResilience decorator pattern,
// reshaped from a single-endpoint wrapper into the chain-walking loop
// §4.9 and §9 require: state only ever advances inside this loop, never
// in response to caller resumption, which rules out the teacher's
// generator-continuation pattern entirely.
package executor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/relaycore/llmcore/core/breaker"
	"github.com/relaycore/llmcore/core/capacity"
	"github.com/relaycore/llmcore/core/classify"
	"github.com/relaycore/llmcore/core/credential"
	"github.com/relaycore/llmcore/core/ledger"
	"github.com/relaycore/llmcore/core/limiter"
	"github.com/relaycore/llmcore/core/observability"
	"github.com/relaycore/llmcore/core/types"
	"github.com/relaycore/llmcore/internal/pool"
)

// Caller performs the actual upstream call for one endpoint and classifies
// any failure. Provider adapters (providers/anthropic, providers/openai)
// implement this; the Executor never inspects a provider-specific error
// directly, per §9's "exceptions for control flow -> result types" note.
type Caller interface {
	Call(ctx context.Context, endpoint types.Endpoint, payload any) (types.Response, error)
}

// Sink receives one Observation per attempt.
type Sink func(types.Observation)

// ExhaustedError is returned when every endpoint in the chain was tried
// and failed.
type ExhaustedError struct {
	LastClass classify.Class
	LastErr   error
}

func (e *ExhaustedError) Error() string {
	return "executor: chain exhausted, last failure " + e.LastClass.String() + ": " + errString(e.LastErr)
}
func (e *ExhaustedError) Unwrap() error { return e.LastErr }

func errString(err error) string {
	if err == nil {
		return "<nil>"
	}
	return err.Error()
}

// CancelledError wraps a caller-cancelled request.
type CancelledError struct{ Cause error }

func (e *CancelledError) Error() string { return "executor: cancelled: " + errString(e.Cause) }
func (e *CancelledError) Unwrap() error { return e.Cause }

// Executor is the Failover Executor's contract.
type Executor interface {
	Execute(ctx context.Context, decision types.RoutingDecision, payload any, caller Caller, sink Sink) (types.Response, error)
}

type executor struct {
	logger   *zap.Logger
	capacity capacity.Registry
	breakers breaker.Set
	limiter  limiter.Limiter
	ledger   ledger.Ledger
	oracle   credential.Oracle

	costFn func(endpoint types.Endpoint, inputTokens, outputTokens int64) float64

	// maxConnsPerProvider bounds concurrent outbound calls per provider,
	// per §5's "connection pools are per-provider with configurable max
	// concurrent connections... owned by the Executor". Zero leaves calls
	// unbounded. Gates are created lazily, one per provider actually
	// dialed.
	maxConnsPerProvider int
	gateMu              sync.Mutex
	gates               map[string]*pool.ProviderGate
}

// Option configures an Executor at construction time.
type Option func(*executor)

// WithMaxConnsPerProvider bounds how many calls to a single provider may be
// in flight concurrently, using internal/pool's per-provider gate ahead of
// the actual network call.
func WithMaxConnsPerProvider(n int) Option {
	return func(e *executor) { e.maxConnsPerProvider = n }
}

// New constructs a Failover Executor. costFn computes USD cost for a
// completed call; if nil, cost is always reported as zero.
func New(
	cap capacity.Registry,
	breakers breaker.Set,
	lim limiter.Limiter,
	led ledger.Ledger,
	oracle credential.Oracle,
	costFn func(types.Endpoint, int64, int64) float64,
	logger *zap.Logger,
	opts ...Option,
) Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if costFn == nil {
		costFn = func(types.Endpoint, int64, int64) float64 { return 0 }
	}
	ex := &executor{
		logger:   logger,
		capacity: cap,
		breakers: breakers,
		limiter:  lim,
		ledger:   led,
		oracle:   oracle,
		costFn:   costFn,
		gates:    make(map[string]*pool.ProviderGate),
	}
	for _, o := range opts {
		o(ex)
	}
	return ex
}

// gateFor lazily creates the bounded-concurrency gate for a provider.
func (ex *executor) gateFor(provider string) *pool.ProviderGate {
	ex.gateMu.Lock()
	defer ex.gateMu.Unlock()
	g, ok := ex.gates[provider]
	if !ok {
		g = pool.NewProviderGate(provider, ex.maxConnsPerProvider)
		ex.gates[provider] = g
	}
	return g
}

// call performs the upstream call, gated through the provider's connection
// gate when maxConnsPerProvider is configured.
func (ex *executor) call(ctx context.Context, ep types.Endpoint, payload any, caller Caller) (types.Response, error) {
	if ex.maxConnsPerProvider <= 0 {
		return caller.Call(ctx, ep, payload)
	}
	var resp types.Response
	err := ex.gateFor(ep.ProviderID).Do(ctx, func(ctx context.Context) error {
		var callErr error
		resp, callErr = caller.Call(ctx, ep, payload)
		return callErr
	})
	return resp, err
}

// classifyingCaller is implemented by callers that can report their own
// Failure Classification instead of leaving the Executor to guess from a
// bare error. Provider adapters should implement this.
type classifyingCaller interface {
	Caller
	LastClass() classify.Class
}

func (ex *executor) Execute(ctx context.Context, decision types.RoutingDecision, payload any, caller Caller, sink Sink) (types.Response, error) {
	endpoints := append([]types.Endpoint{decision.Endpoint}, decision.RemainingChain...)

	var lastClass classify.Class
	var lastErr error

	// Per-endpoint Format-failure retry budget (§4.9: up to 2 retries
	// before a Format failure escalates to Fatal). Scoped to this Execute,
	// so nothing leaks or races across concurrent requests.
	formatRetries := make(map[string]int)

	for i := 0; i < len(endpoints); i++ {
		ep := endpoints[i]
		if ctx.Err() != nil {
			return types.Response{}, &CancelledError{Cause: ctx.Err()}
		}

		// The chain may have been ranked before an earlier attempt in this
		// same Execute pushed an endpoint into Cooldown — in particular, a
		// 429 on one endpoint cascades a cooldown onto every sibling sharing
		// its provider's quota, and those siblings must not be contacted
		// (scenario S4). Checked ahead of Admit so a skipped endpoint never
		// holds a breaker reservation.
		if st := ex.capacity.Status(ep.ID()); st == capacity.Cooldown || st == capacity.Exhausted {
			continue
		}
		// Admit reserves a half-open probe slot; every path below this
		// point must release it with exactly one Record.
		if ex.breakers.Admit(ep.ID()) == breaker.Reject {
			continue
		}

		attemptCtx, span := observability.StartAttemptSpan(ctx, ep.ID())
		start := time.Now()
		resp, callErr := ex.call(attemptCtx, ep, payload, caller)
		latency := time.Since(start)

		if callErr == nil {
			observability.RecordOutcome(span, "Success", "")
			span.End()
			observability.RecordAttemptLatency(ctx, ep.ID(), "Success", latency.Seconds())
			ex.onSuccess(ep, decision, resp, latency, sink)
			return resp, nil
		}

		class := classify.FromError(callErr)
		if cc, ok := caller.(classifyingCaller); ok {
			if c := cc.LastClass(); c != classify.None {
				class = c
			}
		}
		observability.RecordOutcome(span, "Failure", class.String())
		span.End()
		observability.RecordAttemptLatency(ctx, ep.ID(), class.String(), latency.Seconds())

		if ctx.Err() != nil {
			// The deadline/cancel fired during the call. Release the
			// admission, counted as a Transport failure per the timeout
			// policy; nothing else is mutated for this request.
			ex.breakers.Record(ep.ID(), breaker.Failure, classify.Transport)
			return types.Response{}, &CancelledError{Cause: ctx.Err()}
		}

		// A Format failure past its retry budget escalates to Fatal before
		// it is recorded, so the attempt's single breaker Record both
		// releases the admission and counts the escalated class.
		retryingSameEndpoint := false
		if class == classify.Format {
			formatRetries[ep.ID()]++
			if formatRetries[ep.ID()] <= 2 {
				retryingSameEndpoint = true
			} else {
				class = classify.Fatal
			}
		}

		lastClass, lastErr = class, callErr
		ex.onFailure(ep, decision, class, callErr, latency, sink)

		if retryingSameEndpoint {
			i--
		}
	}

	return types.Response{}, &ExhaustedError{LastClass: lastClass, LastErr: lastErr}
}

func (ex *executor) onSuccess(ep types.Endpoint, decision types.RoutingDecision, resp types.Response, latency time.Duration, sink Sink) {
	ex.capacity.ObserveResponse(ep.ID(), resp.Headers, resp.InputTokens, resp.OutputTokens)
	ex.breakers.Record(ep.ID(), breaker.Success, classify.None)
	ex.limiter.Record(ep.ProviderID, resp.InputTokens, resp.OutputTokens)
	cost := ex.costFn(ep, resp.InputTokens, resp.OutputTokens)
	ex.ledger.Record(ep.ProviderID, cost)

	if sink != nil {
		sink(types.Observation{
			DecisionID:     decision.DecisionID,
			Endpoint:       ep.ID(),
			Workload:       decision.Workload,
			Outcome:        "Success",
			LatencyMs:      float64(latency.Milliseconds()),
			InputTokens:    resp.InputTokens,
			OutputTokens:   resp.OutputTokens,
			CostUSD:        cost,
			CapacityStatus: ex.capacity.Status(ep.ID()).String(),
			BreakerState:   ex.breakers.State(ep.ID()).String(),
			Timestamp:      time.Now(),
		})
	}
}

func (ex *executor) onFailure(ep types.Endpoint, decision types.RoutingDecision, class classify.Class, err error, latency time.Duration, sink Sink) {
	switch class {
	case classify.RateLimit:
		ex.capacity.ObserveRateLimit(ep.ID(), ep.ProviderID)
	case classify.Auth:
		ex.oracle.Invalidate(ep.ProviderID)
	}
	// Every admitted attempt releases its breaker admission exactly once;
	// whether the failure also counts toward opening is decided by the
	// class (RateLimit, Auth and pre-escalation Format never do).
	ex.breakers.Record(ep.ID(), breaker.Failure, class)

	ex.logger.Warn("attempt failed",
		zap.String("decision_id", decision.DecisionID),
		zap.String("endpoint", ep.ID()),
		zap.String("class", class.String()),
		zap.Error(err),
	)

	if sink != nil {
		sink(types.Observation{
			DecisionID:     decision.DecisionID,
			Endpoint:       ep.ID(),
			Workload:       decision.Workload,
			Outcome:        class.String(),
			LatencyMs:      float64(latency.Milliseconds()),
			CapacityStatus: ex.capacity.Status(ep.ID()).String(),
			BreakerState:   ex.breakers.State(ep.ID()).String(),
			ErrorClass:     class.String(),
			Timestamp:      time.Now(),
		})
	}
}

// IsRetryableLocally reports whether class is recovered by advancing
// within the chain rather than surfaced immediately, per §7.
func IsRetryableLocally(class classify.Class) bool {
	return class == classify.RateLimit || class == classify.Transport || class == classify.Format || class == classify.Auth
}
