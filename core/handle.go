package core

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/relaycore/llmcore/core/breaker"
	"github.com/relaycore/llmcore/core/cache"
	"github.com/relaycore/llmcore/core/capacity"
	"github.com/relaycore/llmcore/core/classify"
	"github.com/relaycore/llmcore/core/compactor"
	"github.com/relaycore/llmcore/core/config"
	"github.com/relaycore/llmcore/core/credential"
	"github.com/relaycore/llmcore/core/executor"
	"github.com/relaycore/llmcore/core/ledger"
	"github.com/relaycore/llmcore/core/limiter"
	"github.com/relaycore/llmcore/core/observability"
	"github.com/relaycore/llmcore/core/router"
	"github.com/relaycore/llmcore/core/types"
)

// Request is one call to Handle.RouteAndCall: the public entry point's
// parameters per §6 ("route_and_call(workload, prompt, estimated_tokens,
// capabilities, strategy, deadline)").
type Request struct {
	Workload             types.Workload
	Messages             []types.Message
	EstimatedTokens      int64
	RequiredCapabilities map[types.Capability]bool
	Strategy             types.Strategy
	AggressiveCache      bool // use the aggressive prompt-normalization mode (§4.6)
	// NoRecursiveCompact marks a request that must never itself be
	// compacted. Set internally on summarization sub-requests so a
	// summarization routed back through RouteAndCall cannot recurse into
	// another compaction.
	NoRecursiveCompact bool
}

// Handle aggregates the nine components behind the single entry point
// described in §6. Construct via New, wire provider adapters with
// RegisterProvider, then call Configure before the first RouteAndCall.
type Handle struct {
	logger *zap.Logger

	oracle    credential.Oracle
	capacity  capacity.Registry
	breakers  breaker.Set
	limiter   limiter.Limiter
	ledger    ledger.Ledger
	cache     cache.Cache
	compactor compactor.Compactor
	router    router.Router
	executor  executor.Executor

	cfgManager *config.Manager

	providers map[string]executor.Caller
	sink      executor.Sink

	mu            sync.RWMutex
	decisionHooks []func(types.RoutingDecision)
}

// OnDecision registers a hook invoked with every RoutingDecision before it
// is executed. The decision-log sink in cmd/llmcore-gateway appends through
// this; hooks must not block.
func (h *Handle) OnDecision(fn func(types.RoutingDecision)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.decisionHooks = append(h.decisionHooks, fn)
}

// Dependencies are the constructible inputs New needs; every field has a
// package-level default if left zero, matching the teacher's functional
// options idiom only where a real choice exists (cost function, sink).
type Dependencies struct {
	Logger           *zap.Logger
	CredentialSource credential.Source
	BreakerConfig    breaker.Config
	DefaultBudget    limiter.Budget
	CacheConfig      cache.Config
	Tokenizer        compactor.Tokenizer
	CostFn           func(types.Endpoint, int64, int64) float64
	Sink             executor.Sink
	// MaxConnsPerProvider bounds concurrent outbound calls per provider
	// (§5's per-provider connection pool). Zero leaves calls unbounded.
	MaxConnsPerProvider int
	// SummarizeDroppedContext routes each compaction's evicted prefix to a
	// summarization endpoint under the Librarian workload and splices the
	// summary back in behind the system preamble. The sub-request carries
	// NoRecursiveCompact, so it is never itself compacted.
	SummarizeDroppedContext bool
}

// New assembles a Handle from fresh component instances.
func New(deps Dependencies) *Handle {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	src := deps.CredentialSource
	if src == nil {
		src = EnvCredentialSource{}
	}
	tokenizer := deps.Tokenizer
	if tokenizer == nil {
		tokenizer = compactor.NewTiktokenTokenizer("cl100k_base")
	}

	oracle := credential.New(src, logger)
	capReg := capacity.New(logger)
	brk := breaker.New(deps.BreakerConfig, logger)
	lim := limiter.New(deps.DefaultBudget, logger)
	led := ledger.New(logger)
	c := cache.New(deps.CacheConfig, logger)
	rtr := router.New(oracle, capReg, brk, lim, logger)
	exec := executor.New(capReg, brk, lim, led, oracle, deps.CostFn, logger, executor.WithMaxConnsPerProvider(deps.MaxConnsPerProvider))

	h := &Handle{
		logger:    logger,
		oracle:    oracle,
		capacity:  capReg,
		breakers:  brk,
		limiter:   lim,
		ledger:    led,
		cache:     c,
		router:    rtr,
		executor:  exec,
		providers: make(map[string]executor.Caller),
		sink:      deps.Sink,
	}
	var compactOpts []compactor.Option
	if deps.SummarizeDroppedContext {
		compactOpts = append(compactOpts, compactor.WithSummarizer(&librarianSummarizer{h: h, tokenizer: tokenizer}))
	}
	h.compactor = compactor.New(tokenizer, logger, compactOpts...)
	h.cfgManager = config.New(rtr, lim, led, capReg, logger)
	return h
}

// librarianSummarizer condenses a compaction's evicted prefix by routing a
// summarization request back through the Handle under the Librarian
// workload. The sub-request is flagged NoRecursiveCompact, which breaks the
// Compactor -> Router -> Compactor cycle.
type librarianSummarizer struct {
	h         *Handle
	tokenizer compactor.Tokenizer
}

func (s *librarianSummarizer) Summarize(ctx context.Context, dropped []types.Message) (types.Message, error) {
	var b strings.Builder
	b.WriteString("Condense the following conversation prefix into a short factual summary, keeping decisions, names and open questions:\n\n")
	for _, m := range dropped {
		b.WriteString(string(m.Role))
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}

	resp, err := s.h.RouteAndCall(ctx, Request{
		Workload:           types.Librarian,
		Messages:           []types.Message{{Role: types.RoleUser, Content: b.String()}},
		EstimatedTokens:    int64(s.tokenizer.CountMessages(dropped)),
		Strategy:           types.CostOptimized,
		NoRecursiveCompact: true,
	})
	if err != nil {
		return types.Message{}, err
	}
	return types.Message{Role: types.RoleSystem, Content: "Summary of earlier conversation: " + resp.Content}, nil
}

// RegisterProvider wires a provider adapter (providers/anthropic,
// providers/openai, ...) so the Executor can reach it by ProviderID.
func (h *Handle) RegisterProvider(providerID string, caller executor.Caller) {
	h.providers[providerID] = caller
}

// Configure implements the configure() contract (§6): atomic replacement of
// the endpoint catalog, workload chains, provider budgets and cost limits.
func (h *Handle) Configure(doc *config.Document) error {
	if err := h.cfgManager.Apply(doc); err != nil {
		return Configuration(err.Error(), err)
	}
	return nil
}

// HealthChecker constructs a background prober over the configured catalog,
// feeding probe outcomes into the Breaker Set and Capacity Registry outside
// the request path. The caller owns its lifecycle: run Start in a goroutine
// and Stop it on shutdown.
func (h *Handle) HealthChecker(probers map[string]router.Prober, interval, timeout time.Duration) *router.HealthChecker {
	return router.NewHealthChecker(h.router, h.breakers, h.capacity, probers, interval, timeout, h.logger)
}

// NotifyCredentialChange implements notify_credential_change(provider) (§6):
// drops the Credential Oracle's cached answer and fans out to subscribers,
// letting the Router immediately stop offering the provider's endpoints.
func (h *Handle) NotifyCredentialChange(providerID string) {
	h.oracle.Invalidate(providerID)
}

// compactionClassFor maps an endpoint's declared input ceiling to one of
// the three §4.7 budget tiers. A wider ceiling tolerates a less aggressive
// trim; this mirrors how the teacher's own router picks behavior off a
// declared endpoint property rather than a hardcoded model allowlist.
func compactionClassFor(ep types.Endpoint) compactor.ProviderClass {
	switch {
	case ep.InputCeiling <= 64_000:
		return compactor.Aggressive
	case ep.InputCeiling <= 150_000:
		return compactor.Balanced
	default:
		return compactor.Maintenance
	}
}

// RouteAndCall is the Core's single public entry point (§6): select an
// endpoint, compact history to its budget, serve from cache or execute with
// failover, and return the final response.
func (h *Handle) RouteAndCall(ctx context.Context, req Request) (types.Response, error) {
	ctx, span := observability.StartDecisionSpan(ctx, string(req.Workload))
	defer span.End()

	decision, err := h.router.Select(router.Request{
		Workload:             req.Workload,
		EstimatedTokens:      req.EstimatedTokens,
		RequiredCapabilities: req.RequiredCapabilities,
		Strategy:             req.Strategy,
	})
	if err != nil {
		if nre, ok := err.(*router.NoRouteError); ok {
			return types.Response{}, NoRoute(nre.Error(), nre)
		}
		return types.Response{}, NoRoute(err.Error(), err)
	}

	h.mu.RLock()
	hooks := h.decisionHooks
	h.mu.RUnlock()
	for _, hook := range hooks {
		hook(decision)
	}

	messages := req.Messages
	if !req.NoRecursiveCompact {
		class := compactionClassFor(decision.Endpoint)
		var saved int
		messages, saved, err = h.compactor.Compact(ctx, req.Messages, class)
		if err != nil {
			return types.Response{}, Configuration(err.Error(), err)
		}
		if saved > 0 {
			h.logger.Debug("context compacted", zap.Int("tokens_saved", saved), zap.String("endpoint", decision.Endpoint.ID()))
		}
	}

	if _, ok := h.providers[decision.Endpoint.ProviderID]; !ok {
		return types.Response{}, Exhausted(decision.Endpoint.ID(), fmt.Sprintf("no provider adapter registered for %q", decision.Endpoint.ProviderID), nil)
	}
	caller := &providerMux{providers: h.providers}

	lastPrompt := ""
	if len(messages) > 0 {
		lastPrompt = messages[len(messages)-1].Content
	}
	key := h.cache.Key(lastPrompt, decision.Endpoint.ModelID, req.AggressiveCache)

	entry, err := h.cache.GetOrCompute(ctx, key, 0, func(ctx context.Context) (cache.Entry, error) {
		resp, execErr := h.executor.Execute(ctx, decision, messages, caller, h.sink)
		if execErr != nil {
			return cache.Entry{}, execErr
		}
		data, merr := json.Marshal(resp)
		if merr != nil {
			return cache.Entry{}, merr
		}
		return cache.Entry{
			Response:     data,
			InputTokens:  resp.InputTokens,
			OutputTokens: resp.OutputTokens,
		}, nil
	})
	if err != nil {
		return h.translateExecError(decision, err)
	}

	var out types.Response
	if err := json.Unmarshal(entry.Response, &out); err != nil {
		return types.Response{}, Configuration("corrupt cache entry", err)
	}
	return out, nil
}

// providerMux dispatches each attempt to the adapter registered for that
// endpoint's provider, so a failover across providers within one decision
// reaches the right transport. It relays the chosen adapter's own failure
// classification when the adapter exposes one.
type providerMux struct {
	providers map[string]executor.Caller

	mu   sync.Mutex
	last executor.Caller
}

func (m *providerMux) Call(ctx context.Context, ep types.Endpoint, payload any) (types.Response, error) {
	caller, ok := m.providers[ep.ProviderID]
	if !ok {
		m.mu.Lock()
		m.last = nil
		m.mu.Unlock()
		return types.Response{}, fmt.Errorf("no provider adapter registered for %q", ep.ProviderID)
	}
	m.mu.Lock()
	m.last = caller
	m.mu.Unlock()
	return caller.Call(ctx, ep, payload)
}

func (m *providerMux) LastClass() classify.Class {
	m.mu.Lock()
	last := m.last
	m.mu.Unlock()
	if last == nil {
		// An unregistered provider is unreachable for this process: advance
		// the chain the same way a transport failure would.
		return classify.Transport
	}
	if cc, ok := last.(interface{ LastClass() classify.Class }); ok {
		return cc.LastClass()
	}
	// Adapter carries no classification of its own; leave it to the
	// Executor's error-based fallback.
	return classify.None
}

func (h *Handle) translateExecError(decision types.RoutingDecision, err error) (types.Response, error) {
	switch e := err.(type) {
	case *executor.ExhaustedError:
		return types.Response{}, Exhausted(decision.Endpoint.ID(), e.Error(), e)
	case *executor.CancelledError:
		return types.Response{}, Cancelled(e)
	default:
		return types.Response{}, Exhausted(decision.Endpoint.ID(), err.Error(), err)
	}
}
