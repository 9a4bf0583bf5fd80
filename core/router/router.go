// Package router implements the Model Router (C8): composes the
// Credential Oracle, Capacity Registry, Circuit Breaker Set and
// Token-Bucket Limiter to turn a (workload, estimated tokens, required
// capabilities) request into a RoutingDecision. The scoring/weighted-pick
// shape is adapted from the teacher's llm/router.WeightedRouter; the
// filter pipeline (credential -> capacity/breaker -> limiter) and the
// NoRoute/remaining-chain contract are new, built directly from §4.8.
package router

import (
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/relaycore/llmcore/core/breaker"
	"github.com/relaycore/llmcore/core/capacity"
	"github.com/relaycore/llmcore/core/credential"
	"github.com/relaycore/llmcore/core/limiter"
	"github.com/relaycore/llmcore/core/types"
)

// NoRouteError is returned when every endpoint in a workload's chain was
// filtered out. EarliestReset, if non-zero, is the soonest window reset
// time across the filtered endpoints, letting the caller decide to wait.
type NoRouteError struct {
	Workload      types.Workload
	EarliestReset time.Time
}

func (e *NoRouteError) Error() string {
	return fmt.Sprintf("router: no route available for workload %q", e.Workload)
}

// Weights are the four scoring factor weights for Balanced strategy,
// overridable per call (§4.8 step 5).
type Weights struct {
	Cost         float64
	Speed        float64
	Reliability  float64
	Capability   float64
}

// DefaultWeights mirrors the spec's default Balanced weighting.
func DefaultWeights() Weights {
	return Weights{Cost: 0.30, Speed: 0.30, Reliability: 0.25, Capability: 0.15}
}

// Request is one call to Select.
type Request struct {
	Workload             types.Workload
	EstimatedTokens      int64
	RequiredCapabilities map[types.Capability]bool
	Strategy             types.Strategy
	Weights              Weights // only consulted when Strategy == Balanced
	PreferredTier        int     // tie-break hint: prefer this tier, 0 = no preference
}

// Router is the Model Router's contract.
type Router interface {
	Select(req Request) (types.RoutingDecision, error)
	// Configure atomically replaces the endpoint catalog and workload
	// chains; takes effect for calls to Select that begin after it
	// returns, per §6's configure() contract.
	Configure(chains map[types.Workload][]types.Endpoint)
	// Endpoints returns every endpoint currently declared across all
	// chains, deduplicated, in no particular order. The HealthChecker
	// walks this set.
	Endpoints() []types.Endpoint
}

type router struct {
	logger     *zap.Logger
	oracle     credential.Oracle
	capacity   capacity.Registry
	breakers   breaker.Set
	limiter    limiter.Limiter

	mu     sync.RWMutex
	chains map[types.Workload][]types.Endpoint

	rngMu sync.Mutex
	rng   *rand.Rand

	lastTierMu sync.Mutex
	lastTier   map[types.Workload]int
}

// New constructs a Model Router over the given sub-components.
func New(oracle credential.Oracle, cap capacity.Registry, breakers breaker.Set, lim limiter.Limiter, logger *zap.Logger) Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &router{
		logger:   logger,
		oracle:   oracle,
		capacity: cap,
		breakers: breakers,
		limiter:  lim,
		chains:   make(map[types.Workload][]types.Endpoint),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		lastTier: make(map[types.Workload]int),
	}
}

func (r *router) Configure(chains map[types.Workload][]types.Endpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chains = chains
	r.logger.Info("router configured", zap.Int("workloads", len(chains)))
}

func (r *router) Endpoints() []types.Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]bool)
	var out []types.Endpoint
	for _, chain := range r.chains {
		for _, ep := range chain {
			if seen[ep.ID()] {
				continue
			}
			seen[ep.ID()] = true
			out = append(out, ep)
		}
	}
	return out
}

type candidate struct {
	endpoint       types.Endpoint
	index          int // position in the declared chain, for tie-break
	capacityStatus capacity.Status
	throttled      bool
	score          float64
}

// Select runs the §4.8 algorithm end to end.
func (r *router) Select(req Request) (types.RoutingDecision, error) {
	r.mu.RLock()
	chain := append([]types.Endpoint(nil), r.chains[req.Workload]...)
	r.mu.RUnlock()

	if chain == nil {
		return types.RoutingDecision{}, &NoRouteError{Workload: req.Workload}
	}

	var earliestReset time.Time
	var survivors []candidate

	for i, ep := range chain {
		if !ep.HasCapabilities(req.RequiredCapabilities) {
			continue
		}
		if !r.oracle.IsUsable(ep.ProviderID) {
			continue
		}

		snap := r.capacity.Snapshot(ep.ID())
		if earliestReset.IsZero() || (!snap.WindowResetsAt.IsZero() && snap.WindowResetsAt.Before(earliestReset)) {
			earliestReset = snap.WindowResetsAt
		}

		status := r.capacity.Status(ep.ID())
		if status == capacity.Cooldown || status == capacity.Exhausted {
			continue
		}
		// Filtering must not consume a half-open probe slot: Admit/Record
		// pairing belongs to the Executor's actual attempt, so the chain is
		// screened with the non-reserving query.
		if !r.breakers.Routable(ep.ID()) {
			continue
		}

		throttled := false
		if res := r.limiter.Check(ep.ProviderID, req.EstimatedTokens); res.Admission == limiter.Throttle {
			throttled = true
		}

		survivors = append(survivors, candidate{endpoint: ep, index: i, capacityStatus: status, throttled: throttled})
	}

	if len(survivors) == 0 {
		return types.RoutingDecision{}, &NoRouteError{Workload: req.Workload, EarliestReset: earliestReset}
	}

	weights := req.Weights
	if weights == (Weights{}) {
		weights = DefaultWeights()
	}
	r.score(survivors, req, weights)

	r.lastTierMu.Lock()
	preferredTier := req.PreferredTier
	if preferredTier == 0 {
		preferredTier = r.lastTier[req.Workload]
	}
	r.lastTierMu.Unlock()

	sort.SliceStable(survivors, func(i, j int) bool {
		if survivors[i].score != survivors[j].score {
			return survivors[i].score > survivors[j].score
		}
		// Tie-break: same tier as the previous decision for this workload
		// wins, then lower chain index.
		iSame := survivors[i].endpoint.Tier == preferredTier
		jSame := survivors[j].endpoint.Tier == preferredTier
		if iSame != jSame {
			return iSame
		}
		return survivors[i].index < survivors[j].index
	})

	top := survivors[0]
	remaining := make([]types.Endpoint, 0, len(survivors)-1)
	for _, c := range survivors[1:] {
		remaining = append(remaining, c.endpoint)
	}

	r.lastTierMu.Lock()
	r.lastTier[req.Workload] = top.endpoint.Tier
	r.lastTierMu.Unlock()

	reason := "scored"
	if top.throttled {
		reason = "scored_throttled_demoted"
	}

	return types.RoutingDecision{
		DecisionID:               uuid.NewString(),
		Endpoint:                 top.endpoint,
		Workload:                 req.Workload,
		ReasonCode:               reason,
		CapacityStatusAtDecision: top.capacityStatus.String(),
		RemainingChain:           remaining,
		CreatedAt:                time.Now(),
	}, nil
}

func (r *router) score(candidates []candidate, req Request, w Weights) {
	for i := range candidates {
		c := &candidates[i]
		ep := c.endpoint

		costScore := 1.0 / (1.0 + ep.CostPerInput + ep.CostPerOutput)
		speedScore := 1.0
		if ep.AvgLatencyMs > 0 {
			speedScore = 1.0 / (1.0 + ep.AvgLatencyMs/1000)
		}
		reliabilityScore := 1.0 - statusPenalty(c.capacityStatus)
		capabilityScore := 1.0 / float64(ep.Tier)

		var score float64
		switch req.Strategy {
		case types.CostOptimized:
			score = costScore
		case types.SpeedOptimized:
			score = speedScore
		case types.ReliabilityOptimized:
			score = reliabilityScore
		case types.CapabilityFirst:
			score = capabilityScore
		default: // Balanced, or unspecified
			score = costScore*w.Cost + speedScore*w.Speed + reliabilityScore*w.Reliability + capabilityScore*w.Capability
		}

		if c.throttled {
			score *= 0.5 // demote rank without excluding, per §4.8 step 4
		}
		c.score = score
	}
}

func statusPenalty(s capacity.Status) float64 {
	switch s {
	case capacity.Approaching:
		return 0.2
	case capacity.Low:
		return 0.5
	default:
		return 0.0
	}
}
