package router

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/relaycore/llmcore/core/breaker"
	"github.com/relaycore/llmcore/core/classify"
	"github.com/relaycore/llmcore/core/types"
)

// TestProp_ChainSafety is invariant 1: whatever observations have been fed
// into the sub-components, Select returns either an endpoint declared in
// the workload's chain (with a remaining chain drawn from the same set) or
// a NoRouteError — never an endpoint from outside the chain.
func TestProp_ChainSafety(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		r, _, capReg, brk, _ := newTestRig(t)

		nEndpoints := rapid.IntRange(1, 6).Draw(rt, "n_endpoints")
		chain := make([]types.Endpoint, nEndpoints)
		inChain := make(map[string]bool, nEndpoints)
		for i := range chain {
			provider := fmt.Sprintf("prov-%d", rapid.IntRange(0, 2).Draw(rt, fmt.Sprintf("prov_%d", i)))
			chain[i] = endpoint(provider, fmt.Sprintf("model-%d", i), rapid.IntRange(1, 5).Draw(rt, fmt.Sprintf("tier_%d", i)))
			inChain[chain[i].ID()] = true
			capReg.Declare(chain[i].ID(), provider, 0, 0, time.Time{})
		}
		r.Configure(map[types.Workload][]types.Endpoint{types.Coding: chain})

		// Random damage: rate limits and transport failures against random
		// chain members.
		nObs := rapid.IntRange(0, 20).Draw(rt, "n_obs")
		for i := 0; i < nObs; i++ {
			target := chain[rapid.IntRange(0, nEndpoints-1).Draw(rt, fmt.Sprintf("target_%d", i))]
			if rapid.Bool().Draw(rt, fmt.Sprintf("is_429_%d", i)) {
				capReg.ObserveRateLimit(target.ID(), target.ProviderID)
			} else {
				brk.Record(target.ID(), breaker.Failure, classify.Transport)
			}
		}

		strategy := rapid.SampledFrom([]types.Strategy{
			types.CostOptimized, types.SpeedOptimized, types.ReliabilityOptimized, types.Balanced, types.CapabilityFirst,
		}).Draw(rt, "strategy")

		decision, err := r.Select(Request{Workload: types.Coding, EstimatedTokens: 100, Strategy: strategy})
		if err != nil {
			var nre *NoRouteError
			if !errors.As(err, &nre) {
				rt.Fatalf("Select returned a non-NoRoute error: %v", err)
			}
			return
		}
		if !inChain[decision.Endpoint.ID()] {
			rt.Fatalf("selected endpoint %q is not in the workload's chain", decision.Endpoint.ID())
		}
		for _, ep := range decision.RemainingChain {
			if !inChain[ep.ID()] {
				rt.Fatalf("remaining chain carries %q, not in the workload's chain", ep.ID())
			}
		}
	})
}
