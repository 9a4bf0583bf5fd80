package executor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/relaycore/llmcore/core/breaker"
	"github.com/relaycore/llmcore/core/capacity"
	"github.com/relaycore/llmcore/core/classify"
	"github.com/relaycore/llmcore/core/credential"
	"github.com/relaycore/llmcore/core/ledger"
	"github.com/relaycore/llmcore/core/limiter"
	"github.com/relaycore/llmcore/core/types"
)

type scriptedCall struct {
	resp  types.Response
	err   error
	class classify.Class
}

// fakeCaller implements both executor.Caller and the optional
// classifyingCaller interface, letting tests dictate the exact Failure
// Classification for each successive call without relying on string
// sniffing in classify.FromError.
type fakeCaller struct {
	mu        sync.Mutex
	script    []scriptedCall
	idx       int
	lastClass classify.Class
	calls     []string // endpoint IDs, in call order
}

func (f *fakeCaller) Call(ctx context.Context, ep types.Endpoint, payload any) (types.Response, error) {
	f.mu.Lock()
	i := f.idx
	if i >= len(f.script) {
		i = len(f.script) - 1
	}
	f.idx++
	c := f.script[i]
	f.lastClass = c.class
	f.calls = append(f.calls, ep.ID())
	f.mu.Unlock()
	return c.resp, c.err
}

func (f *fakeCaller) LastClass() classify.Class {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastClass
}

func (f *fakeCaller) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type rig struct {
	ex       Executor
	cap      capacity.Registry
	breakers breaker.Set
	lim      limiter.Limiter
	led      ledger.Ledger
	oracle   credential.Oracle
}

func newRig() rig {
	r := rig{
		cap:      capacity.New(zap.NewNop()),
		breakers: breaker.New(breaker.DefaultConfig(), zap.NewNop()),
		lim:      limiter.New(limiter.Budget{TokensPerMinute: 1_000_000, RequestsPerDay: 1_000_000}, zap.NewNop()),
		led:      ledger.New(zap.NewNop()),
		oracle:   credential.New(constUsableSource{}, zap.NewNop()),
	}
	costFn := func(types.Endpoint, int64, int64) float64 { return 0.01 }
	r.ex = New(r.cap, r.breakers, r.lim, r.led, r.oracle, costFn, zap.NewNop())
	return r
}

type constUsableSource struct{}

func (constUsableSource) IsUsable(string) bool { return true }

func endpoint(provider, model string) types.Endpoint {
	return types.Endpoint{ProviderID: provider, ModelID: model}
}

func decisionFor(eps ...types.Endpoint) types.RoutingDecision {
	return types.RoutingDecision{
		DecisionID:     "dec-1",
		Endpoint:       eps[0],
		RemainingChain: eps[1:],
	}
}

func TestExecute_SuccessOnFirstEndpoint(t *testing.T) {
	r := newRig()
	e1 := endpoint("anthropic", "claude")
	caller := &fakeCaller{script: []scriptedCall{
		{resp: types.Response{Content: "hi", InputTokens: 100, OutputTokens: 20}, class: classify.None},
	}}

	var obs []types.Observation
	resp, err := r.ex.Execute(context.Background(), decisionFor(e1), nil, caller, func(o types.Observation) { obs = append(obs, o) })
	require.NoError(t, err)
	assert.Equal(t, "hi", resp.Content)

	require.Len(t, obs, 1)
	assert.Equal(t, "Success", obs[0].Outcome)
	assert.Equal(t, 0.01, obs[0].CostUSD)

	hour, _, _ := r.led.Spend("anthropic")
	assert.Equal(t, 0.01, hour)
	assert.Equal(t, breaker.Closed, r.breakers.State(e1.ID()))
}

// TestExecute_S2_RateLimitFailsOverToNextEndpoint: a 429 on the first
// endpoint does not touch the breaker (RateLimit is excluded from breaker
// counting) but pushes the endpoint into Cooldown, and the chain advances
// to the next endpoint which succeeds.
func TestExecute_S2_RateLimitFailsOverToNextEndpoint(t *testing.T) {
	r := newRig()
	e1 := endpoint("anthropic", "claude-1")
	e2 := endpoint("openai", "gpt")
	r.cap.Declare(e1.ID(), "anthropic", 0, 0, time.Time{})
	r.cap.Declare(e2.ID(), "openai", 0, 0, time.Time{})

	caller := &fakeCaller{script: []scriptedCall{
		{err: errors.New("rate limited"), class: classify.RateLimit},
		{resp: types.Response{Content: "ok"}, class: classify.None},
	}}

	var obs []types.Observation
	resp, err := r.ex.Execute(context.Background(), decisionFor(e1, e2), nil, caller, func(o types.Observation) { obs = append(obs, o) })
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	require.Len(t, obs, 2)
	assert.Equal(t, "RateLimit", obs[0].Outcome)
	assert.Equal(t, "Success", obs[1].Outcome)

	assert.Equal(t, breaker.Closed, r.breakers.State(e1.ID()), "RateLimit must never count toward the breaker")
	assert.Equal(t, capacity.Cooldown, r.cap.Status(e1.ID()))
}

// TestExecute_S3_CapacityExhaustedClassifiedAsRateLimit
// confirms the executor treats an upstream classified as RateLimit
// (e.g. a 503 body carrying MODEL_CAPACITY_EXHAUSTED) the same way as a
// 429: capacity cooldown, no breaker damage.
func TestExecute_S3_CapacityExhaustedClassifiedAsRateLimit(t *testing.T) {
	r := newRig()
	e1 := endpoint("anthropic", "claude")
	r.cap.Declare(e1.ID(), "anthropic", 0, 0, time.Time{})

	caller := &fakeCaller{script: []scriptedCall{
		{err: errors.New("503 MODEL_CAPACITY_EXHAUSTED"), class: classify.RateLimit},
	}}

	_, err := r.ex.Execute(context.Background(), decisionFor(e1), nil, caller, nil)
	var exh *ExhaustedError
	require.ErrorAs(t, err, &exh)
	assert.Equal(t, classify.RateLimit, exh.LastClass)
	assert.Equal(t, breaker.Closed, r.breakers.State(e1.ID()))
}

// TestExecute_S4_SiblingCooldownSkipsSameProviderEndpoint: a 429 on E1
// (provider A) pushes its sibling E2 (also provider A) into Cooldown, so
// the chain walk must jump straight to E3 (provider B) without ever
// contacting E2.
func TestExecute_S4_SiblingCooldownSkipsSameProviderEndpoint(t *testing.T) {
	r := newRig()
	e1 := endpoint("prov-a", "model-1")
	e2 := endpoint("prov-a", "model-2")
	e3 := endpoint("prov-b", "model-1")
	r.cap.Declare(e1.ID(), "prov-a", 0, 0, time.Time{})
	r.cap.Declare(e2.ID(), "prov-a", 0, 0, time.Time{})
	r.cap.Declare(e3.ID(), "prov-b", 0, 0, time.Time{})

	caller := &fakeCaller{script: []scriptedCall{
		{err: errors.New("rate limited"), class: classify.RateLimit},
		{resp: types.Response{Content: "ok"}, class: classify.None},
	}}

	var obs []types.Observation
	resp, err := r.ex.Execute(context.Background(), decisionFor(e1, e2, e3), nil, caller, func(o types.Observation) { obs = append(obs, o) })
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)

	require.Equal(t, []string{e1.ID(), e3.ID()}, caller.calls, "E2 shares E1's provider quota and must be skipped")
	require.Len(t, obs, 2)
	assert.Equal(t, e1.ID(), obs[0].Endpoint)
	assert.Equal(t, "RateLimit", obs[0].Outcome)
	assert.Equal(t, e3.ID(), obs[1].Endpoint)
	assert.Equal(t, "Success", obs[1].Outcome)

	assert.Equal(t, capacity.Cooldown, r.cap.Status(e2.ID()))
}

func TestExecute_TransportFailureRecordsBreakerAndAdvances(t *testing.T) {
	r := newRig()
	e1 := endpoint("anthropic", "claude-1")
	e2 := endpoint("anthropic", "claude-2")

	caller := &fakeCaller{script: []scriptedCall{
		{err: errors.New("connection reset"), class: classify.Transport},
		{resp: types.Response{Content: "ok"}, class: classify.None},
	}}

	resp, err := r.ex.Execute(context.Background(), decisionFor(e1, e2), nil, caller, nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	require.Equal(t, breaker.Proceed, r.breakers.Admit(e1.ID()), "one failure is below the open threshold")
}

// TestExecute_S5_BreakerOpensAfterThresholdTransportFailures drives five
// consecutive Transport failures against one endpoint across five
// independent Executes and asserts the breaker trips Open.
func TestExecute_S5_BreakerOpensAfterThresholdTransportFailures(t *testing.T) {
	r := newRig()
	e1 := endpoint("anthropic", "claude")

	for i := 0; i < 5; i++ {
		caller := &fakeCaller{script: []scriptedCall{
			{err: errors.New("connection reset"), class: classify.Transport},
		}}
		_, err := r.ex.Execute(context.Background(), decisionFor(e1), nil, caller, nil)
		var exh *ExhaustedError
		require.ErrorAs(t, err, &exh)
	}

	assert.Equal(t, breaker.Open, r.breakers.State(e1.ID()))
	assert.Equal(t, breaker.Reject, r.breakers.Admit(e1.ID()))
}

func TestExecute_FormatFailureRetriesThenEscalatesToFatal(t *testing.T) {
	r := newRig()
	e1 := endpoint("anthropic", "claude")

	caller := &fakeCaller{script: []scriptedCall{
		{err: errors.New("bad tool call json"), class: classify.Format},
		{err: errors.New("bad tool call json"), class: classify.Format},
		{err: errors.New("bad tool call json"), class: classify.Format},
	}}

	_, err := r.ex.Execute(context.Background(), decisionFor(e1), nil, caller, nil)
	var exh *ExhaustedError
	require.ErrorAs(t, err, &exh)
	assert.Equal(t, classify.Fatal, exh.LastClass, "third Format failure on the same endpoint escalates to Fatal")
	assert.Equal(t, 3, caller.callCount(), "two retries before the chain is abandoned")
}

func TestExecute_AuthFailureInvalidatesCredentialAndAdvances(t *testing.T) {
	r := newRig()
	e1 := endpoint("anthropic", "claude-1")
	e2 := endpoint("openai", "gpt")

	var invalidated string
	r.oracle.Subscribe(func(providerID string) { invalidated = providerID })

	caller := &fakeCaller{script: []scriptedCall{
		{err: errors.New("unauthorized"), class: classify.Auth},
		{resp: types.Response{Content: "ok"}, class: classify.None},
	}}

	resp, err := r.ex.Execute(context.Background(), decisionFor(e1, e2), nil, caller, nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Equal(t, "anthropic", invalidated)
	assert.Equal(t, breaker.Closed, r.breakers.State(e1.ID()), "Auth failures do not count toward the breaker")
}

func TestExecute_ChainExhausted_ReturnsExhaustedError(t *testing.T) {
	r := newRig()
	e1 := endpoint("anthropic", "claude")

	caller := &fakeCaller{script: []scriptedCall{
		{err: errors.New("boom"), class: classify.Fatal},
	}}

	_, err := r.ex.Execute(context.Background(), decisionFor(e1), nil, caller, nil)
	var exh *ExhaustedError
	require.ErrorAs(t, err, &exh)
	assert.Equal(t, classify.Fatal, exh.LastClass)
}

func TestExecute_CancelledContext_StopsBeforeAnyCall(t *testing.T) {
	r := newRig()
	e1 := endpoint("anthropic", "claude")
	caller := &fakeCaller{script: []scriptedCall{{resp: types.Response{Content: "should not be reached"}}}}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.ex.Execute(ctx, decisionFor(e1), nil, caller, nil)
	var ce *CancelledError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 0, caller.callCount())
}

// TestExecute_HalfOpenProbeSlotReleasedBetweenFormatRetries: with a single
// half-open probe slot, the Format-retry loop can only reach its full
// budget if every discarded attempt releases its admission. A leaked slot
// would reject the second attempt and abandon the endpoint after one call.
func TestExecute_HalfOpenProbeSlotReleasedBetweenFormatRetries(t *testing.T) {
	cfg := breaker.DefaultConfig()
	cfg.RecoveryTimeout = 5 * time.Millisecond
	cfg.HalfOpenMaxCalls = 1
	brk := breaker.New(cfg, zap.NewNop())

	r := rig{
		cap:      capacity.New(zap.NewNop()),
		breakers: brk,
		lim:      limiter.New(limiter.Budget{TokensPerMinute: 1_000_000, RequestsPerDay: 1_000_000}, zap.NewNop()),
		led:      ledger.New(zap.NewNop()),
		oracle:   credential.New(constUsableSource{}, zap.NewNop()),
	}
	r.ex = New(r.cap, brk, r.lim, r.led, r.oracle, nil, zap.NewNop())

	e1 := endpoint("anthropic", "claude")
	for i := 0; i < 5; i++ {
		brk.Record(e1.ID(), breaker.Failure, classify.Transport)
	}
	require.Equal(t, breaker.Open, brk.State(e1.ID()))
	time.Sleep(10 * time.Millisecond)

	caller := &fakeCaller{script: []scriptedCall{
		{err: errors.New("bad tool call json"), class: classify.Format},
		{err: errors.New("bad tool call json"), class: classify.Format},
		{err: errors.New("bad tool call json"), class: classify.Format},
	}}

	_, err := r.ex.Execute(context.Background(), decisionFor(e1), nil, caller, nil)
	var exh *ExhaustedError
	require.ErrorAs(t, err, &exh)
	assert.Equal(t, 3, caller.callCount(), "every retry needs the previous attempt's slot back")
	assert.Equal(t, breaker.Open, brk.State(e1.ID()), "the escalated Fatal reopens the half-open breaker")
}

func TestExecute_BreakerOpenSkipsEndpointWithoutCalling(t *testing.T) {
	r := newRig()
	e1 := endpoint("anthropic", "claude-1")
	e2 := endpoint("anthropic", "claude-2")

	for i := 0; i < 5; i++ {
		r.breakers.Admit(e1.ID())
		r.breakers.Record(e1.ID(), breaker.Failure, classify.Transport)
	}
	require.Equal(t, breaker.Open, r.breakers.State(e1.ID()))

	caller := &fakeCaller{script: []scriptedCall{{resp: types.Response{Content: "ok"}, class: classify.None}}}
	resp, err := r.ex.Execute(context.Background(), decisionFor(e1, e2), nil, caller, nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Equal(t, 1, caller.callCount(), "the Open endpoint must be skipped, not called")
}
