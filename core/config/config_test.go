package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/relaycore/llmcore/core/capacity"
	"github.com/relaycore/llmcore/core/ledger"
	"github.com/relaycore/llmcore/core/limiter"
	"github.com/relaycore/llmcore/core/router"
	"github.com/relaycore/llmcore/core/credential"
	"github.com/relaycore/llmcore/core/breaker"
	"github.com/relaycore/llmcore/core/types"
)

func validDoc() *Document {
	return &Document{
		Endpoints: []EndpointSpec{
			{ProviderID: "anthropic", ModelID: "claude-opus", Tier: 1},
			{ProviderID: "anthropic", ModelID: "claude-haiku", Tier: 3},
		},
		Chains: map[string][]string{
			"coding": {"anthropic/claude-opus", "anthropic/claude-haiku"},
		},
	}
}

func TestValidate_AcceptsWellFormedDocument(t *testing.T) {
	assert.NoError(t, validDoc().Validate())
}

func TestValidate_RejectsMissingProviderOrModel(t *testing.T) {
	doc := &Document{Endpoints: []EndpointSpec{{ProviderID: "", ModelID: "x", Tier: 1}}}
	assert.Error(t, doc.Validate())
}

func TestValidate_RejectsDuplicateEndpoints(t *testing.T) {
	doc := &Document{Endpoints: []EndpointSpec{
		{ProviderID: "a", ModelID: "m", Tier: 1},
		{ProviderID: "a", ModelID: "m", Tier: 2},
	}}
	assert.Error(t, doc.Validate())
}

func TestValidate_RejectsNonPositiveTier(t *testing.T) {
	doc := &Document{Endpoints: []EndpointSpec{{ProviderID: "a", ModelID: "m", Tier: 0}}}
	assert.Error(t, doc.Validate())
}

func TestValidate_RejectsEmptyChain(t *testing.T) {
	doc := &Document{
		Endpoints: []EndpointSpec{{ProviderID: "a", ModelID: "m", Tier: 1}},
		Chains:    map[string][]string{"coding": {}},
	}
	assert.Error(t, doc.Validate())
}

func TestValidate_RejectsChainReferencingUndeclaredEndpoint(t *testing.T) {
	doc := &Document{
		Endpoints: []EndpointSpec{{ProviderID: "a", ModelID: "m", Tier: 1}},
		Chains:    map[string][]string{"coding": {"a/missing"}},
	}
	assert.Error(t, doc.Validate())
}

func TestResolveChains_BuildsRouterChainsFromRefs(t *testing.T) {
	doc := validDoc()
	chains := doc.resolveChains()
	require.Contains(t, chains, types.Workload("coding"))
	require.Len(t, chains["coding"], 2)
	assert.Equal(t, "claude-opus", chains["coding"][0].ModelID)
	assert.Equal(t, "claude-haiku", chains["coding"][1].ModelID)
}

func TestResolveChains_DropsRefsToUndeclaredEndpoints(t *testing.T) {
	doc := &Document{
		Endpoints: []EndpointSpec{{ProviderID: "a", ModelID: "m", Tier: 1}},
		Chains:    map[string][]string{"coding": {"a/m", "a/ghost"}},
	}
	chains := doc.resolveChains()
	assert.Len(t, chains[types.Workload("coding")], 1)
}

func TestResolveWeights_FallsBackToDefaultWhenZero(t *testing.T) {
	doc := &Document{}
	assert.Equal(t, router.DefaultWeights(), doc.ResolveWeights())
}

func TestResolveWeights_UsesDocumentWeightsWhenSet(t *testing.T) {
	doc := &Document{Weights: WeightsSpec{Cost: 0.4, Speed: 0.3, Reliability: 0.2, Capability: 0.1}}
	w := doc.ResolveWeights()
	assert.Equal(t, 0.4, w.Cost)
	assert.Equal(t, 0.1, w.Capability)
}

func TestLoad_ParsesAndValidatesYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yamlDoc := `
endpoints:
  - provider_id: anthropic
    model_id: claude-opus
    tier: 1
chains:
  coding:
    - anthropic/claude-opus
`
	require.NoError(t, os.WriteFile(path, []byte(yamlDoc), 0o600))

	doc, err := Load(path)
	require.NoError(t, err)
	require.Len(t, doc.Endpoints, 1)
	assert.Equal(t, "anthropic", doc.Endpoints[0].ProviderID)
}

func TestLoad_RejectsInvalidDocument(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yamlDoc := `
endpoints:
  - provider_id: anthropic
    model_id: claude-opus
    tier: 1
chains:
  coding:
    - anthropic/does-not-exist
`
	require.NoError(t, os.WriteFile(path, []byte(yamlDoc), 0o600))
	_, err := Load(path)
	assert.Error(t, err)
}

func newManagerRig() (*Manager, router.Router, limiter.Limiter, ledger.Ledger, capacity.Registry) {
	oracle := credential.New(alwaysUsable{}, zap.NewNop())
	cap := capacity.New(zap.NewNop())
	brk := breaker.New(breaker.DefaultConfig(), zap.NewNop())
	lim := limiter.New(limiter.Budget{}, zap.NewNop())
	led := ledger.New(zap.NewNop())
	r := router.New(oracle, cap, brk, lim, zap.NewNop())
	return New(r, lim, led, cap, zap.NewNop()), r, lim, led, cap
}

type alwaysUsable struct{}

func (alwaysUsable) IsUsable(string) bool { return true }

func TestManager_Apply_WiresRouterLimiterAndLedger(t *testing.T) {
	m, r, lim, led, cap := newManagerRig()
	doc := &Document{
		Endpoints: []EndpointSpec{
			{ProviderID: "anthropic", ModelID: "claude-opus", Tier: 1, BudgetPerMin: 1000, BudgetPerDay: 10000},
		},
		Chains: map[string][]string{"coding": {"anthropic/claude-opus"}},
		Limits: map[string]ProviderLimits{"anthropic": {HourlyUSD: 50}},
	}

	require.NoError(t, m.Apply(doc))

	decision, err := r.Select(router.Request{Workload: "coding", EstimatedTokens: 10})
	require.NoError(t, err)
	assert.Equal(t, "anthropic/claude-opus", decision.Endpoint.ID())

	res := lim.Check("anthropic", 10)
	assert.Equal(t, limiter.Allow, res.Admission)

	led.Record("anthropic", 1)
	hour, _, _ := led.Spend("anthropic")
	assert.Equal(t, 1.0, hour)

	assert.Equal(t, capacity.Available, cap.Status("anthropic/claude-opus"))

	current, version := m.Current()
	assert.Equal(t, doc, current)
	assert.Equal(t, 1, version)
}

func TestManager_Apply_RejectedDocumentLeavesPriorConfigInEffect(t *testing.T) {
	m, _, _, _, _ := newManagerRig()
	require.NoError(t, m.Apply(validDoc()))
	_, v1 := m.Current()

	bad := &Document{Chains: map[string][]string{"coding": {"ghost/ghost"}}}
	err := m.Apply(bad)
	assert.Error(t, err)

	current, v2 := m.Current()
	assert.Equal(t, v1, v2)
	assert.Equal(t, validDoc(), current)
}
