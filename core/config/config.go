// Package config implements the configure() contract (§6): a YAML document
// describing the endpoint catalog, per-workload chains, default strategy
// weights, provider budgets and cost limits, loaded and atomically swapped
// in. The loader/validate shape is adapted from the teacher's
// config.Loader/Config.Validate; the version-counted atomic-swap idiom
// is adapted from the teacher's
// config.HotReloadManager, trimmed to the one configuration document the
// Core actually needs instead of the teacher's server/db/vector-store
// superset.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/relaycore/llmcore/core/router"
	"github.com/relaycore/llmcore/core/types"
)

// EndpointSpec is one YAML-declared endpoint, mirroring types.Endpoint but
// with string-keyed capabilities so it round-trips through YAML cleanly.
type EndpointSpec struct {
	ProviderID    string   `yaml:"provider_id" json:"provider_id"`
	ModelID       string   `yaml:"model_id" json:"model_id"`
	Tier          int      `yaml:"tier" json:"tier"`
	CostPerInput  float64  `yaml:"cost_per_input" json:"cost_per_input"`
	CostPerOutput float64  `yaml:"cost_per_output" json:"cost_per_output"`
	InputCeiling  int64    `yaml:"input_ceiling" json:"input_ceiling"`
	OutputCeiling int64    `yaml:"output_ceiling" json:"output_ceiling"`
	BudgetPerMin  int64    `yaml:"budget_per_min" json:"budget_per_min"`
	BudgetPerDay  int64    `yaml:"budget_per_day" json:"budget_per_day"`
	Capabilities  []string `yaml:"capabilities" json:"capabilities"`
	AvgLatencyMs  float64  `yaml:"avg_latency_ms" json:"avg_latency_ms"`
}

func (e EndpointSpec) toEndpoint() types.Endpoint {
	caps := make(map[types.Capability]bool, len(e.Capabilities))
	for _, c := range e.Capabilities {
		caps[types.Capability(c)] = true
	}
	return types.Endpoint{
		ProviderID:    e.ProviderID,
		ModelID:       e.ModelID,
		Tier:          e.Tier,
		CostPerInput:  e.CostPerInput,
		CostPerOutput: e.CostPerOutput,
		InputCeiling:  e.InputCeiling,
		OutputCeiling: e.OutputCeiling,
		BudgetPerMin:  e.BudgetPerMin,
		BudgetPerDay:  e.BudgetPerDay,
		Capabilities:  caps,
		AvgLatencyMs:  e.AvgLatencyMs,
	}
}

// ProviderLimits is one provider's cost ceilings, fed to core/ledger.
type ProviderLimits struct {
	HourlyUSD  float64 `yaml:"hourly_usd" json:"hourly_usd"`
	DailyUSD   float64 `yaml:"daily_usd" json:"daily_usd"`
	MonthlyUSD float64 `yaml:"monthly_usd" json:"monthly_usd"`
}

// WeightsSpec is the document's Balanced-strategy weighting, converted to
// router.Weights by ResolveWeights. Applying a Document does not hand it
// to the Router: requests routed through core.Handle are scored with
// router.DefaultWeights.
type WeightsSpec struct {
	Cost        float64 `yaml:"cost" json:"cost"`
	Speed       float64 `yaml:"speed" json:"speed"`
	Reliability float64 `yaml:"reliability" json:"reliability"`
	Capability  float64 `yaml:"capability" json:"capability"`
}

// Document is the full configure() payload: §6's "endpoint catalog,
// workload chain definitions, provider rate/cost budgets, and routing
// strategy weights". Carries both yaml (file-based configure()) and json
// (HTTP configure() endpoint) tags over the identical field set.
type Document struct {
	Endpoints []EndpointSpec            `yaml:"endpoints" json:"endpoints"`
	Chains    map[string][]string       `yaml:"chains" json:"chains"` // workload -> ordered "provider/model" refs
	Limits    map[string]ProviderLimits `yaml:"limits" json:"limits"`
	Weights   WeightsSpec               `yaml:"weights" json:"weights"`
}

// Validate enforces the structural invariants configure() must reject
// before ever touching live component state (§6, §7 Configuration error).
func (d *Document) Validate() error {
	var errs []string

	seen := make(map[string]EndpointSpec)
	for _, e := range d.Endpoints {
		if e.ProviderID == "" || e.ModelID == "" {
			errs = append(errs, "endpoint missing provider_id or model_id")
			continue
		}
		id := e.ProviderID + "/" + e.ModelID
		if _, dup := seen[id]; dup {
			errs = append(errs, fmt.Sprintf("duplicate endpoint %q", id))
		}
		seen[id] = e
		if e.Tier <= 0 {
			errs = append(errs, fmt.Sprintf("endpoint %q: tier must be positive", id))
		}
	}

	for workload, refs := range d.Chains {
		if len(refs) == 0 {
			errs = append(errs, fmt.Sprintf("chain %q: empty", workload))
			continue
		}
		for _, ref := range refs {
			if _, ok := seen[ref]; !ok {
				errs = append(errs, fmt.Sprintf("chain %q references undeclared endpoint %q", workload, ref))
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// resolveChains resolves the YAML workload/endpoint-ref document into the
// map[types.Workload][]types.Endpoint shape router.Configure expects.
func (d *Document) resolveChains() map[types.Workload][]types.Endpoint {
	byID := make(map[string]types.Endpoint, len(d.Endpoints))
	for _, e := range d.Endpoints {
		byID[e.ProviderID+"/"+e.ModelID] = e.toEndpoint()
	}

	out := make(map[types.Workload][]types.Endpoint, len(d.Chains))
	for workload, refs := range d.Chains {
		chain := make([]types.Endpoint, 0, len(refs))
		for _, ref := range refs {
			if ep, ok := byID[ref]; ok {
				chain = append(chain, ep)
			}
		}
		out[types.Workload(workload)] = chain
	}
	return out
}

// ResolveWeights converts WeightsSpec into router.Weights, falling back to
// router.DefaultWeights when the document left it zero-valued.
func (d *Document) ResolveWeights() router.Weights {
	if d.Weights == (WeightsSpec{}) {
		return router.DefaultWeights()
	}
	return router.Weights{
		Cost:        d.Weights.Cost,
		Speed:       d.Weights.Speed,
		Reliability: d.Weights.Reliability,
		Capability:  d.Weights.Capability,
	}
}

// Load reads and validates a YAML configure() document from path.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// ReloadInterval is the debounce window used by the watcher, mirroring the
// teacher's FileWatcher default debounce.
const ReloadInterval = 500 * time.Millisecond
