// Package capacity implements the Capacity Registry (C2): per-endpoint
// token/request counters derived from provider rate-limit headers, the
// five-way status projection the Router and Executor both consult, and the
// exponential cooldown the spec attaches to repeated rate-limit failures.
package capacity

import (
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Status is the derived health of an endpoint.
type Status int

const (
	Available Status = iota
	Approaching
	Low
	Exhausted
	Cooldown
)

func (s Status) String() string {
	switch s {
	case Available:
		return "Available"
	case Approaching:
		return "Approaching"
	case Low:
		return "Low"
	case Exhausted:
		return "Exhausted"
	case Cooldown:
		return "Cooldown"
	default:
		return "Unknown"
	}
}

const (
	cooldownBase = 60 * time.Second
	cooldownCap  = 600 * time.Second
)

// Snapshot is the per-endpoint state described in §3.
type Snapshot struct {
	TokensRemainingWindow   int64
	TokensCeilingWindow     int64
	RequestsRemainingWindow int64
	RequestsCeilingWindow   int64
	WindowResetsAt          time.Time
	LastObservedAt          time.Time
	Consecutive429s         int
	CooldownUntil           time.Time
}

func (s Snapshot) usageFraction() float64 {
	var worst float64
	if s.TokensCeilingWindow > 0 {
		used := float64(s.TokensCeilingWindow-s.TokensRemainingWindow) / float64(s.TokensCeilingWindow)
		worst = math.Max(worst, used)
	}
	if s.RequestsCeilingWindow > 0 {
		used := float64(s.RequestsCeilingWindow-s.RequestsRemainingWindow) / float64(s.RequestsCeilingWindow)
		worst = math.Max(worst, used)
	}
	return worst
}

func (s Snapshot) status(now time.Time) Status {
	if now.Before(s.CooldownUntil) {
		return Cooldown
	}
	frac := s.usageFraction()
	switch {
	case frac >= 0.95:
		return Exhausted
	case frac >= 0.80:
		return Low
	case frac >= 0.50:
		return Approaching
	default:
		return Available
	}
}

// Registry is the Capacity Registry's contract.
type Registry interface {
	Status(endpoint string) Status
	ObserveResponse(endpoint string, headers map[string]string, inputTokens, outputTokens int64)
	// ObserveRateLimit records a 429/RESOURCE_EXHAUSTED observation for
	// endpoint, owned by providerID. Scenario S4: a provider's quota is
	// presumed shared across its endpoints, so every sibling endpoint
	// declared under the same provider is also pushed into Cooldown,
	// without touching their own consecutive_429s counters.
	ObserveRateLimit(endpoint, providerID string)
	Tick(now time.Time)
	PreferSwitch(endpoint string) bool
	// Snapshot returns a copy of the current snapshot for the endpoint,
	// creating an entry with zero ceilings on first touch if none was
	// declared yet.
	Snapshot(endpoint string) Snapshot
	// Declare seeds an endpoint's nominal ceilings before first use and
	// records which provider it belongs to, for the sibling-cooldown
	// cascade ObserveRateLimit performs.
	Declare(endpoint, providerID string, tokenCeiling, requestCeiling int64, windowResetAt time.Time)
}

type registry struct {
	logger *zap.Logger

	mu       sync.Mutex
	state    map[string]*Snapshot
	provider map[string]string   // endpoint -> providerID
	siblings map[string][]string // providerID -> endpoints sharing its quota
}

// New constructs an empty Capacity Registry.
func New(logger *zap.Logger) Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &registry{
		logger:   logger,
		state:    make(map[string]*Snapshot),
		provider: make(map[string]string),
		siblings: make(map[string][]string),
	}
}

func (r *registry) linkProvider(endpoint, providerID string) {
	if providerID == "" {
		return
	}
	if existing, ok := r.provider[endpoint]; ok && existing == providerID {
		return
	}
	r.provider[endpoint] = providerID
	for _, e := range r.siblings[providerID] {
		if e == endpoint {
			return
		}
	}
	r.siblings[providerID] = append(r.siblings[providerID], endpoint)
}

func (r *registry) entry(endpoint string) *Snapshot {
	s, ok := r.state[endpoint]
	if !ok {
		s = &Snapshot{WindowResetsAt: time.Now().Add(time.Minute)}
		r.state[endpoint] = s
	}
	return s
}

func (r *registry) Declare(endpoint, providerID string, tokenCeiling, requestCeiling int64, windowResetAt time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.linkProvider(endpoint, providerID)
	s := r.entry(endpoint)
	if s.TokensCeilingWindow == 0 {
		s.TokensCeilingWindow = tokenCeiling
		s.TokensRemainingWindow = tokenCeiling
	}
	if s.RequestsCeilingWindow == 0 {
		s.RequestsCeilingWindow = requestCeiling
		s.RequestsRemainingWindow = requestCeiling
	}
	if !windowResetAt.IsZero() {
		s.WindowResetsAt = windowResetAt
	}
}

func (r *registry) Status(endpoint string) Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entry(endpoint).status(time.Now())
}

func (r *registry) PreferSwitch(endpoint string) bool {
	st := r.Status(endpoint)
	return st == Low || st == Exhausted || st == Cooldown
}

func (r *registry) Snapshot(endpoint string) Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.entry(endpoint)
}

// headerFamilies lists the known rate-limit header name families. Within
// one family, "tokens" and "requests" remaining are both consulted, and the
// most conservative (smallest) remaining value across every family present
// on the response wins, per §4.2.
var headerFamilies = [][2]string{
	{"x-ratelimit-remaining-tokens", "x-ratelimit-remaining-requests"},
	{"anthropic-ratelimit-tokens-remaining", "anthropic-ratelimit-requests-remaining"},
}

func parseHeaderInt(headers map[string]string, key string) (int64, bool) {
	for k, v := range headers {
		if strings.EqualFold(k, key) {
			n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
			if err != nil {
				return 0, false
			}
			return n, true
		}
	}
	return 0, false
}

func (r *registry) ObserveResponse(endpoint string, headers map[string]string, inputTokens, outputTokens int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.entry(endpoint)
	s.LastObservedAt = time.Now()
	s.Consecutive429s = 0
	s.CooldownUntil = time.Time{}

	var gotTokens, gotRequests bool
	var minTokens, minRequests int64 = math.MaxInt64, math.MaxInt64

	for _, fam := range headerFamilies {
		if v, ok := parseHeaderInt(headers, fam[0]); ok {
			gotTokens = true
			if v < minTokens {
				minTokens = v
			}
		}
		if v, ok := parseHeaderInt(headers, fam[1]); ok {
			gotRequests = true
			if v < minRequests {
				minRequests = v
			}
		}
	}

	if gotTokens {
		s.TokensRemainingWindow = minTokens
		if s.TokensCeilingWindow == 0 {
			s.TokensCeilingWindow = minTokens + inputTokens + outputTokens
		}
	} else if s.TokensCeilingWindow > 0 {
		s.TokensRemainingWindow -= inputTokens + outputTokens
		if s.TokensRemainingWindow < 0 {
			s.TokensRemainingWindow = 0
		}
	}

	if gotRequests {
		s.RequestsRemainingWindow = minRequests
	} else if s.RequestsCeilingWindow > 0 {
		s.RequestsRemainingWindow--
		if s.RequestsRemainingWindow < 0 {
			s.RequestsRemainingWindow = 0
		}
	}
}

func (r *registry) ObserveRateLimit(endpoint, providerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.linkProvider(endpoint, providerID)

	s := r.entry(endpoint)
	s.Consecutive429s++
	s.LastObservedAt = time.Now()

	// 60s << 4 already exceeds the cap; bounding the shift keeps long 429
	// runs from overflowing the duration.
	shift := s.Consecutive429s - 1
	if shift > 4 {
		shift = 4
	}
	backoff := cooldownBase << uint(shift)
	if backoff > cooldownCap {
		backoff = cooldownCap
	}
	next := time.Now().Add(backoff)
	// Monotonic while consecutive_429s > 0: never shrink an existing
	// cooldown window even if this observation would compute an earlier one.
	if next.After(s.CooldownUntil) {
		s.CooldownUntil = next
	}

	r.logger.Warn("rate limit observed",
		zap.String("endpoint", endpoint),
		zap.Int("consecutive_429s", s.Consecutive429s),
		zap.Time("cooldown_until", s.CooldownUntil),
	)

	// S4: presumed shared quota. Push every sibling endpoint declared
	// under the same provider into Cooldown for this endpoint's window,
	// without touching their own consecutive_429s — a direct 429 against
	// a sibling still escalates its own backoff independently.
	if providerID == "" {
		providerID = r.provider[endpoint]
	}
	for _, sibling := range r.siblings[providerID] {
		if sibling == endpoint {
			continue
		}
		sib := r.entry(sibling)
		if next.After(sib.CooldownUntil) {
			sib.CooldownUntil = next
		}
	}
}

func (r *registry) Tick(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.state {
		if !s.WindowResetsAt.IsZero() && !s.WindowResetsAt.After(now) {
			s.TokensRemainingWindow = s.TokensCeilingWindow
			s.RequestsRemainingWindow = s.RequestsCeilingWindow
			s.WindowResetsAt = now.Add(time.Minute)
		}
		if !s.CooldownUntil.IsZero() && !s.CooldownUntil.After(now) {
			s.CooldownUntil = time.Time{}
		}
	}
}
