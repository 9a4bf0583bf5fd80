// Package limiter implements the Token-Bucket Limiter (C4): a per-provider
// per-minute token budget and per-day request counter, checked proactively
// before a call is attempted. The per-minute bucket is backed by
// golang.org/x/time/rate, the same library the teacher's HTTP middleware
// (cmd/agentflow/middleware.go's RateLimiter/TenantRateLimiter) uses for
// per-IP/per-tenant admission; here it is keyed by provider instead and
// sized in tokens instead of requests.
package limiter

import (
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Admission is the verdict from Check.
type Admission int

const (
	Allow Admission = iota
	Throttle
)

// Result carries the verdict and, when throttled, a hint for how long the
// caller might wait before the bucket has capacity again.
type Result struct {
	Admission  Admission
	RetryAfter time.Duration
}

// Budget declares a provider's per-minute token budget and per-day request
// ceiling. Configured via core/config, not hardcoded.
type Budget struct {
	TokensPerMinute  int64
	RequestsPerDay   int64
}

// Limiter is the Token-Bucket Limiter's contract.
type Limiter interface {
	// Check answers whether estimatedTokens fit the provider's current
	// budget without mutating state.
	Check(provider string, estimatedTokens int64) Result
	// Record debits the bucket and the daily counter for a completed call;
	// the Cost Ledger is updated separately by the caller (typically the
	// Executor) using the same input/output/cost figures.
	Record(provider string, inputTokens, outputTokens int64)
	SetBudget(provider string, b Budget)
}

type providerState struct {
	mu           sync.Mutex
	tokenLimiter *rate.Limiter
	budget       Budget
	requestsToday int64
	dayStartedAt  time.Time
}

type limiter struct {
	logger *zap.Logger

	mu        sync.Mutex
	providers map[string]*providerState
	defaults  Budget
}

// New constructs a Limiter. defaults apply to any provider that has not
// been given an explicit Budget via SetBudget.
func New(defaults Budget, logger *zap.Logger) Limiter {
	if defaults.TokensPerMinute <= 0 {
		defaults.TokensPerMinute = 60_000
	}
	if defaults.RequestsPerDay <= 0 {
		defaults.RequestsPerDay = 100_000
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &limiter{logger: logger, providers: make(map[string]*providerState), defaults: defaults}
}

func (l *limiter) entry(provider string) *providerState {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.providers[provider]
	if !ok {
		p = &providerState{
			tokenLimiter: rate.NewLimiter(rate.Limit(float64(l.defaults.TokensPerMinute)/60.0), int(l.defaults.TokensPerMinute)),
			budget:       l.defaults,
			dayStartedAt: time.Now(),
		}
		l.providers[provider] = p
	}
	return p
}

func (l *limiter) SetBudget(provider string, b Budget) {
	if b.TokensPerMinute <= 0 {
		b.TokensPerMinute = l.defaults.TokensPerMinute
	}
	if b.RequestsPerDay <= 0 {
		b.RequestsPerDay = l.defaults.RequestsPerDay
	}
	l.mu.Lock()
	p, ok := l.providers[provider]
	if !ok {
		p = &providerState{dayStartedAt: time.Now()}
		l.providers[provider] = p
	}
	l.mu.Unlock()

	p.mu.Lock()
	p.budget = b
	p.tokenLimiter = rate.NewLimiter(rate.Limit(float64(b.TokensPerMinute)/60.0), int(b.TokensPerMinute))
	p.mu.Unlock()
}

func (l *limiter) resetDayIfNeeded(p *providerState) {
	if time.Since(p.dayStartedAt) >= 24*time.Hour {
		p.requestsToday = 0
		p.dayStartedAt = time.Now()
	}
}

func (l *limiter) Check(provider string, estimatedTokens int64) Result {
	p := l.entry(provider)
	p.mu.Lock()
	defer p.mu.Unlock()

	l.resetDayIfNeeded(p)

	if p.budget.RequestsPerDay > 0 && p.requestsToday >= p.budget.RequestsPerDay {
		return Result{Admission: Throttle, RetryAfter: time.Until(p.dayStartedAt.Add(24 * time.Hour))}
	}

	if estimatedTokens > int64(p.tokenLimiter.Burst()) {
		return Result{Admission: Throttle, RetryAfter: rate.InfDuration}
	}
	// TokensAt only reads the bucket; Record is what debits it.
	if deficit := float64(estimatedTokens) - p.tokenLimiter.TokensAt(time.Now()); deficit > 0 {
		return Result{Admission: Throttle, RetryAfter: time.Duration(deficit / float64(p.tokenLimiter.Limit()) * float64(time.Second))}
	}
	return Result{Admission: Allow}
}

func (l *limiter) Record(provider string, inputTokens, outputTokens int64) {
	p := l.entry(provider)
	p.mu.Lock()
	defer p.mu.Unlock()
	l.resetDayIfNeeded(p)
	p.requestsToday++
	p.tokenLimiter.ReserveN(time.Now(), int(inputTokens+outputTokens))
}
