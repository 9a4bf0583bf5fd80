package limiter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestNew_DefaultsAppliedWhenZero(t *testing.T) {
	l := New(Budget{}, zap.NewNop())
	impl := l.(*limiter)
	assert.Equal(t, int64(60_000), impl.defaults.TokensPerMinute)
	assert.Equal(t, int64(100_000), impl.defaults.RequestsPerDay)
}

func TestCheck_AllowsWithinBudget(t *testing.T) {
	l := New(Budget{TokensPerMinute: 1000, RequestsPerDay: 10}, zap.NewNop())
	res := l.Check("anthropic", 100)
	assert.Equal(t, Allow, res.Admission)
}

func TestCheck_ThrottlesWhenTokenBucketExhausted(t *testing.T) {
	l := New(Budget{TokensPerMinute: 100, RequestsPerDay: 1000}, zap.NewNop())
	// Burst capacity equals the per-minute budget; asking for more than the
	// bucket holds must throttle rather than allow an unbounded request.
	res := l.Check("anthropic", 1000)
	assert.Equal(t, Throttle, res.Admission)
	assert.Greater(t, res.RetryAfter, time.Duration(0))
}

func TestCheck_DoesNotMutateState(t *testing.T) {
	l := New(Budget{TokensPerMinute: 100, RequestsPerDay: 1000}, zap.NewNop())
	first := l.Check("anthropic", 90)
	second := l.Check("anthropic", 90)
	assert.Equal(t, first.Admission, second.Admission)
	assert.Equal(t, Allow, second.Admission)
}

func TestRecord_DebitsBucketAndDailyCounter(t *testing.T) {
	l := New(Budget{TokensPerMinute: 100, RequestsPerDay: 1000}, zap.NewNop())
	l.Record("anthropic", 60, 20)

	impl := l.(*limiter)
	p := impl.entry("anthropic")
	p.mu.Lock()
	requestsToday := p.requestsToday
	p.mu.Unlock()
	assert.Equal(t, int64(1), requestsToday)

	// Having spent 80 of 100 tokens, a further 50-token request should throttle.
	res := l.Check("anthropic", 50)
	assert.Equal(t, Throttle, res.Admission)
}

func TestCheck_ThrottlesAtDailyRequestCeiling(t *testing.T) {
	l := New(Budget{TokensPerMinute: 1_000_000, RequestsPerDay: 2}, zap.NewNop())
	l.Record("openai", 1, 1)
	l.Record("openai", 1, 1)

	res := l.Check("openai", 1)
	assert.Equal(t, Throttle, res.Admission)
	assert.Greater(t, res.RetryAfter, time.Duration(0))
}

func TestSetBudget_OverridesDefaultsPerProvider(t *testing.T) {
	l := New(Budget{TokensPerMinute: 1000, RequestsPerDay: 1000}, zap.NewNop())
	l.SetBudget("anthropic", Budget{TokensPerMinute: 10, RequestsPerDay: 1})

	res := l.Check("anthropic", 50)
	assert.Equal(t, Throttle, res.Admission)

	// A different provider keeps the package defaults.
	res = l.Check("openai", 50)
	assert.Equal(t, Allow, res.Admission)
}

func TestSetBudget_ZeroFieldsFallBackToDefaults(t *testing.T) {
	l := New(Budget{TokensPerMinute: 500, RequestsPerDay: 7}, zap.NewNop())
	l.SetBudget("anthropic", Budget{})

	impl := l.(*limiter)
	p := impl.entry("anthropic")
	p.mu.Lock()
	budget := p.budget
	p.mu.Unlock()
	assert.Equal(t, int64(500), budget.TokensPerMinute)
	assert.Equal(t, int64(7), budget.RequestsPerDay)
}

func TestProvidersAreIndependent(t *testing.T) {
	l := New(Budget{TokensPerMinute: 100, RequestsPerDay: 1000}, zap.NewNop())
	l.Record("anthropic", 90, 0)

	assert.Equal(t, Throttle, l.Check("anthropic", 50).Admission)
	assert.Equal(t, Allow, l.Check("openai", 50).Admission)
}
