// Package ledger implements the Cost Ledger (C5): realized usage per
// provider per (hour, day, month), multi-level alert thresholds and
// rolling-baseline anomaly detection. The window-reset idiom is adapted from the teacher's llm/budget.TokenBudgetManager;
// unlike that single-tenant manager this one is keyed per provider and
// adds the hourly-baseline anomaly check the spec requires.
package ledger

import (
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
)

// AlertLevel is a threshold crossing, in ascending severity.
type AlertLevel string

const (
	Alert50  AlertLevel = "50pct"
	Alert75  AlertLevel = "75pct"
	Alert90  AlertLevel = "90pct"
	Alert100 AlertLevel = "100pct"
)

// Alert is delivered to a registered Listener.
type Alert struct {
	Provider  string
	Level     AlertLevel
	Period    string // "hour", "day" or "month"
	Current   float64
	Limit     float64
	Timestamp time.Time
}

// AnomalyAlert fires when an hour's spend exceeds the rolling baseline.
type AnomalyAlert struct {
	Provider  string
	HourSpend float64
	Baseline  float64
	StdDev    float64
	Timestamp time.Time
}

// Listener receives cost alerts. Registered via OnAlert/OnAnomaly, mirroring
// the teacher's AlertHandler pattern.
type Listener func(Alert)

// AnomalyListener receives anomaly alerts.
type AnomalyListener func(AnomalyAlert)

// Limits configures per-provider spend ceilings. Zero means "no limit" for
// that period.
type Limits struct {
	HourlyUSD  float64
	DailyUSD   float64
	MonthlyUSD float64
}

// Ledger is the Cost Ledger's contract.
type Ledger interface {
	// Record books a realized cost for provider and updates the rolling
	// hourly-sample history used for anomaly detection.
	Record(provider string, usdCost float64)
	SetLimits(provider string, l Limits)
	OnAlert(l Listener)
	OnAnomaly(l AnomalyListener)
	Spend(provider string) (hour, day, month float64)
}

type providerBook struct {
	mu sync.Mutex

	hourSpend, daySpend, monthSpend float64
	hourStart, dayStart, monthStart time.Time

	// last 24 completed hourly totals, oldest first, for the rolling
	// baseline the spec's anomaly detector computes over.
	hourlySamples []float64

	limits Limits

	alertedHour, alertedDay, alertedMonth map[AlertLevel]bool
}

func newProviderBook(now time.Time) *providerBook {
	return &providerBook{
		hourStart:     now.Truncate(time.Hour),
		dayStart:      now.Truncate(24 * time.Hour),
		monthStart:    time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location()),
		alertedHour:   make(map[AlertLevel]bool),
		alertedDay:    make(map[AlertLevel]bool),
		alertedMonth:  make(map[AlertLevel]bool),
		hourlySamples: make([]float64, 0, 24),
	}
}

type ledger struct {
	logger *zap.Logger

	mu        sync.Mutex
	providers map[string]*providerBook

	listeners        []Listener
	anomalyListeners []AnomalyListener
}

// New constructs an empty Cost Ledger.
func New(logger *zap.Logger) Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ledger{logger: logger, providers: make(map[string]*providerBook)}
}

func (l *ledger) book(provider string) *providerBook {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.providers[provider]
	if !ok {
		b = newProviderBook(time.Now())
		l.providers[provider] = b
	}
	return b
}

func (l *ledger) SetLimits(provider string, lim Limits) {
	b := l.book(provider)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.limits = lim
}

func (l *ledger) OnAlert(listener Listener) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.listeners = append(l.listeners, listener)
}

func (l *ledger) OnAnomaly(listener AnomalyListener) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.anomalyListeners = append(l.anomalyListeners, listener)
}

func (l *ledger) fireAlert(a Alert) {
	l.mu.Lock()
	listeners := append([]Listener(nil), l.listeners...)
	l.mu.Unlock()
	l.logger.Warn("cost alert", zap.String("provider", a.Provider), zap.String("level", string(a.Level)), zap.String("period", a.Period))
	for _, lst := range listeners {
		go lst(a)
	}
}

func (l *ledger) fireAnomaly(a AnomalyAlert) {
	l.mu.Lock()
	listeners := append([]AnomalyListener(nil), l.anomalyListeners...)
	l.mu.Unlock()
	l.logger.Warn("cost anomaly", zap.String("provider", a.Provider), zap.Float64("hour_spend", a.HourSpend), zap.Float64("baseline", a.Baseline))
	for _, lst := range listeners {
		go lst(a)
	}
}

func (l *ledger) rollWindows(provider string, b *providerBook, now time.Time) {
	if now.Sub(b.hourStart) >= time.Hour {
		b.hourlySamples = append(b.hourlySamples, b.hourSpend)
		if len(b.hourlySamples) > 24 {
			b.hourlySamples = b.hourlySamples[len(b.hourlySamples)-24:]
		}
		l.checkAnomaly(provider, b)
		b.hourSpend = 0
		b.hourStart = now.Truncate(time.Hour)
		b.alertedHour = make(map[AlertLevel]bool)
	}
	if now.Sub(b.dayStart) >= 24*time.Hour {
		b.daySpend = 0
		b.dayStart = now.Truncate(24 * time.Hour)
		b.alertedDay = make(map[AlertLevel]bool)
	}
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	if monthStart.After(b.monthStart) {
		b.monthSpend = 0
		b.monthStart = monthStart
		b.alertedMonth = make(map[AlertLevel]bool)
	}
}

// checkAnomaly flags the just-closed hour if it exceeded baseline_mean +
// 3*baseline_stddev over the trailing sample window, per §4.5. Requires at
// least a handful of samples so a cold start doesn't manufacture anomalies.
func (l *ledger) checkAnomaly(provider string, b *providerBook) {
	if len(b.hourlySamples) < 4 {
		return
	}
	justClosed := b.hourlySamples[len(b.hourlySamples)-1]
	history := b.hourlySamples[:len(b.hourlySamples)-1]

	var sum float64
	for _, v := range history {
		sum += v
	}
	mean := sum / float64(len(history))

	var variance float64
	for _, v := range history {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(history))
	stddev := math.Sqrt(variance)

	if justClosed > mean+3*stddev {
		l.fireAnomaly(AnomalyAlert{
			Provider:  provider,
			HourSpend: justClosed,
			Baseline:  mean,
			StdDev:    stddev,
			Timestamp: time.Now(),
		})
	}
}

func thresholdCrossed(current, limit float64, alerted map[AlertLevel]bool) *AlertLevel {
	if limit <= 0 {
		return nil
	}
	frac := current / limit
	levels := []struct {
		level AlertLevel
		frac  float64
	}{
		{Alert100, 1.0}, {Alert90, 0.90}, {Alert75, 0.75}, {Alert50, 0.50},
	}
	for _, lv := range levels {
		if frac >= lv.frac && !alerted[lv.level] {
			alerted[lv.level] = true
			l := lv.level
			return &l
		}
	}
	return nil
}

func (l *ledger) Record(provider string, usdCost float64) {
	now := time.Now()
	b := l.book(provider)
	b.mu.Lock()
	l.rollWindows(provider, b, now)

	b.hourSpend += usdCost
	b.daySpend += usdCost
	b.monthSpend += usdCost

	type crossing struct {
		level  AlertLevel
		period string
		cur    float64
		lim    float64
	}
	// thresholdCrossed yields one not-yet-alerted level per call, so each
	// period is drained until every level this Record passed has fired.
	var crossings []crossing
	for lv := thresholdCrossed(b.hourSpend, b.limits.HourlyUSD, b.alertedHour); lv != nil; lv = thresholdCrossed(b.hourSpend, b.limits.HourlyUSD, b.alertedHour) {
		crossings = append(crossings, crossing{*lv, "hour", b.hourSpend, b.limits.HourlyUSD})
	}
	for lv := thresholdCrossed(b.daySpend, b.limits.DailyUSD, b.alertedDay); lv != nil; lv = thresholdCrossed(b.daySpend, b.limits.DailyUSD, b.alertedDay) {
		crossings = append(crossings, crossing{*lv, "day", b.daySpend, b.limits.DailyUSD})
	}
	for lv := thresholdCrossed(b.monthSpend, b.limits.MonthlyUSD, b.alertedMonth); lv != nil; lv = thresholdCrossed(b.monthSpend, b.limits.MonthlyUSD, b.alertedMonth) {
		crossings = append(crossings, crossing{*lv, "month", b.monthSpend, b.limits.MonthlyUSD})
	}
	b.mu.Unlock()

	for _, c := range crossings {
		l.fireAlert(Alert{Provider: provider, Level: c.level, Period: c.period, Current: c.cur, Limit: c.lim, Timestamp: now})
	}
}

func (l *ledger) Spend(provider string) (hour, day, month float64) {
	b := l.book(provider)
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.hourSpend, b.daySpend, b.monthSpend
}
