package config

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/relaycore/llmcore/core/capacity"
	"github.com/relaycore/llmcore/core/ledger"
	"github.com/relaycore/llmcore/core/limiter"
	"github.com/relaycore/llmcore/core/router"
)

// Manager owns the live Document and applies it atomically to the Router,
// Limiter and Ledger on every configure() call or file-watcher-triggered
// reload. The poll-and-debounce file watching is adapted from the
// teacher's config.FileWatcher, collapsed from its generic multi-path
// fsnotify-style dispatcher into the single config file the Core expects.
type Manager struct {
	logger   *zap.Logger
	router   router.Router
	limiter  limiter.Limiter
	ledger   ledger.Ledger
	capacity capacity.Registry

	mu      sync.RWMutex
	current *Document
	version int
	path    string

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New constructs a Manager. The components are configured empty until
// Apply or LoadAndApply is called. cap may be nil if the caller does not
// need §4.2's sibling-cooldown cascade wired at configure time.
func New(r router.Router, lim limiter.Limiter, led ledger.Ledger, cap capacity.Registry, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{logger: logger, router: r, limiter: lim, ledger: led, capacity: cap, stopCh: make(chan struct{})}
}

// Apply atomically replaces the live configuration. Validation happens
// before any component is touched, so a rejected document never leaves the
// Core half-reconfigured (§7 Configuration error: "rejected wholesale").
func (m *Manager) Apply(doc *Document) error {
	if err := doc.Validate(); err != nil {
		return err
	}

	m.router.Configure(doc.resolveChains())

	for _, e := range doc.Endpoints {
		if m.capacity != nil {
			// Links endpoint -> provider before any observation arrives, so
			// the first rate-limit hit on one endpoint can already cascade
			// a cooldown onto every sibling sharing the provider's quota
			// (§4.2, scenario S4), instead of only taking effect starting
			// from the second endpoint observed under that provider.
			m.capacity.Declare(e.ProviderID+"/"+e.ModelID, e.ProviderID, 0, 0, time.Time{})
		}
		if e.BudgetPerMin <= 0 && e.BudgetPerDay <= 0 {
			continue
		}
		m.limiter.SetBudget(e.ProviderID, limiter.Budget{
			TokensPerMinute: e.BudgetPerMin,
			RequestsPerDay:  e.BudgetPerDay,
		})
	}
	for provider, lim := range doc.Limits {
		m.ledger.SetLimits(provider, ledger.Limits{
			HourlyUSD:  lim.HourlyUSD,
			DailyUSD:   lim.DailyUSD,
			MonthlyUSD: lim.MonthlyUSD,
		})
	}

	m.mu.Lock()
	m.current = doc
	m.version++
	v := m.version
	m.mu.Unlock()

	m.logger.Info("configuration applied", zap.Int("version", v), zap.Int("endpoints", len(doc.Endpoints)), zap.Int("chains", len(doc.Chains)))
	return nil
}

// LoadAndApply reads path and applies it, remembering path for Watch.
func (m *Manager) LoadAndApply(path string) error {
	doc, err := Load(path)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.path = path
	m.mu.Unlock()
	return m.Apply(doc)
}

// Current returns the most recently applied document and its version.
func (m *Manager) Current() (*Document, int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current, m.version
}

// Watch polls the configured file path for changes and re-applies on
// modification, debounced by ReloadInterval. A failed reload is logged and
// the previously-applied configuration is left in effect, never partially
// overwritten.
func (m *Manager) Watch(ctx context.Context) error {
	m.mu.RLock()
	path := m.path
	m.mu.RUnlock()
	if path == "" {
		return fmt.Errorf("config: no path to watch; call LoadAndApply first")
	}

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("config: stat %s: %w", path, err)
	}
	lastMod := info.ModTime()

	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		var debounce *time.Timer

		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				info, err := os.Stat(path)
				if err != nil {
					continue
				}
				if !info.ModTime().After(lastMod) {
					continue
				}
				lastMod = info.ModTime()
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(ReloadInterval, func() {
					if err := m.LoadAndApply(path); err != nil {
						m.logger.Error("configuration reload rejected", zap.Error(err))
					}
				})
			}
		}
	}()
	return nil
}

// Stop ends a running Watch goroutine.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}
