// Package credential implements the Credential Oracle (C1): a read-only,
// cached answer to "is provider P usable right now", plus invalidation
// notifications the Router subscribes to. It never reads secrets itself —
// that lives in the enclosing application — it only answers a boolean per
// provider and fans out invalidation events.
package credential

import (
	"sync"

	"go.uber.org/zap"
)

// Source is the read-only capability the enclosing application provides:
// "does a usable credential exist for this provider". Implementations may
// check environment variables under several accepted aliases, or a token
// file under a plugin directory; either way a single I/O error collapses
// to a conservative false, never a panic or propagated error, per §4.1.
type Source interface {
	// IsUsable is called at most once per provider between invalidations;
	// the Oracle caches the result. It must not block for long — this is
	// one of the few operations in the Core permitted to perform I/O
	// (§5, "Credential Oracle's initial credential-store scan").
	IsUsable(providerID string) bool
}

// Listener receives a notification on every invalidation of a provider's
// credential, whether or not its usability changed. The Router subscribes
// so it can immediately drop filtered endpoints instead of waiting for the next decision to notice.
type Listener func(providerID string)

// Oracle is the Credential Oracle's contract.
type Oracle interface {
	// IsUsable answers from cache, consulting Source only on a cache miss.
	IsUsable(providerID string) bool
	// Invalidate drops the cached answer for a provider and notifies every
	// subscriber. Idempotent: invalidating an already-invalid provider is
	// a no-op beyond re-notifying.
	Invalidate(providerID string)
	// Subscribe registers a Listener invoked (synchronously, from the
	// calling goroutine of Invalidate) on every invalidation.
	Subscribe(l Listener)
}

type cachedOracle struct {
	src    Source
	logger *zap.Logger

	mu        sync.RWMutex
	cache     map[string]bool
	listeners []Listener
}

// New constructs an Oracle backed by src. logger may be nil, in which case
// a no-op logger is used.
func New(src Source, logger *zap.Logger) Oracle {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &cachedOracle{
		src:    src,
		logger: logger,
		cache:  make(map[string]bool),
	}
}

func (o *cachedOracle) IsUsable(providerID string) bool {
	o.mu.RLock()
	v, ok := o.cache[providerID]
	o.mu.RUnlock()
	if ok {
		return v
	}

	usable := o.src.IsUsable(providerID)

	o.mu.Lock()
	o.cache[providerID] = usable
	o.mu.Unlock()
	return usable
}

func (o *cachedOracle) Invalidate(providerID string) {
	o.mu.Lock()
	delete(o.cache, providerID)
	listeners := append([]Listener(nil), o.listeners...)
	o.mu.Unlock()

	o.logger.Info("credential invalidated", zap.String("provider", providerID))
	for _, l := range listeners {
		l(providerID)
	}
}

func (o *cachedOracle) Subscribe(l Listener) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.listeners = append(o.listeners, l)
}
