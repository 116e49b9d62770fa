// Package x402 - Payment pacing
// A runaway agent stuck in a pay loop can drain a wallet long before the
// hourly cap trips. The pacer bounds how often payments may be attempted
// against any single host. Plain requests are never paced, only the step
// that commits money.
package x402

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// HostPacer rate-limits payment attempts per target host. A nil pacer is
// valid and imposes no pacing.
type HostPacer struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	entries map[string]*pacerEntry
}

type pacerEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewHostPacer builds a pacer allowing perMinute payment attempts per host.
// Returns nil (pacing disabled) when perMinute <= 0.
func NewHostPacer(perMinute int) *HostPacer {
	if perMinute <= 0 {
		return nil
	}
	return &HostPacer{
		limit:   rate.Every(time.Minute / time.Duration(perMinute)),
		burst:   1,
		entries: make(map[string]*pacerEntry),
	}
}

// Wait blocks until a payment attempt against host is allowed or the
// context ends.
func (p *HostPacer) Wait(ctx context.Context, host string) error {
	if p == nil {
		return nil
	}
	return p.limiterFor(host).Wait(ctx)
}

// Allow reports without blocking whether a payment attempt against host is
// currently allowed, consuming the slot when it is.
func (p *HostPacer) Allow(host string) bool {
	if p == nil {
		return true
	}
	return p.limiterFor(host).Allow()
}

func (p *HostPacer) limiterFor(host string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.entries[host]
	if !ok {
		entry = &pacerEntry{limiter: rate.NewLimiter(p.limit, p.burst)}
		p.entries[host] = entry
	}
	entry.lastSeen = time.Now()
	return entry.limiter
}

// StartJanitor prunes limiters for hosts idle longer than idleTTL, checking
// every interval, until ctx ends.
func (p *HostPacer) StartJanitor(ctx context.Context, interval, idleTTL time.Duration) {
	if p == nil {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				p.mu.Lock()
				for host, entry := range p.entries {
					if now.Sub(entry.lastSeen) > idleTTL {
						delete(p.entries, host)
					}
				}
				p.mu.Unlock()
			}
		}
	}()
}
