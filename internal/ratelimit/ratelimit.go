// Package ratelimit enforces the proactive-notification cooldown: at
// most one push per (uid, app) per window, cluster-wide.
//
// Two tiers back the limiter:
//   - a local in-process map, fast and advisory
//   - a shared store (Redis), authoritative across replicas
//
// The local tier is a time-bounded hint refreshed from the shared tier
// on miss. Read-then-write across tiers is not atomic; two
// near-simultaneous checks for the same key may both pass. That race
// window is accepted; the cooldown is a best-effort bound, not a
// strict guarantee.
package ratelimit

import (
	"context"
	"sync"
	"time"

	logx "apphub/pkg/logx"
)

// DefaultWindow is the minimum gap between two proactive pushes for
// one (uid, app) pair.
const DefaultWindow = 30 * time.Second

// SharedStore is the authoritative cluster-wide tier.
type SharedStore interface {
	// SentAt returns the recorded send time and its remaining TTL.
	// ok is false when no entry exists.
	SentAt(ctx context.Context, uid, appID string) (sentAt time.Time, remaining time.Duration, ok bool, err error)
	// MarkSent records a send at ts, expiring after ttl.
	MarkSent(ctx context.Context, uid, appID string, ts time.Time, ttl time.Duration) error
}

type localEntry struct {
	sentAt  time.Time
	expires time.Time
}

// Limiter is safe for concurrent use.
type Limiter struct {
	shared SharedStore
	window time.Duration
	log    logx.Logger

	mu    sync.Mutex
	local map[string]localEntry

	now func() time.Time
}

func New(shared SharedStore, window time.Duration, log logx.Logger) *Limiter {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Limiter{
		shared: shared,
		window: window,
		log:    log,
		local:  map[string]localEntry{},
		now:    time.Now,
	}
}

func (l *Limiter) Window() time.Duration { return l.window }

// Allowed reports whether a proactive push for (uid, appID) may be sent
// now. The local tier is consulted first; on miss the shared tier is
// read and, if it holds a live entry, backfilled into the local tier
// with the remaining TTL.
//
// Shared-tier read errors fail open: a degraded cache must not silence
// every proactive app in the process.
func (l *Limiter) Allowed(ctx context.Context, uid, appID string) bool {
	key := uid + ":" + appID
	now := l.now()

	l.mu.Lock()
	if e, ok := l.local[key]; ok {
		if now.Before(e.expires) {
			l.mu.Unlock()
			return now.Sub(e.sentAt) >= l.window
		}
		delete(l.local, key)
	}
	l.mu.Unlock()

	if l.shared == nil {
		return true
	}
	sentAt, remaining, ok, err := l.shared.SentAt(ctx, uid, appID)
	if err != nil {
		l.log.Warn("rate limit shared read failed", logx.String("uid", uid), logx.String("app", appID), logx.Err(err))
		return true
	}
	if !ok {
		return true
	}
	if remaining > 0 {
		// The shared tier reports a *remaining* TTL; locally we store an
		// absolute expiry. Mixing the two up would pin entries forever.
		l.mu.Lock()
		l.local[key] = localEntry{sentAt: sentAt, expires: now.Add(remaining)}
		l.mu.Unlock()
	}
	return now.Sub(sentAt) >= l.window
}

// Record marks a send for (uid, appID). The shared write is the
// correctness backstop and is always attempted; the local write is
// best-effort.
func (l *Limiter) Record(ctx context.Context, uid, appID string) {
	key := uid + ":" + appID
	now := l.now()

	if l.shared != nil {
		if err := l.shared.MarkSent(ctx, uid, appID, now, l.window); err != nil {
			l.log.Error("rate limit shared write failed", logx.String("uid", uid), logx.String("app", appID), logx.Err(err))
		}
	}

	l.mu.Lock()
	l.local[key] = localEntry{sentAt: now, expires: now.Add(l.window)}
	l.mu.Unlock()
}

// PruneLocal drops expired local entries. Called periodically by the
// app janitor; returns the number of entries removed.
func (l *Limiter) PruneLocal() int {
	now := l.now()
	removed := 0
	l.mu.Lock()
	for k, e := range l.local {
		if !now.Before(e.expires) {
			delete(l.local, k)
			removed++
		}
	}
	l.mu.Unlock()
	return removed
}
