package protocol

import (
	"sync"
	"time"
)

// Ledger remembers every nonce it has accepted.
//
// With a zero TTL entries are never evicted and memory grows with the total
// number of messages received. A positive TTL drops nonces older than the TTL,
// which re-opens them for acceptance once they expire.
type Ledger struct {
	mu        sync.Mutex
	seen      map[string]time.Time
	ttl       time.Duration
	lastSweep time.Time
	now       func() time.Time
}

// NewLedger creates an empty ledger. ttl <= 0 disables eviction.
func NewLedger(ttl time.Duration) *Ledger {
	return &Ledger{
		seen: make(map[string]time.Time),
		ttl:  ttl,
		now:  time.Now,
	}
}

// Accept records nonce and reports whether it was unseen.
func (l *Ledger) Accept(nonce string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.sweep(now)
	if _, ok := l.seen[nonce]; ok {
		return false
	}
	l.seen[nonce] = now
	return true
}

// Len returns the number of remembered nonces.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.seen)
}

// sweep runs at most once per TTL interval. Caller holds l.mu.
func (l *Ledger) sweep(now time.Time) {
	if l.ttl <= 0 || now.Sub(l.lastSweep) < l.ttl {
		return
	}
	cutoff := now.Add(-l.ttl)
	for nonce, at := range l.seen {
		if at.Before(cutoff) {
			delete(l.seen, nonce)
		}
	}
	l.lastSweep = now
}
