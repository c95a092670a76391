// Package dedup suppresses duplicate outbound sends. A key derived from
// (destination, body) is owned by the first caller to acquire it; the
// ownership lasts until the send resolves, and a successful send keeps
// the key suppressed for the configured window.
package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

const DefaultWindow = 10 * time.Second

type entry struct {
	inFlight bool
	sentAt   time.Time
}

type Guard struct {
	mu      sync.Mutex
	window  time.Duration
	entries map[string]*entry

	// overridable for tests
	now func() time.Time
}

func NewGuard(window time.Duration) *Guard {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Guard{
		window:  window,
		entries: make(map[string]*entry),
		now:     time.Now,
	}
}

// Acquire claims the key for one send attempt. It returns false when the
// key is in flight or inside the suppression window. On true, the caller
// must invoke the release function exactly once: release(true) starts the
// suppression window, release(false) frees the key for a later retry.
func (g *Guard) Acquire(destination string, body string) (func(sent bool), bool) {
	k := key(destination, body)

	g.mu.Lock()
	defer g.mu.Unlock()

	if e, ok := g.entries[k]; ok {
		if e.inFlight || g.now().Sub(e.sentAt) < g.window {
			return nil, false
		}
	}

	g.entries[k] = &entry{inFlight: true}

	var once sync.Once
	release := func(sent bool) {
		once.Do(func() {
			g.mu.Lock()
			defer g.mu.Unlock()
			e, ok := g.entries[k]
			if !ok {
				return
			}
			if sent {
				e.inFlight = false
				e.sentAt = g.now()
			} else {
				delete(g.entries, k)
			}
		})
	}
	return release, true
}

// Sweep drops expired entries. Called periodically from the cron routine
// so long-lived processes do not accumulate one entry per recipient.
func (g *Guard) Sweep() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	removed := 0
	for k, e := range g.entries {
		if !e.inFlight && now.Sub(e.sentAt) >= g.window {
			delete(g.entries, k)
			removed++
		}
	}
	return removed
}

func (g *Guard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.entries)
}

func key(destination string, body string) string {
	h := sha256.New()
	h.Write([]byte(destination))
	h.Write([]byte{0x1f})
	h.Write([]byte(body))
	return hex.EncodeToString(h.Sum(nil))
}
