package dedup

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGuard(window time.Duration) (*Guard, *time.Time) {
	g := NewGuard(window)
	now := time.Unix(1700000000, 0)
	g.now = func() time.Time { return now }
	return g, &now
}

func TestAcquireBlocksInFlight(t *testing.T) {
	g, _ := newTestGuard(10 * time.Second)

	release, ok := g.Acquire("5531999998888", "hi")
	require.True(t, ok)

	_, ok = g.Acquire("5531999998888", "hi")
	assert.False(t, ok, "in-flight key must block a concurrent duplicate")

	// Different body is a different key.
	release2, ok := g.Acquire("5531999998888", "other")
	assert.True(t, ok)
	release2(false)

	release(true)
}

func TestSuppressionWindow(t *testing.T) {
	g, now := newTestGuard(10 * time.Second)

	release, ok := g.Acquire("5531999998888", "hi")
	require.True(t, ok)
	release(true)

	_, ok = g.Acquire("5531999998888", "hi")
	assert.False(t, ok, "sent key must stay suppressed inside the window")

	*now = now.Add(9 * time.Second)
	_, ok = g.Acquire("5531999998888", "hi")
	assert.False(t, ok)

	*now = now.Add(2 * time.Second)
	release, ok = g.Acquire("5531999998888", "hi")
	assert.True(t, ok, "expired key must be acquirable again")
	release(true)
}

func TestFailedSendFreesKey(t *testing.T) {
	g, _ := newTestGuard(10 * time.Second)

	release, ok := g.Acquire("5531999998888", "hi")
	require.True(t, ok)
	release(false)

	release, ok = g.Acquire("5531999998888", "hi")
	assert.True(t, ok, "failed send must not leave the key suppressed")
	release(false)
}

func TestReleaseIsIdempotent(t *testing.T) {
	g, _ := newTestGuard(10 * time.Second)

	release, ok := g.Acquire("5531999998888", "hi")
	require.True(t, ok)
	release(true)
	release(false) // second call must not undo the suppression

	_, ok = g.Acquire("5531999998888", "hi")
	assert.False(t, ok)
}

func TestSweep(t *testing.T) {
	g, now := newTestGuard(10 * time.Second)

	release, _ := g.Acquire("a", "1")
	release(true)
	release, _ = g.Acquire("b", "2")
	release(true)
	inflight, _ := g.Acquire("c", "3")
	defer inflight(false)

	*now = now.Add(11 * time.Second)
	removed := g.Sweep()
	assert.Equal(t, 2, removed)
	assert.Equal(t, 1, g.Len(), "in-flight entries survive the sweep")
}

func TestConcurrentAcquireSingleWinner(t *testing.T) {
	g, _ := newTestGuard(time.Minute)

	const goroutines = 32
	var wg sync.WaitGroup
	wins := 0
	var mu sync.Mutex

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if release, ok := g.Acquire("5531999998888", "hi"); ok {
				mu.Lock()
				wins++
				mu.Unlock()
				release(true)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins, "exactly one concurrent caller may own the key")
}
