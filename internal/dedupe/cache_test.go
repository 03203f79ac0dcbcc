// ABOUTME: Tests for the call-id dedupe cache.
// ABOUTME: Covers marking, TTL expiry, capacity eviction and concurrent delivery.

package dedupe

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// fakeClock drives expiry without sleeping.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func setupCacheTest(t *testing.T, ttl time.Duration, maxSize int) (*Cache, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	c := New(ttl, maxSize)
	c.now = clock.Now
	return c, clock
}

func TestCheckAndMark(t *testing.T) {
	c, _ := setupCacheTest(t, time.Minute, 10)

	assert.False(t, c.CheckAndMark("call-1"), "first delivery passes")
	assert.True(t, c.CheckAndMark("call-1"), "second delivery is a duplicate")
	assert.False(t, c.CheckAndMark("call-2"))
	assert.True(t, c.Seen("call-2"))
	assert.False(t, c.Seen("call-3"))
}

func TestEntriesExpire(t *testing.T) {
	c, clock := setupCacheTest(t, time.Minute, 10)

	c.CheckAndMark("call-1")
	clock.Advance(30 * time.Second)
	c.CheckAndMark("call-2")

	clock.Advance(31 * time.Second)
	assert.False(t, c.Seen("call-1"))
	assert.True(t, c.Seen("call-2"))

	assert.False(t, c.CheckAndMark("call-1"), "expired id may be dispatched again")
	assert.Equal(t, 2, c.Len(), "expired entry pruned on access")
}

func TestCapacityEvictsOldest(t *testing.T) {
	c, _ := setupCacheTest(t, time.Hour, 2)

	c.CheckAndMark("a")
	c.CheckAndMark("b")
	c.CheckAndMark("c")

	assert.Equal(t, 2, c.Len())
	assert.False(t, c.Seen("a"))
	assert.True(t, c.Seen("b"))
	assert.True(t, c.Seen("c"))
}

func TestConcurrentDeliveriesPassOnce(t *testing.T) {
	c := New(time.Minute, 100)

	var passed atomic.Int32
	var wg sync.WaitGroup
	for range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !c.CheckAndMark("call-42") {
				passed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), passed.Load())
}

func TestDefaults(t *testing.T) {
	c := New(0, 0)
	assert.Equal(t, DefaultTTL, c.ttl)
	assert.Equal(t, DefaultMaxSize, c.maxSize)
}

func TestResetForgetsEveryKey(t *testing.T) {
	c, _ := setupCacheTest(t, time.Minute, 10)

	c.CheckAndMark("call-1")
	c.CheckAndMark("call-2")
	c.Reset()

	assert.Equal(t, 0, c.Len())
	assert.False(t, c.Seen("call-1"))
	assert.False(t, c.CheckAndMark("call-1"), "a reset id passes again")
	assert.True(t, c.CheckAndMark("call-1"))
}
