package speaker

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpdateIsMonotonic(t *testing.T) {
	c := New(time.Minute)
	base := time.Unix(1_700_000_000, 0)

	assert.True(t, c.Update("c1", "u1", base))
	assert.False(t, c.Update("c1", "u2", base.Add(-time.Second)))

	e, ok := c.Get("c1")
	require.True(t, ok)
	assert.Equal(t, "u1", e.UserID)
	assert.Equal(t, base, e.SpokenAt)

	assert.True(t, c.Update("c1", "u2", base))
	e, _ = c.Get("c1")
	assert.Equal(t, "u2", e.UserID)
}

func TestConcurrentUpdatesNeverDecrease(t *testing.T) {
	c := New(time.Minute)
	base := time.Unix(1_700_000_000, 0)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var observed []time.Time

	for i := range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Update("c1", fmt.Sprintf("u%d", i), base.Add(time.Duration(i%17)*time.Second))
			e, _ := c.Get("c1")
			mu.Lock()
			observed = append(observed, e.SpokenAt)
			mu.Unlock()
		}()
	}
	wg.Wait()

	e, _ := c.Get("c1")
	assert.Equal(t, base.Add(16*time.Second), e.SpokenAt)
	for _, ts := range observed {
		assert.False(t, ts.After(e.SpokenAt))
	}
}

func TestShouldAnnounce(t *testing.T) {
	c := New(2 * time.Minute)
	now := time.Unix(1_700_000_000, 0)

	assert.True(t, c.ShouldAnnounce("c1", "u1", now), "empty channel")

	c.Update("c1", "u1", now)
	assert.False(t, c.ShouldAnnounce("c1", "u1", now.Add(time.Minute)), "same speaker within window")
	assert.True(t, c.ShouldAnnounce("c1", "u2", now.Add(time.Minute)), "different speaker")
	assert.True(t, c.ShouldAnnounce("c1", "u1", now.Add(3*time.Minute)), "same speaker after window")
	assert.True(t, c.ShouldAnnounce("c2", "u1", now), "other channel")
}

func TestSweepAndForget(t *testing.T) {
	c := New(time.Minute)
	now := time.Unix(1_700_000_000, 0)

	c.Update("old", "u", now.Add(-time.Hour))
	c.Update("new", "u", now)

	assert.Equal(t, 1, c.Sweep(now, 10*time.Minute))
	_, ok := c.Get("old")
	assert.False(t, ok)

	c.Forget("new")
	_, ok = c.Get("new")
	assert.False(t, ok)
}
