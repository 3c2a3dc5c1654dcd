// Package speaker tracks who spoke last in each text channel so playback can
// decide whether to announce the speaker's name.
package speaker

import (
	"sync"
	"time"
)

// Entry is the last speaker recorded for a channel.
type Entry struct {
	ChannelID string
	UserID    string
	SpokenAt  time.Time
}

// Cache is a last-write-wins map keyed by channel. SpokenAt never moves
// backwards for a channel: an update older than the stored one is ignored.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]Entry
	window  time.Duration
}

// New returns a cache; window is how long the same speaker stays
// "recent" and is not announced again.
func New(window time.Duration) *Cache {
	return &Cache{
		entries: make(map[string]Entry),
		window:  window,
	}
}

// Update records userID as the last speaker in channelID at the given time.
// It reports whether the entry was written.
func (c *Cache) Update(channelID, userID string, at time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if prev, ok := c.entries[channelID]; ok && at.Before(prev.SpokenAt) {
		return false
	}
	c.entries[channelID] = Entry{ChannelID: channelID, UserID: userID, SpokenAt: at}
	return true
}

// Get returns the last speaker entry for the channel.
func (c *Cache) Get(channelID string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[channelID]
	return e, ok
}

// ShouldAnnounce reports whether a message by userID at now should be
// prefixed with the speaker's name: someone else spoke last, or the same
// user has been quiet for longer than the window.
func (c *Cache) ShouldAnnounce(channelID, userID string, now time.Time) bool {
	e, ok := c.Get(channelID)
	if !ok || e.UserID != userID {
		return true
	}
	return now.Sub(e.SpokenAt) > c.window
}

// Forget drops the channel's entry.
func (c *Cache) Forget(channelID string) {
	c.mu.Lock()
	delete(c.entries, channelID)
	c.mu.Unlock()
}

// Sweep removes entries older than maxAge and returns how many were dropped.
func (c *Cache) Sweep(now time.Time, maxAge time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for id, e := range c.entries {
		if now.Sub(e.SpokenAt) > maxAge {
			delete(c.entries, id)
			removed++
		}
	}
	return removed
}
