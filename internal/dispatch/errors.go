package dispatch

import (
	"errors"
	"fmt"
)

// ErrClosed is returned by Enqueue after Close.
var ErrClosed = errors.New("dispatcher closed")

// QueueOverflowError is returned when a guild's queue is full. The new
// request is rejected; queued requests are kept.
type QueueOverflowError struct {
	GuildID  string
	Capacity int
}

func (e *QueueOverflowError) Error() string {
	return fmt.Sprintf("queue for guild %s is full (%d requests)", e.GuildID, e.Capacity)
}
