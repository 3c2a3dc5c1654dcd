package voice

import (
	"fmt"
	"time"
)

// TransportError reports a voice transport failure: a rejected join, an
// encode or send failure, or an unexpected disconnect that could not be
// recovered. Terminal errors mean the guild's pending playback should be
// dropped.
type TransportError struct {
	GuildID   string
	ChannelID string
	Op        string
	Terminal  bool
	Err       error
}

func (e *TransportError) Error() string {
	msg := fmt.Sprintf("voice %s failed for guild %s", e.Op, e.GuildID)
	if e.ChannelID != "" {
		msg += " channel " + e.ChannelID
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TransportError) Unwrap() error { return e.Err }

// ConcurrencyError reports that a guild's join lock could not be acquired
// in time.
type ConcurrencyError struct {
	GuildID string
	Op      string
	Timeout time.Duration
}

func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("voice %s for guild %s: join lock not acquired within %s", e.Op, e.GuildID, e.Timeout)
}
