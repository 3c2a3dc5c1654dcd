// Package dispatch serializes TTS requests per guild and plays them back:
// one bounded FIFO queue and at most one worker goroutine per guild.
package dispatch

import (
	"time"

	"github.com/google/uuid"

	"github.com/keshon/tts-bot/internal/speech"
)

// Request is one message to be spoken. It is never mutated after enqueue.
type Request struct {
	ID             uuid.UUID
	GuildID        string
	ChannelID      string // text channel the message came from
	VoiceChannelID string
	UserID         string
	Nickname       string
	Text           string
	Voice          speech.VoiceParams
	// Announce prefixes the nickname when the speaker changed.
	Announce   bool
	EnqueuedAt time.Time
}
