package voice

import "context"

// Conn is an established voice connection for one guild.
type Conn interface {
	ChannelID() string
	// SendFrame writes one encoded audio frame. It blocks while the
	// transport's buffer is full and returns early when ctx ends.
	SendFrame(ctx context.Context, frame []byte) error
	SetSpeaking(speaking bool) error
	Disconnect(ctx context.Context) error
}

// Transport opens voice connections.
type Transport interface {
	Join(ctx context.Context, guildID, channelID string) (Conn, error)
}
