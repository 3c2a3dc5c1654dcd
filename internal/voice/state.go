package voice

// State is a guild's voice connection state.
type State int

const (
	Disconnected State = iota
	Joining
	Connected
	Reconnecting
	Leaving
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Joining:
		return "Joining"
	case Connected:
		return "Connected"
	case Reconnecting:
		return "Reconnecting"
	case Leaving:
		return "Leaving"
	default:
		return "Unknown"
	}
}

// GuildState is a snapshot of a guild's voice session.
type GuildState struct {
	GuildID   string
	State     State
	ChannelID string
	Retries   int
	LastErr   error
}
