package speech

import (
	"context"
	"io"
)

// Engine synthesizes text with one mode.
type Engine interface {
	Synthesize(ctx context.Context, text string, params VoiceParams) (io.ReadCloser, error)
}

// EngineFunc adapts a function to Engine.
type EngineFunc func(ctx context.Context, text string, params VoiceParams) (io.ReadCloser, error)

func (f EngineFunc) Synthesize(ctx context.Context, text string, params VoiceParams) (io.ReadCloser, error) {
	return f(ctx, text, params)
}

// remoteEngine delegates to the speech service with a fixed mode.
type remoteEngine struct {
	client *Client
	mode   Mode
}

func (e *remoteEngine) Synthesize(ctx context.Context, text string, params VoiceParams) (io.ReadCloser, error) {
	params.Mode = e.mode
	return e.client.Speak(ctx, text, params)
}

// Engines maps each mode to the engine serving it.
type Engines map[Mode]Engine

// RemoteEngines serves every known mode from the speech service.
func RemoteEngines(client *Client) Engines {
	out := make(Engines, len(modes))
	for _, m := range Modes() {
		out[m] = &remoteEngine{client: client, mode: m}
	}
	return out
}
