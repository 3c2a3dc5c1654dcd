package audio

import (
	"context"
	"fmt"
	"io"
)

// Decoder turns encoded audio into PCM.
type Decoder interface {
	Decode(ctx context.Context, src io.Reader) (io.ReadCloser, error)
}

// Sink is a voice connection able to signal speaking.
type Sink interface {
	FrameSink
	SetSpeaking(speaking bool) error
}

// Player decodes and streams one clip at a time.
type Player struct {
	decoder Decoder
}

func NewPlayer(decoder Decoder) *Player {
	if decoder == nil {
		decoder = FFmpeg{}
	}
	return &Player{decoder: decoder}
}

// Play streams clip to sink and returns when it finished, failed or ctx
// ended. A decoder that fails after producing its output still fails the
// clip.
func (p *Player) Play(ctx context.Context, clip io.Reader, sink Sink) (err error) {
	pcm, err := p.decoder.Decode(ctx, clip)
	if err != nil {
		return fmt.Errorf("decode audio: %w", err)
	}
	defer func() {
		if cerr := pcm.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("decode audio: %w", cerr)
		}
	}()

	if err := sink.SetSpeaking(true); err != nil {
		return fmt.Errorf("set speaking: %w", err)
	}
	defer func() { _ = sink.SetSpeaking(false) }()

	_, err = Stream(ctx, pcm, sink)
	return err
}
