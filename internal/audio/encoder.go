package audio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"layeh.com/gopus"
)

// FrameSink receives encoded Opus frames. voice.Conn satisfies it.
type FrameSink interface {
	SendFrame(ctx context.Context, frame []byte) error
}

// Stream encodes PCM from r into Opus frames and sends them to sink until r
// is exhausted. A trailing partial frame is padded with silence. It returns
// the number of frames sent.
func Stream(ctx context.Context, r io.Reader, sink FrameSink) (int, error) {
	encoder, err := gopus.NewEncoder(SampleRate, Channels, gopus.Audio)
	if err != nil {
		return 0, fmt.Errorf("encoder error: %w", err)
	}

	pcmBuf := make([]byte, frameBytes)
	intBuf := make([]int16, FrameSize*Channels)
	sent := 0

	for {
		if err := ctx.Err(); err != nil {
			return sent, err
		}

		n, err := io.ReadFull(r, pcmBuf)
		switch {
		case errors.Is(err, io.EOF):
			return sent, nil
		case errors.Is(err, io.ErrUnexpectedEOF):
			clear(pcmBuf[n:])
		case err != nil:
			return sent, fmt.Errorf("read error: %w", err)
		}

		for i := range intBuf {
			intBuf[i] = int16(binary.LittleEndian.Uint16(pcmBuf[i*2 : i*2+2]))
		}

		opus, encErr := encoder.Encode(intBuf, FrameSize, len(pcmBuf))
		if encErr != nil {
			return sent, fmt.Errorf("encode error: %w", encErr)
		}
		if sendErr := sink.SendFrame(ctx, opus); sendErr != nil {
			return sent, fmt.Errorf("send frame: %w", sendErr)
		}
		sent++

		if n < frameBytes {
			return sent, nil
		}
	}
}
