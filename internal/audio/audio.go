// Package audio turns synthesized speech into Opus frames for a voice
// connection: ffmpeg decodes whatever the speech service returned into raw
// PCM and gopus encodes it in 20ms frames.
package audio

const (
	Channels   = 2
	SampleRate = 48000
	FrameSize  = 960 // 20ms at 48kHz

	// frameBytes is one frame of s16le PCM.
	frameBytes = FrameSize * Channels * 2
)
