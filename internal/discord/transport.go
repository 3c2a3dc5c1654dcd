package discord

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/keshon/tts-bot/internal/voice"
)

// frameStall is how long a single frame may wait for the voice connection
// before the send is treated as failed.
const frameStall = 2 * time.Second

var errSendStalled = errors.New("voice connection not accepting audio")

// Transport opens voice connections through a discordgo session.
type Transport struct {
	dg *discordgo.Session
}

func NewTransport(dg *discordgo.Session) *Transport {
	return &Transport{dg: dg}
}

type joinResult struct {
	vc  *discordgo.VoiceConnection
	err error
}

// Join connects to channelID. discordgo has no cancellable join, so when
// ctx ends first the late connection is closed in the background.
func (t *Transport) Join(ctx context.Context, guildID, channelID string) (voice.Conn, error) {
	done := make(chan joinResult, 1)
	go func() {
		vc, err := t.dg.ChannelVoiceJoin(guildID, channelID, false, true)
		done <- joinResult{vc: vc, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			if r.vc != nil {
				_ = r.vc.Disconnect()
			}
			return nil, r.err
		}
		return &conn{vc: r.vc, guildID: guildID, channelID: channelID}, nil
	case <-ctx.Done():
		go func() {
			if r := <-done; r.vc != nil {
				_ = r.vc.Disconnect()
			}
		}()
		return nil, ctx.Err()
	}
}

type conn struct {
	vc        *discordgo.VoiceConnection
	guildID   string
	channelID string
}

func (c *conn) ChannelID() string { return c.channelID }

func (c *conn) SendFrame(ctx context.Context, frame []byte) error {
	timer := time.NewTimer(frameStall)
	defer timer.Stop()

	select {
	case c.vc.OpusSend <- frame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return &voice.TransportError{GuildID: c.guildID, ChannelID: c.channelID, Op: "send", Err: errSendStalled}
	}
}

func (c *conn) SetSpeaking(speaking bool) error {
	return c.vc.Speaking(speaking)
}

func (c *conn) Disconnect(ctx context.Context) error {
	return c.vc.Disconnect()
}
