package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/keshon/tts-bot/internal/speech"
	"github.com/keshon/tts-bot/internal/voice"
)

var errNotConnected = errors.New("no voice connection after join")

// work drains one guild's queue. It exits when the queue is empty or after
// a terminal voice failure; the next Enqueue starts a new one.
func (d *Dispatcher) work(g *guild) {
	defer d.wg.Done()
	d.opts.Metrics.WorkerStarted()
	defer d.opts.Metrics.WorkerStopped()

	if g.after != nil {
		select {
		case <-g.after:
		case <-d.base.Done():
		}
	}

	for {
		g.mu.Lock()
		req, ok := g.queue.Dequeue()
		if !ok {
			g.running = false
			g.lastActive = d.opts.Now()
			g.mu.Unlock()
			return
		}
		ctx := g.ctx
		g.mu.Unlock()

		err := d.process(ctx, req)
		if !isTerminal(err) {
			continue
		}

		g.mu.Lock()
		n := g.queue.Drop(d.opts.DrainLimit)
		g.running = false
		g.lastActive = d.opts.Now()
		g.mu.Unlock()

		d.opts.Metrics.Dropped("terminal", n+1)
		d.log.Warn().Err(err).Str("guild", g.id).Int("dropped", n).Msg("voice unavailable, queue drained")
		return
	}
}

func isTerminal(err error) bool {
	var terr *voice.TransportError
	return errors.As(err, &terr) && terr.Terminal
}

// process plays one request. Errors are logged here; the caller only needs
// them to tell terminal voice failures apart.
func (d *Dispatcher) process(ctx context.Context, req Request) error {
	log := d.log.With().Str("guild", req.GuildID).Str("request", req.ID.String()).Logger()

	if err := ctx.Err(); err != nil {
		return err
	}

	params := d.resolveVoice(ctx, req, log)

	text := req.Text
	if req.Announce && req.Nickname != "" && d.deps.Speakers != nil &&
		d.deps.Speakers.ShouldAnnounce(req.ChannelID, req.UserID, d.opts.Now()) {
		text = fmt.Sprintf("%s said: %s", req.Nickname, text)
	}

	clip, err := d.deps.Fetcher.Fetch(ctx, text, params, d.opts.FetchTimeout)
	if err != nil {
		if ctx.Err() != nil {
			log.Debug().Msg("fetch canceled")
			return err
		}
		d.opts.Metrics.FetchFailed(fetchErrorKind(err))
		log.Warn().Err(err).Str("mode", string(params.Mode)).Msg("speech fetch failed, skipping")
		return err
	}
	defer clip.Close()

	if err := d.deps.Voice.EnsureConnected(ctx, req.GuildID, req.VoiceChannelID); err != nil {
		log.Warn().Err(err).Str("channel", req.VoiceChannelID).Msg("voice connect failed")
		return err
	}

	conn, ok := d.deps.Voice.Connection(req.GuildID)
	if !ok {
		err := &voice.TransportError{GuildID: req.GuildID, ChannelID: req.VoiceChannelID, Op: "play", Err: errNotConnected}
		log.Warn().Err(err).Msg("playback skipped")
		return err
	}

	if err := d.deps.Player.Play(ctx, clip, conn); err != nil {
		if ctx.Err() != nil {
			log.Debug().Msg("playback canceled")
			return err
		}
		log.Warn().Err(err).Msg("playback failed, skipping")
		return err
	}

	if d.deps.Speakers != nil {
		d.deps.Speakers.Update(req.ChannelID, req.UserID, d.opts.Now())
	}
	d.opts.Metrics.Played()
	log.Debug().Msg("request played")
	return nil
}

// resolveVoice applies the entitlement gate. Premium is only looked up when
// the requested voice needs it; lookup errors count as no premium.
func (d *Dispatcher) resolveVoice(ctx context.Context, req Request, log zerolog.Logger) speech.VoiceParams {
	params, downgraded := req.Voice.Resolve(false)
	if !downgraded || d.deps.Entitlements == nil {
		return params
	}

	for _, subject := range []string{req.GuildID, req.UserID} {
		if subject == "" {
			continue
		}
		premium, err := d.deps.Entitlements.Get(ctx, subject)
		if err != nil {
			log.Warn().Err(err).Str("subject", subject).Msg("entitlement lookup failed")
			continue
		}
		if premium {
			full, _ := req.Voice.Resolve(true)
			return full
		}
	}

	log.Debug().Str("mode", string(req.Voice.Mode)).Msg("premium voice requested without entitlement, using fallback")
	return params
}

func fetchErrorKind(err error) string {
	var nerr *speech.NetworkError
	var serr *speech.ServiceError
	switch {
	case errors.As(err, &nerr) && nerr.Timeout:
		return "timeout"
	case errors.As(err, &nerr):
		return "network"
	case errors.As(err, &serr):
		return "service"
	case errors.Is(err, speech.ErrUnknownMode):
		return "mode"
	default:
		return "other"
	}
}
