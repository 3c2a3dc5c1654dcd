package discord

import (
	"fmt"
	"slices"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"

	"github.com/keshon/tts-bot/internal/config"
	"github.com/keshon/tts-bot/internal/dispatch"
	"github.com/keshon/tts-bot/internal/speech"
	"github.com/keshon/tts-bot/internal/storage"
	"github.com/keshon/tts-bot/internal/voice"
)

// Settings is the part of storage the bot reads.
type Settings interface {
	GuildSettings(guildID string) (storage.GuildRecord, error)
	UserVoice(userID string) (*storage.VoiceSettings, error)
}

// Dispatcher accepts TTS requests.
type Dispatcher interface {
	Enqueue(req dispatch.Request) error
}

// VoiceEvents receives connection drops and exposes session state.
type VoiceEvents interface {
	State(guildID string) voice.GuildState
	OnTransportDisconnect(guildID string)
}

// Bot routes Discord events into the dispatcher.
type Bot struct {
	dg         *discordgo.Session
	cfg        *config.Config
	settings   Settings
	dispatcher Dispatcher
	voice      VoiceEvents
	log        zerolog.Logger

	// userVoiceChannel is replaced in tests.
	userVoiceChannel func(guildID, userID string) (string, bool)
}

// NewSession creates the discordgo session with the intents the bot needs.
func NewSession(token string) (*discordgo.Session, error) {
	dg, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	dg.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsGuildVoiceStates |
		discordgo.IntentsMessageContent
	return dg, nil
}

func NewBot(dg *discordgo.Session, cfg *config.Config, settings Settings, dispatcher Dispatcher, voiceEvents VoiceEvents, log zerolog.Logger) *Bot {
	b := &Bot{
		dg:         dg,
		cfg:        cfg,
		settings:   settings,
		dispatcher: dispatcher,
		voice:      voiceEvents,
		log:        log.With().Str("component", "discord").Logger(),
	}
	b.userVoiceChannel = b.stateVoiceChannel
	return b
}

// Open registers the handlers and connects to the gateway.
func (b *Bot) Open() error {
	b.dg.AddHandler(b.onReady)
	b.dg.AddHandler(b.onGuildCreate)
	b.dg.AddHandler(b.onMessageCreate)
	b.dg.AddHandler(b.onVoiceStateUpdate)

	if err := b.dg.Open(); err != nil {
		return fmt.Errorf("failed to open Discord session: %w", err)
	}
	return nil
}

func (b *Bot) Close() error {
	return b.dg.Close()
}

func (b *Bot) onReady(s *discordgo.Session, r *discordgo.Ready) {
	for _, g := range r.Guilds {
		b.leaveIfBlacklisted(s, g.ID)
	}
	b.log.Info().Str("user", r.User.Username).Int("guilds", len(r.Guilds)).Msg("discord bot is running")
}

func (b *Bot) onGuildCreate(s *discordgo.Session, g *discordgo.GuildCreate) {
	if b.leaveIfBlacklisted(s, g.Guild.ID) {
		return
	}
	b.log.Debug().Str("guild", g.Guild.ID).Str("name", g.Guild.Name).Msg("guild available")
}

func (b *Bot) leaveIfBlacklisted(s *discordgo.Session, guildID string) bool {
	if !b.isGuildBlacklisted(guildID) {
		return false
	}
	b.log.Info().Str("guild", guildID).Msg("leaving blacklisted guild")
	if err := s.GuildLeave(guildID); err != nil {
		b.log.Error().Err(err).Str("guild", guildID).Msg("failed to leave guild")
	}
	return true
}

func (b *Bot) isGuildBlacklisted(guildID string) bool {
	return slices.Contains(b.cfg.DiscordGuildBlacklist, guildID)
}

// onVoiceStateUpdate reports the bot's own voice disconnects.
func (b *Bot) onVoiceStateUpdate(s *discordgo.Session, vs *discordgo.VoiceStateUpdate) {
	if s.State == nil || s.State.User == nil || vs.UserID != s.State.User.ID {
		return
	}
	b.handleOwnVoiceState(vs)
}

// handleOwnVoiceState treats a channel-less update as a drop only when it
// leaves the channel the session is in. Echoes of an earlier leave or move
// arrive after the session has moved on and are ignored.
func (b *Bot) handleOwnVoiceState(vs *discordgo.VoiceStateUpdate) {
	if vs.ChannelID != "" {
		return
	}
	current := b.voice.State(vs.GuildID)
	if current.ChannelID == "" {
		return
	}
	if vs.BeforeUpdate != nil && vs.BeforeUpdate.ChannelID != current.ChannelID {
		b.log.Debug().Str("guild", vs.GuildID).
			Str("before", vs.BeforeUpdate.ChannelID).
			Str("current", current.ChannelID).
			Msg("ignoring stale voice state update")
		return
	}
	b.voice.OnTransportDisconnect(vs.GuildID)
}

func (b *Bot) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.GuildID == "" {
		return
	}
	b.handleMessage(inboundMessage{
		GuildID:   m.GuildID,
		ChannelID: m.ChannelID,
		AuthorID:  m.Author.ID,
		AuthorBot: m.Author.Bot,
		Nickname:  displayName(m),
		Content:   m.ContentWithMentionsReplaced(),
	})
}

// inboundMessage is what the bot needs from a MessageCreate event.
type inboundMessage struct {
	GuildID   string
	ChannelID string
	AuthorID  string
	AuthorBot bool
	Nickname  string
	Content   string
}

// handleMessage turns a message in the guild's TTS channel into a request.
// It reports whether a request was enqueued.
func (b *Bot) handleMessage(m inboundMessage) bool {
	if m.AuthorBot || b.isGuildBlacklisted(m.GuildID) {
		return false
	}
	log := b.log.With().Str("guild", m.GuildID).Str("user", m.AuthorID).Logger()

	settings, err := b.settings.GuildSettings(m.GuildID)
	if err != nil {
		log.Error().Err(err).Msg("failed to load guild settings")
		return false
	}
	if settings.TTSChannelID == "" || settings.TTSChannelID != m.ChannelID {
		return false
	}

	voiceChannelID, ok := b.userVoiceChannel(m.GuildID, m.AuthorID)
	if !ok {
		log.Debug().Msg("author not in a voice channel")
		return false
	}
	if st := b.voice.State(m.GuildID); st.State == voice.Connected && st.ChannelID != voiceChannelID {
		log.Debug().Str("bot_channel", st.ChannelID).Msg("bot busy in another voice channel")
		return false
	}

	text := Normalize(m.Content, b.cfg.MaxTextLength)
	if text == "" {
		return false
	}

	voiceSettings := settings.Voice
	if override, err := b.settings.UserVoice(m.AuthorID); err != nil {
		log.Warn().Err(err).Msg("failed to load user voice")
	} else if override != nil {
		voiceSettings = *override
	}

	req := dispatch.Request{
		GuildID:        m.GuildID,
		ChannelID:      m.ChannelID,
		VoiceChannelID: voiceChannelID,
		UserID:         m.AuthorID,
		Nickname:       m.Nickname,
		Text:           text,
		Voice:          voiceParams(voiceSettings),
		Announce:       settings.AnnounceSpeaker,
	}
	if err := b.dispatcher.Enqueue(req); err != nil {
		log.Warn().Err(err).Msg("tts request not accepted")
		return false
	}
	return true
}

func voiceParams(s storage.VoiceSettings) speech.VoiceParams {
	return speech.VoiceParams{
		Mode:         speech.Mode(s.Mode),
		Voice:        s.Voice,
		SpeakingRate: s.SpeakingRate,
	}
}

func displayName(m *discordgo.MessageCreate) string {
	if m.Member != nil && m.Member.Nick != "" {
		return m.Member.Nick
	}
	if m.Author.GlobalName != "" {
		return m.Author.GlobalName
	}
	return m.Author.Username
}

// stateVoiceChannel looks the user up in the gateway state cache.
func (b *Bot) stateVoiceChannel(guildID, userID string) (string, bool) {
	vs, err := b.dg.State.VoiceState(guildID, userID)
	if err != nil || vs == nil || vs.ChannelID == "" {
		return "", false
	}
	return vs.ChannelID, true
}
