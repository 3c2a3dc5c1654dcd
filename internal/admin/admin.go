// Package admin holds the operator commands that edit stored guild and user
// settings outside of Discord.
package admin

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/keshon/tts-bot/internal/speech"
	"github.com/keshon/tts-bot/internal/storage"
	"github.com/keshon/tts-bot/pkg/cmd"
)

// Store is the settings surface the commands write to.
type Store interface {
	GuildSettings(guildID string) (storage.GuildRecord, error)
	UserVoice(userID string) (*storage.VoiceSettings, error)
	SetTTSChannel(guildID, channelID string) error
	SetAnnounceSpeaker(guildID string, enabled bool) error
	SetGuildVoice(guildID string, voice storage.VoiceSettings) error
	SetUserVoice(userID string, voice *storage.VoiceSettings) error
	SetGuildPremium(guildID string, premium bool) error
	SetUserPremium(userID string, premium bool) error
}

// Notifier tells running bots that a subject's entitlement changed.
type Notifier func(subjectID string) error

// Deps are the collaborators of the command set. Notify may be nil.
type Deps struct {
	Store  Store
	Notify Notifier
	Logger zerolog.Logger
}

// Commands builds the registry of operator commands.
func Commands(d Deps) *cmd.Registry {
	r := cmd.NewRegistry()
	logged := logging(d.Logger)

	r.Register(cmd.Func{
		CmdName:  "set-channel",
		CmdUsage: "<guild-id> <channel-id>",
		RunFunc: func(ctx context.Context, inv *cmd.Invocation) error {
			return d.Store.SetTTSChannel(inv.Arg(0), inv.Arg(1))
		},
	}, logged, cmd.MinArgs(2))

	r.Register(cmd.Func{
		CmdName:  "set-announce",
		CmdUsage: "<guild-id> on|off",
		RunFunc: func(ctx context.Context, inv *cmd.Invocation) error {
			on, err := parseSwitch(inv.Arg(1))
			if err != nil {
				return err
			}
			return d.Store.SetAnnounceSpeaker(inv.Arg(0), on)
		},
	}, logged, cmd.MinArgs(2))

	r.Register(cmd.Func{
		CmdName:  "set-voice",
		CmdUsage: "<guild-id> <mode> [voice] [speaking-rate]",
		RunFunc: func(ctx context.Context, inv *cmd.Invocation) error {
			v, err := parseVoice(inv.Args[1:])
			if err != nil {
				return err
			}
			return d.Store.SetGuildVoice(inv.Arg(0), *v)
		},
	}, logged, cmd.MinArgs(2))

	r.Register(cmd.Func{
		CmdName:  "set-user-voice",
		CmdUsage: "<user-id> <mode>|clear [voice] [speaking-rate]",
		RunFunc: func(ctx context.Context, inv *cmd.Invocation) error {
			if strings.EqualFold(inv.Arg(1), "clear") {
				return d.Store.SetUserVoice(inv.Arg(0), nil)
			}
			v, err := parseVoice(inv.Args[1:])
			if err != nil {
				return err
			}
			return d.Store.SetUserVoice(inv.Arg(0), v)
		},
	}, logged, cmd.MinArgs(2))

	r.Register(cmd.Func{
		CmdName:  "set-premium",
		CmdUsage: "guild|user <id> on|off",
		RunFunc: func(ctx context.Context, inv *cmd.Invocation) error {
			on, err := parseSwitch(inv.Arg(2))
			if err != nil {
				return err
			}
			id := inv.Arg(1)
			switch strings.ToLower(inv.Arg(0)) {
			case "guild":
				err = d.Store.SetGuildPremium(id, on)
			case "user":
				err = d.Store.SetUserPremium(id, on)
			default:
				return fmt.Errorf("subject kind must be guild or user, got %q", inv.Arg(0))
			}
			if err != nil {
				return err
			}
			if d.Notify == nil {
				d.Logger.Warn().Str("subject_id", id).Msg("no notifier configured, cached entitlements expire by ttl")
				return nil
			}
			return d.Notify(id)
		},
	}, logged, cmd.MinArgs(3))

	r.Register(cmd.Func{
		CmdName:  "show",
		CmdUsage: "<guild-id> [user-id]",
		RunFunc: func(ctx context.Context, inv *cmd.Invocation) error {
			rec, err := d.Store.GuildSettings(inv.Arg(0))
			if err != nil {
				return err
			}
			out := inv.Writer()
			fmt.Fprintf(out, "guild %s\n", inv.Arg(0))
			fmt.Fprintf(out, "  tts channel: %s\n", orNone(rec.TTSChannelID))
			fmt.Fprintf(out, "  announce:    %t\n", rec.AnnounceSpeaker)
			fmt.Fprintf(out, "  premium:     %t\n", rec.Premium)
			fmt.Fprintf(out, "  voice:       %s\n", formatVoice(&rec.Voice))

			if userID := inv.Arg(1); userID != "" {
				v, err := d.Store.UserVoice(userID)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "user %s\n  voice:       %s\n", userID, formatVoice(v))
			}
			return nil
		},
	}, logged, cmd.MinArgs(1))

	r.Register(cmd.Func{
		CmdName:  "modes",
		CmdUsage: "",
		RunFunc: func(ctx context.Context, inv *cmd.Invocation) error {
			for _, m := range speech.Modes() {
				info, _ := speech.LookupMode(string(m))
				tier := "free"
				if info.Premium {
					tier = "premium"
				}
				fmt.Fprintf(inv.Writer(), "%-8s %-8s default voice %q\n", info.Mode, tier, info.DefaultVoice)
			}
			return nil
		},
	})

	return r
}

func logging(log zerolog.Logger) cmd.Middleware {
	return func(c cmd.Command) cmd.Command {
		return cmd.Wrap(c, func(ctx context.Context, inv *cmd.Invocation) error {
			err := c.Run(ctx, inv)
			ev := log.Info()
			if err != nil {
				ev = log.Error().Err(err)
			}
			ev.Str("command", c.Name()).Strs("args", inv.Args).Msg("command finished")
			return err
		})
	}
}

func parseSwitch(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "on", "true", "yes", "1":
		return true, nil
	case "off", "false", "no", "0":
		return false, nil
	}
	return false, fmt.Errorf("expected on or off, got %q", s)
}

// parseVoice reads "<mode> [voice] [rate]". The mode is canonicalized, an
// empty voice means the mode's default.
func parseVoice(args []string) (*storage.VoiceSettings, error) {
	info, ok := speech.LookupMode(args[0])
	if !ok {
		return nil, fmt.Errorf("%w: %q", speech.ErrUnknownMode, args[0])
	}
	v := &storage.VoiceSettings{Mode: string(info.Mode)}
	if len(args) > 1 {
		v.Voice = args[1]
	}
	if len(args) > 2 {
		rate, err := strconv.ParseFloat(args[2], 64)
		if err != nil || rate <= 0 || rate > 4 {
			return nil, fmt.Errorf("speaking rate must be a number in (0, 4], got %q", args[2])
		}
		v.SpeakingRate = rate
	}
	return v, nil
}

func formatVoice(v *storage.VoiceSettings) string {
	if v == nil || v.Mode == "" {
		return "default"
	}
	s := v.Mode
	if v.Voice != "" {
		s += " " + v.Voice
	}
	if v.SpeakingRate != 0 {
		s += " x" + strconv.FormatFloat(v.SpeakingRate, 'f', -1, 64)
	}
	return s
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}
