// /internal/storage/storage.go
package storage

import (
	"context"
	"sync"

	"github.com/keshon/datastore"
)

const userKeyPrefix = "user:"

type Storage struct {
	ds     *datastore.DataStore
	cancel context.CancelFunc

	// mu serializes read-modify-write of records.
	mu sync.Mutex
}

// VoiceSettings selects the engine and voice used for a guild or user.
type VoiceSettings struct {
	Mode         string  `json:"mode"`
	Voice        string  `json:"voice"`
	SpeakingRate float64 `json:"speaking_rate,omitempty"`
}

// GuildRecord is the persisted per-guild settings document.
type GuildRecord struct {
	TTSChannelID    string        `json:"tts_channel_id"`
	AnnounceSpeaker bool          `json:"announce_speaker"`
	Premium         bool          `json:"premium"`
	Voice           VoiceSettings `json:"voice"`
}

// UserRecord is the persisted per-user settings document.
type UserRecord struct {
	Premium bool           `json:"premium"`
	Voice   *VoiceSettings `json:"voice,omitempty"`
}

// New opens the settings file. ctx bounds the background autosave; Close
// performs the final save.
func New(ctx context.Context, filePath string, opts ...datastore.Option) (*Storage, error) {
	ctx, cancel := context.WithCancel(ctx)
	ds, err := datastore.New(ctx, filePath, opts...)
	if err != nil {
		cancel()
		return nil, err
	}
	return &Storage{ds: ds, cancel: cancel}, nil
}

func (s *Storage) Close() error {
	s.cancel()
	return s.ds.Close()
}

func (s *Storage) guildRecord(guildID string) (GuildRecord, error) {
	record := GuildRecord{AnnounceSpeaker: true}
	if _, err := s.ds.Get(guildID, &record); err != nil {
		return GuildRecord{}, err
	}
	return record, nil
}

func (s *Storage) userRecord(userID string) (UserRecord, error) {
	var record UserRecord
	if _, err := s.ds.Get(userKeyPrefix+userID, &record); err != nil {
		return UserRecord{}, err
	}
	return record, nil
}

func (s *Storage) updateGuild(guildID string, fn func(*GuildRecord)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, err := s.guildRecord(guildID)
	if err != nil {
		return err
	}
	fn(&record)
	return s.ds.Set(guildID, record)
}

func (s *Storage) updateUser(userID string, fn func(*UserRecord)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, err := s.userRecord(userID)
	if err != nil {
		return err
	}
	fn(&record)
	return s.ds.Set(userKeyPrefix+userID, record)
}

// GuildSettings returns the guild's settings, defaults included.
func (s *Storage) GuildSettings(guildID string) (GuildRecord, error) {
	return s.guildRecord(guildID)
}

// UserVoice returns the user's voice override, if any.
func (s *Storage) UserVoice(userID string) (*VoiceSettings, error) {
	record, err := s.userRecord(userID)
	if err != nil {
		return nil, err
	}
	return record.Voice, nil
}

func (s *Storage) SetTTSChannel(guildID, channelID string) error {
	return s.updateGuild(guildID, func(r *GuildRecord) { r.TTSChannelID = channelID })
}

func (s *Storage) SetAnnounceSpeaker(guildID string, enabled bool) error {
	return s.updateGuild(guildID, func(r *GuildRecord) { r.AnnounceSpeaker = enabled })
}

func (s *Storage) SetGuildVoice(guildID string, voice VoiceSettings) error {
	return s.updateGuild(guildID, func(r *GuildRecord) { r.Voice = voice })
}

func (s *Storage) SetUserVoice(userID string, voice *VoiceSettings) error {
	return s.updateUser(userID, func(r *UserRecord) { r.Voice = voice })
}

// SetGuildPremium records the result of a purchase flow for a guild.
func (s *Storage) SetGuildPremium(guildID string, premium bool) error {
	return s.updateGuild(guildID, func(r *GuildRecord) { r.Premium = premium })
}

// SetUserPremium records the result of a purchase flow for a user.
func (s *Storage) SetUserPremium(userID string, premium bool) error {
	return s.updateUser(userID, func(r *UserRecord) { r.Premium = premium })
}

// IsPremium reports the stored entitlement of a subject. Discord snowflakes
// are unique across guilds and users, so one lookup covers both.
func (s *Storage) IsPremium(ctx context.Context, subjectID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	var guild GuildRecord
	found, err := s.ds.Get(subjectID, &guild)
	if err != nil {
		return false, err
	}
	if found && guild.Premium {
		return true, nil
	}

	user, err := s.userRecord(subjectID)
	if err != nil {
		return false, err
	}
	return user.Premium, nil
}
