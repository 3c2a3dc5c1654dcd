package speech

import "strings"

// Mode selects the synthesis engine.
type Mode string

const (
	ModeGTTS   Mode = "gTTS"
	ModeEspeak Mode = "eSpeak"
	ModeGCloud Mode = "gCloud"
	ModePolly  Mode = "Polly"
)

// DefaultMode is used when nothing is configured or the configured mode
// requires an entitlement the subject does not have.
const DefaultMode = ModeGTTS

// ModeInfo describes a mode.
type ModeInfo struct {
	Mode         Mode
	Premium      bool
	DefaultVoice string
}

var modes = map[Mode]ModeInfo{
	ModeGTTS:   {Mode: ModeGTTS, DefaultVoice: "en"},
	ModeEspeak: {Mode: ModeEspeak, DefaultVoice: "en1"},
	ModeGCloud: {Mode: ModeGCloud, Premium: true, DefaultVoice: "en-US A"},
	ModePolly:  {Mode: ModePolly, Premium: true, DefaultVoice: "Brian"},
}

// Modes returns every known mode.
func Modes() []Mode {
	return []Mode{ModeGTTS, ModeEspeak, ModeGCloud, ModePolly}
}

// LookupMode resolves a mode name case-insensitively.
func LookupMode(name string) (ModeInfo, bool) {
	for m, info := range modes {
		if strings.EqualFold(string(m), name) {
			return info, true
		}
	}
	return ModeInfo{}, false
}

// VoiceParams are the per-request synthesis options.
type VoiceParams struct {
	Mode         Mode
	Voice        string
	SpeakingRate float64 // 0 means the engine default
}

// DefaultVoiceParams returns the parameters of the default mode.
func DefaultVoiceParams() VoiceParams {
	return VoiceParams{Mode: DefaultMode, Voice: modes[DefaultMode].DefaultVoice}
}

// Resolve fills in defaults and, unless premium, replaces premium-only
// options with their free fallback. The second result reports whether a
// fallback happened.
func (p VoiceParams) Resolve(premium bool) (VoiceParams, bool) {
	info, ok := LookupMode(string(p.Mode))
	if !ok {
		return DefaultVoiceParams(), p.Mode != ""
	}
	p.Mode = info.Mode
	if p.Voice == "" {
		p.Voice = info.DefaultVoice
	}
	if premium {
		return p, false
	}

	downgraded := false
	if info.Premium {
		p = DefaultVoiceParams()
		downgraded = true
	}
	if p.SpeakingRate != 0 && p.SpeakingRate != 1 {
		p.SpeakingRate = 0
		downgraded = true
	}
	return p, downgraded
}
