// Package version holds build-time application metadata.
// Values are overridden with -ldflags "-X github.com/keshon/tts-bot/internal/version.BuildDate=...".
package version

var (
	AppName        = "TTS Bot"
	AppDescription = "Reads messages from a text channel aloud in voice"
	BuildDate      = ""
	GoVersion      = ""
	Commit         = ""
)
