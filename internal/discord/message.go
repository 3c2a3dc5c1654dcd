package discord

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	linkPattern      = regexp.MustCompile(`https?://\S+`)
	emojiPattern     = regexp.MustCompile(`<a?:(\w+):\d+>`)
	mentionPattern   = regexp.MustCompile(`<(@[!&]?|#)\d+>`)
	spoilerPattern   = regexp.MustCompile(`\|\|.*?\|\|`)
	codeBlockPattern = regexp.MustCompile("(?s)```.*?```")
)

// Normalize prepares message content for speech. Mentions must already be
// replaced with names; leftovers are dropped. Returns "" when nothing is
// left to say.
func Normalize(content string, maxLen int) string {
	s := codeBlockPattern.ReplaceAllString(content, " code block ")
	s = spoilerPattern.ReplaceAllString(s, " spoiler ")
	s = linkPattern.ReplaceAllString(s, " a link ")
	s = emojiPattern.ReplaceAllString(s, " $1 ")
	s = mentionPattern.ReplaceAllString(s, " ")
	s = strings.NewReplacer("*", "", "_", " ", "`", "", "~~", "").Replace(s)
	s = strings.Join(strings.Fields(s), " ")

	if maxLen > 0 && utf8.RuneCountInString(s) > maxLen {
		s = string([]rune(s)[:maxLen])
		s = strings.TrimSpace(s)
	}
	return s
}
