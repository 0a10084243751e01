package outbound

import (
	"regexp"
	"strings"
)

var (
	reHeading   = regexp.MustCompile(`(?m)^#{1,6}[ \t]+(.+?)[ \t]*#*[ \t]*$`)
	reBullet    = regexp.MustCompile(`(?m)^([ \t]*)[-*+][ \t]+`)
	reBold      = regexp.MustCompile(`\*\*([^*\n]+?)\*\*`)
	reItalic    = regexp.MustCompile(`\*([^*\s](?:[^*\n]*?[^*\s])?)\*`)
	reBoldUnder = regexp.MustCompile(`__([^_\n]+?)__`)
	reStrike    = regexp.MustCompile(`~~([^~\n]+?)~~`)
	reLink      = regexp.MustCompile(`\[([^\]\n]+)\]\((https?://[^)\s]+)\)`)
	reBlankRuns = regexp.MustCompile(`\n{3,}`)
)

// Format converts generic markdown emphasis into the chat channel's inline
// style: *bold*, _italic_, ~strike~, bullets as "•", headings as bold lines.
// Fenced code blocks are left untouched.
func Format(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")

	parts := strings.Split(text, "```")
	for i := range parts {
		if i%2 == 1 {
			continue // inside a fence
		}
		parts[i] = formatInline(parts[i])
	}
	out := strings.Join(parts, "```")
	return strings.TrimSpace(reBlankRuns.ReplaceAllString(out, "\n\n"))
}

// boldMark holds converted bold spans while single-asterisk italics are
// rewritten.
const boldMark = "\x00"

func formatInline(s string) string {
	s = reBold.ReplaceAllString(s, boldMark+"$1"+boldMark)
	s = reItalic.ReplaceAllString(s, "_${1}_")
	s = strings.ReplaceAll(s, boldMark, "*")
	s = reHeading.ReplaceAllString(s, "*$1*")
	s = reBullet.ReplaceAllString(s, "$1• ")
	s = reBoldUnder.ReplaceAllString(s, "*$1*")
	s = reStrike.ReplaceAllString(s, "~$1~")
	s = reLink.ReplaceAllString(s, "$1 ($2)")
	return s
}
