package pipeline

import (
	"regexp"
	"strings"
)

// emojiPattern covers emoticons, symbols and pictographs, transport
// and map symbols, flags, dingbats, and enclosed characters.
var emojiPattern = regexp.MustCompile(`[\x{1F600}-\x{1F64F}\x{1F300}-\x{1F5FF}\x{1F680}-\x{1F6FF}\x{1F1E0}-\x{1F1FF}\x{2702}-\x{27B0}\x{24C2}-\x{1F251}]`)

var spacePattern = regexp.MustCompile(`\s+`)

// CleanText normalizes an inbound message: optional emoji stripping,
// whitespace collapse, trim.
func CleanText(text string, removeEmojis bool) string {
	if removeEmojis {
		text = emojiPattern.ReplaceAllString(text, "")
	}
	text = spacePattern.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}
