package domain

import (
	"fmt"
	"strings"
)

const (
	// DefaultMaxSMSLength is the single-segment SMS limit in characters.
	DefaultMaxSMSLength = 160
	DefaultAuthorName   = "author"

	ellipsis = "..."
)

// RenderBookMessage builds the new-book SMS text and fits it into maxLen runes.
func RenderBookMessage(author string, title string, year int, maxLen int) string {
	name := strings.TrimSpace(author)
	if name == "" {
		name = DefaultAuthorName
	}

	message := fmt.Sprintf("New book by %s: \"%s\" (%d)", name, strings.TrimSpace(title), year)
	return TruncateMessage(message, maxLen)
}

// TruncateMessage cuts message to maxLen runes, replacing the tail with "..." when it overflows.
func TruncateMessage(message string, maxLen int) string {
	if maxLen <= 0 {
		maxLen = DefaultMaxSMSLength
	}

	runes := []rune(message)
	if len(runes) <= maxLen {
		return message
	}

	keep := maxLen - len(ellipsis)
	if keep < 0 {
		return string(runes[:maxLen])
	}
	return string(runes[:keep]) + ellipsis
}
