package session

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// SplitText breaks text into pieces no longer than limit bytes,
// preferring newline breaks, then whitespace, and only then cutting
// mid-word on a rune boundary. Handler replies longer than the platform
// limit go out as several messages.
func SplitText(text string, limit int) []string {
	if text == "" {
		return nil
	}
	if limit <= 0 || len(text) <= limit {
		return []string{text}
	}

	var parts []string
	remaining := text

	for len(remaining) > limit {
		window := remaining[:limit]

		breakIdx := lastBreak(window)
		consumed := breakIdx
		if breakIdx <= 0 {
			// No break point: hard cut, but never through a rune.
			breakIdx = limit
			for breakIdx > 0 && !utf8.RuneStart(remaining[breakIdx]) {
				breakIdx--
			}
			if breakIdx == 0 {
				breakIdx = limit
			}
			consumed = breakIdx
		}

		part := strings.TrimRight(remaining[:breakIdx], " \t")
		if part != "" {
			parts = append(parts, part)
		}

		if consumed < len(remaining) && isSpaceByte(remaining[consumed]) {
			consumed++
		}
		remaining = strings.TrimLeft(remaining[consumed:], " \t")
	}

	if remaining != "" {
		parts = append(parts, remaining)
	}
	return parts
}

// lastBreak finds the best break position in window: the last newline,
// else the last whitespace. Scanning bytes is safe because UTF-8
// continuation bytes never collide with ASCII whitespace.
func lastBreak(window string) int {
	lastNewline := -1
	lastSpace := -1
	for i := 0; i < len(window); i++ {
		switch c := window[i]; {
		case c == '\n':
			lastNewline = i
		case c < utf8.RuneSelf && unicode.IsSpace(rune(c)):
			lastSpace = i
		}
	}
	if lastNewline > 0 {
		return lastNewline
	}
	return lastSpace
}

func isSpaceByte(c byte) bool {
	return c < utf8.RuneSelf && unicode.IsSpace(rune(c))
}
