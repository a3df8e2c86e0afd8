// Package gateway adapts broker results and commands to the chat transport:
// tool dispatch, the /notify command, and message splitting for the
// transport's length limit.
package gateway

import "strings"

// MaxMessageLength is the chat transport's hard per-message limit.
const MaxMessageLength = 4096

// SplitMessage breaks text into chunks of at most maxLen characters,
// splitting on line boundaries so formatting survives. A single line longer
// than maxLen is hard-wrapped.
func SplitMessage(text string, maxLen int) []string {
	if maxLen <= 0 {
		maxLen = MaxMessageLength
	}
	if len(text) <= maxLen {
		return []string{text}
	}

	var messages []string
	current := ""
	flush := func() {
		if current != "" {
			messages = append(messages, current)
			current = ""
		}
	}

	for _, line := range strings.Split(text, "\n") {
		for len(line) > maxLen {
			flush()
			messages = append(messages, line[:maxLen])
			line = line[maxLen:]
		}
		if len(current)+len(line)+1 > maxLen {
			flush()
			current = line
		} else if current == "" {
			current = line
		} else {
			current += "\n" + line
		}
	}
	flush()
	return messages
}
