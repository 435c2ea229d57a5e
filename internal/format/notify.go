package format

import (
	"strings"
	"unicode/utf8"

	"pkt.systems/agentdeck/internal/markdown"
	"pkt.systems/agentdeck/schema"
)

// MaxBodyChars bounds desktop notification bodies. Notification daemons
// clip long bodies at arbitrary points, so the clipping happens here
// with an explicit ellipsis instead.
const MaxBodyChars = 240

// Body flattens an agent message into notification-safe plain text.
// Markdown is stripped, newlines collapse to spaces, and the result is
// clipped. An empty message yields the fallback unchanged.
func Body(message, fallback string) string {
	text := markdown.Strip(message)
	text = strings.Join(strings.Fields(text), " ")
	if text == "" {
		return fallback
	}
	return Clip(text, MaxBodyChars)
}

// ApprovalBody names what the agent wants approved and where.
func ApprovalBody(kind schema.ApprovalKind, repoName string) string {
	switch kind {
	case schema.ApprovalCommand:
		return "Command approval requested in " + repoName
	case schema.ApprovalFileChange:
		return "File change approval requested in " + repoName
	default:
		return "Approval requested in " + repoName
	}
}

// Clip shortens text to at most max runes, appending an ellipsis when
// anything was cut.
func Clip(text string, max int) string {
	if max <= 0 || utf8.RuneCountInString(text) <= max {
		return text
	}
	runes := []rune(text)
	return strings.TrimSpace(string(runes[:max])) + "…"
}
