package heartbeat

import (
	"regexp"
	"strings"
)

// Token is the marker the agent replies with when a tick needs no action.
const Token = "HEARTBEAT_OK"

// StripResult is the classification of a heartbeat response.
type StripResult struct {
	// Ack means the response is an acknowledgment and must not be delivered.
	Ack bool
	// Text is what remains after removing the token, delivered on alerts.
	Text string
	// DidStrip reports whether a token was removed.
	DidStrip bool
}

var (
	htmlTagPattern    = regexp.MustCompile(`<[^>]*>`)
	whitespacePattern = regexp.MustCompile(`\s+`)
)

// stripMarkup drops HTML tags and markdown wrappers so a token inside
// light formatting still counts.
func stripMarkup(text string) string {
	text = htmlTagPattern.ReplaceAllString(text, " ")
	text = strings.ReplaceAll(text, "&nbsp;", " ")
	text = strings.TrimLeft(text, "*`~_")
	text = strings.TrimRight(text, "*`~_")
	return text
}

// stripTokenAtEdges removes the token from the start and end of text,
// repeatedly, and collapses whitespace.
func stripTokenAtEdges(raw string) (string, bool) {
	text := strings.TrimSpace(raw)
	if text == "" || !strings.Contains(text, Token) {
		return text, false
	}

	didStrip := false
	for changed := true; changed; {
		changed = false
		text = strings.TrimSpace(text)
		if strings.HasPrefix(text, Token) {
			text = strings.TrimSpace(text[len(Token):])
			didStrip = true
			changed = true
			continue
		}
		if strings.HasSuffix(text, Token) {
			text = strings.TrimSpace(text[:len(text)-len(Token)])
			didStrip = true
			changed = true
		}
	}
	return strings.TrimSpace(whitespacePattern.ReplaceAllString(text, " ")), didStrip
}

// StripToken classifies a heartbeat response. An empty response, a bare
// token, or a token plus at most maxAckChars of commentary is an
// acknowledgment. Anything else is an alert whose text (token removed)
// should be delivered.
func StripToken(raw string, maxAckChars int) StripResult {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return StripResult{Ack: true}
	}
	if maxAckChars <= 0 {
		maxAckChars = DefaultAckMaxChars
	}

	normalized := stripMarkup(trimmed)
	if !strings.Contains(trimmed, Token) && !strings.Contains(normalized, Token) {
		return StripResult{Text: trimmed}
	}

	stripped, didStrip := stripTokenAtEdges(trimmed)
	if !didStrip || stripped == "" {
		strippedNorm, didStripNorm := stripTokenAtEdges(normalized)
		if didStripNorm {
			stripped, didStrip = strippedNorm, true
		}
	}
	if !didStrip {
		// Token buried mid-sentence: treat as content.
		return StripResult{Text: trimmed}
	}
	if len(stripped) <= maxAckChars {
		return StripResult{Ack: true, DidStrip: true}
	}
	return StripResult{Text: stripped, DidStrip: true}
}
