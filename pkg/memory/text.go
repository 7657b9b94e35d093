package memory

import (
	"fmt"
	"regexp"
	"strings"
)

// Text normalization for recorded memory: code blocks are replaced with a
// placeholder, secret-shaped tokens are redacted, and everything is bounded
// before it reaches a backend. All functions here are pure.

// RedactionMarker replaces secret-shaped tokens.
const RedactionMarker = "[REDACTED]"

// CodeBlockPlaceholder replaces fenced code blocks.
const CodeBlockPlaceholder = "[code omitted]"

var (
	fencedBlockRe = regexp.MustCompile("(?s)```.*?```")
	openFenceRe   = regexp.MustCompile("(?s)```.*$")

	// Secret-shaped token patterns. Deliberately loose: false positives
	// cost a little context, false negatives leak credentials to disk.
	secretRes = []*regexp.Regexp{
		regexp.MustCompile(`\bsk-[A-Za-z0-9_-]{16,}\b`),                              // API keys (sk-...)
		regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`),                                   // AWS access key ids
		regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{20,}\b`),                         // GitHub tokens
		regexp.MustCompile(`\bgithub_pat_[A-Za-z0-9_]{20,}\b`),                       // GitHub fine-grained tokens
		regexp.MustCompile(`\bxox[baprs]-[A-Za-z0-9-]{10,}\b`),                       // Slack tokens
		regexp.MustCompile(`\beyJ[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]+\b`), // JWTs
		regexp.MustCompile(`(?i)\b(password|passwd|secret|token|api[_-]?key)\s*[:=]\s*\S+`),  // key=value secrets
		regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----(?s).*?-----END [A-Z ]*PRIVATE KEY-----`),
	}
)

// Truncate cuts s to at most max runes. Non-positive max means no limit.
func Truncate(s string, max int) string {
	if max <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}

// StripCodeBlocks replaces fenced code blocks with a placeholder. An
// unterminated trailing fence is stripped to the end of the text.
func StripCodeBlocks(s string) string {
	out := fencedBlockRe.ReplaceAllString(s, CodeBlockPlaceholder)
	if strings.Contains(out, "```") {
		out = openFenceRe.ReplaceAllString(out, CodeBlockPlaceholder)
	}
	return out
}

// RedactSecrets replaces secret-shaped tokens with the redaction marker.
func RedactSecrets(s string) string {
	for _, re := range secretRes {
		s = re.ReplaceAllString(s, RedactionMarker)
	}
	return s
}

// NormalizeForMemory prepares text for persistence: strip code blocks,
// redact secrets, trim surrounding whitespace, and truncate to maxChars.
func NormalizeForMemory(s string, maxChars int) string {
	s = StripCodeBlocks(s)
	s = RedactSecrets(s)
	s = strings.TrimSpace(s)
	return Truncate(s, maxChars)
}

// ShortenWithMarker bounds s to roughly max runes by keeping the head and
// tail and replacing the middle with a "[...trimmed N chars...]" marker.
// Strings at or under the limit pass through unchanged.
func ShortenWithMarker(s string, max int) string {
	runes := []rune(s)
	if max <= 0 || len(runes) <= max {
		return s
	}

	head := max / 2
	tail := max - head
	trimmed := len(runes) - head - tail
	marker := fmt.Sprintf("[...trimmed %d chars...]", trimmed)
	return string(runes[:head]) + marker + string(runes[len(runes)-tail:])
}

// AppendRollingSummary appends an entry to a rolling summary, keeping the
// result bounded with the same head+tail marker policy.
func AppendRollingSummary(existing, entry string, max int) string {
	combined := entry
	if existing != "" {
		combined = existing + "\n" + entry
	}
	return ShortenWithMarker(combined, max)
}
