// Package normalize reduces free-form error text to a deterministic,
// lossy fingerprint used as the deduplication and matching key for the
// knowledge base.
package normalize

import (
	"regexp"
	"strings"
)

// MaxKeyLength is the maximum length of a normalized key.
const MaxKeyLength = 200

var (
	doubleQuoted = regexp.MustCompile(`"[^"]{1,100}"`)
	singleQuoted = regexp.MustCompile(`'[^']{1,100}'`)
	absolutePath = regexp.MustCompile(`/[^\s]+`)
	relativePath = regexp.MustCompile(`\.[/\\][^\s]+`)
	digitRun     = regexp.MustCompile(`\d{2,}`)
)

// Normalize collapses volatile tokens in raw error text into stable
// placeholders. The replacement order matters: quoted strings are
// collapsed before path detection so that quoted paths are not
// mis-tokenized, and single digits survive because they usually carry
// semantic meaning ("step 3", "exit 1").
//
// The result is truncated to MaxKeyLength characters and trimmed.
// Empty input normalizes to the empty string.
func Normalize(raw string) string {
	if raw == "" {
		return ""
	}

	s := doubleQuoted.ReplaceAllString(raw, "<STR>")
	s = singleQuoted.ReplaceAllString(s, "<STR>")
	s = relativePath.ReplaceAllString(s, "<PATH>")
	s = absolutePath.ReplaceAllString(s, "<PATH>")
	s = digitRun.ReplaceAllString(s, "<N>")

	if runes := []rune(s); len(runes) > MaxKeyLength {
		s = string(runes[:MaxKeyLength])
	}
	return strings.TrimSpace(s)
}
