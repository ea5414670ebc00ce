// Package policy decides which conversational content is worth keeping.
package policy

import (
	"regexp"
	"strings"
	"unicode"
)

// Repetition noise the transcription model produces for hums and breaths,
// in both Latin and Cyrillic.
var noisePatterns = []*regexp.Regexp{
	regexp.MustCompile(`^[.,!?;:\-\s]+$`),
	regexp.MustCompile(`^[aа]{3,}$`),
	regexp.MustCompile(`^[hх]{3,}$`),
	regexp.MustCompile(`^[uу]{3,}$`),
	regexp.MustCompile(`^м{3,}$`),
	regexp.MustCompile(`^э{3,}$`),
}

// IsMeaningful reports whether text carries actual conversational content:
// non-empty after trimming, at least one alphanumeric rune once symbols are
// stripped, and not a filler-repetition pattern.
func IsMeaningful(text string) bool {
	if strings.TrimSpace(text) == "" {
		return false
	}

	cleaned := strings.TrimSpace(stripSymbols(text))
	if len([]rune(cleaned)) < 2 {
		return false
	}

	hasAlnum := false
	for _, r := range cleaned {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			hasAlnum = true
			break
		}
	}
	if !hasAlnum {
		return false
	}

	lower := strings.ToLower(cleaned)
	for _, p := range noisePatterns {
		if p.MatchString(lower) {
			return false
		}
	}
	return true
}

// CleanMessage strips emoji and symbol runes and collapses whitespace.
// Returns the empty string when the message is not meaningful.
func CleanMessage(text string) string {
	if !IsMeaningful(text) {
		return ""
	}
	cleaned := stripSymbols(text)
	return strings.Join(strings.Fields(cleaned), " ")
}

// stripSymbols removes emoji and other symbol runes. Unicode symbol
// categories plus the variation selectors cover the emoji planes without
// enumerating ranges by hand.
func stripSymbols(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		if unicode.In(r, unicode.So, unicode.Sk, unicode.Sm) {
			continue
		}
		// Variation selectors and zero-width joiners ride along with emoji.
		if (r >= 0xFE00 && r <= 0xFE0F) || r == 0x200D {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
