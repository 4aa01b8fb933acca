// Package reading holds the pure text helpers shared by the word store and
// the HTTP layer: word normalization, sentence splitting and tokenization.
package reading

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

const wordCharClass = `\p{L}\p{N}_`

// NormalizeWord returns the identity key for a vocabulary word.
func NormalizeWord(rawInput string) string {
	return strings.ToLower(strings.TrimSpace(rawInput))
}

// SplitSentences splits a paragraph on sentence-final punctuation followed by
// whitespace, and on newlines. Fragments are trimmed and empty ones dropped.
func SplitSentences(paragraph string) []string {
	var sentences []string
	flush := func(fragment string) {
		trimmed := strings.TrimSpace(fragment)
		if trimmed != "" {
			sentences = append(sentences, trimmed)
		}
	}

	start := 0
	for index := 0; index < len(paragraph); {
		current, size := utf8.DecodeRuneInString(paragraph[index:])
		next := index + size
		switch {
		case current == '\n' || current == '\r':
			flush(paragraph[start:index])
			start = next
		case isSentenceFinal(current) && next < len(paragraph):
			following, _ := utf8.DecodeRuneInString(paragraph[next:])
			if unicode.IsSpace(following) {
				flush(paragraph[start:next])
				start = next
			}
		}
		index = next
	}
	flush(paragraph[start:])
	return sentences
}

// LocateSentence returns the first sentence of paragraph that contains word as
// a whole token, compared case-insensitively. It falls back to the first
// sentence, and to the paragraph itself when no sentence can be split out.
func LocateSentence(paragraph, word string) string {
	sentences := SplitSentences(paragraph)
	if len(sentences) == 0 {
		return paragraph
	}
	target := strings.TrimSpace(word)
	if target == "" {
		return sentences[0]
	}
	matcher := tokenMatcher(target)
	for _, sentence := range sentences {
		if matcher.MatchString(sentence) {
			return sentence
		}
	}
	return sentences[0]
}

// ContainsToken reports whether text contains word as a bounded token.
func ContainsToken(text, word string) bool {
	target := strings.TrimSpace(word)
	if target == "" {
		return false
	}
	return tokenMatcher(target).MatchString(text)
}

func tokenMatcher(word string) *regexp.Regexp {
	pattern := `(?i)(^|[^` + wordCharClass + `])` + regexp.QuoteMeta(word) + `([^` + wordCharClass + `]|$)`
	return regexp.MustCompile(pattern)
}

func isSentenceFinal(value rune) bool {
	switch value {
	case '.', '!', '?', '…':
		return true
	default:
		return false
	}
}
