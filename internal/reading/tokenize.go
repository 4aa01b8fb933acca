package reading

import (
	"unicode"
	"unicode/utf8"
)

// Tokenize extracts normalized word tokens from text in first-seen order,
// without duplicates. Apostrophes and hyphens are kept when they join two
// word characters ("aujourd'hui", "peut-être").
func Tokenize(text string) []string {
	seen := make(map[string]struct{})
	var tokens []string
	emit := func(token string) {
		normalized := NormalizeWord(token)
		if normalized == "" {
			return
		}
		if _, ok := seen[normalized]; ok {
			return
		}
		seen[normalized] = struct{}{}
		tokens = append(tokens, normalized)
	}

	start := -1
	for index := 0; index < len(text); {
		current, size := utf8.DecodeRuneInString(text[index:])
		switch {
		case isWordRune(current):
			if start < 0 {
				start = index
			}
		case isJoiner(current) && start >= 0 && joinsWord(text, index+size):
		default:
			if start >= 0 {
				emit(text[start:index])
				start = -1
			}
		}
		index += size
	}
	if start >= 0 {
		emit(text[start:])
	}
	return tokens
}

func isWordRune(value rune) bool {
	return unicode.IsLetter(value) || unicode.IsDigit(value) || unicode.Is(unicode.Mn, value)
}

func isJoiner(value rune) bool {
	switch value {
	case '\'', '’', '-':
		return true
	default:
		return false
	}
}

func joinsWord(text string, offset int) bool {
	if offset >= len(text) {
		return false
	}
	following, _ := utf8.DecodeRuneInString(text[offset:])
	return isWordRune(following)
}
