package reading

import (
	"reflect"
	"strings"
	"testing"
)

func TestSplitSentences(t *testing.T) {
	testCases := []struct {
		name      string
		paragraph string
		want      []string
	}{
		{
			name:      "punctuation",
			paragraph: "Le chat dort. Il rêve! Pourquoi? Parce que…  Voilà.",
			want:      []string{"Le chat dort.", "Il rêve!", "Pourquoi?", "Parce que…", "Voilà."},
		},
		{
			name:      "newlines",
			paragraph: "Première ligne\n\nDeuxième ligne\r\nTroisième",
			want:      []string{"Première ligne", "Deuxième ligne", "Troisième"},
		},
		{
			name:      "punctuation-without-space",
			paragraph: "Il est 3.14 heures. Fin",
			want:      []string{"Il est 3.14 heures.", "Fin"},
		},
		{
			name:      "blank",
			paragraph: "   \n  ",
			want:      nil,
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			got := SplitSentences(testCase.paragraph)
			if !reflect.DeepEqual(got, testCase.want) {
				t.Fatalf("unexpected sentences: got %q want %q", got, testCase.want)
			}
		})
	}
}

func TestLocateSentence(t *testing.T) {
	testCases := []struct {
		name      string
		paragraph string
		word      string
		want      string
	}{
		{
			name:      "second-sentence",
			paragraph: "Marie ouvre la porte. Le chat entre doucement. Il fait froid.",
			word:      "chat",
			want:      "Le chat entre doucement.",
		},
		{
			name:      "case-insensitive",
			paragraph: "Il pleut. Chat perché sur le toit.",
			word:      "chat",
			want:      "Chat perché sur le toit.",
		},
		{
			name:      "word-boundary",
			paragraph: "The category is large. A cat sleeps.",
			word:      "cat",
			want:      "A cat sleeps.",
		},
		{
			name:      "accented-neighbours-are-word-characters",
			paragraph: "Il a été là. Elle est là.",
			word:      "t",
			want:      "Il a été là.",
		},
		{
			name:      "no-match-falls-back-to-first",
			paragraph: "Bonjour tout le monde. Au revoir.",
			word:      "chien",
			want:      "Bonjour tout le monde.",
		},
		{
			name:      "no-sentences-returns-paragraph",
			paragraph: "   ",
			word:      "chat",
			want:      "   ",
		},
		{
			name:      "regex-metacharacters",
			paragraph: "Prix: 5$. Total (net) ici.",
			word:      "(net)",
			want:      "Total (net) ici.",
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			got := LocateSentence(testCase.paragraph, testCase.word)
			if got != testCase.want {
				t.Fatalf("unexpected sentence: got %q want %q", got, testCase.want)
			}
		})
	}
}

func TestLocateSentenceIsDeterministicSubstring(t *testing.T) {
	paragraph := "Le soleil brille. Les enfants jouent au parc. Le soleil se couche."
	words := []string{"soleil", "enfants", "parc", "couche"}
	for _, word := range words {
		first := LocateSentence(paragraph, word)
		second := LocateSentence(paragraph, word)
		if first != second {
			t.Fatalf("expected repeatable result for %q: %q vs %q", word, first, second)
		}
		if first == "" || !strings.Contains(paragraph, first) {
			t.Fatalf("expected non-empty substring of paragraph for %q, got %q", word, first)
		}
		if !ContainsToken(first, word) {
			t.Fatalf("expected sentence %q to contain %q", first, word)
		}
	}
}

func TestNormalizeWord(t *testing.T) {
	if got := NormalizeWord("  Éléphant "); got != "éléphant" {
		t.Fatalf("unexpected normalized word %q", got)
	}
}

func TestTokenize(t *testing.T) {
	got := Tokenize("Aujourd'hui, le chat—peut-être—dort. Le CHAT rêve 2 fois.")
	want := []string{"aujourd'hui", "le", "chat", "peut-être", "dort", "rêve", "2", "fois"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected tokens: got %q want %q", got, want)
	}
}
