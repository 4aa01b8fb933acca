package words

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"

	"github.com/lectio-app/lectio/internal/reading"
)

const maxWordLength = 190

var (
	// ErrValidation is the parent of every input validation failure.
	ErrValidation = errors.New("words: validation failed")
	// ErrInvalidWord indicates an empty or oversized word.
	ErrInvalidWord = fmt.Errorf("%w: invalid word", ErrValidation)
	// ErrInvalidLevel indicates a level outside 0..5.
	ErrInvalidLevel = fmt.Errorf("%w: level must be between %d and %d", ErrValidation, LevelNeverSeen, LevelMastered)
	// ErrWordNotFound indicates that no record exists for the word.
	ErrWordNotFound = errors.New("words: word not found")
)

// Level is the learner's familiarity with a word.
type Level int

const (
	LevelNeverSeen  Level = 0
	LevelBarelyKnow Level = 1
	LevelFamiliar   Level = 2
	LevelKnowWell   Level = 3
	LevelConfident  Level = 4
	LevelMastered   Level = 5
)

var levelLabels = [...]string{
	LevelNeverSeen:  "never seen",
	LevelBarelyKnow: "barely know",
	LevelFamiliar:   "familiar",
	LevelKnowWell:   "know well",
	LevelConfident:  "confident",
	LevelMastered:   "mastered",
}

// NewLevel validates a raw level.
func NewLevel(value int) (Level, error) {
	level := Level(value)
	if !level.Valid() {
		return 0, fmt.Errorf("%w: got %d", ErrInvalidLevel, value)
	}
	return level, nil
}

// Valid reports whether the level is within 0..5.
func (l Level) Valid() bool {
	return l >= LevelNeverSeen && l <= LevelMastered
}

// Label returns the human-readable name of the level.
func (l Level) Label() string {
	if !l.Valid() {
		return "unknown"
	}
	return levelLabels[l]
}

// NormalizeWord validates and normalizes a raw word.
func NormalizeWord(raw string) (string, error) {
	word := reading.NormalizeWord(raw)
	if word == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidWord)
	}
	if len(word) > maxWordLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidWord, maxWordLength)
	}
	return word, nil
}

// Word is the persisted knowledge state of one normalized word.
type Word struct {
	Word             string `gorm:"column:word;primaryKey;size:190;not null"`
	Level            int    `gorm:"column:level;not null;default:0"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName binds Word to words.
func (Word) TableName() string {
	return "words"
}

// WordDefinition is one stored definition. Row ids give insertion order.
type WordDefinition struct {
	ID               uint           `gorm:"column:id;primaryKey;autoIncrement"`
	Word             string         `gorm:"column:word;size:190;not null;index:idx_word_definitions_word"`
	EntryJSON        datatypes.JSON `gorm:"column:entry_json;not null"`
	CreatedAtSeconds int64          `gorm:"column:created_at_s;not null"`
}

// TableName binds WordDefinition to word_definitions.
func (WordDefinition) TableName() string {
	return "word_definitions"
}

// Models lists the tables owned by the package, for schema migration.
func Models() []any {
	return []any{&Word{}, &WordDefinition{}}
}

// DefinitionEntry is a contextual gloss of a word.
type DefinitionEntry struct {
	Sentence    string `json:"sentence"`
	Translation string `json:"translation"`
	Definition  string `json:"definition"`
}

// DefinitionMatcher selects definition entries for removal. A nil field
// matches any value.
type DefinitionMatcher struct {
	Sentence    *string
	Translation *string
	Definition  *string
}

// Matches reports whether entry equals the matcher on every provided field.
func (m DefinitionMatcher) Matches(entry DefinitionEntry) bool {
	if m.Sentence != nil && *m.Sentence != entry.Sentence {
		return false
	}
	if m.Translation != nil && *m.Translation != entry.Translation {
		return false
	}
	if m.Definition != nil && *m.Definition != entry.Definition {
		return false
	}
	return true
}

// Record is the read model of a word with its definitions in insertion order.
type Record struct {
	Word        string            `json:"word"`
	Level       Level             `json:"level"`
	Definitions []DefinitionEntry `json:"definitions"`
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
}

func newRecord(word Word) Record {
	return Record{
		Word:        word.Word,
		Level:       Level(word.Level),
		Definitions: []DefinitionEntry{},
		CreatedAt:   time.Unix(word.CreatedAtSeconds, 0).UTC(),
		UpdatedAt:   time.Unix(word.UpdatedAtSeconds, 0).UTC(),
	}
}

type structuredEntry struct {
	Sentence    *string `json:"sentence"`
	Translation *string `json:"translation"`
	Definition  *string `json:"definition"`
}

func encodeEntry(entry DefinitionEntry) (datatypes.JSON, error) {
	payload, err := json.Marshal(entry)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(payload), nil
}

// decodeEntry reads the stored variant. A JSON string is a legacy entry and
// becomes the definition text; a JSON object is a structured entry. Anything
// else is kept as its literal text so that no stored history is dropped.
func decodeEntry(raw datatypes.JSON) DefinitionEntry {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return DefinitionEntry{}
	}
	switch trimmed[0] {
	case '"':
		var legacy string
		if err := json.Unmarshal(trimmed, &legacy); err == nil {
			return DefinitionEntry{Definition: legacy}
		}
	case '{':
		var structured structuredEntry
		if err := json.Unmarshal(trimmed, &structured); err == nil {
			return DefinitionEntry{
				Sentence:    valueOrEmpty(structured.Sentence),
				Translation: valueOrEmpty(structured.Translation),
				Definition:  valueOrEmpty(structured.Definition),
			}
		}
	}
	if string(trimmed) == "null" {
		return DefinitionEntry{}
	}
	return DefinitionEntry{Definition: strings.TrimSpace(string(trimmed))}
}

func valueOrEmpty(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

// UpgradeStoredEntry rewrites a stored definition into the structured shape.
// It reports false when raw is already a structured object.
func UpgradeStoredEntry(raw datatypes.JSON) (datatypes.JSON, bool, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '{' && json.Valid(trimmed) {
		return raw, false, nil
	}
	upgraded, err := encodeEntry(decodeEntry(raw))
	if err != nil {
		return nil, false, err
	}
	return upgraded, true, nil
}
