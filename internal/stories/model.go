package stories

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"

	"github.com/lectio-app/lectio/internal/genai"
)

var (
	// ErrValidation is the parent of every input validation failure.
	ErrValidation = errors.New("stories: validation failed")
	// ErrInvalidLevel indicates a CEFR level outside A1..C2.
	ErrInvalidLevel = fmt.Errorf("%w: level must be one of A1, A2, B1, B2, C1, C2", ErrValidation)
	// ErrStoryNotFound indicates that no story exists for the identifier.
	ErrStoryNotFound = errors.New("stories: story not found")
	// ErrParagraphNotFound indicates an unknown paragraph index.
	ErrParagraphNotFound = errors.New("stories: paragraph not found")
)

// DefaultTitle names stories whose generated title is empty.
const DefaultTitle = "Untitled"

var cefrLevels = map[string]struct{}{
	"A1": {}, "A2": {}, "B1": {}, "B2": {}, "C1": {}, "C2": {},
}

// NormalizeLevel validates a CEFR level tag and returns its canonical form.
func NormalizeLevel(raw string) (string, error) {
	level := strings.ToUpper(strings.TrimSpace(raw))
	if _, ok := cefrLevels[level]; !ok {
		return "", fmt.Errorf("%w: got %q", ErrInvalidLevel, raw)
	}
	return level, nil
}

// Story is the persisted story header.
type Story struct {
	ID               string                      `gorm:"column:id;primaryKey;size:36;not null"`
	Prompt           string                      `gorm:"column:prompt;type:text;not null"`
	Level            string                      `gorm:"column:level;size:2;not null"`
	ImageStyle       string                      `gorm:"column:image_style;size:190"`
	Title            string                      `gorm:"column:title;size:255"`
	FullText         string                      `gorm:"column:full_text;type:text;not null"`
	ImageErrors      datatypes.JSONSlice[string] `gorm:"column:image_errors"`
	AudioErrors      datatypes.JSONSlice[string] `gorm:"column:audio_errors"`
	HasTTS           bool                        `gorm:"column:has_tts;not null;default:false"`
	CreatedAtSeconds int64                       `gorm:"column:created_at_s;not null;index:idx_stories_created_at"`
}

// TableName binds Story to stories.
func (Story) TableName() string {
	return "stories"
}

// Paragraph is one persisted paragraph with its optional media.
type Paragraph struct {
	StoryID        string `gorm:"column:story_id;primaryKey;size:36;not null"`
	ParagraphIndex int    `gorm:"column:paragraph_index;primaryKey;not null"`
	Text           string `gorm:"column:text;type:text;not null"`
	ImageMimeType  string `gorm:"column:image_mime_type;size:64"`
	ImageData      []byte `gorm:"column:image_data"`
	AudioMimeType  string `gorm:"column:audio_mime_type;size:64"`
	AudioData      []byte `gorm:"column:audio_data"`
}

// TableName binds Paragraph to story_paragraphs.
func (Paragraph) TableName() string {
	return "story_paragraphs"
}

// Models lists the tables owned by the package, for schema migration.
func Models() []any {
	return []any{&Story{}, &Paragraph{}}
}

// Draft is an assembled story ready to be stored.
type Draft struct {
	Prompt      string
	Level       string
	ImageStyle  string
	Title       string
	Paragraphs  []DraftParagraph
	ImageErrors []string
	AudioErrors []string
	HasTTS      bool
}

// DraftParagraph is a paragraph of a Draft. Empty media are not stored.
type DraftParagraph struct {
	Text  string
	Image genai.Media
	Audio genai.Media
}

// FullText joins the paragraph texts with blank lines.
func (d Draft) FullText() string {
	texts := make([]string, len(d.Paragraphs))
	for index, paragraph := range d.Paragraphs {
		texts[index] = paragraph.Text
	}
	return strings.Join(texts, "\n\n")
}

// Record is the read model of a story.
type Record struct {
	ID          string            `json:"id"`
	Prompt      string            `json:"prompt"`
	Level       string            `json:"level"`
	ImageStyle  string            `json:"imageStyle,omitempty"`
	Title       string            `json:"title"`
	FullText    string            `json:"fullText"`
	Paragraphs  []ParagraphRecord `json:"paragraphs"`
	ImageErrors []string          `json:"imageErrors,omitempty"`
	AudioErrors []string          `json:"audioErrors,omitempty"`
	HasTTS      bool              `json:"hasTTS"`
	CreatedAt   time.Time         `json:"createdAt"`
}

// ParagraphRecord is the read model of a paragraph.
type ParagraphRecord struct {
	Index int          `json:"index"`
	Text  string       `json:"text"`
	Image *genai.Media `json:"image,omitempty"`
	Audio *genai.Media `json:"audio,omitempty"`
}

// Summary is the list view of a story.
type Summary struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Level     string    `json:"level"`
	CreatedAt time.Time `json:"createdAt"`
}

func newRecord(story Story, paragraphs []Paragraph) Record {
	record := Record{
		ID:          story.ID,
		Prompt:      story.Prompt,
		Level:       story.Level,
		ImageStyle:  story.ImageStyle,
		Title:       story.Title,
		FullText:    story.FullText,
		Paragraphs:  make([]ParagraphRecord, 0, len(paragraphs)),
		ImageErrors: []string(story.ImageErrors),
		AudioErrors: []string(story.AudioErrors),
		HasTTS:      story.HasTTS,
		CreatedAt:   time.Unix(story.CreatedAtSeconds, 0).UTC(),
	}
	for _, paragraph := range paragraphs {
		item := ParagraphRecord{Index: paragraph.ParagraphIndex, Text: paragraph.Text}
		if len(paragraph.ImageData) > 0 {
			item.Image = &genai.Media{MimeType: paragraph.ImageMimeType, Data: paragraph.ImageData}
		}
		if len(paragraph.AudioData) > 0 {
			item.Audio = &genai.Media{MimeType: paragraph.AudioMimeType, Data: paragraph.AudioData}
		}
		record.Paragraphs = append(record.Paragraphs, item)
	}
	return record
}

func newSummary(story Story) Summary {
	return Summary{
		ID:        story.ID,
		Title:     story.Title,
		Level:     story.Level,
		CreatedAt: time.Unix(story.CreatedAtSeconds, 0).UTC(),
	}
}
