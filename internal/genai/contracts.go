// Package genai defines the contracts of the generative collaborators (story
// text, illustrations, narration, contextual definitions), the closed error
// taxonomy used to classify their failures, and the retry policy applied to
// every call.
package genai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"
)

const (
	// MimeTypePNG is the default illustration payload type.
	MimeTypePNG = "image/png"
	// MimeTypeMPEG is the narration payload type.
	MimeTypeMPEG = "audio/mpeg"
)

// Media is a binary payload with its mime type.
type Media struct {
	MimeType string
	Data     []byte
}

// Empty reports whether the payload carries no bytes.
func (m Media) Empty() bool {
	return len(m.Data) == 0
}

type encodedMedia struct {
	MimeType   string `json:"mimeType"`
	DataBase64 string `json:"dataBase64"`
}

// MarshalJSON renders the payload as {mimeType, dataBase64}.
func (m Media) MarshalJSON() ([]byte, error) {
	return json.Marshal(encodedMedia{
		MimeType:   m.MimeType,
		DataBase64: base64.StdEncoding.EncodeToString(m.Data),
	})
}

// UnmarshalJSON reads the {mimeType, dataBase64} form.
func (m *Media) UnmarshalJSON(payload []byte) error {
	var encoded encodedMedia
	if err := json.Unmarshal(payload, &encoded); err != nil {
		return err
	}
	data, err := base64.StdEncoding.DecodeString(encoded.DataBase64)
	if err != nil {
		return err
	}
	m.MimeType = encoded.MimeType
	m.Data = data
	return nil
}

// GeneratedStory is the structured output of story text generation.
type GeneratedStory struct {
	Title      string
	Paragraphs []string
}

// FullText joins paragraphs with blank lines.
func (s GeneratedStory) FullText() string {
	return strings.Join(s.Paragraphs, "\n\n")
}

// IllustrationRequest describes one paragraph illustration.
type IllustrationRequest struct {
	Paragraph string
	FullStory string
	Style     string
}

// VoiceParams tunes speech synthesis.
type VoiceParams struct {
	Voice        string
	SpeakingRate float64
}

// ContextualDefinition is the gloss of a word inside one sentence.
type ContextualDefinition struct {
	Translation string
	Definition  string
}

// StoryWriter generates story text at a CEFR level.
type StoryWriter interface {
	WriteStory(ctx context.Context, prompt, cefrLevel string) (GeneratedStory, error)
}

// Illustrator renders an image for a paragraph.
type Illustrator interface {
	Illustrate(ctx context.Context, request IllustrationRequest) (Media, error)
}

// Synthesizer turns text into narration audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string, voice VoiceParams) (Media, error)
}

// Definer explains a word in the context of one sentence.
type Definer interface {
	Define(ctx context.Context, word, sentence string) (ContextualDefinition, error)
}

// Unconfigured satisfies every collaborator contract and fails each call with
// ErrAPIKeyMissing. It stands in when no provider credentials are configured.
type Unconfigured struct{}

// WriteStory implements StoryWriter.
func (Unconfigured) WriteStory(context.Context, string, string) (GeneratedStory, error) {
	return GeneratedStory{}, ErrAPIKeyMissing
}

// Illustrate implements Illustrator.
func (Unconfigured) Illustrate(context.Context, IllustrationRequest) (Media, error) {
	return Media{}, ErrAPIKeyMissing
}

// Synthesize implements Synthesizer.
func (Unconfigured) Synthesize(context.Context, string, VoiceParams) (Media, error) {
	return Media{}, ErrAPIKeyMissing
}

// Define implements Definer.
func (Unconfigured) Define(context.Context, string, string) (ContextualDefinition, error) {
	return ContextualDefinition{}, ErrAPIKeyMissing
}
