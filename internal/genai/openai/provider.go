// Package openai implements the generative collaborators on top of the
// OpenAI API.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/lectio-app/lectio/internal/genai"
)

const (
	defaultTextModel   = "gpt-4o-mini"
	defaultImageModel  = "gpt-image-1"
	defaultSpeechModel = "gpt-4o-mini-tts"
	defaultVoice       = "alloy"
	defaultLanguage    = "French"
	defaultImageSize   = "1024x1024"
	fallbackTitle      = "Untitled"
	maxFallbackParts   = 6
)

var (
	_ genai.StoryWriter = (*Provider)(nil)
	_ genai.Illustrator = (*Provider)(nil)
	_ genai.Synthesizer = (*Provider)(nil)
	_ genai.Definer     = (*Provider)(nil)

	blankLinePattern     = regexp.MustCompile(`\n\s*\n+`)
	leadingNumberPattern = regexp.MustCompile(`^\s*\d+[.)]?\s*`)
)

// Provider implements every generative collaborator with a single client.
type Provider struct {
	client      oai.Client
	textModel   string
	imageModel  string
	speechModel string
	voice       string
	language    string
}

type config struct {
	baseURL     string
	timeout     time.Duration
	httpClient  *http.Client
	textModel   string
	imageModel  string
	speechModel string
	voice       string
	language    string
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithHTTPClient replaces the HTTP client used for every request.
func WithHTTPClient(client *http.Client) Option {
	return func(c *config) {
		c.httpClient = client
	}
}

// WithTextModel selects the chat model used for stories and definitions.
func WithTextModel(model string) Option {
	return func(c *config) {
		c.textModel = model
	}
}

// WithImageModel selects the image model.
func WithImageModel(model string) Option {
	return func(c *config) {
		c.imageModel = model
	}
}

// WithSpeechModel selects the speech model.
func WithSpeechModel(model string) Option {
	return func(c *config) {
		c.speechModel = model
	}
}

// WithVoice sets the default narration voice.
func WithVoice(voice string) Option {
	return func(c *config) {
		c.voice = voice
	}
}

// WithLanguage sets the language stories are written in.
func WithLanguage(language string) Option {
	return func(c *config) {
		c.language = language
	}
}

// New constructs a Provider. Retries are disabled at the SDK level; callers
// wrap each call in genai.WithRetry.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, genai.ErrAPIKeyMissing
	}

	cfg := &config{
		textModel:   defaultTextModel,
		imageModel:  defaultImageModel,
		speechModel: defaultSpeechModel,
		voice:       defaultVoice,
		language:    defaultLanguage,
	}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	switch {
	case cfg.httpClient != nil:
		reqOpts = append(reqOpts, option.WithHTTPClient(cfg.httpClient))
	case cfg.timeout > 0:
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	return &Provider{
		client:      oai.NewClient(reqOpts...),
		textModel:   cfg.textModel,
		imageModel:  cfg.imageModel,
		speechModel: cfg.speechModel,
		voice:       cfg.voice,
		language:    cfg.language,
	}, nil
}

// WriteStory implements genai.StoryWriter.
func (p *Provider) WriteStory(ctx context.Context, prompt, cefrLevel string) (genai.GeneratedStory, error) {
	instructions := fmt.Sprintf(`You are an expert language tutor and author.
Write a short story STRICTLY at CEFR level %[1]s, in %[2]s ONLY. Do not use vocabulary or grammar above level %[1]s.
Return 4 to 7 very short paragraphs (2 to 4 simple sentences each). Each paragraph must express a distinct idea or step of the story.
Output ONLY compact JSON in the form {"title": string, "paragraphs": string[]} with no extra text.`, cefrLevel, p.language)

	text, err := p.complete(ctx, instructions, "User topic: "+prompt)
	if err != nil {
		return genai.GeneratedStory{}, err
	}
	return parseStory(text)
}

// Illustrate implements genai.Illustrator.
func (p *Provider) Illustrate(ctx context.Context, request genai.IllustrationRequest) (genai.Media, error) {
	var prompt strings.Builder
	prompt.WriteString("Create a single illustrative image for the following paragraph of a story.\n")
	prompt.WriteString("- Use the paragraph as the primary visual guidance.\n")
	prompt.WriteString("- You may use the overall story context for consistency, but do not depict events of later paragraphs.\n")
	prompt.WriteString("- Keep the composition clear and focused on the paragraph's main idea.\n")
	if style := strings.TrimSpace(request.Style); style != "" {
		fmt.Fprintf(&prompt, "- Apply this visual style preference: %s.\n", style)
	}
	fmt.Fprintf(&prompt, "\nParagraph:\n%s\n\nStory context (for consistency only):\n%s", request.Paragraph, request.FullStory)

	resp, err := p.client.Images.Generate(ctx, oai.ImageGenerateParams{
		Prompt: prompt.String(),
		Model:  oai.ImageModel(p.imageModel),
		N:      oai.Int(1),
		Size:   oai.ImageGenerateParamsSize(defaultImageSize),
	})
	if err != nil {
		return genai.Media{}, fmt.Errorf("openai: generate image: %w", wrapAPIError(err))
	}
	for _, image := range resp.Data {
		if image.B64JSON == "" {
			continue
		}
		data, decodeErr := base64.StdEncoding.DecodeString(image.B64JSON)
		if decodeErr != nil {
			return genai.Media{}, fmt.Errorf("openai: decode image: %w", genai.ErrUnparseable)
		}
		return genai.Media{MimeType: genai.MimeTypePNG, Data: data}, nil
	}
	return genai.Media{}, genai.ErrNoImagePayload
}

// Synthesize implements genai.Synthesizer.
func (p *Provider) Synthesize(ctx context.Context, text string, voice genai.VoiceParams) (genai.Media, error) {
	voiceName := strings.TrimSpace(voice.Voice)
	if voiceName == "" {
		voiceName = p.voice
	}
	params := oai.AudioSpeechNewParams{
		Input:          text,
		Model:          oai.SpeechModel(p.speechModel),
		Voice:          oai.AudioSpeechNewParamsVoice(voiceName),
		ResponseFormat: oai.AudioSpeechNewParamsResponseFormat("mp3"),
	}
	if voice.SpeakingRate > 0 {
		params.Speed = oai.Float(voice.SpeakingRate)
	}

	resp, err := p.client.Audio.Speech.New(ctx, params)
	if err != nil {
		return genai.Media{}, fmt.Errorf("openai: synthesize speech: %w", wrapAPIError(err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return genai.Media{}, fmt.Errorf("openai: read speech: %w", err)
	}
	if len(data) == 0 {
		return genai.Media{}, genai.ErrNoAudioPayload
	}
	return genai.Media{MimeType: genai.MimeTypeMPEG, Data: data}, nil
}

// Define implements genai.Definer.
func (p *Provider) Define(ctx context.Context, word, sentence string) (genai.ContextualDefinition, error) {
	instructions := fmt.Sprintf(`For the target word used in this specific %s sentence, return a very brief English translation of the word in context and a concise English definition (10 to 25 words).
Output ONLY compact JSON: {"translation": string, "definition": string}.`, p.language)
	input := fmt.Sprintf("Target word: %s\nSentence: %s", word, sentence)

	text, err := p.complete(ctx, instructions, input)
	if err != nil {
		return genai.ContextualDefinition{}, err
	}
	return parseDefinition(text), nil
}

func (p *Provider) complete(ctx context.Context, instructions, input string) (string, error) {
	resp, err := p.client.Chat.Completions.New(ctx, oai.ChatCompletionNewParams{
		Model: shared.ChatModel(p.textModel),
		Messages: []oai.ChatCompletionMessageParamUnion{
			oai.SystemMessage(instructions),
			oai.UserMessage(input),
		},
	})
	if err != nil {
		return "", fmt.Errorf("openai: chat completion: %w", wrapAPIError(err))
	}
	if len(resp.Choices) == 0 {
		return "", genai.ErrEmptyCompletion
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", genai.ErrEmptyCompletion
	}
	return text, nil
}

// wrapAPIError exposes the status and code of SDK errors to genai.Classify.
func wrapAPIError(err error) error {
	var apiErr *oai.Error
	if errors.As(err, &apiErr) {
		return &genai.UpstreamError{
			StatusCode: apiErr.StatusCode,
			Code:       apiErr.Code,
			Err:        err,
		}
	}
	return err
}

type storyPayload struct {
	Title      *string           `json:"title"`
	Paragraphs []json.RawMessage `json:"paragraphs"`
}

// parseStory decodes the JSON object embedded in text. When no usable object
// is present the text is split on blank lines instead.
func parseStory(text string) (genai.GeneratedStory, error) {
	if payload, ok := extractJSON(text); ok {
		var decoded storyPayload
		if err := json.Unmarshal([]byte(payload), &decoded); err == nil {
			paragraphs := make([]string, 0, len(decoded.Paragraphs))
			for _, raw := range decoded.Paragraphs {
				if paragraph := strings.TrimSpace(rawString(raw)); paragraph != "" {
					paragraphs = append(paragraphs, paragraph)
				}
			}
			if len(paragraphs) > 0 {
				title := fallbackTitle
				if decoded.Title != nil && strings.TrimSpace(*decoded.Title) != "" {
					title = strings.TrimSpace(*decoded.Title)
				}
				return genai.GeneratedStory{Title: title, Paragraphs: paragraphs}, nil
			}
		}
	}

	var paragraphs []string
	for _, part := range blankLinePattern.Split(text, -1) {
		part = strings.TrimSpace(leadingNumberPattern.ReplaceAllString(part, ""))
		if part == "" {
			continue
		}
		paragraphs = append(paragraphs, part)
		if len(paragraphs) == maxFallbackParts {
			break
		}
	}
	if len(paragraphs) == 0 {
		return genai.GeneratedStory{}, genai.ErrUnparseable
	}
	return genai.GeneratedStory{Title: fallbackTitle, Paragraphs: paragraphs}, nil
}

type definitionPayload struct {
	Translation json.RawMessage `json:"translation"`
	Definition  json.RawMessage `json:"definition"`
}

// parseDefinition decodes the JSON object embedded in text, falling back to
// "first line is the translation, the rest is the definition".
func parseDefinition(text string) genai.ContextualDefinition {
	if payload, ok := extractJSON(text); ok {
		var decoded definitionPayload
		if err := json.Unmarshal([]byte(payload), &decoded); err == nil {
			result := genai.ContextualDefinition{
				Translation: strings.TrimSpace(rawString(decoded.Translation)),
				Definition:  strings.TrimSpace(rawString(decoded.Definition)),
			}
			if result.Translation != "" || result.Definition != "" {
				return result
			}
		}
	}

	var lines []string
	for _, line := range strings.Split(text, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	switch len(lines) {
	case 0:
		return genai.ContextualDefinition{}
	case 1:
		return genai.ContextualDefinition{Translation: lines[0]}
	default:
		return genai.ContextualDefinition{Translation: lines[0], Definition: strings.Join(lines[1:], " ")}
	}
}

func extractJSON(text string) (string, bool) {
	first := strings.Index(text, "{")
	last := strings.LastIndex(text, "}")
	if first < 0 || last <= first {
		return "", false
	}
	return text[first : last+1], true
}

// rawString renders a JSON value as text: strings are unquoted, other values
// keep their literal form, null becomes empty.
func rawString(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var value string
	if err := json.Unmarshal(raw, &value); err == nil {
		return value
	}
	return string(raw)
}
