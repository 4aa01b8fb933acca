package stories

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lectio-app/lectio/internal/audiocache"
	"github.com/lectio-app/lectio/internal/genai"
)

const (
	defaultCallTimeout      = 90 * time.Second
	defaultStoryTimeout     = 5 * time.Minute
	defaultMediaConcurrency = 1
	persistTimeout          = 30 * time.Second
)

var (
	errMissingWriter  = errors.New("story writer is required")
	errMissingCreator = errors.New("story store is required")
)

// Creator persists an assembled story.
type Creator interface {
	Create(ctx context.Context, draft Draft) (Record, error)
}

// AudioCache narrates paragraphs through the content-addressed cache.
type AudioCache interface {
	ParagraphAudio(ctx context.Context, text string, generate audiocache.Generator) (audiocache.Result, error)
}

// AssemblerConfig describes the collaborators of the story pipeline.
type AssemblerConfig struct {
	Writer           genai.StoryWriter
	Illustrator      genai.Illustrator
	Synthesizer      genai.Synthesizer
	AudioCache       AudioCache
	Stories          Creator
	RetryPolicy      genai.RetryPolicy
	Voice            genai.VoiceParams
	CallTimeout      time.Duration
	StoryTimeout     time.Duration
	MediaConcurrency int
	Logger           *zap.Logger
}

// Request is a story generation request.
type Request struct {
	Prompt        string
	Level         string
	ImageStyle    string
	GenerateAudio bool
}

// Outcome is a persisted story with the warnings of degraded media.
type Outcome struct {
	Story    Record
	Warnings []string
}

// Assembler runs the story pipeline: text, then per-paragraph media, then a
// single insert. Media failures degrade into warnings.
type Assembler struct {
	writer           genai.StoryWriter
	illustrator      genai.Illustrator
	synthesizer      genai.Synthesizer
	audioCache       AudioCache
	stories          Creator
	retryPolicy      genai.RetryPolicy
	voice            genai.VoiceParams
	callTimeout      time.Duration
	storyTimeout     time.Duration
	mediaConcurrency int
	logger           *zap.Logger
}

// NewAssembler validates collaborators and constructs an Assembler. Missing
// illustrator or synthesizer collaborators fail every call as unconfigured.
func NewAssembler(cfg AssemblerConfig) (*Assembler, error) {
	if cfg.Writer == nil {
		return nil, newServiceError(opAssemblerNew, "missing_writer", errMissingWriter)
	}
	if cfg.Stories == nil {
		return nil, newServiceError(opAssemblerNew, "missing_story_store", errMissingCreator)
	}

	assembler := &Assembler{
		writer:           cfg.Writer,
		illustrator:      cfg.Illustrator,
		synthesizer:      cfg.Synthesizer,
		audioCache:       cfg.AudioCache,
		stories:          cfg.Stories,
		retryPolicy:      cfg.RetryPolicy,
		voice:            cfg.Voice,
		callTimeout:      cfg.CallTimeout,
		storyTimeout:     cfg.StoryTimeout,
		mediaConcurrency: cfg.MediaConcurrency,
		logger:           cfg.Logger,
	}
	if assembler.illustrator == nil {
		assembler.illustrator = genai.Unconfigured{}
	}
	if assembler.synthesizer == nil {
		assembler.synthesizer = genai.Unconfigured{}
	}
	if assembler.callTimeout <= 0 {
		assembler.callTimeout = defaultCallTimeout
	}
	if assembler.storyTimeout <= 0 {
		assembler.storyTimeout = defaultStoryTimeout
	}
	if assembler.mediaConcurrency <= 0 {
		assembler.mediaConcurrency = defaultMediaConcurrency
	}
	if assembler.logger == nil {
		assembler.logger = noOpLogger
	}
	return assembler, nil
}

type paragraphMedia struct {
	image        genai.Media
	audio        genai.Media
	imageWarning string
	audioWarning string
}

// Assemble generates and stores a story. Text generation failures are
// returned as *genai.Error and nothing is stored; a failed insert is returned
// as *PersistError.
func (a *Assembler) Assemble(ctx context.Context, request Request) (Outcome, error) {
	prompt := strings.TrimSpace(request.Prompt)
	if prompt == "" {
		return Outcome{}, fmt.Errorf("%w: prompt is required", ErrValidation)
	}
	level, err := NormalizeLevel(request.Level)
	if err != nil {
		return Outcome{}, err
	}

	generationCtx, cancel := context.WithTimeout(ctx, a.storyTimeout)
	defer cancel()

	generated, err := genai.WithRetry(generationCtx, a.retryPolicy, func(ctx context.Context) (genai.GeneratedStory, error) {
		callCtx, callCancel := context.WithTimeout(ctx, a.callTimeout)
		defer callCancel()
		return a.writer.WriteStory(callCtx, prompt, level)
	})
	if err != nil {
		a.logger.Warn("story text generation failed",
			zap.String("operation", opAssemble),
			zap.String("level", level),
			zap.Error(err))
		return Outcome{}, err
	}
	if len(generated.Paragraphs) == 0 {
		return Outcome{}, genai.NewError(genai.KindGenerationFailed, "Content generation failed", errEmptyStory)
	}

	fullText := generated.FullText()
	media := make([]paragraphMedia, len(generated.Paragraphs))

	var group errgroup.Group
	group.SetLimit(a.mediaConcurrency)
	for index, paragraph := range generated.Paragraphs {
		group.Go(func() error {
			media[index] = a.paragraphMedia(generationCtx, index, paragraph, fullText, request)
			return nil
		})
	}
	_ = group.Wait()

	draft := Draft{
		Prompt:     prompt,
		Level:      level,
		ImageStyle: request.ImageStyle,
		Title:      generated.Title,
		Paragraphs: make([]DraftParagraph, 0, len(generated.Paragraphs)),
		HasTTS:     request.GenerateAudio,
	}
	var warnings []string
	for index, paragraph := range generated.Paragraphs {
		result := media[index]
		draft.Paragraphs = append(draft.Paragraphs, DraftParagraph{
			Text:  paragraph,
			Image: result.image,
			Audio: result.audio,
		})
		if result.imageWarning != "" {
			draft.ImageErrors = append(draft.ImageErrors, result.imageWarning)
			warnings = append(warnings, result.imageWarning)
		}
		if result.audioWarning != "" {
			draft.AudioErrors = append(draft.AudioErrors, result.audioWarning)
			warnings = append(warnings, result.audioWarning)
		}
	}

	// The insert is not bound by the generation deadline.
	persistCtx, persistCancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer persistCancel()
	record, err := a.stories.Create(persistCtx, draft)
	if err != nil {
		a.logger.Error("story persistence failed",
			zap.String("operation", opAssemble),
			zap.Error(err))
		return Outcome{}, newPersistError(err)
	}

	a.logger.Info("story assembled",
		zap.String("story_id", record.ID),
		zap.Int("paragraphs", len(record.Paragraphs)),
		zap.Int("warnings", len(warnings)))
	return Outcome{Story: record, Warnings: warnings}, nil
}

// paragraphMedia produces the image and, when requested, the narration of
// one paragraph. Failures are returned as warnings.
func (a *Assembler) paragraphMedia(ctx context.Context, index int, paragraph, fullText string, request Request) paragraphMedia {
	var result paragraphMedia

	image, err := a.illustrate(ctx, paragraph, fullText, request)
	if err != nil {
		result.imageWarning = paragraphWarning(index, warningImageFailed, err)
		a.logWarning(index, result.imageWarning, err)
	} else {
		result.image = image
	}

	if !request.GenerateAudio {
		return result
	}

	audio, err := a.narrate(ctx, paragraph)
	if err != nil {
		result.audioWarning = paragraphWarning(index, warningAudioFailed, err)
		a.logWarning(index, result.audioWarning, err)
	} else {
		result.audio = audio
	}
	return result
}

func (a *Assembler) illustrate(ctx context.Context, paragraph, fullText string, request Request) (genai.Media, error) {
	if err := ctx.Err(); err != nil {
		return genai.Media{}, err
	}
	return genai.WithRetry(ctx, a.retryPolicy, func(ctx context.Context) (genai.Media, error) {
		callCtx, cancel := context.WithTimeout(ctx, a.callTimeout)
		defer cancel()
		media, err := a.illustrator.Illustrate(callCtx, genai.IllustrationRequest{
			Paragraph: paragraph,
			FullStory: fullText,
			Style:     request.ImageStyle,
		})
		if err == nil && media.Empty() {
			return genai.Media{}, genai.ErrNoImagePayload
		}
		return media, err
	})
}

func (a *Assembler) narrate(ctx context.Context, paragraph string) (genai.Media, error) {
	if err := ctx.Err(); err != nil {
		return genai.Media{}, err
	}
	generate := func(ctx context.Context) (genai.Media, error) {
		return genai.WithRetry(ctx, a.retryPolicy, func(ctx context.Context) (genai.Media, error) {
			callCtx, cancel := context.WithTimeout(ctx, a.callTimeout)
			defer cancel()
			media, err := a.synthesizer.Synthesize(callCtx, paragraph, a.voice)
			if err == nil && media.Empty() {
				return genai.Media{}, genai.ErrNoAudioPayload
			}
			return media, err
		})
	}

	if a.audioCache == nil {
		return generate(ctx)
	}
	cached, err := a.audioCache.ParagraphAudio(ctx, paragraph, generate)
	if err != nil {
		return genai.Media{}, err
	}
	return cached.Media, nil
}

func (a *Assembler) logWarning(index int, warning string, err error) {
	a.logger.Warn("paragraph media degraded",
		zap.String("operation", opParagraphMedia),
		zap.Int("paragraph", index+1),
		zap.String("warning", warning),
		zap.Error(err))
}

// paragraphWarning formats a 1-based warning for the paragraph at index.
func paragraphWarning(index int, what string, err error) string {
	return fmt.Sprintf("paragraph %d: %s: %s", index+1, what, genai.Classify(err).Message)
}
