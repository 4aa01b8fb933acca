package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/lectio-app/lectio/internal/audiocache"
	"github.com/lectio-app/lectio/internal/genai"
)

const (
	speechTypeParagraph = "paragraph"
	speechTypeWord      = "word"
)

type audioResponse struct {
	Audio  genai.Media `json:"audio"`
	Cached bool        `json:"cached"`
}

type wordAudioRequest struct {
	Word string `json:"word"`
}

type textToSpeechRequest struct {
	Text           string `json:"text"`
	Type           string `json:"type"`
	StoryID        string `json:"storyId"`
	ParagraphIndex *int   `json:"paragraphIndex"`
}

func (h *httpHandler) handleLookupWordAudio(c *gin.Context) {
	media, err := h.audioCache.LookupWord(c.Request.Context(), c.Query("word"))
	if errors.Is(err, audiocache.ErrCacheMiss) {
		h.respondNotFound(c, err)
		return
	}
	if err != nil {
		h.respondError(c, "word_audio.lookup", err)
		return
	}
	c.JSON(http.StatusOK, audioResponse{Audio: media, Cached: true})
}

func (h *httpHandler) handleWordAudio(c *gin.Context) {
	var request wordAudioRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		h.respondError(c, "word_audio.generate", fmt.Errorf("%w: %v", errInvalidRequest, err))
		return
	}

	result, err := h.audioCache.WordAudio(c.Request.Context(), request.Word, h.speechGenerator(request.Word, h.wordVoice))
	if err != nil {
		h.respondError(c, "word_audio.generate", err)
		return
	}
	c.JSON(http.StatusOK, audioResponse{Audio: result.Media, Cached: result.Cached})
}

// handleTextToSpeech narrates a paragraph or a word through the audio cache.
// Paragraph narration is also stored on the story paragraph when one is
// named; that write is best-effort.
func (h *httpHandler) handleTextToSpeech(c *gin.Context) {
	var request textToSpeechRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		h.respondError(c, "tts", fmt.Errorf("%w: %v", errInvalidRequest, err))
		return
	}
	ctx := c.Request.Context()
	speechType := strings.ToLower(strings.TrimSpace(request.Type))
	if speechType == "" {
		speechType = speechTypeParagraph
	}

	var (
		result audiocache.Result
		err    error
	)
	switch speechType {
	case speechTypeWord:
		result, err = h.audioCache.WordAudio(ctx, request.Text, h.speechGenerator(request.Text, h.wordVoice))
	case speechTypeParagraph:
		result, err = h.audioCache.ParagraphAudio(ctx, request.Text, h.speechGenerator(request.Text, h.paragraphVoice))
	default:
		err = fmt.Errorf("%w: type must be %q or %q", errInvalidRequest, speechTypeParagraph, speechTypeWord)
	}
	if err != nil {
		h.respondError(c, "tts", err)
		return
	}

	if request.StoryID != "" && request.ParagraphIndex != nil && speechType == speechTypeParagraph {
		if attachErr := h.stories.AttachParagraphAudio(ctx, request.StoryID, *request.ParagraphIndex, result.Media); attachErr != nil {
			h.logger.Warn("paragraph audio not attached to story",
				zap.String("story_id", request.StoryID),
				zap.Int("paragraph_index", *request.ParagraphIndex),
				zap.Error(attachErr))
		}
	}
	c.JSON(http.StatusOK, audioResponse{Audio: result.Media, Cached: result.Cached})
}

func (h *httpHandler) speechGenerator(text string, voice genai.VoiceParams) audiocache.Generator {
	return func(ctx context.Context) (genai.Media, error) {
		return genai.WithRetry(ctx, h.retryPolicy, func(ctx context.Context) (genai.Media, error) {
			callCtx, cancel := context.WithTimeout(ctx, h.callTimeout)
			defer cancel()
			media, err := h.synthesizer.Synthesize(callCtx, strings.TrimSpace(text), voice)
			if err == nil && media.Empty() {
				return genai.Media{}, genai.ErrNoAudioPayload
			}
			return media, err
		})
	}
}
