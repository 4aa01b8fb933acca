// Package server exposes the reading library over HTTP.
package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/lectio-app/lectio/internal/audiocache"
	"github.com/lectio-app/lectio/internal/auth"
	"github.com/lectio-app/lectio/internal/genai"
	"github.com/lectio-app/lectio/internal/stories"
	"github.com/lectio-app/lectio/internal/words"
)

const userIDContextKey = "lectio_user_id"

const (
	defaultParagraphSpeakingRate = 1.0
	defaultWordSpeakingRate      = 0.8
)

var (
	errMissingWordsService = errors.New("words service dependency required")
	errMissingStoryService = errors.New("stories service dependency required")
	errMissingAssembler    = errors.New("story assembler dependency required")
	errMissingAudioCache   = errors.New("audio cache dependency required")
)

// SessionValidator authenticates requests. A nil validator leaves the API
// open.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// Dependencies lists the collaborators of the HTTP surface.
type Dependencies struct {
	Words             *words.Service
	Stories           *stories.Service
	Assembler         *stories.Assembler
	AudioCache        *audiocache.Store
	Synthesizer       genai.Synthesizer
	Voice             string
	ParagraphRate     float64
	WordRate          float64
	RetryPolicy       genai.RetryPolicy
	CallTimeout       time.Duration
	Sessions          SessionValidator
	Realtime          *RealtimeDispatcher
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Words == nil {
		return nil, errMissingWordsService
	}
	if deps.Stories == nil {
		return nil, errMissingStoryService
	}
	if deps.Assembler == nil {
		return nil, errMissingAssembler
	}
	if deps.AudioCache == nil {
		return nil, errMissingAudioCache
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	handler := &httpHandler{
		words:             deps.Words,
		stories:           deps.Stories,
		assembler:         deps.Assembler,
		audioCache:        deps.AudioCache,
		synthesizer:       deps.Synthesizer,
		paragraphVoice:    genai.VoiceParams{Voice: deps.Voice, SpeakingRate: deps.ParagraphRate},
		wordVoice:         genai.VoiceParams{Voice: deps.Voice, SpeakingRate: deps.WordRate},
		retryPolicy:       deps.RetryPolicy,
		callTimeout:       deps.CallTimeout,
		sessions:          deps.Sessions,
		realtime:          deps.Realtime,
		heartbeatInterval: deps.HeartbeatInterval,
		logger:            logger,
	}
	if handler.synthesizer == nil {
		handler.synthesizer = genai.Unconfigured{}
	}
	if handler.paragraphVoice.SpeakingRate <= 0 {
		handler.paragraphVoice.SpeakingRate = defaultParagraphSpeakingRate
	}
	if handler.wordVoice.SpeakingRate <= 0 {
		handler.wordVoice.SpeakingRate = defaultWordSpeakingRate
	}
	if handler.callTimeout <= 0 {
		handler.callTimeout = 90 * time.Second
	}
	if handler.realtime == nil {
		handler.realtime = NewRealtimeDispatcher()
	}
	if handler.heartbeatInterval <= 0 {
		handler.heartbeatInterval = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins...))

	router.GET("/healthz", handler.handleHealth)

	protected := router.Group("/")
	if handler.sessions != nil {
		protected.Use(handler.authorizeRequest)
	}

	protected.GET("/words", handler.handleListWords)
	protected.POST("/words", handler.handleUpsertWord)
	protected.POST("/words/auto-master", handler.handleAutoMaster)
	protected.POST("/definitions", handler.handleAddDefinition)
	protected.DELETE("/definitions", handler.handleRemoveDefinition)

	protected.GET("/word-audio", handler.handleLookupWordAudio)
	protected.POST("/word-audio", handler.handleWordAudio)
	protected.POST("/tts", handler.handleTextToSpeech)

	protected.POST("/generate-story", handler.handleGenerateStory)
	protected.GET("/stories", handler.handleListStories)
	protected.GET("/stories/:id", handler.handleGetStory)
	protected.DELETE("/stories/:id", handler.handleDeleteStory)

	protected.GET("/events", handler.handleEventStream)

	return router, nil
}

// corsMiddleware allows credentialed requests from the given origins. An
// empty list or "*" reflects any origin.
func corsMiddleware(allowedOrigins ...string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-TAuth-Tenant"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	origins := make([]string, 0, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		origin = strings.TrimSpace(origin)
		if origin == "" {
			continue
		}
		if origin == "*" {
			origins = nil
			break
		}
		origins = append(origins, origin)
	}
	if len(origins) == 0 {
		config.AllowOriginFunc = func(string) bool { return true }
	} else {
		config.AllowOrigins = origins
	}
	return cors.New(config)
}

type httpHandler struct {
	words             *words.Service
	stories           *stories.Service
	assembler         *stories.Assembler
	audioCache        *audiocache.Store
	synthesizer       genai.Synthesizer
	paragraphVoice    genai.VoiceParams
	wordVoice         genai.VoiceParams
	retryPolicy       genai.RetryPolicy
	callTimeout       time.Duration
	sessions          SessionValidator
	realtime          *RealtimeDispatcher
	heartbeatInterval time.Duration
	logger            *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		level := zap.WarnLevel
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			level = zap.InfoLevel
		}
		h.logger.Log(level, "token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, claims.UserID)
	c.Next()
}

type errorResponse struct {
	Error     string `json:"error"`
	Type      string `json:"type"`
	Retryable bool   `json:"retryable"`
}

const validationErrorType = "VALIDATION_ERROR"

// respondError maps a failure onto a status code and the {error,type,retryable}
// body.
func (h *httpHandler) respondError(c *gin.Context, operation string, err error) {
	if isValidationError(err) {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error(), Type: validationErrorType})
		return
	}

	var classified *genai.Error
	var wordsFailure *words.ServiceError
	var storiesFailure *stories.ServiceError
	var cacheFailure *audiocache.ServiceError
	switch {
	case errors.As(err, &classified):
	case errors.As(err, &wordsFailure), errors.As(err, &storiesFailure), errors.As(err, &cacheFailure):
		classified = genai.NewError(genai.KindDatabaseError, "Database error", err)
	default:
		classified = genai.Classify(err)
	}

	status := statusForKind(classified.Kind)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("operation", operation),
			zap.String("kind", classified.Kind.String()),
			zap.Error(err))
	} else {
		h.logger.Warn("request failed",
			zap.String("operation", operation),
			zap.String("kind", classified.Kind.String()),
			zap.Error(err))
	}
	c.JSON(status, errorResponse{
		Error:     classified.Message,
		Type:      classified.Kind.String(),
		Retryable: classified.Retryable,
	})
}

func isValidationError(err error) bool {
	return errors.Is(err, words.ErrValidation) ||
		errors.Is(err, stories.ErrValidation) ||
		errors.Is(err, audiocache.ErrEmptyKey) ||
		errors.Is(err, errInvalidRequest)
}

func statusForKind(kind genai.Kind) int {
	switch kind {
	case genai.KindBillingIssue:
		return http.StatusPaymentRequired
	case genai.KindRateLimit:
		return http.StatusTooManyRequests
	case genai.KindNetworkError, genai.KindGenerationFailed, genai.KindParsingError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *httpHandler) respondNotFound(c *gin.Context, err error) {
	c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
}
