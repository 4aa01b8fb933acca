package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/lectio-app/lectio/internal/stories"
)

type generateStoryRequest struct {
	Prompt      string `json:"prompt"`
	Level       string `json:"level"`
	ImageStyle  string `json:"imageStyle"`
	GenerateTTS bool   `json:"generateTTS"`
}

type generateStoryResponse struct {
	ID       string   `json:"id"`
	Warnings []string `json:"warnings,omitempty"`
}

func (h *httpHandler) handleGenerateStory(c *gin.Context) {
	var request generateStoryRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		h.respondError(c, "stories.generate", fmt.Errorf("%w: %v", errInvalidRequest, err))
		return
	}

	outcome, err := h.assembler.Assemble(c.Request.Context(), stories.Request{
		Prompt:        request.Prompt,
		Level:         request.Level,
		ImageStyle:    request.ImageStyle,
		GenerateAudio: request.GenerateTTS,
	})
	if err != nil {
		h.respondError(c, "stories.generate", err)
		return
	}

	h.publish(RealtimeMessage{EventType: RealtimeEventStoryCreated, StoryID: outcome.Story.ID})
	c.JSON(http.StatusCreated, generateStoryResponse{ID: outcome.Story.ID, Warnings: outcome.Warnings})
}

func (h *httpHandler) handleListStories(c *gin.Context) {
	limit := stories.DefaultListLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			h.respondError(c, "stories.list", fmt.Errorf("%w: limit must be a positive integer", errInvalidRequest))
			return
		}
		limit = parsed
	}

	summaries, err := h.stories.List(c.Request.Context(), limit)
	if err != nil {
		h.respondError(c, "stories.list", err)
		return
	}
	c.JSON(http.StatusOK, summaries)
}

func (h *httpHandler) handleGetStory(c *gin.Context) {
	record, err := h.stories.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, stories.ErrStoryNotFound) {
		h.respondNotFound(c, err)
		return
	}
	if err != nil {
		h.respondError(c, "stories.get", err)
		return
	}
	c.JSON(http.StatusOK, record)
}

func (h *httpHandler) handleDeleteStory(c *gin.Context) {
	id := c.Param("id")
	err := h.stories.Delete(c.Request.Context(), id)
	if errors.Is(err, stories.ErrStoryNotFound) {
		h.respondNotFound(c, err)
		return
	}
	if err != nil {
		h.respondError(c, "stories.delete", err)
		return
	}
	h.publish(RealtimeMessage{EventType: RealtimeEventStoryDeleted, StoryID: id})
	c.Status(http.StatusNoContent)
}
