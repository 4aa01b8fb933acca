package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/lectio-app/lectio/internal/reading"
	"github.com/lectio-app/lectio/internal/words"
)

var errInvalidRequest = errors.New("invalid request")

type upsertWordRequest struct {
	Word  string `json:"word"`
	Level *int   `json:"level"`
}

type autoMasterRequest struct {
	Words     []string `json:"words"`
	Paragraph string   `json:"paragraph"`
}

type addDefinitionRequest struct {
	Word      string `json:"word"`
	Paragraph string `json:"paragraph"`
}

type removeDefinitionRequest struct {
	Word        string  `json:"word"`
	Sentence    *string `json:"sentence"`
	Translation *string `json:"translation"`
	Definition  *string `json:"definition"`
}

func (h *httpHandler) handleListWords(c *gin.Context) {
	records, err := h.words.List(c.Request.Context())
	if err != nil {
		h.respondError(c, "words.list", err)
		return
	}
	c.JSON(http.StatusOK, records)
}

func (h *httpHandler) handleUpsertWord(c *gin.Context) {
	var request upsertWordRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		h.respondError(c, "words.upsert", fmt.Errorf("%w: %v", errInvalidRequest, err))
		return
	}
	if request.Level == nil {
		h.respondError(c, "words.upsert", fmt.Errorf("%w: level is required", errInvalidRequest))
		return
	}

	record, err := h.words.UpsertLevel(c.Request.Context(), request.Word, *request.Level)
	if err != nil {
		h.respondError(c, "words.upsert", err)
		return
	}
	h.publishWords(record.Word)
	c.JSON(http.StatusOK, record)
}

// handleAutoMaster promotes the listed words, or the tokens of a finished
// paragraph, from never seen to mastered.
func (h *httpHandler) handleAutoMaster(c *gin.Context) {
	var request autoMasterRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		h.respondError(c, "words.auto_master", fmt.Errorf("%w: %v", errInvalidRequest, err))
		return
	}
	candidates := request.Words
	if len(candidates) == 0 && strings.TrimSpace(request.Paragraph) != "" {
		candidates = reading.Tokenize(request.Paragraph)
	}

	records, err := h.words.AutoMaster(c.Request.Context(), candidates)
	if err != nil {
		h.respondError(c, "words.auto_master", err)
		return
	}
	if len(records) > 0 {
		changed := make([]string, 0, len(records))
		for _, record := range records {
			changed = append(changed, record.Word)
		}
		h.publishWords(changed...)
	}
	c.JSON(http.StatusOK, records)
}

func (h *httpHandler) handleAddDefinition(c *gin.Context) {
	var request addDefinitionRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		h.respondError(c, "definitions.add", fmt.Errorf("%w: %v", errInvalidRequest, err))
		return
	}

	record, err := h.words.DefineInContext(c.Request.Context(), request.Word, request.Paragraph)
	if err != nil {
		h.respondError(c, "definitions.add", err)
		return
	}
	h.publishWords(record.Word)
	c.JSON(http.StatusOK, record)
}

func (h *httpHandler) handleRemoveDefinition(c *gin.Context) {
	var request removeDefinitionRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		h.respondError(c, "definitions.remove", fmt.Errorf("%w: %v", errInvalidRequest, err))
		return
	}
	if request.Sentence == nil {
		h.respondError(c, "definitions.remove", fmt.Errorf("%w: sentence is required", errInvalidRequest))
		return
	}

	record, err := h.words.RemoveDefinition(c.Request.Context(), request.Word, words.DefinitionMatcher{
		Sentence:    request.Sentence,
		Translation: request.Translation,
		Definition:  request.Definition,
	})
	if err != nil {
		h.respondError(c, "definitions.remove", err)
		return
	}
	h.publishWords(record.Word)
	c.JSON(http.StatusOK, record)
}

func (h *httpHandler) publishWords(changed ...string) {
	h.publish(RealtimeMessage{EventType: RealtimeEventWordsChanged, Words: changed})
}
