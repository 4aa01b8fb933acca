// Package stories persists generated stories and assembles new ones from the
// generative collaborators.
package stories

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/lectio-app/lectio/internal/genai"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errEmptyStory        = errors.New("story has no paragraphs")
	noOpLogger           = zap.NewNop()
)

const (
	// DefaultListLimit is the number of stories returned by List when no
	// positive limit is given.
	DefaultListLimit = 20

	opServiceNew       = "stories.service.new"
	opCreate           = "stories.create"
	opGet              = "stories.get"
	opList             = "stories.list"
	opDelete           = "stories.delete"
	opAttachAudio      = "stories.attach_paragraph_audio"
	opAssemble         = "stories.assemble"
	opAssemblerNew     = "stories.assembler.new"
	opParagraphMedia   = "stories.paragraph_media"
	warningImageFailed = "image generation failed"
	warningAudioFailed = "audio generation failed"
)

// ServiceError describes a storage failure with a dotted code.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// ServiceConfig describes the dependencies of the story store.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Service stores stories. A story is inserted once, may later receive
// paragraph audio, and is deleted wholesale.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewService validates dependencies and constructs the store.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// Create inserts the story and its paragraphs in one transaction.
func (s *Service) Create(ctx context.Context, draft Draft) (Record, error) {
	level, err := NormalizeLevel(draft.Level)
	if err != nil {
		return Record{}, err
	}
	if len(draft.Paragraphs) == 0 {
		return Record{}, newServiceError(opCreate, "empty_story", errEmptyStory)
	}

	id, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreate, "id_generation_failed", err)
		return Record{}, newServiceError(opCreate, "id_generation_failed", err)
	}

	title := strings.TrimSpace(draft.Title)
	if title == "" {
		title = DefaultTitle
	}

	story := Story{
		ID:               id,
		Prompt:           draft.Prompt,
		Level:            level,
		ImageStyle:       strings.TrimSpace(draft.ImageStyle),
		Title:            title,
		FullText:         draft.FullText(),
		ImageErrors:      draft.ImageErrors,
		AudioErrors:      draft.AudioErrors,
		HasTTS:           draft.HasTTS,
		CreatedAtSeconds: s.clock().UTC().Unix(),
	}
	paragraphs := make([]Paragraph, 0, len(draft.Paragraphs))
	for index, item := range draft.Paragraphs {
		paragraph := Paragraph{StoryID: id, ParagraphIndex: index, Text: item.Text}
		if !item.Image.Empty() {
			paragraph.ImageMimeType = item.Image.MimeType
			paragraph.ImageData = item.Image.Data
		}
		if !item.Audio.Empty() {
			paragraph.AudioMimeType = item.Audio.MimeType
			paragraph.AudioData = item.Audio.Data
		}
		paragraphs = append(paragraphs, paragraph)
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&story).Error; err != nil {
			s.logError(opCreate, "story_insert_failed", err, zap.String("story_id", id))
			return newServiceError(opCreate, "story_insert_failed", err)
		}
		if err := tx.Create(&paragraphs).Error; err != nil {
			s.logError(opCreate, "paragraphs_insert_failed", err, zap.String("story_id", id))
			return newServiceError(opCreate, "paragraphs_insert_failed", err)
		}
		return nil
	})
	if txErr != nil {
		return Record{}, txErr
	}

	return newRecord(story, paragraphs), nil
}

// Get returns the story with its paragraphs in index order.
func (s *Service) Get(ctx context.Context, id string) (Record, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Record{}, ErrStoryNotFound
	}

	db := s.db.WithContext(ctx)
	var story Story
	err := db.Where("id = ?", id).Take(&story).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Record{}, ErrStoryNotFound
	}
	if err != nil {
		s.logError(opGet, "story_select_failed", err, zap.String("story_id", id))
		return Record{}, newServiceError(opGet, "story_select_failed", err)
	}

	var paragraphs []Paragraph
	if err := db.Where("story_id = ?", id).Order("paragraph_index ASC").Find(&paragraphs).Error; err != nil {
		s.logError(opGet, "paragraphs_select_failed", err, zap.String("story_id", id))
		return Record{}, newServiceError(opGet, "paragraphs_select_failed", err)
	}

	return newRecord(story, paragraphs), nil
}

// List returns summaries of the newest stories first.
func (s *Service) List(ctx context.Context, limit int) ([]Summary, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	var rows []Story
	if err := s.db.WithContext(ctx).
		Select("id", "title", "level", "created_at_s").
		Order("created_at_s DESC").
		Order("id DESC").
		Limit(limit).
		Find(&rows).Error; err != nil {
		s.logError(opList, "query_failed", err)
		return nil, newServiceError(opList, "query_failed", err)
	}

	summaries := make([]Summary, 0, len(rows))
	for _, row := range rows {
		summaries = append(summaries, newSummary(row))
	}
	return summaries, nil
}

// Delete removes the story and its paragraphs.
func (s *Service) Delete(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return ErrStoryNotFound
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Where("id = ?", id).Delete(&Story{})
		if result.Error != nil {
			s.logError(opDelete, "story_delete_failed", result.Error, zap.String("story_id", id))
			return newServiceError(opDelete, "story_delete_failed", result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrStoryNotFound
		}
		if err := tx.Where("story_id = ?", id).Delete(&Paragraph{}).Error; err != nil {
			s.logError(opDelete, "paragraphs_delete_failed", err, zap.String("story_id", id))
			return newServiceError(opDelete, "paragraphs_delete_failed", err)
		}
		return nil
	})
}

// AttachParagraphAudio stores narration on one paragraph of a story.
func (s *Service) AttachParagraphAudio(ctx context.Context, id string, index int, media genai.Media) error {
	if media.Empty() {
		return fmt.Errorf("%w: audio payload is empty", ErrValidation)
	}

	result := s.db.WithContext(ctx).
		Model(&Paragraph{}).
		Where("story_id = ? AND paragraph_index = ?", strings.TrimSpace(id), index).
		Updates(map[string]any{
			"audio_mime_type": media.MimeType,
			"audio_data":      media.Data,
		})
	if result.Error != nil {
		s.logError(opAttachAudio, "update_failed", result.Error, zap.String("story_id", id), zap.Int("paragraph_index", index))
		return newServiceError(opAttachAudio, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrParagraphNotFound
	}
	return nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("stories service error", attrs...)
}

// PersistError reports that an assembled story could not be saved. It
// unwraps to a retryable DATABASE_ERROR.
type PersistError struct {
	classified *genai.Error
}

func newPersistError(cause error) *PersistError {
	return &PersistError{classified: genai.NewError(genai.KindDatabaseError, "Failed to save story", cause)}
}

func (e *PersistError) Error() string {
	return e.classified.Error()
}

func (e *PersistError) Unwrap() error {
	return e.classified
}
