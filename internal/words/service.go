// Package words tracks per-word knowledge levels and the contextual
// definitions a learner collected for each word.
package words

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/lectio-app/lectio/internal/genai"
	"github.com/lectio-app/lectio/internal/reading"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

const defaultCallTimeout = 90 * time.Second

const (
	opServiceNew       = "words.service.new"
	opUpsertLevel      = "words.upsert_level"
	opAddDefinition    = "words.add_definition"
	opDefineInContext  = "words.define_in_context"
	opRemoveDefinition = "words.remove_definition"
	opAutoMaster       = "words.auto_master"
	opList             = "words.list"
	opGet              = "words.get"
	opImportLegacy     = "words.import_legacy"
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

// ServiceConfig describes the dependencies of the word store.
type ServiceConfig struct {
	Database    *gorm.DB
	Definer     genai.Definer
	RetryPolicy genai.RetryPolicy
	CallTimeout time.Duration
	Clock       func() time.Time
	Logger      *zap.Logger
}

// Service is the word knowledge store. Every mutation is a single atomic
// upsert or conditional update on disjoint rows.
type Service struct {
	db          *gorm.DB
	definer     genai.Definer
	retryPolicy genai.RetryPolicy
	callTimeout time.Duration
	clock       func() time.Time
	logger      *zap.Logger
}

// NewService validates dependencies and constructs the store.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}

	definer := cfg.Definer
	if definer == nil {
		definer = genai.Unconfigured{}
	}
	callTimeout := cfg.CallTimeout
	if callTimeout <= 0 {
		callTimeout = defaultCallTimeout
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
		db:          cfg.Database,
		definer:     definer,
		retryPolicy: cfg.RetryPolicy,
		callTimeout: callTimeout,
		clock:       clock,
		logger:      logger,
	}, nil
}

// UpsertLevel sets the level of word, creating the record when absent.
func (s *Service) UpsertLevel(ctx context.Context, rawWord string, rawLevel int) (Record, error) {
	word, err := NormalizeWord(rawWord)
	if err != nil {
		return Record{}, err
	}
	level, err := NewLevel(rawLevel)
	if err != nil {
		return Record{}, err
	}

	now := s.clock().UTC().Unix()
	row := Word{Word: word, Level: int(level), CreatedAtSeconds: now, UpdatedAtSeconds: now}
	if err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "word"}},
			DoUpdates: clause.AssignmentColumns([]string{"level", "updated_at_s"}),
		}).
		Create(&row).Error; err != nil {
		s.logError(opUpsertLevel, "upsert_failed", err, zap.String("word", word))
		return Record{}, newServiceError(opUpsertLevel, "upsert_failed", err)
	}

	return s.Get(ctx, word)
}

// AddDefinition appends entry to the definitions of word. A missing record is
// created at LevelNeverSeen; the level of an existing record is kept.
func (s *Service) AddDefinition(ctx context.Context, rawWord string, entry DefinitionEntry) (Record, error) {
	word, err := NormalizeWord(rawWord)
	if err != nil {
		return Record{}, err
	}
	payload, err := encodeEntry(entry)
	if err != nil {
		return Record{}, newServiceError(opAddDefinition, "encode_failed", err)
	}

	now := s.clock().UTC().Unix()
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := Word{Word: word, Level: int(LevelNeverSeen), CreatedAtSeconds: now, UpdatedAtSeconds: now}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "word"}},
			DoUpdates: clause.AssignmentColumns([]string{"updated_at_s"}),
		}).Create(&row).Error; err != nil {
			s.logError(opAddDefinition, "word_upsert_failed", err, zap.String("word", word))
			return newServiceError(opAddDefinition, "word_upsert_failed", err)
		}

		definition := WordDefinition{Word: word, EntryJSON: payload, CreatedAtSeconds: now}
		if err := tx.Create(&definition).Error; err != nil {
			s.logError(opAddDefinition, "definition_insert_failed", err, zap.String("word", word))
			return newServiceError(opAddDefinition, "definition_insert_failed", err)
		}
		return nil
	})
	if txErr != nil {
		return Record{}, txErr
	}

	return s.Get(ctx, word)
}

// DefineInContext locates the sentence of paragraph that contains word, asks
// the definer for a contextual gloss and appends it. Collaborator failures
// are returned as *genai.Error.
func (s *Service) DefineInContext(ctx context.Context, rawWord, paragraph string) (Record, error) {
	word, err := NormalizeWord(rawWord)
	if err != nil {
		return Record{}, err
	}
	if strings.TrimSpace(paragraph) == "" {
		return Record{}, fmt.Errorf("%w: paragraph is required", ErrValidation)
	}

	sentence := reading.LocateSentence(paragraph, word)
	gloss, err := genai.WithRetry(ctx, s.retryPolicy, func(ctx context.Context) (genai.ContextualDefinition, error) {
		callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
		defer cancel()
		return s.definer.Define(callCtx, word, sentence)
	})
	if err != nil {
		s.logError(opDefineInContext, "definer_failed", err, zap.String("word", word))
		return Record{}, err
	}

	return s.AddDefinition(ctx, word, DefinitionEntry{
		Sentence:    sentence,
		Translation: gloss.Translation,
		Definition:  gloss.Definition,
	})
}

// RemoveDefinition deletes every definition of word selected by matcher.
// Nothing matching, or an unknown word, is a no-op.
func (s *Service) RemoveDefinition(ctx context.Context, rawWord string, matcher DefinitionMatcher) (Record, error) {
	word, err := NormalizeWord(rawWord)
	if err != nil {
		return Record{}, err
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []WordDefinition
		if err := tx.Where("word = ?", word).Order("id ASC").Find(&rows).Error; err != nil {
			s.logError(opRemoveDefinition, "definitions_select_failed", err, zap.String("word", word))
			return newServiceError(opRemoveDefinition, "definitions_select_failed", err)
		}

		var matched []uint
		for _, row := range rows {
			if matcher.Matches(decodeEntry(row.EntryJSON)) {
				matched = append(matched, row.ID)
			}
		}
		if len(matched) == 0 {
			return nil
		}

		if err := tx.Where("id IN ?", matched).Delete(&WordDefinition{}).Error; err != nil {
			s.logError(opRemoveDefinition, "definitions_delete_failed", err, zap.String("word", word))
			return newServiceError(opRemoveDefinition, "definitions_delete_failed", err)
		}
		return tx.Model(&Word{}).Where("word = ?", word).
			Update("updated_at_s", s.clock().UTC().Unix()).Error
	})
	if txErr != nil {
		return Record{}, txErr
	}

	record, err := s.Get(ctx, word)
	if errors.Is(err, ErrWordNotFound) {
		return Record{Word: word, Level: LevelNeverSeen, Definitions: []DefinitionEntry{}}, nil
	}
	return record, err
}

// AutoMaster promotes every listed word at LevelNeverSeen to LevelMastered.
// Words without a record count as never seen and are created mastered; words
// above LevelNeverSeen are left untouched.
func (s *Service) AutoMaster(ctx context.Context, rawWords []string) ([]Record, error) {
	seen := make(map[string]struct{}, len(rawWords))
	targets := make([]string, 0, len(rawWords))
	for _, raw := range rawWords {
		word, err := NormalizeWord(raw)
		if err != nil {
			continue
		}
		if _, ok := seen[word]; ok {
			continue
		}
		seen[word] = struct{}{}
		targets = append(targets, word)
	}
	if len(targets) == 0 {
		return []Record{}, nil
	}

	now := s.clock().UTC().Unix()
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rows := make([]Word, 0, len(targets))
		for _, word := range targets {
			rows = append(rows, Word{Word: word, Level: int(LevelMastered), CreatedAtSeconds: now, UpdatedAtSeconds: now})
		}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error; err != nil {
			s.logError(opAutoMaster, "insert_failed", err, zap.Int("words", len(targets)))
			return newServiceError(opAutoMaster, "insert_failed", err)
		}

		if err := tx.Model(&Word{}).
			Where("word IN ? AND level = ?", targets, int(LevelNeverSeen)).
			Updates(map[string]any{"level": int(LevelMastered), "updated_at_s": now}).Error; err != nil {
			s.logError(opAutoMaster, "promote_failed", err, zap.Int("words", len(targets)))
			return newServiceError(opAutoMaster, "promote_failed", err)
		}
		return nil
	})
	if txErr != nil {
		return nil, txErr
	}

	return s.load(ctx, opAutoMaster, targets)
}

// List returns every record ordered by word.
func (s *Service) List(ctx context.Context) ([]Record, error) {
	return s.load(ctx, opList, nil)
}

// Get returns the record of word.
func (s *Service) Get(ctx context.Context, rawWord string) (Record, error) {
	word, err := NormalizeWord(rawWord)
	if err != nil {
		return Record{}, err
	}
	records, err := s.load(ctx, opGet, []string{word})
	if err != nil {
		return Record{}, err
	}
	if len(records) == 0 {
		return Record{}, ErrWordNotFound
	}
	return records[0], nil
}

// load reads the records of the given words, or of every word when filter is
// nil, with definitions upgraded to the structured shape.
func (s *Service) load(ctx context.Context, operation string, filter []string) ([]Record, error) {
	db := s.db.WithContext(ctx)

	wordQuery := db.Order("word ASC")
	definitionQuery := db.Order("id ASC")
	if filter != nil {
		wordQuery = wordQuery.Where("word IN ?", filter)
		definitionQuery = definitionQuery.Where("word IN ?", filter)
	}

	var rows []Word
	if err := wordQuery.Find(&rows).Error; err != nil {
		s.logError(operation, "words_select_failed", err)
		return nil, newServiceError(operation, "words_select_failed", err)
	}
	var definitions []WordDefinition
	if err := definitionQuery.Find(&definitions).Error; err != nil {
		s.logError(operation, "definitions_select_failed", err)
		return nil, newServiceError(operation, "definitions_select_failed", err)
	}

	byWord := make(map[string][]DefinitionEntry, len(rows))
	for _, definition := range definitions {
		byWord[definition.Word] = append(byWord[definition.Word], decodeEntry(definition.EntryJSON))
	}

	records := make([]Record, 0, len(rows))
	for _, row := range rows {
		record := newRecord(row)
		if entries, ok := byWord[row.Word]; ok {
			record.Definitions = entries
		}
		records = append(records, record)
	}
	return records, nil
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
	s.logger.Error("words service error", attrs...)
}
