package words

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// LegacyDocument is one word exported from the previous document store.
// Definitions may be raw strings or structured objects.
type LegacyDocument struct {
	Word        string            `json:"word"`
	Level       int               `json:"level"`
	Definitions []json.RawMessage `json:"definitions"`
	CreatedAt   *time.Time        `json:"createdAt,omitempty"`
	UpdatedAt   *time.Time        `json:"updatedAt,omitempty"`
}

// ImportResult summarizes an import.
type ImportResult struct {
	Words       int
	Definitions int
}

// ImportLegacy stores exported documents in one transaction. Levels of the
// documents win over stored levels; definitions are appended verbatim so that
// legacy strings keep their stored form and are upgraded on read.
func (s *Service) ImportLegacy(ctx context.Context, documents []LegacyDocument) (ImportResult, error) {
	type prepared struct {
		row         Word
		definitions []datatypes.JSON
	}

	batch := make([]prepared, 0, len(documents))
	for index, document := range documents {
		word, err := NormalizeWord(document.Word)
		if err != nil {
			return ImportResult{}, fmt.Errorf("document %d: %w", index, err)
		}
		level, err := NewLevel(document.Level)
		if err != nil {
			return ImportResult{}, fmt.Errorf("document %d (%s): %w", index, word, err)
		}

		now := s.clock().UTC()
		createdAt, updatedAt := now, now
		if document.CreatedAt != nil {
			createdAt = document.CreatedAt.UTC()
		}
		if document.UpdatedAt != nil {
			updatedAt = document.UpdatedAt.UTC()
		}

		item := prepared{row: Word{
			Word:             word,
			Level:            int(level),
			CreatedAtSeconds: createdAt.Unix(),
			UpdatedAtSeconds: updatedAt.Unix(),
		}}
		for _, raw := range document.Definitions {
			if !json.Valid(raw) {
				return ImportResult{}, fmt.Errorf("%w: document %d (%s) has an invalid definition", ErrValidation, index, word)
			}
			item.definitions = append(item.definitions, datatypes.JSON(raw))
		}
		batch = append(batch, item)
	}

	var result ImportResult
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, item := range batch {
			row := item.row
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "word"}},
				DoUpdates: clause.AssignmentColumns([]string{"level", "updated_at_s"}),
			}).Create(&row).Error; err != nil {
				s.logError(opImportLegacy, "word_upsert_failed", err, zap.String("word", row.Word))
				return newServiceError(opImportLegacy, "word_upsert_failed", err)
			}
			for _, payload := range item.definitions {
				definition := WordDefinition{Word: row.Word, EntryJSON: payload, CreatedAtSeconds: row.UpdatedAtSeconds}
				if err := tx.Create(&definition).Error; err != nil {
					s.logError(opImportLegacy, "definition_insert_failed", err, zap.String("word", row.Word))
					return newServiceError(opImportLegacy, "definition_insert_failed", err)
				}
				result.Definitions++
			}
			result.Words++
		}
		return nil
	})
	if txErr != nil {
		return ImportResult{}, txErr
	}

	s.logger.Info("legacy words imported",
		zap.Int("words", result.Words),
		zap.Int("definitions", result.Definitions))
	return result, nil
}
