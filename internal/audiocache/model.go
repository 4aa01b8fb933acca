package audiocache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// ParagraphAudio is a narration keyed by the hash of its trimmed text.
type ParagraphAudio struct {
	TextHash         string `gorm:"column:text_hash;primaryKey;size:64;not null"`
	Text             string `gorm:"column:text;type:text;not null"`
	MimeType         string `gorm:"column:mime_type;size:64;not null"`
	Data             []byte `gorm:"column:data;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName binds ParagraphAudio to paragraph_audio.
func (ParagraphAudio) TableName() string {
	return "paragraph_audio"
}

// WordAudio is a pronunciation keyed by the normalized word.
type WordAudio struct {
	Word             string `gorm:"column:word;primaryKey;size:190;not null"`
	MimeType         string `gorm:"column:mime_type;size:64;not null"`
	Data             []byte `gorm:"column:data;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName binds WordAudio to word_audio.
func (WordAudio) TableName() string {
	return "word_audio"
}

// Models lists the tables owned by the cache, for schema migration.
func Models() []any {
	return []any{&ParagraphAudio{}, &WordAudio{}}
}

// HashText returns the hex SHA-256 of the trimmed text. Texts differing only
// in surrounding whitespace share a hash.
func HashText(text string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(text)))
	return hex.EncodeToString(sum[:])
}
