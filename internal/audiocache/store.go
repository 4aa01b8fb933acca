// Package audiocache stores generated narration so that each distinct text is
// synthesized at most once. Paragraph audio and word audio live in separate
// namespaces.
package audiocache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/lectio-app/lectio/internal/genai"
	"github.com/lectio-app/lectio/internal/reading"
)

var (
	// ErrCacheMiss indicates that no audio is cached for the key.
	ErrCacheMiss = errors.New("audiocache: not cached")
	// ErrEmptyKey indicates an empty text or word.
	ErrEmptyKey = errors.New("audiocache: empty key")

	errMissingDatabase  = errors.New("database handle is required")
	errMissingGenerator = errors.New("generator is required")
	noOpLogger          = zap.NewNop()
)

const (
	namespaceParagraph = "paragraph"
	namespaceWord      = "word"

	opStoreNew       = "audiocache.store.new"
	opParagraphAudio = "audiocache.paragraph_audio"
	opWordAudio      = "audiocache.word_audio"
	opLookupWord     = "audiocache.lookup_word"

	defaultGenerateTimeout = 5 * time.Minute
)

// ServiceError describes a failure with a dotted code.
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
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// Generator produces audio on a cache miss.
type Generator func(ctx context.Context) (genai.Media, error)

// Result is the outcome of a lookup-or-generate call.
type Result struct {
	Media  genai.Media
	Cached bool
}

// StoreConfig describes the dependencies of the cache store.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
	// GenerateTimeout bounds a miss. Generation runs detached from the
	// caller that started it.
	GenerateTimeout time.Duration
}

// Store is the content-addressed audio cache.
type Store struct {
	db              *gorm.DB
	clock           func() time.Time
	logger          *zap.Logger
	generateTimeout time.Duration
	flight          singleflight.Group
}

// NewStore validates dependencies and constructs a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opStoreNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	generateTimeout := cfg.GenerateTimeout
	if generateTimeout <= 0 {
		generateTimeout = defaultGenerateTimeout
	}
	return &Store{db: cfg.Database, clock: clock, logger: logger, generateTimeout: generateTimeout}, nil
}

// ParagraphAudio returns the cached narration of text, generating and storing
// it on a miss. Only generator failures are returned.
func (s *Store) ParagraphAudio(ctx context.Context, text string, generate Generator) (Result, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return Result{}, ErrEmptyKey
	}
	if generate == nil {
		return Result{}, newServiceError(opParagraphAudio, "missing_generator", errMissingGenerator)
	}
	textHash := HashText(trimmed)

	return s.do(ctx, namespaceParagraph, textHash, func(ctx context.Context) (Result, error) {
		var cached ParagraphAudio
		err := s.db.WithContext(ctx).Where("text_hash = ?", textHash).Take(&cached).Error
		switch {
		case err == nil:
			return Result{Media: genai.Media{MimeType: cached.MimeType, Data: cached.Data}, Cached: true}, nil
		case !errors.Is(err, gorm.ErrRecordNotFound):
			s.logError(opParagraphAudio, "lookup_failed", err, zap.String("text_hash", textHash))
		}

		media, err := generate(ctx)
		if err != nil {
			return Result{}, err
		}

		record := ParagraphAudio{
			TextHash:         textHash,
			Text:             trimmed,
			MimeType:         media.MimeType,
			Data:             media.Data,
			CreatedAtSeconds: s.clock().UTC().Unix(),
		}
		if err := s.insert(ctx, &record); err != nil {
			s.logError(opParagraphAudio, "insert_failed", err, zap.String("text_hash", textHash))
		}
		return Result{Media: media, Cached: false}, nil
	})
}

// WordAudio returns the cached pronunciation of word, generating and storing
// it on a miss. Only generator failures are returned.
func (s *Store) WordAudio(ctx context.Context, word string, generate Generator) (Result, error) {
	normalized := reading.NormalizeWord(word)
	if normalized == "" {
		return Result{}, ErrEmptyKey
	}
	if generate == nil {
		return Result{}, newServiceError(opWordAudio, "missing_generator", errMissingGenerator)
	}

	return s.do(ctx, namespaceWord, normalized, func(ctx context.Context) (Result, error) {
		media, err := s.lookupWord(ctx, normalized)
		switch {
		case err == nil:
			return Result{Media: media, Cached: true}, nil
		case !errors.Is(err, ErrCacheMiss):
			s.logError(opWordAudio, "lookup_failed", err, zap.String("word", normalized))
		}

		media, err = generate(ctx)
		if err != nil {
			return Result{}, err
		}

		record := WordAudio{
			Word:             normalized,
			MimeType:         media.MimeType,
			Data:             media.Data,
			CreatedAtSeconds: s.clock().UTC().Unix(),
		}
		if err := s.insert(ctx, &record); err != nil {
			s.logError(opWordAudio, "insert_failed", err, zap.String("word", normalized))
		}
		return Result{Media: media, Cached: false}, nil
	})
}

// LookupWord returns the cached pronunciation of word without generating.
func (s *Store) LookupWord(ctx context.Context, word string) (genai.Media, error) {
	normalized := reading.NormalizeWord(word)
	if normalized == "" {
		return genai.Media{}, ErrEmptyKey
	}
	media, err := s.lookupWord(ctx, normalized)
	if err != nil && !errors.Is(err, ErrCacheMiss) {
		s.logError(opLookupWord, "lookup_failed", err, zap.String("word", normalized))
		return genai.Media{}, newServiceError(opLookupWord, "lookup_failed", err)
	}
	return media, err
}

func (s *Store) lookupWord(ctx context.Context, normalized string) (genai.Media, error) {
	var cached WordAudio
	err := s.db.WithContext(ctx).Where("word = ?", normalized).Take(&cached).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return genai.Media{}, ErrCacheMiss
	}
	if err != nil {
		return genai.Media{}, err
	}
	return genai.Media{MimeType: cached.MimeType, Data: cached.Data}, nil
}

// insert keeps the first stored row when a concurrent writer won the race.
func (s *Store) insert(ctx context.Context, record any) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(record).Error
}

// do runs load once per key across concurrent callers. Each caller stops
// waiting when its own context ends.
func (s *Store) do(ctx context.Context, namespace, key string, load func(context.Context) (Result, error)) (Result, error) {
	results := s.flight.DoChan(namespace+":"+key, func() (any, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.generateTimeout)
		defer cancel()
		return load(loadCtx)
	})
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case outcome := <-results:
		if outcome.Err != nil {
			return Result{}, outcome.Err
		}
		return outcome.Val.(Result), nil
	}
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Warn("audio cache degraded", attrs...)
}
