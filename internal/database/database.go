// Package database opens the configured store and brings its schema up to
// date.
package database

import (
	"errors"
	"fmt"
	"strings"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/lectio-app/lectio/internal/audiocache"
	"github.com/lectio-app/lectio/internal/stories"
	"github.com/lectio-app/lectio/internal/words"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

var (
	errMissingPath   = errors.New("database path is required")
	errMissingDSN    = errors.New("database dsn is required")
	errUnknownDriver = errors.New("unsupported database driver")
)

// Config selects the store.
type Config struct {
	Driver string
	Path   string
	DSN    string
}

// Open connects to the configured store and performs schema migrations.
func Open(cfg Config, logger *zap.Logger) (*gorm.DB, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case DriverSQLite, "":
		return OpenSQLite(cfg.Path, logger)
	case DriverPostgres:
		return OpenPostgres(cfg.DSN, logger)
	default:
		return nil, fmt.Errorf("%w: %q", errUnknownDriver, cfg.Driver)
	}
}

// OpenSQLite establishes a SQLite connection and performs schema migrations.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errMissingPath
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := Migrate(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("driver", DriverSQLite), zap.String("path", path))
	}
	return db, nil
}

// OpenPostgres establishes a PostgreSQL connection and performs schema
// migrations.
func OpenPostgres(dsn string, logger *zap.Logger) (*gorm.DB, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errMissingDSN
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	if err := Migrate(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("driver", DriverPostgres))
	}
	return db, nil
}

// Migrate creates the tables of every store and applies the named data
// migrations once.
func Migrate(db *gorm.DB, logger *zap.Logger) error {
	models := []any{&migrationRecord{}}
	models = append(models, words.Models()...)
	models = append(models, stories.Models()...)
	models = append(models, audiocache.Models()...)
	if err := db.AutoMigrate(models...); err != nil {
		return err
	}
	return applyMigrations(db, logger)
}

// Close releases the connection pool behind db.
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
