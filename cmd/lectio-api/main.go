package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/lectio-app/lectio/internal/audiocache"
	"github.com/lectio-app/lectio/internal/auth"
	"github.com/lectio-app/lectio/internal/config"
	"github.com/lectio-app/lectio/internal/database"
	"github.com/lectio-app/lectio/internal/genai"
	"github.com/lectio-app/lectio/internal/genai/openai"
	"github.com/lectio-app/lectio/internal/logging"
	"github.com/lectio-app/lectio/internal/server"
	"github.com/lectio-app/lectio/internal/stories"
	"github.com/lectio-app/lectio/internal/words"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "lectio-api",
		Short: "Lectio reading library backend",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newImportWordsCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("database-dsn", "", "PostgreSQL DSN (overrides env)")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().String("openai-base-url", "", "OpenAI-compatible API base URL")
	cmd.PersistentFlags().String("language", defaults.GetString("generation.language"), "Language of generated stories and glosses")
	cmd.PersistentFlags().Int("media-concurrency", defaults.GetInt("generation.media_concurrency"), "Paragraphs illustrated in parallel")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "openai.base_url", "openai-base-url")
	bindFlag(cmd, "generation.language", "language")
	bindFlag(cmd, "generation.media_concurrency", "media-concurrency")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil && cfgFile != "" {
		return err
	}

	return nil
}

type application struct {
	config config.AppConfig
	logger *zap.Logger
	db     *gorm.DB
}

// openApplication loads configuration, builds the logger and opens the store.
// The returned cleanup closes them in reverse order.
func openApplication() (*application, func(), error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, nil, err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return nil, nil, err
	}

	db, err := database.Open(database.Config{
		Driver: appConfig.Database.Driver,
		Path:   appConfig.Database.Path,
		DSN:    appConfig.Database.DSN,
	}, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, nil, err
	}

	cleanup := func() {
		if err := database.Close(db); err != nil {
			logger.Warn("database close failed", zap.Error(err))
		}
		_ = logger.Sync()
	}
	return &application{config: appConfig, logger: logger, db: db}, cleanup, nil
}

// collaborators is the generative backend of the process.
type collaborators interface {
	genai.StoryWriter
	genai.Illustrator
	genai.Synthesizer
	genai.Definer
}

func newCollaborators(cfg config.OpenAIConfig, generation config.GenerationConfig, logger *zap.Logger) (collaborators, error) {
	if cfg.APIKey == "" {
		logger.Warn("openai.api_key is not set; generation requests will fail with API_KEY_MISSING")
		return genai.Unconfigured{}, nil
	}
	options := []openai.Option{
		openai.WithTimeout(generation.CallTimeout),
		openai.WithTextModel(cfg.TextModel),
		openai.WithImageModel(cfg.ImageModel),
		openai.WithSpeechModel(cfg.SpeechModel),
		openai.WithVoice(cfg.Voice),
		openai.WithLanguage(generation.Language),
	}
	if cfg.BaseURL != "" {
		options = append(options, openai.WithBaseURL(cfg.BaseURL))
	}
	provider, err := openai.New(cfg.APIKey, options...)
	if err != nil {
		return nil, err
	}
	return provider, nil
}

func runServer(ctx context.Context) error {
	app, cleanup, err := openApplication()
	if err != nil {
		return err
	}
	defer cleanup()
	appConfig, logger, db := app.config, app.logger, app.db

	generator, err := newCollaborators(appConfig.OpenAI, appConfig.Generation, logger)
	if err != nil {
		return err
	}

	retryPolicy := genai.RetryPolicy{
		MaxRetries: appConfig.Generation.MaxRetries,
		Delay:      appConfig.Generation.RetryDelay,
		OnRetry: func(attempt int, failure *genai.Error) {
			logger.Info("retrying generation call",
				zap.Int("attempt", attempt),
				zap.String("kind", failure.Kind.String()),
				zap.Error(failure))
		},
	}

	wordService, err := words.NewService(words.ServiceConfig{
		Database:    db,
		Definer:     generator,
		RetryPolicy: retryPolicy,
		CallTimeout: appConfig.Generation.CallTimeout,
		Clock:       time.Now,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	storyService, err := stories.NewService(stories.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: stories.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	audioCache, err := audiocache.NewStore(audiocache.StoreConfig{
		Database:        db,
		Clock:           time.Now,
		Logger:          logger,
		GenerateTimeout: appConfig.Generation.StoryTimeout,
	})
	if err != nil {
		return err
	}

	assembler, err := stories.NewAssembler(stories.AssemblerConfig{
		Writer:           generator,
		Illustrator:      generator,
		Synthesizer:      generator,
		AudioCache:       audioCache,
		Stories:          storyService,
		RetryPolicy:      retryPolicy,
		Voice:            genai.VoiceParams{Voice: appConfig.OpenAI.Voice, SpeakingRate: appConfig.Speech.ParagraphRate},
		CallTimeout:      appConfig.Generation.CallTimeout,
		StoryTimeout:     appConfig.Generation.StoryTimeout,
		MediaConcurrency: appConfig.Generation.MediaConcurrency,
		Logger:           logger,
	})
	if err != nil {
		return err
	}

	var sessions server.SessionValidator
	if appConfig.Auth.Enabled() {
		validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
			SigningSecret: []byte(appConfig.Auth.SigningSecret),
			Issuer:        appConfig.Auth.Issuer,
			CookieName:    appConfig.Auth.CookieName,
		})
		if err != nil {
			return err
		}
		sessions = validator
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Words:          wordService,
		Stories:        storyService,
		Assembler:      assembler,
		AudioCache:     audioCache,
		Synthesizer:    generator,
		Voice:          appConfig.OpenAI.Voice,
		ParagraphRate:  appConfig.Speech.ParagraphRate,
		WordRate:       appConfig.Speech.WordRate,
		RetryPolicy:    retryPolicy,
		CallTimeout:    appConfig.Generation.CallTimeout,
		Sessions:       sessions,
		Realtime:       server.NewRealtimeDispatcher(),
		AllowedOrigins: appConfig.AllowedOrigins,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("database_driver", appConfig.Database.Driver),
			zap.Bool("auth_enabled", appConfig.Auth.Enabled()))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		logger.Info("server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func newImportWordsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "import-words <file.json>",
		Short: "Import words exported from the previous document store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return importWords(cmd.Context(), args[0])
		},
	}
}

func importWords(ctx context.Context, path string) error {
	payload, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var documents []words.LegacyDocument
	if err := json.Unmarshal(payload, &documents); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}

	app, cleanup, err := openApplication()
	if err != nil {
		return err
	}
	defer cleanup()

	wordService, err := words.NewService(words.ServiceConfig{
		Database: app.db,
		Clock:    time.Now,
		Logger:   app.logger,
	})
	if err != nil {
		return err
	}

	result, err := wordService.ImportLegacy(ctx, documents)
	if err != nil {
		return err
	}
	fmt.Printf("imported %d words and %d definitions\n", result.Words, result.Definitions)
	return nil
}
