// Package config loads the runtime configuration of the API server.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                  = "LECTIO"
	defaultHTTPAddress         = "0.0.0.0:8080"
	defaultDatabaseDriver      = "sqlite"
	defaultDatabasePath        = "lectio.db"
	defaultLogLevel            = "info"
	defaultLogFormat           = "json"
	defaultTextModel           = "gpt-4o-mini"
	defaultImageModel          = "gpt-image-1"
	defaultSpeechModel         = "gpt-4o-mini-tts"
	defaultVoice               = "alloy"
	defaultLanguage            = "French"
	defaultCallTimeout         = 90 * time.Second
	defaultStoryTimeout        = 5 * time.Minute
	defaultMaxRetries          = 1
	defaultRetryDelay          = time.Second
	defaultMediaConcurrency    = 1
	defaultParagraphSpeechRate = 1.0
	defaultWordSpeechRate      = 0.8
	defaultSessionIssuer       = "tauth"
	defaultSessionCookieName   = "app_session"
	defaultAllowedOrigins      = "*"
	minSpeakingRate            = 0.25
	maxSpeakingRate            = 4.0
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress    string
	Database       DatabaseConfig
	LogLevel       string
	LogFormat      string
	OpenAI         OpenAIConfig
	Generation     GenerationConfig
	Speech         SpeechConfig
	Auth           AuthConfig
	AllowedOrigins []string
}

type DatabaseConfig struct {
	Driver string
	Path   string
	DSN    string
}

// OpenAIConfig configures the generative collaborators. An empty APIKey
// leaves them unconfigured.
type OpenAIConfig struct {
	APIKey      string
	BaseURL     string
	TextModel   string
	ImageModel  string
	SpeechModel string
	Voice       string
}

type GenerationConfig struct {
	Language         string
	CallTimeout      time.Duration
	StoryTimeout     time.Duration
	MaxRetries       int
	RetryDelay       time.Duration
	MediaConcurrency int
}

type SpeechConfig struct {
	ParagraphRate float64
	WordRate      float64
}

// AuthConfig enables session validation when SigningSecret is set.
type AuthConfig struct {
	SigningSecret string
	Issuer        string
	CookieName    string
}

// Enabled reports whether requests must carry a session token.
func (a AuthConfig) Enabled() bool {
	return strings.TrimSpace(a.SigningSecret) != ""
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("database.dsn", "")
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("openai.api_key", "")
	configViper.SetDefault("openai.base_url", "")
	configViper.SetDefault("openai.text_model", defaultTextModel)
	configViper.SetDefault("openai.image_model", defaultImageModel)
	configViper.SetDefault("openai.speech_model", defaultSpeechModel)
	configViper.SetDefault("openai.voice", defaultVoice)
	configViper.SetDefault("generation.language", defaultLanguage)
	configViper.SetDefault("generation.call_timeout", defaultCallTimeout)
	configViper.SetDefault("generation.story_timeout", defaultStoryTimeout)
	configViper.SetDefault("generation.max_retries", defaultMaxRetries)
	configViper.SetDefault("generation.retry_delay", defaultRetryDelay)
	configViper.SetDefault("generation.media_concurrency", defaultMediaConcurrency)
	configViper.SetDefault("speech.paragraph_rate", defaultParagraphSpeechRate)
	configViper.SetDefault("speech.word_rate", defaultWordSpeechRate)
	configViper.SetDefault("auth.signing_secret", "")
	configViper.SetDefault("auth.issuer", defaultSessionIssuer)
	configViper.SetDefault("auth.cookie_name", defaultSessionCookieName)
	configViper.SetDefault("cors.allowed_origins", defaultAllowedOrigins)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress: configViper.GetString("http.address"),
		Database: DatabaseConfig{
			Driver: strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
			Path:   configViper.GetString("database.path"),
			DSN:    configViper.GetString("database.dsn"),
		},
		LogLevel:  configViper.GetString("log.level"),
		LogFormat: configViper.GetString("log.format"),
		OpenAI: OpenAIConfig{
			APIKey:      strings.TrimSpace(configViper.GetString("openai.api_key")),
			BaseURL:     configViper.GetString("openai.base_url"),
			TextModel:   configViper.GetString("openai.text_model"),
			ImageModel:  configViper.GetString("openai.image_model"),
			SpeechModel: configViper.GetString("openai.speech_model"),
			Voice:       configViper.GetString("openai.voice"),
		},
		Generation: GenerationConfig{
			Language:         configViper.GetString("generation.language"),
			CallTimeout:      configViper.GetDuration("generation.call_timeout"),
			StoryTimeout:     configViper.GetDuration("generation.story_timeout"),
			MaxRetries:       configViper.GetInt("generation.max_retries"),
			RetryDelay:       configViper.GetDuration("generation.retry_delay"),
			MediaConcurrency: configViper.GetInt("generation.media_concurrency"),
		},
		Speech: SpeechConfig{
			ParagraphRate: configViper.GetFloat64("speech.paragraph_rate"),
			WordRate:      configViper.GetFloat64("speech.word_rate"),
		},
		Auth: AuthConfig{
			SigningSecret: configViper.GetString("auth.signing_secret"),
			Issuer:        configViper.GetString("auth.issuer"),
			CookieName:    configViper.GetString("auth.cookie_name"),
		},
		AllowedOrigins: splitList(configViper.GetString("cors.allowed_origins")),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.HTTPAddress) == "" {
		return fmt.Errorf("http.address is required")
	}
	switch c.Database.Driver {
	case "sqlite":
		if strings.TrimSpace(c.Database.Path) == "" {
			return fmt.Errorf("database.path is required")
		}
	case "postgres":
		if strings.TrimSpace(c.Database.DSN) == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.Database.Driver)
	}
	if c.Generation.CallTimeout <= 0 {
		return fmt.Errorf("generation.call_timeout must be positive")
	}
	if c.Generation.StoryTimeout < c.Generation.CallTimeout {
		return fmt.Errorf("generation.story_timeout must be at least generation.call_timeout")
	}
	if c.Generation.MaxRetries < 0 {
		return fmt.Errorf("generation.max_retries must not be negative")
	}
	if c.Generation.RetryDelay < 0 {
		return fmt.Errorf("generation.retry_delay must not be negative")
	}
	if c.Generation.MediaConcurrency < 1 {
		return fmt.Errorf("generation.media_concurrency must be at least 1")
	}
	for key, rate := range map[string]float64{"speech.paragraph_rate": c.Speech.ParagraphRate, "speech.word_rate": c.Speech.WordRate} {
		if rate < minSpeakingRate || rate > maxSpeakingRate {
			return fmt.Errorf("%s must be between %.2f and %.2f", key, minSpeakingRate, maxSpeakingRate)
		}
	}
	if c.Auth.Enabled() && strings.TrimSpace(c.Auth.CookieName) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	return nil
}

func splitList(raw string) []string {
	var values []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			values = append(values, trimmed)
		}
	}
	return values
}
