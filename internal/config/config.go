// Package config loads LinguaChat settings from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	BackendGroq   = "groq"
	BackendOllama = "ollama"

	StoreMemory = "memory"
	StoreSQLite = "sqlite"
)

// DefaultLanguages are offered in the language selector
var DefaultLanguages = []string{"English", "Hindi", "Spanish", "French", "Japanese", "German"}

// ErrMissingAPIKey is returned by CredentialError when inference has no key
var ErrMissingAPIKey = errors.New("GROQ_API_KEY not found. Please set it in your .env file or secrets file")

// Config holds application configuration
type Config struct {
	Addr    string
	Backend string
	Model   string
	Debug   bool

	GroqAPIKey  string
	GroqBaseURL string
	OllamaURL   string
	SecretsFile string
	// SecretsErr records why the secrets file could not supply a key
	SecretsErr error

	ModelTimeout     time.Duration
	HistoryMaxTokens int

	Languages       []string
	DefaultLanguage string

	StoreBackend     string
	StoreMaxMessages int // 0 = unbounded

	// MaxConversations bounds browser conversations held by the server;
	// 0 = unbounded
	MaxConversations int

	LogDir    string
	LogLevel  string
	LogStdout bool
}

// Load reads configuration from environment variables, falling back to the
// TOML secrets file for the API key. An unreadable secrets file is not
// fatal; it surfaces through CredentialError. Callers apply overrides and
// then call Validate.
func Load() (*Config, error) {
	cfg := &Config{
		Addr:             getEnv("ADDR", ":8501"),
		Backend:          strings.ToLower(getEnv("BACKEND", BackendGroq)),
		Model:            getEnv("MODEL", ""),
		Debug:            getEnvBool("DEBUG", false),
		GroqAPIKey:       strings.TrimSpace(getEnv("GROQ_API_KEY", "")),
		GroqBaseURL:      getEnv("GROQ_BASE_URL", ""),
		OllamaURL:        getEnv("OLLAMA_URL", ""),
		SecretsFile:      getEnv("SECRETS_FILE", ".streamlit/secrets.toml"),
		ModelTimeout:     getEnvDuration("MODEL_TIMEOUT", 60*time.Second),
		HistoryMaxTokens: getEnvInt("HISTORY_MAX_TOKENS", 200),
		Languages:        getEnvList("LANGUAGES", DefaultLanguages),
		DefaultLanguage:  getEnv("DEFAULT_LANGUAGE", "English"),
		StoreBackend:     strings.ToLower(getEnv("STORE_BACKEND", StoreMemory)),
		StoreMaxMessages: getEnvInt("STORE_MAX_MESSAGES", 0),
		MaxConversations: getEnvInt("MAX_CONVERSATIONS", 0),
		LogDir:           getEnv("LOG_DIR", "logs"),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		LogStdout:        getEnvBool("LOG_STDOUT", true),
	}

	if cfg.GroqAPIKey == "" && cfg.SecretsFile != "" {
		cfg.GroqAPIKey, cfg.SecretsErr = loadSecret(cfg.SecretsFile, "GROQ_API_KEY")
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
// A missing API key is not a validation failure; see CredentialError.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("ADDR cannot be empty")
	}
	switch c.Backend {
	case BackendGroq, BackendOllama:
	default:
		return fmt.Errorf("unknown backend: %s (groq|ollama)", c.Backend)
	}
	switch c.StoreBackend {
	case StoreMemory, StoreSQLite:
	default:
		return fmt.Errorf("unknown store backend: %s (memory|sqlite)", c.StoreBackend)
	}
	if len(c.Languages) == 0 {
		return fmt.Errorf("LANGUAGES cannot be empty")
	}
	if !slices.Contains(c.Languages, c.DefaultLanguage) {
		return fmt.Errorf("DEFAULT_LANGUAGE %q is not one of LANGUAGES", c.DefaultLanguage)
	}
	if c.HistoryMaxTokens <= 0 {
		return fmt.Errorf("HISTORY_MAX_TOKENS must be > 0")
	}
	if c.MaxConversations < 0 {
		return fmt.Errorf("MAX_CONVERSATIONS must be >= 0")
	}
	if c.StoreMaxMessages < 0 {
		return fmt.Errorf("STORE_MAX_MESSAGES must be >= 0")
	}
	if c.ModelTimeout <= 0 {
		return fmt.Errorf("MODEL_TIMEOUT must be > 0")
	}
	return nil
}

// CredentialError reports why inference is unavailable, or nil
func (c *Config) CredentialError() error {
	if c.Backend == BackendGroq && c.GroqAPIKey == "" {
		if c.SecretsErr != nil {
			return fmt.Errorf("%w: %w", ErrMissingAPIKey, c.SecretsErr)
		}
		return ErrMissingAPIKey
	}
	return nil
}

// loadSecret reads key from a Streamlit-style secrets.toml. A missing file
// yields an empty value.
func loadSecret(path, key string) (string, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return "", nil
	}

	var secrets map[string]any
	if _, err := toml.DecodeFile(path, &secrets); err != nil {
		return "", fmt.Errorf("failed to read secrets file %s: %w", path, err)
	}

	value, ok := secrets[key]
	if !ok {
		return "", nil
	}
	s, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("secret %s in %s must be a string", key, path)
	}
	return strings.TrimSpace(s), nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(value) == "" {
		return slices.Clone(fallback)
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" && !slices.Contains(out, item) {
			out = append(out, item)
		}
	}
	return out
}
