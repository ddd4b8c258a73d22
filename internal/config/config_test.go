package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var envKeys = []string{
	"ADDR", "BACKEND", "MODEL", "DEBUG", "GROQ_API_KEY", "GROQ_BASE_URL", "OLLAMA_URL",
	"SECRETS_FILE", "MODEL_TIMEOUT", "HISTORY_MAX_TOKENS", "LANGUAGES", "DEFAULT_LANGUAGE",
	"STORE_BACKEND", "STORE_MAX_MESSAGES", "MAX_CONVERSATIONS", "LOG_DIR", "LOG_LEVEL", "LOG_STDOUT",
}

// clearEnv unsets every key Load reads; t.Setenv restores them afterwards.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range envKeys {
		t.Setenv(key, "")
		require.NoError(t, os.Unsetenv(key))
	}
	t.Setenv("SECRETS_FILE", filepath.Join(t.TempDir(), "absent.toml"))
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8501", cfg.Addr)
	assert.Equal(t, BackendGroq, cfg.Backend)
	assert.Equal(t, DefaultLanguages, cfg.Languages)
	assert.Equal(t, "English", cfg.DefaultLanguage)
	assert.Equal(t, 200, cfg.HistoryMaxTokens)
	assert.Equal(t, StoreMemory, cfg.StoreBackend)
	assert.Equal(t, 0, cfg.StoreMaxMessages)
	assert.Equal(t, 60*time.Second, cfg.ModelTimeout)
	assert.ErrorIs(t, cfg.CredentialError(), ErrMissingAPIKey)
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("GROQ_API_KEY", " gsk_test ")
	t.Setenv("LANGUAGES", "English, Korean ,English,,Italian")
	t.Setenv("DEFAULT_LANGUAGE", "Korean")
	t.Setenv("STORE_BACKEND", "SQLite")
	t.Setenv("HISTORY_MAX_TOKENS", "512")
	t.Setenv("MODEL_TIMEOUT", "5s")
	t.Setenv("LOG_STDOUT", "off")
	t.Setenv("MAX_CONVERSATIONS", "100")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "gsk_test", cfg.GroqAPIKey)
	assert.NoError(t, cfg.CredentialError())
	assert.Equal(t, []string{"English", "Korean", "Italian"}, cfg.Languages)
	assert.Equal(t, "Korean", cfg.DefaultLanguage)
	assert.Equal(t, StoreSQLite, cfg.StoreBackend)
	assert.Equal(t, 512, cfg.HistoryMaxTokens)
	assert.Equal(t, 5*time.Second, cfg.ModelTimeout)
	assert.False(t, cfg.LogStdout)
	assert.Equal(t, 100, cfg.MaxConversations)
}

func TestLoad_MalformedNumbersFallBack(t *testing.T) {
	clearEnv(t)
	t.Setenv("HISTORY_MAX_TOKENS", "lots")
	t.Setenv("MODEL_TIMEOUT", "soon")
	t.Setenv("DEBUG", "maybe")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 200, cfg.HistoryMaxTokens)
	assert.Equal(t, 60*time.Second, cfg.ModelTimeout)
	assert.False(t, cfg.Debug)
}

func TestLoad_SecretsFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "secrets.toml")
	require.NoError(t, os.WriteFile(path, []byte("GROQ_API_KEY = \"gsk_from_file\"\n"), 0o600))
	t.Setenv("SECRETS_FILE", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "gsk_from_file", cfg.GroqAPIKey)

	t.Run("environment wins", func(t *testing.T) {
		t.Setenv("GROQ_API_KEY", "gsk_env")
		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, "gsk_env", cfg.GroqAPIKey)
	})
}

func TestLoad_SecretsFileErrorsDisableInference(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"malformed", "GROQ_API_KEY = \n", "failed to read secrets file"},
		{"wrong type", "GROQ_API_KEY = 42\n", "must be a string"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			path := filepath.Join(dir, tt.name+".toml")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o600))
			t.Setenv("SECRETS_FILE", path)

			cfg, err := Load()
			require.NoError(t, err)
			require.NoError(t, cfg.Validate())
			assert.Empty(t, cfg.GroqAPIKey)

			credErr := cfg.CredentialError()
			assert.ErrorIs(t, credErr, ErrMissingAPIKey)
			assert.ErrorContains(t, credErr, tt.want)
		})
	}
}

func TestLoad_SecretsFileIgnoredForOllama(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("GROQ_API_KEY = \n"), 0o600))
	t.Setenv("SECRETS_FILE", path)
	t.Setenv("BACKEND", BackendOllama)

	cfg, err := Load()
	require.NoError(t, err)
	assert.NoError(t, cfg.CredentialError())
}

func TestLoad_DefersValidation(t *testing.T) {
	clearEnv(t)
	t.Setenv("BACKEND", "bogus")
	t.Setenv("STORE_BACKEND", "bogus")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Error(t, cfg.Validate())

	// a command-line override can still repair it
	cfg.Backend = BackendOllama
	cfg.StoreBackend = StoreMemory
	assert.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Addr:             ":8501",
			Backend:          BackendGroq,
			StoreBackend:     StoreMemory,
			Languages:        DefaultLanguages,
			DefaultLanguage:  "English",
			HistoryMaxTokens: 200,
			ModelTimeout:     time.Second,
		}
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty addr", func(c *Config) { c.Addr = "" }},
		{"unknown backend", func(c *Config) { c.Backend = "anthropic" }},
		{"unknown store", func(c *Config) { c.StoreBackend = "redis" }},
		{"no languages", func(c *Config) { c.Languages = nil }},
		{"default not offered", func(c *Config) { c.DefaultLanguage = "Klingon" }},
		{"zero budget", func(c *Config) { c.HistoryMaxTokens = 0 }},
		{"negative bound", func(c *Config) { c.StoreMaxMessages = -1 }},
		{"zero timeout", func(c *Config) { c.ModelTimeout = 0 }},
		{"negative conversations", func(c *Config) { c.MaxConversations = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestCredentialError_OllamaNeedsNoKey(t *testing.T) {
	cfg := &Config{Backend: BackendOllama}
	assert.NoError(t, cfg.CredentialError())
}
