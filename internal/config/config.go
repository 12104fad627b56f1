package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config is the full application configuration, loaded from config.yaml with
// environment variable overrides.
type Config struct {
	Database struct {
		// Path of the SQLite database file. Defaults under the user
		// config directory.
		Path string `mapstructure:"path"`
	} `mapstructure:"database"`

	Categorization struct {
		Provider string `mapstructure:"provider"` // "local", "openai", "gemini", "custom"
		Model    string `mapstructure:"model"`
		// BaseURL points the local/custom provider at an
		// OpenAI-compatible server.
		BaseURL      string `mapstructure:"base_url"`
		OpenAIAPIKey string `mapstructure:"openai_api_key"`
		GeminiAPIKey string `mapstructure:"gemini_api_key"`

		UseSubcategories    bool `mapstructure:"use_subcategories"`
		UseConsistencyHints bool `mapstructure:"use_consistency_hints"`

		UseWhitelist         bool     `mapstructure:"use_whitelist"`
		AllowedCategories    []string `mapstructure:"allowed_categories"`
		AllowedSubcategories []string `mapstructure:"allowed_subcategories"`

		Language      string `mapstructure:"language"`
		UserContext   string `mapstructure:"user_context"`
		PromptLogging bool   `mapstructure:"prompt_logging"`
	} `mapstructure:"categorization"`

	RateLimit struct {
		// StatePath of the persisted per-model limiter state file.
		StatePath string `mapstructure:"state_path"`
	} `mapstructure:"rate_limit"`

	Scan struct {
		IncludeDirectories bool `mapstructure:"include_directories"`
		IncludeHidden      bool `mapstructure:"include_hidden"`
	} `mapstructure:"scan"`

	Logging struct {
		Level string `mapstructure:"level"` // trace..panic, default "info"
	} `mapstructure:"logging"`
}

// LoadConfig reads config.yaml from the working directory or the user config
// directory, applies defaults, and binds the API key environment variables.
// A missing config file is fine; defaults and env vars carry the run.
func LoadConfig() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	if dir, err := os.UserConfigDir(); err == nil {
		viper.AddConfigPath(filepath.Join(dir, "filesort"))
	}

	viper.SetDefault("categorization.provider", "local")
	viper.SetDefault("categorization.use_subcategories", true)
	viper.SetDefault("categorization.use_consistency_hints", true)
	viper.SetDefault("categorization.language", "English")
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("database.path", defaultDataPath("filesort.db"))
	viper.SetDefault("rate_limit.state_path", defaultDataPath("ratelimit.state"))

	viper.AutomaticEnv()
	viper.BindEnv("categorization.openai_api_key", "OPENAI_API_KEY")
	viper.BindEnv("categorization.gemini_api_key", "GEMINI_API_KEY")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate catches configuration mistakes before any store or client is
// opened.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Categorization.Provider) {
	case "local", "openai", "gemini", "custom":
	default:
		return fmt.Errorf("unknown categorization provider %q", c.Categorization.Provider)
	}
	if strings.EqualFold(c.Categorization.Provider, "custom") && strings.TrimSpace(c.Categorization.BaseURL) == "" {
		return fmt.Errorf("categorization.base_url is required for the custom provider")
	}
	if c.Categorization.UseWhitelist && len(c.Categorization.AllowedCategories) == 0 {
		return fmt.Errorf("categorization.allowed_categories must not be empty when use_whitelist is set")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path must not be empty")
	}
	return nil
}

// APIKey returns the credential matching the configured provider. Empty for
// providers that need none.
func (c *Config) APIKey() string {
	switch strings.ToLower(c.Categorization.Provider) {
	case "openai":
		return c.Categorization.OpenAIAPIKey
	case "gemini":
		return c.Categorization.GeminiAPIKey
	}
	return ""
}

func defaultDataPath(name string) string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return name
	}
	return filepath.Join(dir, "filesort", name)
}
