// Package config provides application configuration management with
// multi-source priority.
//
// Configuration sources (highest to lowest priority):
//  1. Environment variables (LINKLOOM_* prefix, runtime override)
//  2. Config file (~/.linkloom/config.yaml)
//  3. Default values
//
// Sensitive values (database password, API keys, trigger secret) are never
// logged and are masked in MarshalJSON.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

var (
	// ErrConfigNil indicates the configuration is nil.
	ErrConfigNil = errors.New("configuration is nil")

	// ErrMissingAPIKey indicates the embedding API key is missing.
	ErrMissingAPIKey = errors.New("missing OpenAI API key")

	// ErrMissingSiteSecret indicates the HTTP trigger secret is not set.
	ErrMissingSiteSecret = errors.New("missing site secret")

	// ErrInvalidPostgresHost indicates the PostgreSQL host is invalid.
	ErrInvalidPostgresHost = errors.New("invalid PostgreSQL host")

	// ErrInvalidPostgresPort indicates the PostgreSQL port is out of range.
	ErrInvalidPostgresPort = errors.New("invalid PostgreSQL port")

	// ErrInvalidPostgresDBName indicates the PostgreSQL database name is invalid.
	ErrInvalidPostgresDBName = errors.New("invalid PostgreSQL database name")

	// ErrInvalidPostgresSSLMode indicates the PostgreSQL SSL mode is invalid.
	ErrInvalidPostgresSSLMode = errors.New("invalid PostgreSQL SSL mode")

	// ErrInvalidThreshold indicates a similarity threshold outside [0, 1].
	ErrInvalidThreshold = errors.New("invalid match threshold")

	// ErrInvalidChunkBounds indicates inconsistent chunk length bounds.
	ErrInvalidChunkBounds = errors.New("invalid chunk length bounds")
)

// Defaults for the matching pipeline. The refresh pass uses a looser
// threshold and a deeper candidate list than the one-shot pre-map pass so the
// reconciler has fallback candidates when the top one is blocked.
const (
	// DefaultEmbedderModel is the OpenAI embedding model used for both
	// site content and knowledge queries. 1536 dimensions; the pgvector
	// schema must match.
	DefaultEmbedderModel = "text-embedding-3-small"

	// DefaultEmbedBatchSize caps phrases per embedding request.
	DefaultEmbedBatchSize = 20

	// DefaultRefreshThreshold is the minimum similarity for refresh candidates.
	DefaultRefreshThreshold = 0.55

	// DefaultRefreshCount is the candidate depth for the refresh pass.
	DefaultRefreshCount = 5

	// DefaultPremapThreshold is the strict threshold for one-shot mapping.
	DefaultPremapThreshold = 0.5

	// DefaultPremapCount is the candidate depth for one-shot mapping.
	DefaultPremapCount = 1

	// DefaultChunkMinLength / DefaultChunkMaxLength bound candidate phrases:
	// long enough to be distinctive, short enough to bound embedding cost.
	DefaultChunkMinLength = 30
	DefaultChunkMaxLength = 150

	// DefaultChunkLimit caps phrases per page.
	DefaultChunkLimit = 50

	// DefaultUnitFetchLimit caps site content rows fetched per page
	// during a refresh pass.
	DefaultUnitFetchLimit = 200
)

// Config stores application configuration.
// SECURITY: sensitive fields are masked in MarshalJSON. When adding new
// sensitive fields (passwords, API keys, secrets), update MarshalJSON.
type Config struct {
	// Embedding provider
	OpenAIAPIKey   string `mapstructure:"openai_api_key" json:"openai_api_key"` // SENSITIVE: masked in MarshalJSON
	EmbedderModel  string `mapstructure:"embedder_model" json:"embedder_model"`
	EmbedBatchSize int    `mapstructure:"embed_batch_size" json:"embed_batch_size"`

	// Storage
	PostgresHost     string `mapstructure:"postgres_host" json:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port" json:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user" json:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password" json:"postgres_password"` // SENSITIVE: masked in MarshalJSON
	PostgresDBName   string `mapstructure:"postgres_db_name" json:"postgres_db_name"`
	PostgresSSLMode  string `mapstructure:"postgres_ssl_mode" json:"postgres_ssl_mode"`

	// Matching
	RefreshThreshold float64 `mapstructure:"refresh_threshold" json:"refresh_threshold"`
	RefreshCount     int     `mapstructure:"refresh_count" json:"refresh_count"`
	PremapThreshold  float64 `mapstructure:"premap_threshold" json:"premap_threshold"`
	PremapCount      int     `mapstructure:"premap_count" json:"premap_count"`
	UnitFetchLimit   int     `mapstructure:"unit_fetch_limit" json:"unit_fetch_limit"`

	// Chunking
	ChunkMinLength int `mapstructure:"chunk_min_length" json:"chunk_min_length"`
	ChunkMaxLength int `mapstructure:"chunk_max_length" json:"chunk_max_length"`
	ChunkLimit     int `mapstructure:"chunk_limit" json:"chunk_limit"`

	// Fetching
	FetchTimeout time.Duration `mapstructure:"fetch_timeout" json:"fetch_timeout"`
	FetchDelay   time.Duration `mapstructure:"fetch_delay" json:"fetch_delay"`
	UserAgent    string        `mapstructure:"user_agent" json:"user_agent"`

	// HTTP trigger server
	ServerAddr string `mapstructure:"server_addr" json:"server_addr"`
	SiteSecret string `mapstructure:"site_secret" json:"site_secret"` // SENSITIVE: masked in MarshalJSON
}

// MarshalJSON masks sensitive fields so the config can be logged safely.
func (c *Config) MarshalJSON() ([]byte, error) {
	type alias Config
	masked := *c
	if masked.OpenAIAPIKey != "" {
		masked.OpenAIAPIKey = "***"
	}
	if masked.PostgresPassword != "" {
		masked.PostgresPassword = "***"
	}
	if masked.SiteSecret != "" {
		masked.SiteSecret = "***"
	}
	return json.Marshal((*alias)(&masked))
}

// Load reads configuration from defaults, the optional config file and
// environment variables.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	// Config file is optional: ~/.linkloom/config.yaml
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".linkloom"))
	}
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("LINKLOOM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Common unprefixed environment variables take effect when the
	// prefixed form is absent. DATABASE_URL wins over individual
	// postgres_* settings.
	if cfg.OpenAIAPIKey == "" {
		cfg.OpenAIAPIKey = os.Getenv("OPENAI_API_KEY")
	}
	if err := cfg.parseDatabaseURL(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("embedder_model", DefaultEmbedderModel)
	v.SetDefault("embed_batch_size", DefaultEmbedBatchSize)

	v.SetDefault("postgres_host", "localhost")
	v.SetDefault("postgres_port", 5432)
	v.SetDefault("postgres_user", "linkloom")
	v.SetDefault("postgres_db_name", "linkloom")
	v.SetDefault("postgres_ssl_mode", "prefer")

	v.SetDefault("refresh_threshold", DefaultRefreshThreshold)
	v.SetDefault("refresh_count", DefaultRefreshCount)
	v.SetDefault("premap_threshold", DefaultPremapThreshold)
	v.SetDefault("premap_count", DefaultPremapCount)
	v.SetDefault("unit_fetch_limit", DefaultUnitFetchLimit)

	v.SetDefault("chunk_min_length", DefaultChunkMinLength)
	v.SetDefault("chunk_max_length", DefaultChunkMaxLength)
	v.SetDefault("chunk_limit", DefaultChunkLimit)

	v.SetDefault("fetch_timeout", 15*time.Second)
	v.SetDefault("fetch_delay", time.Second)
	v.SetDefault("user_agent", "Mozilla/5.0 (compatible; linkloom/1.0; +https://linkloom.dev)")

	v.SetDefault("server_addr", ":8080")
}
