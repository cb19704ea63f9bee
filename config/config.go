package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the research engine
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Retention RetentionConfig `mapstructure:"retention"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug     bool   `mapstructure:"debug"`
	LogLevel  string `mapstructure:"log_level"`
	Listen    string `mapstructure:"listen"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

// LLMConfig contains LLM provider configurations
type LLMConfig struct {
	Providers map[string]LLMProvider `mapstructure:"providers"`
	Routing   LLMRoutingConfig       `mapstructure:"routing"`
}

// LLMProvider represents a single LLM provider configuration
type LLMProvider struct {
	Type    string              `mapstructure:"type"` // openai, anthropic
	APIKey  string              `mapstructure:"api_key"`
	BaseURL string              `mapstructure:"base_url"`
	Models  map[string]LLMModel `mapstructure:"models"`
	Timeout time.Duration       `mapstructure:"timeout"`
}

// LLMModel represents a specific model configuration
type LLMModel struct {
	Name            string  `mapstructure:"name"`
	APIName         string  `mapstructure:"api_name"`
	MaxTokens       int     `mapstructure:"max_tokens"`
	Temperature     float64 `mapstructure:"temperature"`
	CostPer1K       float64 `mapstructure:"cost_per_1k_input"`
	CostPer1KOutput float64 `mapstructure:"cost_per_1k_output"`
}

// LLMRoutingConfig defines which model serves each agent kind
type LLMRoutingConfig struct {
	Discovery    string `mapstructure:"discovery"`
	Analysis     string `mapstructure:"analysis"`
	Synthesis    string `mapstructure:"synthesis"`
	Verification string `mapstructure:"verification"`
	Report       string `mapstructure:"report"`
	Fallback     string `mapstructure:"fallback"`
}

// EngineConfig contains pipeline and gateway tuning
type EngineConfig struct {
	MaxConcurrentSessions int           `mapstructure:"max_concurrent_sessions"`
	GatewayAttempts       int           `mapstructure:"gateway_attempts"`
	GatewayBackoff        time.Duration `mapstructure:"gateway_backoff"`
	CallTimeout           time.Duration `mapstructure:"call_timeout"`
	MaxContinuations      int           `mapstructure:"max_continuations"`
	SectionCharLimit      int           `mapstructure:"section_char_limit"`
	ChunkCharLimit        int           `mapstructure:"chunk_char_limit"`
	ChunkOverlapLines     int           `mapstructure:"chunk_overlap_lines"`
	DefaultTemplate       string        `mapstructure:"default_template"`
	FallbackLanguage      string        `mapstructure:"fallback_language"`
}

// Normalize applies defaults for unset engine values.
func (e EngineConfig) Normalize() EngineConfig {
	if e.MaxConcurrentSessions <= 0 {
		e.MaxConcurrentSessions = 5
	}
	if e.GatewayAttempts <= 0 {
		e.GatewayAttempts = 3
	}
	if e.GatewayBackoff <= 0 {
		e.GatewayBackoff = 500 * time.Millisecond
	}
	if e.CallTimeout <= 0 {
		e.CallTimeout = 90 * time.Second
	}
	if e.MaxContinuations <= 0 {
		e.MaxContinuations = 3
	}
	if e.SectionCharLimit <= 0 {
		e.SectionCharLimit = 6000
	}
	if e.ChunkCharLimit <= 0 {
		e.ChunkCharLimit = 4000
	}
	if e.ChunkOverlapLines <= 0 {
		e.ChunkOverlapLines = 2
	}
	if strings.TrimSpace(e.DefaultTemplate) == "" {
		e.DefaultTemplate = "standard"
	}
	if strings.TrimSpace(e.FallbackLanguage) == "" {
		e.FallbackLanguage = "en"
	}
	return e
}

// StorageConfig contains storage and persistence settings
type StorageConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// PostgresConfig contains Postgres connection settings
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (p PostgresConfig) Validate() error {
	if strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("storage.postgres.host required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// DSN builds a postgres connection string from the configured fields.
func (p PostgresConfig) DSN() string {
	if p.URL != "" {
		return p.URL
	}
	host := p.Host
	if host == "" {
		host = "localhost"
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, host, port, p.DBName, ssl)
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// Addr returns host:port or empty when Redis is not configured.
func (r RedisConfig) Addr() string {
	if strings.TrimSpace(r.Host) == "" || strings.TrimSpace(r.Port) == "" {
		return ""
	}
	return r.Host + ":" + r.Port
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	Enabled      bool `mapstructure:"enabled"`
	CostTracking bool `mapstructure:"cost_tracking"`
}

// RetentionConfig controls the janitor that prunes old terminal sessions.
type RetentionConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Cron    string        `mapstructure:"cron"`
	MaxAge  time.Duration `mapstructure:"max_age"`
}

func (r RetentionConfig) Validate() error {
	if r.Enabled && r.MaxAge <= 0 {
		return fmt.Errorf("retention.max_age must be > 0 when retention is enabled")
	}
	return nil
}

// LoadConfig loads config from file
func LoadConfig(path string) *Config {
	viper.SetConfigName("config")
	viper.SetConfigType("json")
	viper.SetDefault("general.listen", ":10020")
	viper.SetDefault("general.log_level", "info")
	viper.SetDefault("engine.max_concurrent_sessions", 5)
	viper.SetDefault("engine.gateway_attempts", 3)
	viper.SetDefault("engine.default_template", "standard")
	viper.SetDefault("engine.fallback_language", "en")
	viper.SetDefault("retention.cron", "0 * * * *")
	viper.SetDefault("telemetry.enabled", true)
	viper.SetDefault("telemetry.cost_tracking", true)

	if path == "" {
		viper.AddConfigPath("./config")
		viper.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		viper.AddConfigPath(exeDir)
		viper.AddConfigPath(filepath.Join(exeDir, ".."))
		viper.AddConfigPath(filepath.Join(exeDir, "..", "config"))
	} else {
		viper.SetConfigFile(path)
	}

	viper.SetEnvPrefix("RESEARCHD")
	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}
	config.Engine = config.Engine.Normalize()

	if err := config.Storage.Postgres.Validate(); err != nil {
		panic(err)
	}
	if err := config.Retention.Validate(); err != nil {
		panic(err)
	}
	return &config
}
