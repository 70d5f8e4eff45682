// Package config loads pipeline settings from .env files, an optional YAML
// file, BATTLELOG_* environment variables and command-line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"battlelog/internal/clash"
	"battlelog/internal/storage"
)

const (
	envPrefix      = "BATTLELOG"
	configFileName = "battlelog"
	configFileType = "yaml"

	KeyAPIToken         = "api_token"
	KeyPlayerTag        = "player_tag"
	KeyAPIBaseURL       = "api_base_url"
	KeyHTTPTimeout      = "http_timeout"
	KeyDataDir          = "data_dir"
	KeySnapshotPrefix   = "snapshot_prefix"
	KeyCanonicalName    = "canonical_name"
	KeyIncludeCanonical = "include_canonical"
	KeyArchiveSnapshots = "archive_snapshots"
	KeyCompression      = "compression"
	KeySQLitePath       = "publish.sqlite_path"
	KeyTursoURL         = "publish.turso_url"
	KeyTursoToken       = "publish.turso_token"
	KeyPostgresURL      = "publish.postgres_url"
	KeyDuckDBPath       = "publish.duckdb_path"
	KeyMetricsFile      = "metrics_file"
	KeyLogLevel         = "log_level"
	KeyEnvironment      = "environment"

	DefaultDataDir = "~/my_clash_royale/my_data"
)

var (
	ErrTokenMissing       = errors.New("api token not set (API_TOKEN)")
	ErrPlayerTagMissing   = errors.New("player tag not set")
	ErrDataDirMissing     = errors.New("data directory not set")
	ErrCompressionUnknown = errors.New("unknown parquet compression")
	ErrArchiveNeedsFinal  = errors.New("archive_snapshots requires include_canonical")
)

// EnvPaths is where .env files are looked for, first hit wins.
var EnvPaths = []string{".env", "../.env", "../../.env"}

// PublishConfig lists the optional mirrors of the canonical table.
type PublishConfig struct {
	SQLitePath  string `mapstructure:"sqlite_path"`
	TursoURL    string `mapstructure:"turso_url"`
	TursoToken  string `mapstructure:"turso_token"`
	PostgresURL string `mapstructure:"postgres_url"`
	DuckDBPath  string `mapstructure:"duckdb_path"`
}

// Config is the resolved pipeline configuration.
type Config struct {
	APIToken         string        `mapstructure:"api_token"`
	PlayerTag        string        `mapstructure:"player_tag"`
	APIBaseURL       string        `mapstructure:"api_base_url"`
	HTTPTimeout      time.Duration `mapstructure:"http_timeout"`
	DataDir          string        `mapstructure:"data_dir"`
	SnapshotPrefix   string        `mapstructure:"snapshot_prefix"`
	CanonicalName    string        `mapstructure:"canonical_name"`
	IncludeCanonical bool          `mapstructure:"include_canonical"`
	ArchiveSnapshots bool          `mapstructure:"archive_snapshots"`
	Compression      string        `mapstructure:"compression"`
	Publish          PublishConfig `mapstructure:"publish"`
	MetricsFile      string        `mapstructure:"metrics_file"`
	LogLevel         string        `mapstructure:"log_level"`
	Environment      string        `mapstructure:"environment"`
}

// LoadEnv loads the first .env file found on EnvPaths and returns its path,
// or "" when none exists. Variables already set in the process win.
func LoadEnv() string {
	for _, path := range EnvPaths {
		if err := godotenv.Load(path); err == nil {
			return path
		}
	}
	return ""
}

// NewViper returns a viper instance with defaults and environment bindings.
// configFile may be empty, in which case battlelog.yaml is searched for in
// the working directory and ~/.config/battlelog.
func NewViper(configFile string) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, names := range map[string][]string{
		KeyAPIToken:    {"BATTLELOG_API_TOKEN", "API_TOKEN"},
		KeyPlayerTag:   {"BATTLELOG_PLAYER_TAG", "PLAYER_TAG"},
		KeyLogLevel:    {"BATTLELOG_LOG_LEVEL", "LOG_LEVEL"},
		KeyEnvironment: {"BATTLELOG_ENVIRONMENT", "ENVIRONMENT"},
	} {
		if err := v.BindEnv(append([]string{key}, names...)...); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName(configFileName)
		v.SetConfigType(configFileType)
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "battlelog"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return v, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault(KeyAPIToken, "")
	v.SetDefault(KeyPlayerTag, "")
	v.SetDefault(KeyAPIBaseURL, clash.DefaultBaseURL)
	v.SetDefault(KeyHTTPTimeout, 30*time.Second)
	v.SetDefault(KeyDataDir, DefaultDataDir)
	v.SetDefault(KeySnapshotPrefix, storage.DefaultPrefix)
	v.SetDefault(KeyCanonicalName, storage.DefaultCanonicalName)
	v.SetDefault(KeyIncludeCanonical, true)
	v.SetDefault(KeyArchiveSnapshots, false)
	v.SetDefault(KeyCompression, "snappy")
	v.SetDefault(KeySQLitePath, "")
	v.SetDefault(KeyTursoURL, "")
	v.SetDefault(KeyTursoToken, "")
	v.SetDefault(KeyPostgresURL, "")
	v.SetDefault(KeyDuckDBPath, "")
	v.SetDefault(KeyMetricsFile, "")
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyEnvironment, "development")
}

// FromViper decodes v into a Config, expanding ~ in paths and normalizing
// the player tag.
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	// values from .env may arrive quoted
	cfg.APIToken = strings.Trim(strings.TrimSpace(cfg.APIToken), "\"")
	cfg.PlayerTag = clash.NormalizeTag(cfg.PlayerTag)

	var err error
	if cfg.DataDir, err = expandHome(cfg.DataDir); err != nil {
		return nil, err
	}
	if cfg.Publish.SQLitePath, err = expandHome(cfg.Publish.SQLitePath); err != nil {
		return nil, err
	}
	if cfg.Publish.DuckDBPath, err = expandHome(cfg.Publish.DuckDBPath); err != nil {
		return nil, err
	}
	if cfg.MetricsFile, err = expandHome(cfg.MetricsFile); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Load runs LoadEnv, NewViper and FromViper.
func Load(configFile string) (*Config, error) {
	LoadEnv()
	v, err := NewViper(configFile)
	if err != nil {
		return nil, err
	}
	return FromViper(v)
}

// Validate checks the settings every command needs.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return ErrDataDirMissing
	}
	if _, ok := storage.Codec(c.Compression); !ok {
		return fmt.Errorf("%w: %q", ErrCompressionUnknown, c.Compression)
	}
	if c.ArchiveSnapshots && !c.IncludeCanonical {
		return ErrArchiveNeedsFinal
	}
	return nil
}

// ValidateFetch additionally checks what talking to the API requires.
func (c *Config) ValidateFetch() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.APIToken == "" {
		return ErrTokenMissing
	}
	if c.PlayerTag == "" {
		return ErrPlayerTagMissing
	}
	return nil
}

// StoreOptions builds storage options from the configuration.
func (c *Config) StoreOptions() storage.Options {
	codec, _ := storage.Codec(c.Compression)
	return storage.Options{
		Prefix:        c.SnapshotPrefix,
		CanonicalName: c.CanonicalName,
		Compression:   codec,
	}
}

func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
