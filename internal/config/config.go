// Package config loads rammingen's server and client runtime configuration
// using spf13/viper, the way the teacher wires its own config package:
// environment variables (RAMMINGEN_ prefixed, nested keys via "_") layered
// over an optional config file, with sane defaults for everything optional.
package config

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/prn-tf/rammingen/internal/pkg/crypto"
)

// ServerConfig is the root configuration for the rammingen server (§6).
type ServerConfig struct {
	Database DatabaseConfig
	Storage  StorageConfig
	Server   HTTPConfig
	Auth     AuthConfig
	Retention RetentionConfig
	Redis    RedisConfig
	Logging  LoggingConfig
}

// DatabaseConfig holds the Postgres metadata store DSN (§4.4).
type DatabaseConfig struct {
	URL string
}

// StorageConfig points at the content blob store's data and temp directories (§4.1).
type StorageConfig struct {
	DataDir string
	TempDir string
}

// HTTPConfig controls the server's listen address and timeouts.
type HTTPConfig struct {
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// AuthConfig holds the master key every Source's data is encrypted under
// server-side indirectly (the server never sees plaintext, but it does
// enforce bearer-token auth per Source, §4.5).
type AuthConfig struct {
	// MasterKeyHex is only used by single-binary / dev deployments that
	// also perform client-side encryption in-process (e.g. integration
	// tests); a production server never needs the master key at all,
	// since encryption happens client-side (§4.1).
	MasterKeyHex string
}

// GetMasterKey decodes and validates the configured master key, if any.
func (a AuthConfig) GetMasterKey() ([]byte, error) {
	if a.MasterKeyHex == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(a.MasterKeyHex)
	if err != nil {
		return nil, fmt.Errorf("decode master key: %w", err)
	}
	if len(key) != crypto.MasterKeySize {
		return nil, crypto.ErrInvalidMasterKey
	}
	return key, nil
}

// RetentionConfig controls the background snapshot/GC loop (§4.8).
type RetentionConfig struct {
	SnapshotInterval        time.Duration
	RetainDetailedHistoryFor time.Duration
	GCInterval               time.Duration
}

// RedisConfig points at the Redis instance backing internal/lock. The
// server takes only the server-wide GC advisory lock from it (§4.8); it
// does not acquire the per-source mutation lock.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// LoggingConfig controls zerolog's global level and output target.
type LoggingConfig struct {
	Level  string
	Pretty bool
}

// ClientConfig is the root configuration for the rammingen sync client (§6).
type ClientConfig struct {
	ServerURL    string
	AccessToken  string
	MasterKeyHex string
	Mounts       []MountConfig
	SyncInterval time.Duration
	IndexPath    string
	Logging      LoggingConfig
}

// MountConfig maps one local directory onto one archive path prefix (§4.7).
type MountConfig struct {
	LocalPath   string
	ArchivePath string
	Ignore      []string
}

// GetMasterKey decodes and validates the client's master key (§4.1).
func (c ClientConfig) GetMasterKey() ([]byte, error) {
	key, err := hex.DecodeString(c.MasterKeyHex)
	if err != nil {
		return nil, fmt.Errorf("decode master key: %w", err)
	}
	if len(key) != crypto.MasterKeySize {
		return nil, crypto.ErrInvalidMasterKey
	}
	return key, nil
}

func newViper(configPath string) *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("rammingen")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("rammingen")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/rammingen")
	}
	return v
}

// LoadServer reads the server configuration from environment variables, the
// config file (configPath, or rammingen.yaml in . or /etc/rammingen when
// configPath is empty), and defaults, in that order of decreasing priority.
func LoadServer(configPath string) (*ServerConfig, error) {
	v := newViper(configPath)

	v.SetDefault("server.port", 8420)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 5*time.Minute)
	v.SetDefault("server.idle_timeout", 2*time.Minute)
	v.SetDefault("storage.data_dir", "./data/blobs")
	v.SetDefault("storage.temp_dir", "./data/tmp")
	v.SetDefault("retention.snapshot_interval", 24*time.Hour)
	v.SetDefault("retention.retain_detailed_history_for", 30*24*time.Hour)
	v.SetDefault("retention.gc_interval", 6*time.Hour)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.pretty", false)

	if err := readIfExists(v); err != nil {
		return nil, err
	}

	cfg := &ServerConfig{
		Database: DatabaseConfig{URL: v.GetString("database.url")},
		Storage: StorageConfig{
			DataDir: v.GetString("storage.data_dir"),
			TempDir: v.GetString("storage.temp_dir"),
		},
		Server: HTTPConfig{
			Port:         v.GetInt("server.port"),
			ReadTimeout:  v.GetDuration("server.read_timeout"),
			WriteTimeout: v.GetDuration("server.write_timeout"),
			IdleTimeout:  v.GetDuration("server.idle_timeout"),
		},
		Auth: AuthConfig{MasterKeyHex: v.GetString("auth.master_key_hex")},
		Retention: RetentionConfig{
			SnapshotInterval:         v.GetDuration("retention.snapshot_interval"),
			RetainDetailedHistoryFor: v.GetDuration("retention.retain_detailed_history_for"),
			GCInterval:               v.GetDuration("retention.gc_interval"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Logging: LoggingConfig{
			Level:  v.GetString("logging.level"),
			Pretty: v.GetBool("logging.pretty"),
		},
	}

	if cfg.Database.URL == "" {
		return nil, fmt.Errorf("config: database.url is required")
	}
	return cfg, nil
}

// LoadClient reads the sync client configuration the same way LoadServer does.
func LoadClient(configPath string) (*ClientConfig, error) {
	v := newViper(configPath)

	v.SetDefault("sync_interval", 30*time.Second)
	v.SetDefault("index_path", "./rammingen-index.db")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.pretty", true)

	if err := readIfExists(v); err != nil {
		return nil, err
	}

	var mounts []MountConfig
	if err := v.UnmarshalKey("mounts", &mounts); err != nil {
		return nil, fmt.Errorf("parse mounts: %w", err)
	}

	cfg := &ClientConfig{
		ServerURL:    v.GetString("server_url"),
		AccessToken:  v.GetString("access_token"),
		MasterKeyHex: v.GetString("master_key_hex"),
		Mounts:       mounts,
		SyncInterval: v.GetDuration("sync_interval"),
		IndexPath:    v.GetString("index_path"),
		Logging: LoggingConfig{
			Level:  v.GetString("logging.level"),
			Pretty: v.GetBool("logging.pretty"),
		},
	}

	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("config: server_url is required")
	}
	if cfg.AccessToken == "" {
		return nil, fmt.Errorf("config: access_token is required")
	}
	return cfg, nil
}

func readIfExists(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		if strings.Contains(err.Error(), "no such file") {
			return nil
		}
		return fmt.Errorf("read config file: %w", err)
	}
	return nil
}
