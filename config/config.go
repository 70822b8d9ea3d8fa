// Package config loads groupsync configuration with Viper: defaults, then
// config files, then GROUPSYNC_-prefixed environment variables.
package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/halcyonchat/groupsync/errors"
)

// Config is the full groupsync configuration.
type Config struct {
	Self     SelfConfig     `mapstructure:"self"`
	Database DatabaseConfig `mapstructure:"database"`
	Server   ServerConfig   `mapstructure:"server"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Avatars  AvatarConfig   `mapstructure:"avatars"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// SelfConfig identifies the local account.
type SelfConfig struct {
	// MemberID is the caller's own member identity (UUID).
	MemberID string `mapstructure:"member_id"`
}

// DatabaseConfig locates the local sqlite database.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// ServerConfig points at the group-log service.
type ServerConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// QueueConfig tunes the deferred work queue.
type QueueConfig struct {
	PollIntervalSeconds int `mapstructure:"poll_interval_seconds"`
	ClaimBatch          int `mapstructure:"claim_batch"`
}

// AvatarConfig locates downloaded avatar binaries.
type AvatarConfig struct {
	Dir string `mapstructure:"dir"`
}

// LoggingConfig controls log output format.
type LoggingConfig struct {
	JSON bool `mapstructure:"json"`
}

var (
	globalConfig  *Config
	viperInstance *viper.Viper
)

// Load reads the groupsync configuration, caching the result.
func Load() (*Config, error) {
	if globalConfig != nil {
		return globalConfig, nil
	}

	v := initViper()

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}

	globalConfig = &config
	return globalConfig, nil
}

// LoadFromFile loads configuration from a specific file path, bypassing the
// merged file search and the cache.
func LoadFromFile(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("toml")
	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %s", configPath)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrapf(err, "failed to unmarshal config from %s", configPath)
	}
	return &config, nil
}

// Reset clears the cached configuration. Useful for testing.
func Reset() {
	globalConfig = nil
	viperInstance = nil
}

// SetDefaults configures default values for all configuration options.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", "groupsync.db")

	v.SetDefault("server.base_url", "")
	v.SetDefault("server.timeout_seconds", 30)

	v.SetDefault("queue.poll_interval_seconds", 1)
	v.SetDefault("queue.claim_batch", 8)

	v.SetDefault("avatars.dir", "avatars")

	v.SetDefault("logging.json", false)
}

func initViper() *viper.Viper {
	if viperInstance != nil {
		return viperInstance
	}

	v := viper.New()

	v.SetEnvPrefix("GROUPSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Sensitive values come from the environment only
	v.BindEnv("self.member_id", "GROUPSYNC_SELF_MEMBER_ID")
	v.BindEnv("server.base_url", "GROUPSYNC_SERVER_BASE_URL")
	v.BindEnv("database.path", "GROUPSYNC_DATABASE_PATH")

	SetDefaults(v)
	mergeConfigFiles(v)

	viperInstance = v
	return v
}

// mergeConfigFiles merges configuration files in precedence order:
// user config < project config < env vars.
func mergeConfigFiles(v *viper.Viper) {
	homeDir, _ := os.UserHomeDir()
	userDir := filepath.Join(homeDir, ".groupsync")

	configPaths := []string{
		filepath.Join(userDir, "config.toml"),
	}
	if cwd, err := os.Getwd(); err == nil {
		configPaths = append(configPaths, filepath.Join(cwd, "groupsync.toml"))
	}

	for _, configPath := range configPaths {
		if _, err := os.Stat(configPath); err != nil {
			continue
		}
		fileViper := viper.New()
		fileViper.SetConfigFile(configPath)
		fileViper.SetConfigType("toml")
		if err := fileViper.ReadInConfig(); err != nil {
			continue
		}
		for key, value := range fileViper.AllSettings() {
			v.Set(key, value)
		}
	}
}
