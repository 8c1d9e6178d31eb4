// Package config provides configuration loading for the build workbench.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Workspace WorkspaceConfig `mapstructure:"workspace"`
	Repo      RepoConfig      `mapstructure:"repo"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	Host         string        `mapstructure:"host"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	CORSOrigins  []string      `mapstructure:"cors_origins"`
}

// DatabaseConfig holds the SQLite store configuration.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// DSN returns the SQLite connection string.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", c.Path)
}

// RedisConfig holds Redis configuration.
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Addr returns the Redis address string.
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// WorkspaceConfig describes where the build tree and runtime data live.
type WorkspaceConfig struct {
	Root         string `mapstructure:"root"`
	OutDir       string `mapstructure:"out_dir"`
	DataDir      string `mapstructure:"data_dir"`
	LogsDir      string `mapstructure:"logs_dir"`
	SourceCommit string `mapstructure:"source_commit"`
}

// RepoConfig holds defaults for the managed git checkout. The effective
// url and credentials live in the settings table and override these.
type RepoConfig struct {
	URLDefault string `mapstructure:"url_default"`
	RefDefault string `mapstructure:"ref_default"`
}

// Load reads configuration from files and environment variables.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/unica-wb")

	v.SetEnvPrefix("UNICA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found is OK, we use defaults and env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults configures default values for all settings.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.cors_origins", []string{"*"})

	v.SetDefault("database.path", "/data/app.db")

	v.SetDefault("redis.host", "redis")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("workspace.root", "/workspace")
	v.SetDefault("workspace.out_dir", "/workspace/out")
	v.SetDefault("workspace.data_dir", "/data")
	v.SetDefault("workspace.logs_dir", "/data/logs")
	v.SetDefault("workspace.source_commit", "unknown")

	v.SetDefault("repo.url_default", "https://github.com/salvogiangri/UN1CA.git")
	v.SetDefault("repo.ref_default", "main")
}
