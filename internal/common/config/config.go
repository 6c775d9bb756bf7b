// Package config provides configuration management for opcode.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/winfunc/opcode-sub004/internal/common/logger"
)

// Config holds all configuration sections.
type Config struct {
	Server     ServerConfig         `mapstructure:"server"`
	Database   DatabaseConfig       `mapstructure:"database"`
	NATS       NATSConfig           `mapstructure:"nats"`
	Logging    logger.LoggingConfig `mapstructure:"logging"`
	Execution  ExecutionConfig      `mapstructure:"execution"`
	Events     EventsConfig         `mapstructure:"events"`
	Checkpoint CheckpointConfig     `mapstructure:"checkpoint"`
	Transcript TranscriptConfig     `mapstructure:"transcript"`
	Engines    EnginesConfig        `mapstructure:"engines"`
	Policy     PolicyConfig         `mapstructure:"policy"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // sqlite or postgres
	Path     string `mapstructure:"path"`   // sqlite file
	DSN      string `mapstructure:"dsn"`    // postgres connection string
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
	SubjectPrefix string `mapstructure:"subjectPrefix"`
}

// ExecutionConfig controls process supervision.
type ExecutionConfig struct {
	GracePeriod        time.Duration `mapstructure:"gracePeriod"`
	MaxRuntime         time.Duration `mapstructure:"maxRuntime"`         // 0 disables
	FirstOutputTimeout time.Duration `mapstructure:"firstOutputTimeout"` // 0 disables
	OutputBufferBytes  int64         `mapstructure:"outputBufferBytes"`
	StderrTailLines    int           `mapstructure:"stderrTailLines"`
	RetainFinished     time.Duration `mapstructure:"retainFinished"`
}

// EventsConfig controls the session event bus.
type EventsConfig struct {
	SubscriberBuffer int `mapstructure:"subscriberBuffer"`
	HistorySize      int `mapstructure:"historySize"`
	RetainedSessions int `mapstructure:"retainedSessions"`
}

// CheckpointConfig controls checkpoint storage and the snapshot policy.
type CheckpointConfig struct {
	DataDir         string        `mapstructure:"dataDir"`
	Policy          string        `mapstructure:"policy"` // manual, messages, interval
	MessageInterval int           `mapstructure:"messageInterval"`
	TimeInterval    time.Duration `mapstructure:"timeInterval"`
	Ignore          []string      `mapstructure:"ignore"`
	MaxFileBytes    int64         `mapstructure:"maxFileBytes"` // 0 means no limit
}

// TranscriptConfig locates the session transcript store.
type TranscriptConfig struct {
	Path string `mapstructure:"path"` // bbolt file
}

// EngineConfig overrides discovery and argv for one engine.
type EngineConfig struct {
	Binary    string   `mapstructure:"binary"`
	ExtraArgs []string `mapstructure:"extraArgs"`
}

// EnginesConfig holds per-engine overrides.
type EnginesConfig struct {
	Claude    EngineConfig `mapstructure:"claude"`
	Aider     EngineConfig `mapstructure:"aider"`
	OpenCodex EngineConfig `mapstructure:"opencodex"`
}

// PolicyConfig configures the spawn permission policy.
type PolicyConfig struct {
	AllowedRoots []string `mapstructure:"allowedRoots"` // empty allows every project path
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// Addr returns host:port for the HTTP listener.
func (s *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("OPCODE_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".opcode"
	}
	return filepath.Join(home, ".opcode")
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	dataDir := defaultDataDir()

	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", filepath.Join(dataDir, "opcode.db"))
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// Empty URL means the in-memory event bus.
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "opcode")
	v.SetDefault("nats.maxReconnects", 10)
	v.SetDefault("nats.subjectPrefix", "opcode")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
	v.SetDefault("logging.maxSizeMb", 100)
	v.SetDefault("logging.maxBackups", 3)

	v.SetDefault("execution.gracePeriod", 2*time.Second)
	v.SetDefault("execution.maxRuntime", time.Duration(0))
	v.SetDefault("execution.firstOutputTimeout", 30*time.Second)
	v.SetDefault("execution.outputBufferBytes", 2*1024*1024)
	v.SetDefault("execution.stderrTailLines", 20)
	v.SetDefault("execution.retainFinished", time.Hour)

	v.SetDefault("events.subscriberBuffer", 256)
	v.SetDefault("events.historySize", 1024)
	v.SetDefault("events.retainedSessions", 256)

	v.SetDefault("checkpoint.dataDir", filepath.Join(dataDir, "checkpoints"))
	v.SetDefault("checkpoint.policy", "manual")
	v.SetDefault("checkpoint.messageInterval", 10)
	v.SetDefault("checkpoint.timeInterval", 5*time.Minute)
	v.SetDefault("checkpoint.ignore", []string{".git", "node_modules", "target", ".venv"})
	v.SetDefault("checkpoint.maxFileBytes", 0)

	v.SetDefault("transcript.path", filepath.Join(dataDir, "transcripts.db"))

	v.SetDefault("engines.claude.binary", "")
	v.SetDefault("engines.aider.binary", "")
	v.SetDefault("engines.opencodex.binary", "")

	v.SetDefault("policy.allowedRoots", []string{})
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix OPCODE_ with dots replaced by underscores.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("OPCODE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// camelCase keys need explicit snake_case bindings.
	_ = v.BindEnv("database.path", "OPCODE_DB_PATH", "OPCODE_DATABASE_PATH")
	_ = v.BindEnv("database.driver", "OPCODE_DB_DRIVER", "OPCODE_DATABASE_DRIVER")
	_ = v.BindEnv("checkpoint.dataDir", "OPCODE_CHECKPOINT_DATA_DIR")
	_ = v.BindEnv("transcript.path", "OPCODE_TRANSCRIPT_PATH")
	_ = v.BindEnv("execution.maxRuntime", "OPCODE_EXECUTION_MAX_RUNTIME")
	_ = v.BindEnv("policy.allowedRoots", "OPCODE_POLICY_ALLOWED_ROOTS")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath(defaultDataDir())
	v.AddConfigPath("/etc/opcode/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks configuration values and collects every problem found.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch cfg.Database.Driver {
	case "sqlite":
		if cfg.Database.Path == "" {
			errs = append(errs, "database.path is required for the sqlite driver")
		}
	case "postgres":
		if cfg.Database.DSN == "" {
			errs = append(errs, "database.dsn is required for the postgres driver")
		}
	default:
		errs = append(errs, "database.driver must be one of: sqlite, postgres")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if cfg.Execution.GracePeriod <= 0 {
		errs = append(errs, "execution.gracePeriod must be positive")
	}
	if cfg.Execution.MaxRuntime < 0 || cfg.Execution.FirstOutputTimeout < 0 {
		errs = append(errs, "execution timeouts must not be negative")
	}

	if cfg.Events.SubscriberBuffer <= 0 {
		errs = append(errs, "events.subscriberBuffer must be positive")
	}
	if cfg.Events.HistorySize < 0 || cfg.Events.RetainedSessions < 0 {
		errs = append(errs, "events.historySize and events.retainedSessions must not be negative")
	}

	switch cfg.Checkpoint.Policy {
	case "manual":
	case "messages":
		if cfg.Checkpoint.MessageInterval <= 0 {
			errs = append(errs, "checkpoint.messageInterval must be positive for the messages policy")
		}
	case "interval":
		if cfg.Checkpoint.TimeInterval <= 0 {
			errs = append(errs, "checkpoint.timeInterval must be positive for the interval policy")
		}
	default:
		errs = append(errs, "checkpoint.policy must be one of: manual, messages, interval")
	}
	if cfg.Checkpoint.DataDir == "" {
		errs = append(errs, "checkpoint.dataDir is required")
	}
	if cfg.Transcript.Path == "" {
		errs = append(errs, "transcript.path is required")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
