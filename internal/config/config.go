package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	SocketPath   string `envconfig:"SOCKET_PATH" default:"/run/downloadd/downloadd.sock"`
	LockFilePath string `envconfig:"LOCK_FILE_PATH" default:"/run/downloadd/downloadd.lock"`
	DBPath       string `envconfig:"DB_PATH" default:"downloadd.db"`
	DownloadDir  string `envconfig:"DOWNLOAD_DIR" default:"/var/lib/downloadd/downloads"`

	MaxClients  int `envconfig:"MAX_CLIENTS" default:"32"`
	MaxParallel int `envconfig:"MAX_PARALLEL" default:"5"`

	QueueCycleInterval time.Duration `envconfig:"QUEUE_CYCLE_INTERVAL" default:"5s"`
	SweepInterval      time.Duration `envconfig:"SWEEP_INTERVAL" default:"10s"`
	ReceiveTimeout     time.Duration `envconfig:"RECEIVE_TIMEOUT" default:"5s"`

	KeepTempFor     time.Duration `envconfig:"KEEP_TEMP_FOR" default:"48h"`
	KeepHistoryFor  time.Duration `envconfig:"KEEP_HISTORY_FOR" default:"720h"`
	CleanupInterval time.Duration `envconfig:"CLEANUP_INTERVAL" default:"1h"`

	WebhookURL string `envconfig:"WEBHOOK_URL"`
	LogLevel   string `envconfig:"LOG_LEVEL" default:"INFO"`

	Telemetry struct {
		Enabled     bool   `split_words:"true" default:"true"`
		ServiceName string `split_words:"true" default:"downloadd"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"127.0.0.1:9350"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	return &cfg, nil
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
