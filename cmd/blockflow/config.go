package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/urfave/cli/v3"

	"github.com/rendis/blockflow/internal/engine"
	"github.com/rendis/blockflow/pkg/schema"
)

// Config holds all blockflow server configuration.
// Priority: flags > env vars > settings.json > defaults.
type Config struct {
	ListenAddr        string        `json:"listen_addr" validate:"required"`
	DBPath            string        `json:"db_path"`
	LogLevel          string        `json:"log_level" validate:"oneof=debug info warn error"`
	LogFormat         string        `json:"log_format" validate:"oneof=text json"`
	Metrics           bool          `json:"metrics"`
	MCP               bool          `json:"mcp"`
	EventTopic        string        `json:"event_topic"`
	SchedulerInterval time.Duration `json:"scheduler_interval" validate:"gte=0"`

	Engine engine.Config `json:"engine"`
}

func defaultConfig() Config {
	return Config{
		ListenAddr:        ":4200",
		DBPath:            filepath.Join(blockflowDir(), "blockflow.db"),
		LogLevel:          "info",
		LogFormat:         "text",
		Metrics:           true,
		MCP:               true,
		SchedulerInterval: 30 * time.Second,
		Engine:            engine.DefaultConfig(),
	}
}

func blockflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".blockflow"
	}
	return filepath.Join(home, ".blockflow")
}

func settingsPath() string {
	return filepath.Join(blockflowDir(), "settings.json")
}

// loadConfig layers settings.json over the defaults, then every flag the
// command line or its BLOCKFLOW_* env var set.
func loadConfig(cmd *cli.Command) (Config, error) {
	cfg := defaultConfig()

	path := cmd.String(flagConfig)
	if path == "" {
		path = settingsPath()
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist) && !cmd.IsSet(flagConfig):
	default:
		return cfg, fmt.Errorf("read %s: %w", path, err)
	}

	if cmd.IsSet(flagListen) {
		cfg.ListenAddr = cmd.String(flagListen)
	}
	if cmd.IsSet(flagDB) {
		cfg.DBPath = cmd.String(flagDB)
	}
	if cmd.IsSet(flagLogLevel) {
		cfg.LogLevel = cmd.String(flagLogLevel)
	}
	if cmd.IsSet(flagLogFormat) {
		cfg.LogFormat = cmd.String(flagLogFormat)
	}
	if cmd.IsSet(flagMetrics) {
		cfg.Metrics = cmd.Bool(flagMetrics)
	}
	if cmd.IsSet(flagMCP) {
		cfg.MCP = cmd.Bool(flagMCP)
	}
	if cmd.IsSet(flagEventTopic) {
		cfg.EventTopic = cmd.String(flagEventTopic)
	}
	if cmd.IsSet(flagSchedulerInterval) {
		cfg.SchedulerInterval = cmd.Duration(flagSchedulerInterval)
	}
	if cmd.IsSet(flagErrorHandling) {
		cfg.Engine.ErrorHandling = schema.ErrorHandling(cmd.String(flagErrorHandling))
	}
	if cmd.IsSet(flagDefaultTimeout) {
		cfg.Engine.DefaultTimeout = cmd.Duration(flagDefaultTimeout)
	}
	if cmd.IsSet(flagRetention) {
		cfg.Engine.RetentionTTL = cmd.Duration(flagRetention)
	}

	return cfg, validateConfig(cfg)
}

func validateConfig(cfg Config) error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(cfg); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid configuration: %s", err).WithCause(err)
	}
	return nil
}

// configDiff describes what changed between two configurations.
type configDiff struct {
	MetricsChanged  bool
	MCPChanged      bool
	LogLevelChanged bool
	RestartNeeded   []string // fields that require a server restart
}

func diffConfigs(old, new Config) configDiff {
	var d configDiff
	if old.Metrics != new.Metrics {
		d.MetricsChanged = true
	}
	if old.MCP != new.MCP {
		d.MCPChanged = true
	}
	if old.LogLevel != new.LogLevel {
		d.LogLevelChanged = true
	}
	if old.ListenAddr != new.ListenAddr {
		d.RestartNeeded = append(d.RestartNeeded, "listen_addr")
	}
	if old.DBPath != new.DBPath {
		d.RestartNeeded = append(d.RestartNeeded, "db_path")
	}
	if old.LogFormat != new.LogFormat {
		d.RestartNeeded = append(d.RestartNeeded, "log_format")
	}
	if old.EventTopic != new.EventTopic {
		d.RestartNeeded = append(d.RestartNeeded, "event_topic")
	}
	if old.SchedulerInterval != new.SchedulerInterval {
		d.RestartNeeded = append(d.RestartNeeded, "scheduler_interval")
	}
	if old.Engine != new.Engine {
		d.RestartNeeded = append(d.RestartNeeded, "engine")
	}
	return d
}
