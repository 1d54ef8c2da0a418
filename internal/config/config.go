// Package config resolves orchestrator configuration from the environment,
// with an optional YAML tuning file for the timing constants.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Config is the resolved process configuration.
type Config struct {
	// Identity and transport
	Name    string
	MsgPort int
	APIPort int

	// Backend
	MicsAPIURL   string
	MicsAPIToken string

	// Optional integrations; empty means disabled
	RedisURL        string
	SinkDatabaseURL string
	SinkTimezone    string
	PubSubProject   string
	PubSubTopic     string

	WatchdogEnabled bool
	LogLevel        slog.Level

	Tuning Tuning
}

// Tuning holds the overridable timing constants. Values are seconds unless
// named otherwise.
type Tuning struct {
	ResendIntervalSec   int `yaml:"resend_interval_sec"`
	PingIntervalSec     int `yaml:"ping_interval_sec"`
	IdleTimeoutSec      int `yaml:"idle_timeout_sec"`
	HardwareReleaseSec  int `yaml:"hardware_release_sec"`
	SinkTimeoutSec      int `yaml:"sink_timeout_sec"`
	QueueCapacity       int `yaml:"queue_capacity"`
	DataWorkers         int `yaml:"data_workers"`
	SinkWorkers         int `yaml:"sink_workers"`
	StaleAfterSec       int `yaml:"stale_after_sec"`
	WatchdogIntervalSec int `yaml:"watchdog_interval_sec"`
	WatchdogTimeoutSec  int `yaml:"watchdog_timeout_sec"`
}

// DefaultTuning returns the stock timing constants.
func DefaultTuning() Tuning {
	return Tuning{
		ResendIntervalSec:   5,
		PingIntervalSec:     10,
		IdleTimeoutSec:      15,
		HardwareReleaseSec:  10,
		SinkTimeoutSec:      2,
		QueueCapacity:       50_000,
		DataWorkers:         4,
		SinkWorkers:         2,
		StaleAfterSec:       10,
		WatchdogIntervalSec: 10,
		WatchdogTimeoutSec:  30,
	}
}

func (t Tuning) ResendInterval() time.Duration   { return time.Duration(t.ResendIntervalSec) * time.Second }
func (t Tuning) PingInterval() time.Duration     { return time.Duration(t.PingIntervalSec) * time.Second }
func (t Tuning) IdleTimeout() time.Duration      { return time.Duration(t.IdleTimeoutSec) * time.Second }
func (t Tuning) HardwareRelease() time.Duration  { return time.Duration(t.HardwareReleaseSec) * time.Second }
func (t Tuning) SinkTimeout() time.Duration      { return time.Duration(t.SinkTimeoutSec) * time.Second }
func (t Tuning) StaleAfter() time.Duration       { return time.Duration(t.StaleAfterSec) * time.Second }
func (t Tuning) WatchdogInterval() time.Duration { return time.Duration(t.WatchdogIntervalSec) * time.Second }
func (t Tuning) WatchdogTimeout() time.Duration  { return time.Duration(t.WatchdogTimeoutSec) * time.Second }

// Load resolves the configuration from the environment. Missing required
// variables are reported together in a single error.
func Load() (*Config, error) {
	cfg := &Config{
		SinkTimezone: "Asia/Jerusalem",
		APIPort:      9000,
		LogLevel:     slog.LevelInfo,
		Tuning:       DefaultTuning(),
	}

	var missing []string
	require := func(key string) string {
		v := os.Getenv(key)
		if v == "" {
			missing = append(missing, key)
		}
		return v
	}

	cfg.Name = require("NAME")
	cfg.MicsAPIURL = strings.TrimRight(require("MICS_API_URL"), "/")
	cfg.MicsAPIToken = require("MICS_API_TOKEN")

	if raw := require("MSGPORT"); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("MSGPORT %q is not a port number: %w", raw, err)
		}
		cfg.MsgPort = port
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required config: %s", strings.Join(missing, ", "))
	}

	if raw := os.Getenv("APIPORT"); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("APIPORT %q is not a port number: %w", raw, err)
		}
		cfg.APIPort = port
	}

	cfg.RedisURL = os.Getenv("REDIS_URL")
	cfg.SinkDatabaseURL = os.Getenv("SINK_DATABASE_URL")
	if tz := os.Getenv("SINK_TIMEZONE"); tz != "" {
		cfg.SinkTimezone = tz
	}
	cfg.PubSubProject = os.Getenv("PUBSUB_PROJECT")
	cfg.PubSubTopic = os.Getenv("PUBSUB_TOPIC")
	cfg.WatchdogEnabled = os.Getenv("WATCHDOG_ENABLED") == "true"

	if lvl := os.Getenv("LOGLEVEL"); lvl != "" {
		parsed, err := ParseLevel(lvl)
		if err != nil {
			return nil, err
		}
		cfg.LogLevel = parsed
	}

	if path := os.Getenv("TUNING_FILE"); path != "" {
		tuning, err := LoadTuning(path, cfg.Tuning)
		if err != nil {
			return nil, err
		}
		cfg.Tuning = tuning
	}

	return cfg, nil
}

// ParseLevel maps a LOGLEVEL string onto a slog level.
func ParseLevel(raw string) (slog.Level, error) {
	switch strings.ToUpper(raw) {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "INFO":
		return slog.LevelInfo, nil
	case "WARN", "WARNING":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown LOGLEVEL %q", raw)
	}
}

// LoadTuning reads the YAML tuning file, overlaying any set fields onto base.
// Zero values in the file keep the base value.
func LoadTuning(path string, base Tuning) (Tuning, error) {
	f, err := os.Open(path)
	if err != nil {
		return base, fmt.Errorf("open tuning file: %w", err)
	}
	defer f.Close()

	var override Tuning
	if err := yaml.NewDecoder(f).Decode(&override); err != nil {
		return base, fmt.Errorf("parse tuning file %s: %w", path, err)
	}

	merged := base
	if override.ResendIntervalSec != 0 {
		merged.ResendIntervalSec = override.ResendIntervalSec
	}
	if override.PingIntervalSec != 0 {
		merged.PingIntervalSec = override.PingIntervalSec
	}
	if override.IdleTimeoutSec != 0 {
		merged.IdleTimeoutSec = override.IdleTimeoutSec
	}
	if override.HardwareReleaseSec != 0 {
		merged.HardwareReleaseSec = override.HardwareReleaseSec
	}
	if override.SinkTimeoutSec != 0 {
		merged.SinkTimeoutSec = override.SinkTimeoutSec
	}
	if override.QueueCapacity != 0 {
		merged.QueueCapacity = override.QueueCapacity
	}
	if override.DataWorkers != 0 {
		merged.DataWorkers = override.DataWorkers
	}
	if override.SinkWorkers != 0 {
		merged.SinkWorkers = override.SinkWorkers
	}
	if override.StaleAfterSec != 0 {
		merged.StaleAfterSec = override.StaleAfterSec
	}
	if override.WatchdogIntervalSec != 0 {
		merged.WatchdogIntervalSec = override.WatchdogIntervalSec
	}
	if override.WatchdogTimeoutSec != 0 {
		merged.WatchdogTimeoutSec = override.WatchdogTimeoutSec
	}

	return merged, nil
}
