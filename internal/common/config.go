package common

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"
)

// Config represents the Leader's runtime configuration.
type Config struct {
	JobStore    JobStoreConfig    `toml:"jobstore"`
	BatchSystem BatchSystemConfig `toml:"batchsystem"`
	Leader      LeaderConfig      `toml:"leader"`
	Scaler      ScalerConfig      `toml:"scaler"`
	EventFeed   EventFeedConfig   `toml:"eventfeed"`
	Logging     LoggingConfig     `toml:"logging"`
}

// JobStoreConfig configures the Badger-backed JobRecord store.
type JobStoreConfig struct {
	Path           string `toml:"path"`             // Badger database directory
	ResetOnStartup bool   `toml:"reset_on_startup"` // wipe the store before this run (tests/dev only)
}

// BatchSystemConfig configures the local batch execution backend.
type BatchSystemConfig struct {
	WorkerCommand string `toml:"worker_command"` // resolved worker entry point, e.g. "/usr/local/bin/leader-worker"
	MaxConcurrent int    `toml:"max_concurrent"` // max jobs running at once
}

// LeaderConfig configures the main scheduling loop.
type LeaderConfig struct {
	PollTimeout          time.Duration `toml:"poll_timeout"`           // bounded wait on getUpdatedBatchJob
	RescueFrequency      time.Duration `toml:"rescue_frequency"`       // how often to run the rescue pass
	MaxJobDuration       time.Duration `toml:"max_job_duration"`       // jobs running longer than this are killed
	KillAfterNMissing    int           `toml:"kill_after_n_missing"`   // rescue cycles before a missing job is killed
	MaxFailedJobLogLines int           `toml:"max_failed_job_log_lines"` // lines of worker log kept per failed job in the report
}

// ScalerConfig configures the optional Cluster Scaler supervision.
type ScalerConfig struct {
	Enabled      bool          `toml:"enabled"`
	PollInterval time.Duration `toml:"poll_interval"`
}

// EventFeedConfig configures the websocket observability sidecar.
type EventFeedConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
}

type LoggingConfig struct {
	Level      string   `toml:"level"`       // "debug", "info", "warn", "error"
	Output     []string `toml:"output"`      // "stdout", "file"
	TimeFormat string   `toml:"time_format"` // default "15:04:05.000"
}

// NewDefaultConfig returns a Config populated with conservative defaults.
func NewDefaultConfig() *Config {
	return &Config{
		JobStore: JobStoreConfig{
			Path: "./data/jobstore",
		},
		BatchSystem: BatchSystemConfig{
			MaxConcurrent: 16,
		},
		Leader: LeaderConfig{
			PollTimeout:          2 * time.Second,
			RescueFrequency:      60 * time.Second,
			MaxJobDuration:       24 * time.Hour,
			KillAfterNMissing:    3,
			MaxFailedJobLogLines: 100,
		},
		Scaler: ScalerConfig{
			Enabled:      false,
			PollInterval: 30 * time.Second,
		},
		EventFeed: EventFeedConfig{
			Enabled: false,
			Addr:    "127.0.0.1:9191",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Output:     []string{"stdout"},
			TimeFormat: "15:04:05.000",
		},
	}
}

// LoadFromFiles loads configuration from one or more TOML files, later files
// overriding earlier ones, layered on top of NewDefaultConfig. Environment
// variables are applied last and take highest priority.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)

	return config, nil
}

func applyEnvOverrides(config *Config) {
	if path := os.Getenv("LEADER_JOBSTORE_PATH"); path != "" {
		config.JobStore.Path = path
	}
	if cmd := os.Getenv("LEADER_WORKER_COMMAND"); cmd != "" {
		config.BatchSystem.WorkerCommand = cmd
	}
	if level := os.Getenv("LEADER_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if rescue := os.Getenv("LEADER_RESCUE_FREQUENCY"); rescue != "" {
		if d, err := time.ParseDuration(rescue); err == nil {
			config.Leader.RescueFrequency = d
		}
	}
	if maxDur := os.Getenv("LEADER_MAX_JOB_DURATION"); maxDur != "" {
		if d, err := time.ParseDuration(maxDur); err == nil {
			config.Leader.MaxJobDuration = d
		}
	}
	if n := os.Getenv("LEADER_KILL_AFTER_N_MISSING"); n != "" {
		if v, err := strconv.Atoi(n); err == nil {
			config.Leader.KillAfterNMissing = v
		}
	}
}

// ApplyFlagOverrides applies command-line flag overrides, which take priority
// over everything else.
func ApplyFlagOverrides(config *Config, jobStorePath, workerCommand string) {
	if jobStorePath != "" {
		config.JobStore.Path = jobStorePath
	}
	if workerCommand != "" {
		config.BatchSystem.WorkerCommand = workerCommand
	}
}

// RescueCronSpec renders the configured rescue frequency as a robfig/cron
// "@every" schedule spec.
func (c *Config) RescueCronSpec() string {
	return "@every " + c.Leader.RescueFrequency.String()
}

// ValidateScalerPollInterval rejects schedules that would hammer the
// provisioner; mirrors the teacher's cron-expression validation approach but
// against a plain duration since the Scaler poll is interval-based, not
// calendar-based.
func ValidateScalerPollInterval(d time.Duration) error {
	if d < time.Second {
		return fmt.Errorf("scaler poll interval must be at least 1s, got %s", d)
	}
	return nil
}

// ValidateCronSpec sanity-checks a rendered "@every ..." rescue schedule
// with the same parser options internal/leader uses when it parses its own
// rescue schedule in leader.New.
func ValidateCronSpec(spec string) error {
	parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(spec); err != nil {
		return fmt.Errorf("invalid cron spec %q: %w", spec, err)
	}
	return nil
}
