package config

import (
	"time"

	"github.com/mattjoyce/shellgate/internal/command"
)

// Config represents the complete shellgate configuration.
type Config struct {
	Service   ServiceConfig        `yaml:"service"`
	State     StateConfig          `yaml:"state"`
	Files     FilesConfig          `yaml:"files"`
	Scheduler SchedulerConfig      `yaml:"scheduler"`
	API       APIConfig            `yaml:"api,omitempty"`
	Commands  []command.Definition `yaml:"commands"`
	Include   []string             `yaml:"include,omitempty"`

	// Path is the absolute path of the root config file.
	Path string `yaml:"-"`
	// SourceFiles lists the root file followed by every included file.
	SourceFiles []string `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// StateConfig defines state storage settings.
type StateConfig struct {
	Path string `yaml:"path"`
}

// FilesConfig defines where job input and output files live.
type FilesConfig struct {
	UploadsDir   string `yaml:"uploads_dir"`
	DownloadsDir string `yaml:"downloads_dir"`
}

// SchedulerConfig defines the job runner and housekeeping loops.
type SchedulerConfig struct {
	JobInterval           time.Duration `yaml:"job_interval"`
	CleanupInterval       time.Duration `yaml:"cleanup_interval"`
	JobRetention          time.Duration `yaml:"job_retention"`
	DefaultCommandTimeout time.Duration `yaml:"default_command_timeout"`
	TerminationGrace      time.Duration `yaml:"termination_grace"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Listen        string `yaml:"listen"`
	MaxInputBytes int64  `yaml:"max_input_bytes"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "shellgate",
			LogLevel:  "info",
			LogFormat: "json",
		},
		State: StateConfig{
			Path: "./data/state.db",
		},
		Files: FilesConfig{
			UploadsDir:   "./data/uploads",
			DownloadsDir: "./data/downloads",
		},
		Scheduler: SchedulerConfig{
			JobInterval:           time.Second,
			CleanupInterval:       10 * time.Second,
			JobRetention:          24 * time.Hour,
			DefaultCommandTimeout: time.Second,
			TerminationGrace:      2 * time.Second,
		},
		API: APIConfig{
			Enabled:       false,
			Listen:        "127.0.0.1:8080",
			MaxInputBytes: 10 << 20,
		},
	}
}

// TimeoutFor returns the run timeout for def.
func (c *Config) TimeoutFor(def command.Definition) time.Duration {
	if def.Timeout > 0 {
		return def.Timeout
	}
	return c.Scheduler.DefaultCommandTimeout
}
