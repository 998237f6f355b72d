// Package doctor validates shellgate configuration and the command whitelist.
package doctor

import (
	"encoding/json"
	"fmt"
	"net"
	"os/exec"
	"strings"
	"time"

	"github.com/mattjoyce/shellgate/internal/command"
	"github.com/mattjoyce/shellgate/internal/config"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates a loaded configuration.
type Doctor struct {
	cfg      *config.Config
	lookPath func(string) (string, error)
}

// New creates a Doctor from a loaded config.
func New(cfg *config.Config) *Doctor {
	return &Doctor{cfg: cfg, lookPath: exec.LookPath}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateServiceConfig(r)
	d.validateSchedulerConfig(r)
	d.validateAPIConfig(r)
	d.validateCommands(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// validateServiceConfig checks required service fields.
func (d *Doctor) validateServiceConfig(r *Result) {
	if d.cfg.State.Path == "" {
		d.addError(r, "service", "state.path", "state.path is required")
	}
	if d.cfg.Files.UploadsDir == "" {
		d.addError(r, "service", "files.uploads_dir", "files.uploads_dir is required")
	}
	if d.cfg.Files.DownloadsDir == "" {
		d.addError(r, "service", "files.downloads_dir", "files.downloads_dir is required")
	}
	if d.cfg.Files.UploadsDir != "" && d.cfg.Files.UploadsDir == d.cfg.Files.DownloadsDir {
		d.addWarning(r, "service", "files",
			"uploads_dir and downloads_dir are the same directory")
	}
}

func (d *Doctor) validateSchedulerConfig(r *Result) {
	s := d.cfg.Scheduler
	positive := []struct {
		field string
		value time.Duration
	}{
		{"scheduler.job_interval", s.JobInterval},
		{"scheduler.cleanup_interval", s.CleanupInterval},
		{"scheduler.job_retention", s.JobRetention},
		{"scheduler.default_command_timeout", s.DefaultCommandTimeout},
	}
	for _, p := range positive {
		if p.value <= 0 {
			d.addError(r, "scheduler", p.field, "must be positive")
		}
	}
	if s.JobRetention > 0 && s.JobRetention < s.CleanupInterval {
		d.addWarning(r, "scheduler", "scheduler.job_retention",
			"retention is shorter than the cleanup interval; jobs outlive their window by up to one interval")
	}
}

// validateAPIConfig checks API server settings.
func (d *Doctor) validateAPIConfig(r *Result) {
	if !d.cfg.API.Enabled {
		return
	}
	if d.cfg.API.Listen == "" {
		d.addError(r, "api", "api.listen", "api.listen is required when API is enabled")
		return
	}
	host, _, err := net.SplitHostPort(d.cfg.API.Listen)
	if err != nil {
		d.addError(r, "api", "api.listen", fmt.Sprintf("invalid listen address %q: %v", d.cfg.API.Listen, err))
		return
	}
	if ip := net.ParseIP(host); host != "localhost" && (ip == nil || !ip.IsLoopback()) {
		d.addWarning(r, "api", "api.listen",
			"API has no authentication and listens on a non-loopback address")
	}
}

// validateCommands checks the whitelist builds and every program resolves.
func (d *Doctor) validateCommands(r *Result) {
	if len(d.cfg.Commands) == 0 {
		d.addError(r, "commands", "commands", "at least one command is required")
		return
	}
	if _, err := command.NewRegistry(d.cfg.Commands); err != nil {
		d.addError(r, "commands", "commands", err.Error())
	}

	for i, def := range d.cfg.Commands {
		field := fmt.Sprintf("commands[%d]", i)
		if def.Name != "" {
			field = fmt.Sprintf("commands.%s", def.Name)
		}

		if bin := def.Binary(); bin != "" {
			if _, err := d.lookPath(bin); err != nil {
				d.addError(r, "commands", field+".exec",
					fmt.Sprintf("program %q not found: %v", bin, err))
			}
		}
		if def.Timeout == 0 {
			d.addWarning(r, "commands", field+".timeout",
				fmt.Sprintf("no timeout set; default_command_timeout (%s) applies", d.cfg.Scheduler.DefaultCommandTimeout))
		}

		seen := make(map[string]bool)
		for _, opt := range def.Options() {
			if seen[opt.Token] {
				d.addWarning(r, "commands", field+".exec",
					fmt.Sprintf("option token %q declared more than once; each occurrence consumes one match", opt.Token))
			}
			seen[opt.Token] = true
		}

		if !usesInput(def) {
			d.addWarning(r, "commands", field+".exec",
				"template has no input_file element; submitted input is ignored")
		}
	}
}

func usesInput(def command.Definition) bool {
	for _, el := range def.Exec {
		if _, ok := el.(command.InputFile); ok {
			return true
		}
	}
	return false
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid && len(r.Warnings) > 0 {
		b.WriteString("Configuration valid")
		fmt.Fprintf(&b, " (%d warning(s))\n", len(r.Warnings))
	}

	if !r.Valid {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
