// Package inspect builds a diagnostic report for a single job: its stored
// request, the argv it binds to today, and what is on disk for it.
package inspect

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/mattjoyce/shellgate/internal/command"
	"github.com/mattjoyce/shellgate/internal/files"
	"github.com/mattjoyce/shellgate/internal/queue"
)

// tailBytes bounds how much of each output file the report embeds.
const tailBytes = 2048

// JobGetter loads a job by id.
type JobGetter interface {
	Get(ctx context.Context, id string) (*queue.Job, error)
}

// Layout locates a job's files.
type Layout interface {
	InputPath(jobID string) string
	OutputPath(jobID string, s files.Stream) string
}

// Binder re-binds a stored request against the current whitelist.
type Binder interface {
	Bind(name string, tokens []string, inputPath string) (command.Definition, []string, error)
}

// Report is the structured JSON representation of a job report.
type Report struct {
	JobID     string          `json:"job_id"`
	Status    queue.Status    `json:"status"`
	Command   string          `json:"command"`
	Options   []string        `json:"options"`
	Request   json.RawMessage `json:"request"`
	Argv      []string        `json:"argv,omitempty"`
	BindError string          `json:"bind_error,omitempty"`
	Messages  []string        `json:"messages,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	Artifacts []Artifact      `json:"artifacts"`
}

// Artifact is one of the job's files.
type Artifact struct {
	Role   string `json:"role"`
	Path   string `json:"path"`
	Exists bool   `json:"exists"`
	Size   int64  `json:"size"`
	Tail   string `json:"tail,omitempty"`
}

// Build gathers the report for jobID. The argv is bound against binder as it
// is now, which may differ from what ran if the whitelist changed since.
func Build(ctx context.Context, store JobGetter, layout Layout, binder Binder, jobID string) (*Report, error) {
	if strings.TrimSpace(jobID) == "" {
		return nil, fmt.Errorf("job_id is required")
	}

	job, err := store.Get(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("load job %q: %w", jobID, err)
	}

	report := &Report{
		JobID:     job.ID,
		Status:    job.Status,
		Request:   job.Request,
		CreatedAt: job.CreatedAt,
		UpdatedAt: job.UpdatedAt,
	}
	if job.Message != "" {
		report.Messages = strings.Split(job.Message, queue.MessageDelimiter)
	}

	req, err := command.ParseRequest(job.Request)
	if err != nil {
		report.BindError = err.Error()
	} else {
		report.Command = req.Command.Name
		report.Options = req.Command.Options
		if _, argv, err := binder.Bind(req.Command.Name, req.Command.Options, layout.InputPath(job.ID)); err != nil {
			report.BindError = err.Error()
		} else {
			report.Argv = argv
		}
	}

	report.Artifacts = []Artifact{
		statArtifact("input", layout.InputPath(job.ID), false),
		statArtifact("stdout", layout.OutputPath(job.ID, files.Stdout), true),
		statArtifact("stderr", layout.OutputPath(job.ID, files.Stderr), true),
	}
	return report, nil
}

func statArtifact(role, path string, withTail bool) Artifact {
	a := Artifact{Role: role, Path: path}
	info, err := os.Stat(path)
	if err != nil {
		return a
	}
	a.Exists = true
	a.Size = info.Size()
	if withTail && a.Size > 0 {
		a.Tail, _ = readTail(path, tailBytes)
	}
	return a
}

func readTail(path string, max int64) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", err
	}
	if info.Size() > max {
		if _, err := f.Seek(info.Size()-max, io.SeekStart); err != nil {
			return "", err
		}
	}
	data, err := io.ReadAll(io.LimitReader(f, max))
	if err != nil {
		return "", err
	}
	return strings.ToValidUTF8(string(data), ""), nil
}

// Render returns a terminal-friendly report.
func Render(r *Report) string {
	var out strings.Builder
	fmt.Fprintf(&out, "Job Report\n")
	fmt.Fprintf(&out, "Job ID      : %s\n", r.JobID)
	fmt.Fprintf(&out, "Status      : %s\n", r.Status)
	fmt.Fprintf(&out, "Command     : %s\n", renderUnset(r.Command, "<unparseable request>"))
	fmt.Fprintf(&out, "Options     : %s\n", renderUnset(strings.Join(r.Options, " "), "<none>"))
	fmt.Fprintf(&out, "Created     : %s\n", r.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(&out, "Updated     : %s\n", r.UpdatedAt.Format(time.RFC3339))
	if r.BindError != "" {
		fmt.Fprintf(&out, "Argv        : <%s>\n", r.BindError)
	} else {
		fmt.Fprintf(&out, "Argv        : %s\n", strings.Join(r.Argv, " "))
	}
	fmt.Fprintf(&out, "\n")

	fmt.Fprintf(&out, "request:\n")
	for _, line := range strings.Split(strings.TrimSpace(prettyJSON(r.Request)), "\n") {
		fmt.Fprintf(&out, "  %s\n", line)
	}

	if len(r.Messages) > 0 {
		fmt.Fprintf(&out, "messages:\n")
		for _, m := range r.Messages {
			fmt.Fprintf(&out, "  - %s\n", m)
		}
	}

	fmt.Fprintf(&out, "artifacts:\n")
	for _, a := range r.Artifacts {
		if !a.Exists {
			fmt.Fprintf(&out, "  %-6s : %s (missing)\n", a.Role, a.Path)
			continue
		}
		fmt.Fprintf(&out, "  %-6s : %s (%d bytes)\n", a.Role, a.Path, a.Size)
		if a.Tail != "" {
			for _, line := range strings.Split(strings.TrimRight(a.Tail, "\n"), "\n") {
				fmt.Fprintf(&out, "           | %s\n", line)
			}
		}
	}

	return out.String()
}

// RenderJSON returns the machine-readable report.
func RenderJSON(r *Report) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json report: %w", err)
	}
	return string(data), nil
}

func prettyJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	var out bytes.Buffer
	if err := json.Indent(&out, raw, "", "  "); err != nil {
		return string(raw)
	}
	return out.String()
}

func renderUnset(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
