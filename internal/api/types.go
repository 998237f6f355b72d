package api

import (
	"encoding/json"
	"time"
)

// RunRequest is the JSON body for POST /run. In multipart submissions the
// same document travels in the "data" field and the input in "file".
type RunRequest struct {
	Text    string          `json:"text,omitempty"`
	Command *CommandRequest `json:"command"`
}

// CommandRequest names the whitelisted command and its option tokens.
type CommandRequest struct {
	Name    string   `json:"name"`
	Options []string `json:"options"`
}

// RunResponse is returned when a job has been stored.
type RunResponse struct {
	Job string `json:"job"`
}

// JobStatusResponse is returned by GET /status/{jobID}
type JobStatusResponse struct {
	JobID     string          `json:"job_id"`
	Status    string          `json:"status"`
	Message   string          `json:"message"`
	Request   json.RawMessage `json:"request"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// CommandSummary describes one whitelisted command.
type CommandSummary struct {
	Name    string   `json:"name"`
	Usage   string   `json:"usage"`
	Options []string `json:"options"`
	Timeout string   `json:"timeout,omitempty"`
}

// CommandListResponse is returned by GET /commands.
type CommandListResponse struct {
	Commands []CommandSummary `json:"commands"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status         string         `json:"status"`
	UptimeSeconds  int64          `json:"uptime_seconds"`
	Jobs           map[string]int `json:"jobs"`
	CommandsLoaded int            `json:"commands_loaded"`
}
