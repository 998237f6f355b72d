package queue

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusNew        Status = "NEW"
	StatusInProgress Status = "IN_PROGRESS"
	StatusSuccess    Status = "SUCCESS"
	StatusFailed     Status = "FAILED"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{StatusNew, StatusInProgress, StatusSuccess, StatusFailed}

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, known := range Statuses {
		if s == known {
			return true
		}
	}
	return false
}

// CanTransition reports whether a job may move from s to next.
// Jobs only move forward: NEW -> IN_PROGRESS -> SUCCESS|FAILED.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusNew:
		return next == StatusInProgress
	case StatusInProgress:
		return next.Terminal()
	default:
		return false
	}
}

type Job struct {
	ID        string
	Status    Status
	Request   json.RawMessage
	Message   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewJob allocates a NEW job carrying request. The id is assigned up front so
// callers can stage the input file before the row becomes visible.
func NewJob(request json.RawMessage) *Job {
	now := time.Now().UTC()
	return &Job{
		ID:        uuid.NewString(),
		Status:    StatusNew,
		Request:   request,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// MessageDelimiter separates appended message fragments.
const MessageDelimiter = "\n"

var (
	ErrJobNotFound       = errors.New("job not found")
	ErrStatusConflict    = errors.New("job status changed concurrently")
	ErrInvalidTransition = errors.New("invalid status transition")
)
