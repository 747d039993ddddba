package models

import (
	"time"
)

// Status enumerates report lifecycle states persisted in the store.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further automatic transition happens from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Report is one requested report and its generation lifecycle.
type Report struct {
	ID          int64      `json:"id"`
	Title       string     `json:"title"`
	Status      Status     `json:"status"`
	ResultURL   *string    `json:"result_url"`
	RetryCount  int        `json:"retry_count"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at"`
}
