package db

import "time"

// SyncRun is an archived sync run
type SyncRun struct {
	RunID      string
	State      string
	CreatedAt  time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
	Deadline   *time.Time
	Results    []RunResult
}

// RunResult is the recorded outcome of one metric within a run
type RunResult struct {
	MetricID string
	Status   string
	Reason   string
}

// Outbox item statuses
const (
	OutboxPending = "pending"
	OutboxFailed  = "failed"
)

// OutboxItem is a payload awaiting delivery
type OutboxItem struct {
	PayloadID string
	MetricID  string
	Body      []byte
	Attempt   int
	Status    string
	CreatedAt time.Time
	UpdatedAt time.Time
	LastError string
}
