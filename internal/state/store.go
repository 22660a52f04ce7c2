// Package state records run history in a SQLite database.
// It tracks parallel and pipeline runs and the result of every task.
package state

import (
	"context"
	"time"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

// Run statuses.
const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// TaskStatus is the outcome of one task.
type TaskStatus string

// Task statuses.
const (
	TaskStatusSucceeded TaskStatus = "succeeded"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusSkipped   TaskStatus = "skipped"
	TaskStatusUpToDate  TaskStatus = "up_to_date"
)

// Run is one invocation of a parallel or pipeline command.
type Run struct {
	ID          string
	Kind        string
	Status      RunStatus
	StartedAt   time.Time
	CompletedAt *time.Time
	Error       string
}

// TaskResult is the recorded outcome of one task in a run.
type TaskResult struct {
	ID         string
	RunID      string
	Name       string
	Command    string
	Status     TaskStatus
	StartedAt  time.Time
	DurationMS int64
	Error      string
}

// Store persists runs and their task results.
type Store interface {
	CreateRun(ctx context.Context, kind string) (*Run, error)
	CompleteRun(ctx context.Context, id string, status RunStatus, errMsg string) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, limit int) ([]*Run, error)
	RecordTask(ctx context.Context, task *TaskResult) error
	ListTasks(ctx context.Context, runID string) ([]*TaskResult, error)
	Close() error
}
