package models

import (
	"fmt"
	"time"
)

// TaskKind represents the type of billable compute request
type TaskKind string

const (
	KindImage TaskKind = "IMAGE" // Single image generation
	KindVideo TaskKind = "VIDEO" // Video generation
)

// Valid reports whether the kind is a known task kind
func (k TaskKind) Valid() bool {
	switch k {
	case KindImage, KindVideo:
		return true
	}
	return false
}

// TaskStatus represents the current state of a task
type TaskStatus string

const (
	TaskCreated   TaskStatus = "created"   // Reserved, compute not yet started
	TaskRunning   TaskStatus = "running"   // Compute in progress
	TaskSucceeded TaskStatus = "succeeded" // Terminal, cost kept
	TaskFailed    TaskStatus = "failed"    // Terminal, cost refunded
)

// Valid reports whether the status is a known task status
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskCreated, TaskRunning, TaskSucceeded, TaskFailed:
		return true
	}
	return false
}

// Terminal reports whether the status permits no further transitions
func (s TaskStatus) Terminal() bool {
	return s == TaskSucceeded || s == TaskFailed
}

// CanTransitionTo reports whether the state machine allows moving from s to
// next. Tasks follow created -> running -> {succeeded|failed}; failure is
// also allowed directly from created (the orchestrator may fail a task
// before it ever starts).
func (s TaskStatus) CanTransitionTo(next TaskStatus) bool {
	switch next {
	case TaskRunning:
		return s == TaskCreated
	case TaskSucceeded:
		return s == TaskRunning
	case TaskFailed:
		return s == TaskCreated || s == TaskRunning
	}
	return false
}

// Task represents one billable compute request
type Task struct {
	ID          string     `json:"id"`
	AccountID   string     `json:"account_id"`
	Kind        TaskKind   `json:"kind"`
	Cost        int64      `json:"cost"` // Credits, fixed by kind at creation
	Status      TaskStatus `json:"status"`
	AdminBypass bool       `json:"admin_bypass"`
	OutputRef   string     `json:"output_ref,omitempty"`
	Metadata    string     `json:"metadata,omitempty"`
	DurationMS  int64      `json:"duration_ms,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   time.Time  `json:"started_at,omitempty"`
	EndedAt     time.Time  `json:"ended_at,omitempty"`
}

// CostTable maps task kinds to their credit cost. Fixed at process start;
// callers never supply a cost.
type CostTable struct {
	Image int64
	Video int64
}

// DefaultCostTable returns the standard pricing (IMAGE=1, VIDEO=5 credits).
func DefaultCostTable() CostTable {
	return CostTable{Image: 1, Video: 5}
}

// CostOf returns the credit cost for a task kind
func (c CostTable) CostOf(kind TaskKind) (int64, error) {
	switch kind {
	case KindImage:
		return c.Image, nil
	case KindVideo:
		return c.Video, nil
	}
	return 0, fmt.Errorf("unknown task kind: %q", kind)
}
