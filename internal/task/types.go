package task

import (
	"maps"
	"time"
)

type Type string

const (
	TypeSearch      Type = "search"
	TypeMaintenance Type = "maintenance"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusStopped   Status = "stopped"
)

// Terminal reports whether no transition can leave s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusStopped
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusStopped:
		return true
	}
	return false
}

func (t Type) Valid() bool { return t == TypeSearch || t == TypeMaintenance }

// Task is the durable record of one search or maintenance operation. Result
// holds counts and references only, never the matches themselves.
type Task struct {
	ID          string         `json:"id"`
	Type        Type           `json:"type"`
	Status      Status         `json:"status"`
	Progress    int            `json:"progress"`
	Total       int            `json:"total"`
	Operation   string         `json:"operation"`
	Params      map[string]any `json:"params"`
	Result      map[string]any `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	StartedAt   *time.Time     `json:"startedAt"`
	CompletedAt *time.Time     `json:"completedAt"`
}

// Clone returns a copy that shares nothing mutable with t.
func (t *Task) Clone() *Task {
	c := *t
	c.Params = maps.Clone(t.Params)
	c.Result = maps.Clone(t.Result)
	if t.StartedAt != nil {
		started := *t.StartedAt
		c.StartedAt = &started
	}
	if t.CompletedAt != nil {
		completed := *t.CompletedAt
		c.CompletedAt = &completed
	}
	return &c
}

// Patch lists the fields an update may change. Nil fields are left alone and
// Result keys are merged into the existing result.
type Patch struct {
	Progress  *int
	Total     *int
	Operation *string
	Result    map[string]any
	Error     *string
}

func Int(v int) *int          { return &v }
func String(v string) *string { return &v }

// Filter narrows List. Zero values match everything.
type Filter struct {
	Status Status
	Type   Type
	Limit  int
}

type Summary struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Stopped   int `json:"stopped"`
}

const (
	defaultTotal     = 100
	interruptedError = "interrupted by server restart"
)
