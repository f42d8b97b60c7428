package results

import (
	"errors"
	"time"
)

var (
	ErrNotFound      = errors.New("result artifact not found")
	ErrInvalidPage   = errors.New("limit and offset must be non-negative")
	ErrInvalidTaskID = errors.New("invalid task id")
)

// State of a result artifact.
type State string

const (
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateStopped   State = "stopped"
)

// Record is one persisted match.
type Record struct {
	ID         string     `json:"id,omitempty"`
	Path       string     `json:"path"`
	LineNumber int64      `json:"lineNumber"`
	Score      float64    `json:"score"`
	Content    string     `json:"content"`
	Title      string     `json:"title,omitempty"`
	FoundAt    *time.Time `json:"foundAt,omitempty"`
}

// Meta describes an artifact. It is stored next to the data file.
type Meta struct {
	TaskID        string     `json:"taskId"`
	Query         string     `json:"query"`
	State         State      `json:"state"`
	Total         int        `json:"total"`
	ReportedTotal int        `json:"reportedTotal,omitempty"`
	StartedAt     time.Time  `json:"startedAt"`
	FinalizedAt   *time.Time `json:"finalizedAt,omitempty"`
}

// Page is a slice [Offset, Offset+Limit) of an artifact.
type Page struct {
	Records []Record `json:"results"`
	Total   int      `json:"total"`
	Offset  int      `json:"offset"`
	Limit   int      `json:"limit"`
	State   State    `json:"state"`
}
