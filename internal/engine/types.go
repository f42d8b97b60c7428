package engine

import (
	"encoding/json"
	"time"
)

// Match is a single hit as printed by the search binary.
type Match struct {
	ID         string     `json:"id"`
	Title      string     `json:"title"`
	Content    string     `json:"content"`
	Score      float64    `json:"score"`
	Path       string     `json:"path"`
	LineNumber int64      `json:"line_number"`
	IndexedAt  *time.Time `json:"indexed_at,omitempty"`
}

// SearchResponse is the document printed by `search`.
type SearchResponse struct {
	Query   string          `json:"query"`
	Results []Match         `json:"results"`
	Total   int             `json:"total"`
	Limit   int             `json:"limit"`
	Offset  int             `json:"offset"`
	Stats   json.RawMessage `json:"stats,omitempty"`
}

// Status is the document printed by `status`.
type Status struct {
	IndexExists    bool      `json:"index_exists"`
	IndexHealthy   bool      `json:"index_healthy"`
	TotalDocuments int       `json:"total_documents"`
	IndexSizeBytes uint64    `json:"index_size_bytes"`
	LastUpdated    time.Time `json:"last_updated"`
}

// Stats is the document printed by `stats`.
type Stats struct {
	TotalDocuments int       `json:"total_documents"`
	IndexSizeBytes uint64    `json:"index_size_bytes"`
	LastUpdated    time.Time `json:"last_updated"`
	SearchPath     string    `json:"search_path"`
}

// MaintenanceResult is the document printed by `maintenance <task>`.
type MaintenanceResult struct {
	Task       string    `json:"task"`
	Success    bool      `json:"success"`
	Message    string    `json:"message"`
	ExecutedAt time.Time `json:"executed_at"`
}

// PoolStats is a point-in-time view of the supervisor.
type PoolStats struct {
	Active      int64      `json:"active"`
	Queued      int64      `json:"queued"`
	Ceiling     int        `json:"ceiling"`
	Available   bool       `json:"available"`
	LastChecked *time.Time `json:"lastChecked,omitempty"`
	LastError   string     `json:"lastError,omitempty"`
}
