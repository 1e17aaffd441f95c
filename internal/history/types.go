package history

import (
	"errors"
	"time"
)

var ErrClosed = errors.New("history store closed")

// Config configures the store.
//
// If Driver is empty or "none", history is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Status is the outcome of one dispatch attempt.
type Status string

const (
	StatusFinished  Status = "finished"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusNotFound  Status = "not_found"
)

// Run is one dispatch attempt of a unit.
// Keep it compact and schema-stable.
type Run struct {
	ID         string    `json:"id"`
	Unit       string    `json:"unit"`
	Cycle      uint64    `json:"cycle"`
	Status     Status    `json:"status"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	TookMS     int64     `json:"took_ms"`
	Error      string    `json:"error,omitempty"`
}

// Query selects runs, newest first.
type Query struct {
	Unit  string    // empty means all units
	Since time.Time // zero means no lower bound
	Limit int       // <= 0 means DefaultLimit
}

const DefaultLimit = 50

func (q Query) limit() int {
	if q.Limit <= 0 {
		return DefaultLimit
	}
	return q.Limit
}

func (q Query) match(r Run) bool {
	if q.Unit != "" && r.Unit != q.Unit {
		return false
	}
	if !q.Since.IsZero() && r.FinishedAt.Before(q.Since) {
		return false
	}
	return true
}
