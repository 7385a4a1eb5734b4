package models

import (
	"time"

	"github.com/google/uuid"
)

type RunStatus string

const (
	RunStatusRunning   RunStatus = "RUNNING"
	RunStatusCompleted RunStatus = "COMPLETED"
	RunStatusFailed    RunStatus = "FAILED"
)

// CrawlSession is the bookkeeping row for one scheduler run. Only the
// coordinating scheduler mutates the counters, and only while Status is
// RunStatusRunning.
type CrawlSession struct {
	ID          uuid.UUID  `json:"session_id" db:"session_id"`
	Status      RunStatus  `json:"status" db:"status"`
	StartedAt   time.Time  `json:"started_at" db:"started_at"`
	CompletedAt *time.Time `json:"completed_at" db:"completed_at"`
	TotalItems  int        `json:"total_items" db:"total_items"`
	NewVersions int        `json:"new_versions" db:"new_versions"`
	Unchanged   int        `json:"unchanged" db:"unchanged"`
	Errors      int        `json:"errors" db:"errors"`
}

func NewCrawlSession(totalItems int, now time.Time) *CrawlSession {
	return &CrawlSession{
		ID:         uuid.New(),
		Status:     RunStatusRunning,
		StartedAt:  now,
		TotalItems: totalItems,
	}
}

func (s *CrawlSession) Finalized() bool {
	return s.Status != RunStatusRunning
}

// Resolved is the number of items that have reached a final outcome.
func (s *CrawlSession) Resolved() int {
	return s.NewVersions + s.Unchanged + s.Errors
}

// Finalize freezes the session. A session with any item error, or one that
// was aborted, ends FAILED.
func (s *CrawlSession) Finalize(aborted bool, now time.Time) {
	if s.Finalized() {
		return
	}
	s.CompletedAt = &now
	if aborted || s.Errors > 0 {
		s.Status = RunStatusFailed
		return
	}
	s.Status = RunStatusCompleted
}
