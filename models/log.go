package models

import (
	"time"

	"github.com/google/uuid"
)

// ItemError is the persisted record of an item that did not produce a
// document. Rows are kept for operator review after the run.
type ItemError struct {
	ID         int64     `json:"id" db:"id"`
	SessionID  uuid.UUID `json:"session_id" db:"session_id"`
	SequenceID int       `json:"sequence_id" db:"sequence_id"`
	URL        string    `json:"url" db:"url"`
	Kind       ErrorKind `json:"kind" db:"kind"`
	Message    string    `json:"message" db:"message"`
	Attempts   int       `json:"attempts" db:"attempts"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}
