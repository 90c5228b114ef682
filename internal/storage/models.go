package storage

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// MergeRun is the persisted audit record of one reconciliation.
type MergeRun struct {
	ID           uuid.UUID
	Symbol       string
	Start        time.Time
	End          time.Time
	Adjust       string
	Primary      string
	Sources      []string
	FallbackUsed int
	Conflicts    int
	Unfilled     int
	Rows         int
	Status       string
	Error        *string
	Log          json.RawMessage
	CreatedAt    time.Time
}

// Merge run statuses.
const (
	StatusMerged = "merged"
	StatusSingle = "single"
	StatusEmpty  = "empty"
)
