package job

import (
	"errors"
	"time"
)

// ErrNotFound is returned when an approved job does not exist.
var ErrNotFound = errors.New("job not found")

// Status filters approved jobs.
type Status string

// Approved job statuses.
const (
	StatusPending  Status = "pending"
	StatusApplied  Status = "applied"
	StatusArchived Status = "archived"
)

// ParseStatus converts s to a Status, defaulting to pending.
func ParseStatus(s string) (Status, bool) {
	switch Status(s) {
	case "", StatusPending:
		return StatusPending, true
	case StatusApplied, StatusArchived:
		return Status(s), true
	}
	return "", false
}

// Stub is the minimum recorded for a link found on a search page.
type Stub struct {
	JobID    int64
	URL      string
	Location string
	Keyword  string
}

// Discovered is a job posting found by a scan.
type Discovered struct {
	ID           int64     `json:"id"`
	JobID        int64     `json:"job_id"`
	URL          string    `json:"url"`
	Title        string    `json:"title"`
	Description  string    `json:"description,omitempty"`
	Location     string    `json:"location"`
	Keyword      string    `json:"keyword"`
	Analyzed     bool      `json:"analyzed"`
	DiscoveredAt time.Time `json:"discovered_at"`
}

// Approved is a discovered job the evaluator judged a match.
type Approved struct {
	ID         int64      `json:"id"`
	Job        Discovered `json:"job"`
	Reason     string     `json:"reason"`
	ApprovedAt time.Time  `json:"approved_at"`
	AppliedAt  *time.Time `json:"applied_at,omitempty"`
	Archived   bool       `json:"archived"`
}

// Status reports where the approved job sits in the workflow.
func (a Approved) Status() Status {
	switch {
	case a.Archived:
		return StatusArchived
	case a.AppliedAt != nil:
		return StatusApplied
	default:
		return StatusPending
	}
}
