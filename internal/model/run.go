package model

import "time"

// RunStatus tracks the lifecycle of one grouping pass.
type RunStatus string

const (
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusFailed   RunStatus = "failed"
)

// RunSummary tallies what one grouping pass did, for run records and alert
// thresholds.
type RunSummary struct {
	Processed   int `json:"processed"`
	Assigned    int `json:"assigned"`
	Created     int `json:"created"`
	Escalated   int `json:"escalated"`
	Fallbacks   int `json:"fallbacks"`
	Rejected    int `json:"rejected"`
	Unplaced    int `json:"unplaced"`
	Relabeled   int `json:"relabeled"`
	DLQEnqueued int `json:"dlq_enqueued"`
}

// Add accumulates another summary into s.
func (s *RunSummary) Add(other RunSummary) {
	s.Processed += other.Processed
	s.Assigned += other.Assigned
	s.Created += other.Created
	s.Escalated += other.Escalated
	s.Fallbacks += other.Fallbacks
	s.Rejected += other.Rejected
	s.Unplaced += other.Unplaced
	s.Relabeled += other.Relabeled
	s.DLQEnqueued += other.DLQEnqueued
}

// Run records one grouping pass over the pending queue.
type Run struct {
	ID         string     `json:"id"`
	Status     RunStatus  `json:"status"`
	Summary    RunSummary `json:"summary"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt time.Time  `json:"finished_at,omitempty"`
}
