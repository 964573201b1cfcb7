package resilience

import (
	"time"

	"github.com/google/uuid"
)

// DLQEntry records an article whose grouping pass failed permanently or
// exhausted its retries. Entries are persisted so failed articles can be
// reprocessed once the underlying issue is resolved.
type DLQEntry struct {
	ID           string    `json:"id"`
	ArticleID    string    `json:"article_id"`
	Category     string    `json:"category"`
	FailedStage  string    `json:"failed_stage"` // "validate", "decide", "adjudicate", "commit", "label"
	Error        string    `json:"error"`
	ErrorType    string    `json:"error_type"` // "transient" or "permanent"
	RetryCount   int       `json:"retry_count"`
	MaxRetries   int       `json:"max_retries"`
	NextRetryAt  time.Time `json:"next_retry_at"`
	CreatedAt    time.Time `json:"created_at"`
	LastFailedAt time.Time `json:"last_failed_at"`
}

// DLQFilter narrows which entries a store read returns.
type DLQFilter struct {
	Category    string
	FailedStage string
	ErrorType   string
	Limit       int
}

// NewDLQEntry creates a DLQ entry for a failed article.
func NewDLQEntry(articleID, category, stage string, err error, maxRetries int) *DLQEntry {
	now := time.Now().UTC()
	errType := "permanent"
	if IsTransient(err) {
		errType = "transient"
	}
	return &DLQEntry{
		ID:           uuid.NewString(),
		ArticleID:    articleID,
		Category:     category,
		FailedStage:  stage,
		Error:        err.Error(),
		ErrorType:    errType,
		RetryCount:   0,
		MaxRetries:   maxRetries,
		NextRetryAt:  now.Add(initialDLQBackoff),
		CreatedAt:    now,
		LastFailedAt: now,
	}
}

const initialDLQBackoff = 5 * time.Minute

// RecordFailure increments the retry count and schedules the next retry with
// exponential backoff (doubling per attempt, capped at 6 hours).
func (e *DLQEntry) RecordFailure(err error) {
	now := time.Now().UTC()
	e.RetryCount++
	e.Error = err.Error()
	e.LastFailedAt = now
	if IsTransient(err) {
		e.ErrorType = "transient"
	} else {
		e.ErrorType = "permanent"
	}

	backoff := initialDLQBackoff * time.Duration(1<<e.RetryCount)
	if backoff > 6*time.Hour {
		backoff = 6 * time.Hour
	}
	e.NextRetryAt = now.Add(backoff)
}

// Exhausted reports whether the entry has used up its retry budget.
// Permanent errors are exhausted immediately.
func (e *DLQEntry) Exhausted() bool {
	if e.ErrorType == "permanent" {
		return true
	}
	return e.RetryCount >= e.MaxRetries
}

// Due reports whether the entry is eligible for a retry at time now.
func (e *DLQEntry) Due(now time.Time) bool {
	return !e.Exhausted() && !now.Before(e.NextRetryAt)
}
