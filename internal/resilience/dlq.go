package resilience

import (
	"time"

	"github.com/google/uuid"

	"github.com/sells-group/triage-loop/internal/model"
)

// Error classes recorded on dead-letter entries.
const (
	ErrorTransient = "transient"
	ErrorPermanent = "permanent"
)

// DLQEntry is an envelope a stage could not deliver after exhausting its
// retries. It is kept until a replay succeeds or MaxRetries replays fail.
type DLQEntry struct {
	ID           string          `json:"id"`
	RecordID     string          `json:"record_id"`
	Target       model.StageName `json:"target"`
	Route        string          `json:"route"`
	Envelope     model.Envelope  `json:"envelope"`
	Error        string          `json:"error"`
	ErrorType    string          `json:"error_type"`
	RetryCount   int             `json:"retry_count"`
	MaxRetries   int             `json:"max_retries"`
	NextRetryAt  time.Time       `json:"next_retry_at"`
	CreatedAt    time.Time       `json:"created_at"`
	LastFailedAt time.Time       `json:"last_failed_at"`
}

// NewDLQEntry builds an entry for an undeliverable envelope. The first
// replay is scheduled after backoff.
func NewDLQEntry(target model.StageName, route string, env model.Envelope, cause error, maxRetries int, backoff time.Duration) DLQEntry {
	now := time.Now().UTC()
	return DLQEntry{
		ID:           uuid.NewString(),
		RecordID:     env.RecordID,
		Target:       target,
		Route:        route,
		Envelope:     env,
		Error:        cause.Error(),
		ErrorType:    ClassifyError(cause),
		MaxRetries:   maxRetries,
		NextRetryAt:  now.Add(backoff),
		CreatedAt:    now,
		LastFailedAt: now,
	}
}

// DLQFilter specifies criteria for querying the dead letter queue.
type DLQFilter struct {
	ErrorType string `json:"error_type,omitempty"` // "transient", "permanent", or "" for all
	DueBefore time.Time
	Limit     int `json:"limit,omitempty"`
}

// CanRetry returns true if this entry hasn't exceeded its max retry count.
func (e *DLQEntry) CanRetry() bool {
	return e.RetryCount < e.MaxRetries
}

// Due reports whether the entry should be replayed at now.
func (e *DLQEntry) Due(now time.Time) bool {
	return e.CanRetry() && !e.NextRetryAt.After(now)
}

// ClassifyError categorizes an error as transient or permanent.
func ClassifyError(err error) string {
	if IsTransient(err) {
		return ErrorTransient
	}
	return ErrorPermanent
}
