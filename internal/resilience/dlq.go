package resilience

import (
	"time"
)

// Error classes stored on dead letter entries.
const (
	ErrorTransient = "transient"
	ErrorPermanent = "permanent"
)

// DefaultDLQMaxRetries bounds replays of a failed delete.
const DefaultDLQMaxRetries = 5

// DLQEntry is a secondary contact whose delete-or-merge call failed during a
// group merge. Replaying it repeats the call against the same primary.
type DLQEntry struct {
	ID            string    `json:"id"`
	TenantID      string    `json:"tenant_id"`
	GroupID       int64     `json:"group_id"`
	ContactID     string    `json:"contact_id"`
	HubspotID     string    `json:"hubspot_id"`
	IntoHubspotID string    `json:"into_hubspot_id"`
	Error         string    `json:"error"`
	ErrorType     string    `json:"error_type"`
	RetryCount    int       `json:"retry_count"`
	MaxRetries    int       `json:"max_retries"`
	NextRetryAt   time.Time `json:"next_retry_at"`
	CreatedAt     time.Time `json:"created_at"`
	LastFailedAt  time.Time `json:"last_failed_at"`
}

// DLQFilter selects entries due for replay.
type DLQFilter struct {
	TenantID  string `json:"tenant_id,omitempty"`
	ErrorType string `json:"error_type,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// CanRetry reports whether the entry has replays left.
func (e *DLQEntry) CanRetry() bool {
	return e.RetryCount < e.MaxRetries
}

// NextAttempt returns when a replay that just failed should run again.
func (e *DLQEntry) NextAttempt(now time.Time) time.Time {
	cfg := DefaultRetryConfig()
	cfg.InitialBackoff = time.Minute
	cfg.MaxBackoff = 6 * time.Hour
	cfg.JitterFraction = 0
	return now.Add(Backoff(e.RetryCount, cfg))
}

// ClassifyError returns ErrorTransient or ErrorPermanent.
func ClassifyError(err error) string {
	if IsTransient(err) {
		return ErrorTransient
	}
	return ErrorPermanent
}
