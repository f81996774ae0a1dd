package resilience

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDLQEntry_CanRetry(t *testing.T) {
	e := DLQEntry{RetryCount: 2, MaxRetries: 3}
	assert.True(t, e.CanRetry())
	e.RetryCount = 3
	assert.False(t, e.CanRetry())
}

func TestDLQEntry_NextAttemptBacksOff(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	first := DLQEntry{RetryCount: 0}
	third := DLQEntry{RetryCount: 2}
	assert.Equal(t, now.Add(time.Minute), first.NextAttempt(now))
	assert.Equal(t, now.Add(4*time.Minute), third.NextAttempt(now))
	assert.Equal(t, now.Add(6*time.Hour), (&DLQEntry{RetryCount: 20}).NextAttempt(now))
}

func TestClassifyError(t *testing.T) {
	assert.Equal(t, ErrorTransient, ClassifyError(errUnavailable))
	assert.Equal(t, ErrorPermanent, ClassifyError(errors.New("hubspot: 403")))
}
