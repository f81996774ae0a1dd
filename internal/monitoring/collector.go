// Package monitoring watches dedupe run health and posts alerts to a
// webhook when thresholds are breached.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/dedupe-cli/internal/model"
)

// recentRunLimit caps the runs read per collection.
const recentRunLimit = 10000

// MetricsSnapshot holds a point-in-time view of run health.
type MetricsSnapshot struct {
	// Runs created within the lookback window.
	RunsTotal    int     `json:"runs_total"`
	RunsFinished int     `json:"runs_finished"`
	RunsErrored  int     `json:"runs_errored"`
	RunsExceeded int     `json:"runs_exceeded"`
	RunsActive   int     `json:"runs_active"`
	RunFailRate  float64 `json:"run_fail_rate"`

	// Active runs in a working state with no progress since StaleAfter.
	RunsStalled int `json:"runs_stalled"`

	// Secondary deletes waiting for a retry, across tenants.
	DLQDepth int `json:"dlq_depth"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Store is the read side of the run store used by the collector.
type Store interface {
	ListRecentProcesses(ctx context.Context, since time.Time, limit int) ([]model.ProcessStatus, error)
	ListStaleProcesses(ctx context.Context, cutoff time.Time) ([]model.ProcessStatus, error)
	CountDLQ(ctx context.Context, tenantID string) (int, error)
}

// Collector gathers metrics from the store.
type Collector struct {
	store      Store
	staleAfter time.Duration
	now        func() time.Time
}

// NewCollector creates a metrics collector. Runs idle longer than
// staleAfter count as stalled; zero disables the stalled count.
func NewCollector(st Store, staleAfter time.Duration) *Collector {
	return &Collector{store: st, staleAfter: staleAfter, now: time.Now}
}

// Collect gathers a snapshot over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.now().UTC()
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}

	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)
	runs, err := c.store.ListRecentProcesses(ctx, cutoff, recentRunLimit)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list runs")
	}

	snap.RunsTotal = len(runs)
	for _, r := range runs {
		switch r.ProcessName {
		case model.ProcessFinished:
			snap.RunsFinished++
		case model.ProcessError:
			snap.RunsErrored++
		case model.ProcessExceed:
			snap.RunsExceeded++
		default:
			if r.Active {
				snap.RunsActive++
			}
		}
	}
	if ended := snap.RunsFinished + snap.RunsErrored; ended > 0 {
		snap.RunFailRate = float64(snap.RunsErrored) / float64(ended)
	}

	if c.staleAfter > 0 {
		stale, err := c.store.ListStaleProcesses(ctx, now.Add(-c.staleAfter))
		if err != nil {
			return nil, eris.Wrap(err, "monitoring: list stale runs")
		}
		snap.RunsStalled = len(stale)
	}

	dlqCount, err := c.store.CountDLQ(ctx, "")
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count dlq")
	}
	snap.DLQDepth = dlqCount

	return snap, nil
}
