package merge

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/dedupe-cli/internal/lock"
	"github.com/sells-group/dedupe-cli/internal/model"
	"github.com/sells-group/dedupe-cli/internal/resilience"
)

// RetryReport summarizes a replay of failed secondary retirements.
type RetryReport struct {
	Attempted int `json:"attempted"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Remaining int `json:"remaining"`
}

// RetryFailedDeletes replays the tenant's queued secondary retirements
// that are due. A replay that succeeds, or finds the contact already gone,
// removes the entry and marks the secondary retired in its group's result.
// A replay that fails is rescheduled with backoff until its retries run out.
func (r *Resolver) RetryFailedDeletes(ctx context.Context, tenantID string) (*RetryReport, error) {
	log := zap.L().With(zap.String("tenant", tenantID))

	entries, err := r.store.DequeueDLQ(ctx, resilience.DLQFilter{TenantID: tenantID, Limit: r.opts.DLQBatchSize})
	if err != nil {
		return nil, eris.Wrap(err, "merge: dequeue failed deletes")
	}

	report := &RetryReport{}
	for _, e := range entries {
		if ctx.Err() != nil {
			break
		}
		report.Attempted++

		err := r.crm.DeleteOrMergeContact(ctx, tenantID, e.HubspotID, e.IntoHubspotID)
		if err != nil {
			report.Failed++
			next := e.NextAttempt(r.now())
			if incErr := r.store.IncrementDLQRetry(ctx, e.ID, next, reason(err)); incErr != nil {
				return report, eris.Wrapf(incErr, "merge: reschedule %s", e.ID)
			}
			log.Warn("merge: replay failed",
				zap.String("contact_id", e.ContactID),
				zap.Int("retry_count", e.RetryCount+1),
				zap.Time("next_retry_at", next),
				zap.Error(err),
			)
			continue
		}

		report.Succeeded++
		if err := r.markRetired(ctx, tenantID, e.GroupID, e.ContactID); err != nil {
			if errors.Is(err, lock.ErrLocked) {
				// Kept queued; the next replay finds the contact gone and
				// records it then.
				log.Warn("merge: group result busy, replay kept queued",
					zap.Int64("group_id", e.GroupID), zap.String("contact_id", e.ContactID))
				continue
			}
			log.Warn("merge: update group after replay", zap.Int64("group_id", e.GroupID), zap.Error(err))
		}
		if err := r.store.RemoveDLQ(ctx, e.ID); err != nil {
			return report, eris.Wrapf(err, "merge: remove %s", e.ID)
		}
	}

	remaining, err := r.store.CountDLQ(ctx, tenantID)
	if err != nil {
		return report, eris.Wrap(err, "merge: count failed deletes")
	}
	report.Remaining = remaining

	log.Info("merge: replayed failed deletes",
		zap.Int("attempted", report.Attempted),
		zap.Int("succeeded", report.Succeeded),
		zap.Int("remaining", report.Remaining),
	)
	return report, nil
}

// markRetired flips a secondary's outcome to success in a merged group. The
// read-modify-write holds the group's result lock so concurrent replays of
// the same group keep each other's outcomes.
func (r *Resolver) markRetired(ctx context.Context, tenantID string, groupID int64, contactID string) error {
	key := lock.ResultKey(tenantID, groupID)
	release, err := resilience.DoVal(ctx, r.resultRetry, func(ctx context.Context) (lock.ReleaseFunc, error) {
		return r.locker.Acquire(ctx, key, r.opts.LockTTL)
	})
	if err != nil {
		return eris.Wrapf(err, "merge: lock result of group %d", groupID)
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			zap.L().Warn("merge: release result lock", zap.String("key", key), zap.Error(err))
		}
	}()

	g, err := r.store.GetGroup(ctx, tenantID, groupID)
	if err != nil {
		return err
	}
	if g.MergeResult == nil {
		return eris.Errorf("merge: group %d has no merge result", groupID)
	}

	var primary model.Contact
	for i := range g.Members {
		if g.Members[i].ID == contactID {
			g.Members[i].Deleted = true
		}
	}
	for i := range g.MergeResult.Details.DeleteResults {
		o := &g.MergeResult.Details.DeleteResults[i]
		if o.ID == contactID {
			o.Success = true
			o.Error = ""
		}
	}
	secondaries := make(map[string]bool, len(g.MergeResult.Details.DeleteResults))
	for _, o := range g.MergeResult.Details.DeleteResults {
		secondaries[o.ID] = true
	}
	for _, m := range g.Members {
		if !secondaries[m.ID] {
			primary = m
			break
		}
	}
	g.MergeResult.Message = summarize(primary, g.MergeResult.Details.DeleteResults)
	return r.store.UpdateMergeResult(ctx, tenantID, groupID, g.Members, g.MergeResult)
}
