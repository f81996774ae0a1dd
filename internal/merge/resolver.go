// Package merge resolves a duplicate group into one surviving contact and
// retires the other members in the CRM, exactly once per group.
package merge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/dedupe-cli/internal/crm"
	"github.com/sells-group/dedupe-cli/internal/lock"
	"github.com/sells-group/dedupe-cli/internal/model"
	"github.com/sells-group/dedupe-cli/internal/resilience"
	"github.com/sells-group/dedupe-cli/internal/store"
)

// Store is the persistence the resolver needs.
type Store interface {
	GetProcess(ctx context.Context, processID string) (*model.ProcessStatus, error)
	store.GroupStore
	store.DeadLetterStore
}

// Quota gates and counts merges. A group is reserved before the CRM is
// touched and released again if the merge is abandoned.
type Quota interface {
	AllowMerge(ctx context.Context, tenantID string) error
	ReserveMerge(ctx context.Context, tenantID string, groupID int64) error
	ReleaseMerge(ctx context.Context, tenantID string, groupID int64) error
}

// Advancer moves a tenant's run out of manual merge once every group is merged.
type Advancer interface {
	AdvanceIfComplete(ctx context.Context, tenantID string) error
}

// Options tunes the resolver.
type Options struct {
	// DeleteConcurrency bounds parallel secondary retirements per merge.
	DeleteConcurrency int
	// LockTTL bounds how long a crashed merge can block its group, on top of
	// the time its CRM calls may take.
	LockTTL time.Duration
	// CallBudget is the longest one CRM call can take, retries included.
	CallBudget    time.Duration
	DLQMaxRetries int
	DLQBatchSize  int
}

// Resolver applies merges.
type Resolver struct {
	store    Store
	crm      crm.Client
	quota    Quota
	locker   lock.Locker
	advancer Advancer
	opts     Options
	now      func() time.Time

	// resultRetry paces waits for a group's result lock during replays.
	resultRetry resilience.RetryConfig
}

// NewResolver creates a Resolver. advancer may be nil.
func NewResolver(st Store, client crm.Client, q Quota, locker lock.Locker, advancer Advancer, opts Options) *Resolver {
	if opts.DeleteConcurrency <= 0 {
		opts.DeleteConcurrency = 4
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 2 * time.Minute
	}
	if opts.CallBudget <= 0 {
		opts.CallBudget = 30 * time.Second
	}
	if opts.DLQMaxRetries <= 0 {
		opts.DLQMaxRetries = resilience.DefaultDLQMaxRetries
	}
	if opts.DLQBatchSize <= 0 {
		opts.DLQBatchSize = 100
	}
	if locker == nil {
		locker = lock.NewLocal()
	}
	return &Resolver{
		store:    st,
		crm:      client,
		quota:    q,
		locker:   locker,
		advancer: advancer,
		opts:     opts,
		now:      time.Now,
		resultRetry: resilience.RetryConfig{
			MaxAttempts:    10,
			InitialBackoff: 50 * time.Millisecond,
			MaxBackoff:     time.Second,
			Multiplier:     2,
			JitterFraction: 0.2,
			ShouldRetry:    func(err error) bool { return errors.Is(err, lock.ErrLocked) },
		},
	}
}

// ResolveMerge merges a group into primaryContactID, first writing the
// selected field values that differ from the primary's current values.
//
// A failed primary update leaves the group unmerged, issues no secondary
// calls and returns model.ErrUpstreamUpdateFailed together with the result
// describing the failure. Failed secondaries do not fail the merge; they are
// itemized in the result and queued for RetryFailedDeletes.
func (r *Resolver) ResolveMerge(ctx context.Context, tenantID string, groupID int64, primaryContactID string, selections model.FieldSelections) (*model.MergeResult, error) {
	return r.merge(ctx, tenantID, groupID, primaryContactID, selections, false)
}

// DirectMerge merges a group into primaryContactID keeping the primary's
// values unchanged. Only the secondary retirements reach the CRM.
func (r *Resolver) DirectMerge(ctx context.Context, tenantID string, groupID int64, primaryContactID string) (*model.MergeResult, error) {
	return r.merge(ctx, tenantID, groupID, primaryContactID, nil, true)
}

// FieldOptions returns the merge choices of a group.
func (r *Resolver) FieldOptions(ctx context.Context, tenantID string, groupID int64) (*model.FieldOptions, error) {
	g, err := r.store.GetGroup(ctx, tenantID, groupID)
	if err != nil {
		return nil, err
	}
	opts := model.BuildFieldOptions(*g)
	return &opts, nil
}

func (r *Resolver) merge(ctx context.Context, tenantID string, groupID int64, primaryID string, selections model.FieldSelections, direct bool) (*model.MergeResult, error) {
	log := zap.L().With(
		zap.String("tenant", tenantID),
		zap.Int64("group_id", groupID),
		zap.String("primary_id", primaryID),
		zap.Bool("direct", direct),
	)

	g, err := r.store.GetGroup(ctx, tenantID, groupID)
	if err != nil {
		return nil, err
	}
	if g.Merged {
		return nil, eris.Wrapf(model.ErrAlreadyMerged, "group %d", groupID)
	}
	if err := r.checkRun(ctx, g); err != nil {
		return nil, err
	}
	primary, ok := g.Member(primaryID)
	if !ok {
		return nil, eris.Wrapf(model.ErrInvalidMergeRequest, "contact %s is not a member of group %d", primaryID, groupID)
	}
	for name := range selections {
		if strings.TrimSpace(name) == "" {
			return nil, eris.Wrap(model.ErrInvalidMergeRequest, "field selection with an empty name")
		}
	}
	if err := r.quota.AllowMerge(ctx, tenantID); err != nil {
		return nil, err
	}

	ttl := r.mergeTTL(len(g.Members) - 1)
	release, err := r.locker.Acquire(ctx, lock.GroupKey(tenantID, groupID), ttl)
	if errors.Is(err, lock.ErrLocked) {
		return nil, eris.Wrapf(model.ErrMergeInProgress, "group %d", groupID)
	}
	if err != nil {
		return nil, eris.Wrap(err, "merge: acquire group lock")
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			log.Warn("merge: release group lock", zap.Error(err))
		}
	}()

	token := uuid.NewString()
	if err := r.store.ClaimGroup(ctx, tenantID, groupID, token, ttl); err != nil {
		return nil, err
	}
	if err := r.quota.ReserveMerge(ctx, tenantID, groupID); err != nil {
		r.releaseClaim(ctx, tenantID, groupID, token, log)
		return nil, err
	}

	result := &model.MergeResult{}
	if !direct {
		if delta := Delta(primary, selections); len(delta) > 0 {
			result.Details.Update = model.UpdateOutcome{Attempted: true, Fields: delta}
			newID, err := r.crm.UpdateContact(ctx, tenantID, primary.HubspotID, delta)
			if err != nil {
				result.Details.Update.Error = reason(err)
				result.Message = fmt.Sprintf("Primary contact update failed: %s", reason(err))
				r.abandon(ctx, tenantID, groupID, token, log)
				log.Warn("merge: primary update failed", zap.Error(err))
				return result, eris.Wrapf(model.ErrUpstreamUpdateFailed, "contact %s: %s", primary.HubspotID, reason(err))
			}
			for name, val := range delta {
				primary.Set(name, val)
			}
			if newID != "" && newID != primary.HubspotID {
				log.Info("merge: primary re-keyed", zap.String("from", primary.HubspotID), zap.String("to", newID))
				primary.HubspotID = newID
				result.Details.Update.NewHubspotID = newID
			}
		}
	}
	result.Details.Update.Success = true

	members, outcomes, errTypes := r.retireSecondaries(ctx, tenantID, g.Members, primary)
	result.Details.DeleteResults = outcomes
	result.Success = true
	result.Message = summarize(primary, outcomes)

	if err := r.store.CompleteGroupMerge(ctx, tenantID, groupID, token, members, result); err != nil {
		log.Error("merge: persist merged group", zap.Error(err))
		return result, eris.Wrapf(err, "merge: complete group %d", groupID)
	}

	r.enqueueFailures(ctx, tenantID, groupID, primary.HubspotID, outcomes, errTypes, log)

	if r.advancer != nil {
		if err := r.advancer.AdvanceIfComplete(ctx, tenantID); err != nil {
			log.Warn("merge: advance run", zap.Error(err))
		}
	}

	log.Info("merge: group merged",
		zap.Int("secondaries", len(outcomes)),
		zap.Int("failed", len(result.FailedDeletes())),
	)
	return result, nil
}

// retireSecondaries calls DeleteOrMergeContact for every member except the
// primary. Outcomes keep member order; errTypes classifies each failure by
// contact id.
func (r *Resolver) retireSecondaries(ctx context.Context, tenantID string, members []model.Contact, primary model.Contact) ([]model.Contact, []model.DeleteOutcome, map[string]string) {
	out := make([]model.Contact, len(members))
	outcomes := make([]model.DeleteOutcome, len(members))
	errs := make([]error, len(members))
	isSecondary := make([]bool, len(members))

	var g errgroup.Group
	g.SetLimit(r.opts.DeleteConcurrency)
	for i, m := range members {
		if m.ID == primary.ID {
			out[i] = primary
			continue
		}
		out[i] = m.Clone()
		isSecondary[i] = true
		g.Go(func() error {
			o := model.DeleteOutcome{ID: m.ID, HubspotID: m.HubspotID}
			if err := r.crm.DeleteOrMergeContact(ctx, tenantID, m.HubspotID, primary.HubspotID); err != nil {
				o.Error = reason(err)
				errs[i] = err
			} else {
				o.Success = true
				out[i].Deleted = true
			}
			outcomes[i] = o
			return nil
		})
	}
	_ = g.Wait()

	results := make([]model.DeleteOutcome, 0, len(members)-1)
	errTypes := make(map[string]string)
	for i, o := range outcomes {
		if !isSecondary[i] {
			continue
		}
		results = append(results, o)
		if errs[i] != nil {
			errTypes[o.ID] = resilience.ClassifyError(errs[i])
		}
	}
	return out, results, errTypes
}

// checkRun refuses groups whose run no longer waits in manually merge: a
// finalized, failed or superseded run's snapshot must not reach the CRM.
func (r *Resolver) checkRun(ctx context.Context, g *model.DuplicateGroup) error {
	p, err := r.store.GetProcess(ctx, g.ProcessID)
	if err != nil {
		return eris.Wrapf(err, "merge: load run of group %d", g.ID)
	}
	if !p.AcceptsMerges() {
		return eris.Wrapf(model.ErrInvalidTransition, "group %d belongs to run %s in state %q (active=%t)",
			g.ID, p.ID, p.ProcessName, p.Active)
	}
	return nil
}

// mergeTTL bounds how long a merge of n secondaries holds its lock and
// claim: the primary update, then ceil(n/DeleteConcurrency) waves of
// retirements, each at most one call budget.
func (r *Resolver) mergeTTL(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	waves := (n + r.opts.DeleteConcurrency - 1) / r.opts.DeleteConcurrency
	return r.opts.LockTTL + time.Duration(1+waves)*r.opts.CallBudget
}

// abandon undoes the claim and quota reservation of a merge that never
// changed the CRM.
func (r *Resolver) abandon(ctx context.Context, tenantID string, groupID int64, token string, log *zap.Logger) {
	if err := r.quota.ReleaseMerge(context.WithoutCancel(ctx), tenantID, groupID); err != nil {
		log.Warn("merge: release quota reservation", zap.Error(err))
	}
	r.releaseClaim(ctx, tenantID, groupID, token, log)
}

func (r *Resolver) releaseClaim(ctx context.Context, tenantID string, groupID int64, token string, log *zap.Logger) {
	if err := r.store.ReleaseGroup(context.WithoutCancel(ctx), tenantID, groupID, token); err != nil {
		log.Warn("merge: release claim", zap.Error(err))
	}
}

func (r *Resolver) enqueueFailures(ctx context.Context, tenantID string, groupID int64, intoID string, outcomes []model.DeleteOutcome, errTypes map[string]string, log *zap.Logger) {
	now := r.now()
	for _, o := range outcomes {
		if o.Success {
			continue
		}
		entry := resilience.DLQEntry{
			ID:            uuid.NewString(),
			TenantID:      tenantID,
			GroupID:       groupID,
			ContactID:     o.ID,
			HubspotID:     o.HubspotID,
			IntoHubspotID: intoID,
			Error:         o.Error,
			ErrorType:     errTypes[o.ID],
			MaxRetries:    r.opts.DLQMaxRetries,
			NextRetryAt:   now,
			CreatedAt:     now,
			LastFailedAt:  now,
		}
		if err := r.store.EnqueueDLQ(context.WithoutCancel(ctx), entry); err != nil {
			log.Error("merge: enqueue failed secondary", zap.String("contact_id", o.ID), zap.Error(err))
		}
	}
}

// Delta returns the selections whose value differs from the primary's
// current value. Empty selections never clear a field.
func Delta(primary model.Contact, selections model.FieldSelections) map[string]string {
	delta := make(map[string]string)
	for name, val := range selections {
		if val == "" {
			continue
		}
		if primary.Get(name) != val {
			delta[name] = val
		}
	}
	return delta
}

// reason renders a per-contact failure for the result details.
func reason(err error) string {
	if resilience.IsTimeout(err) {
		return "timeout"
	}
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return "crm unavailable: circuit open"
	}
	return err.Error()
}

func summarize(primary model.Contact, outcomes []model.DeleteOutcome) string {
	failed := 0
	for _, o := range outcomes {
		if !o.Success {
			failed++
		}
	}
	name := strings.TrimSpace(primary.FirstName + " " + primary.LastName)
	if name == "" {
		name = primary.HubspotID
	}
	if failed == 0 {
		return fmt.Sprintf("Merged %d contacts into %s", len(outcomes)+1, name)
	}
	return fmt.Sprintf("Merged into %s; %d of %d duplicates could not be removed and can be retried",
		name, failed, len(outcomes))
}
