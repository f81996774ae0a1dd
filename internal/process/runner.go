package process

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/dedupe-cli/internal/model"
)

// Executor runs the steps of a run somewhere: in-process goroutines or a
// Temporal workflow.
type Executor interface {
	// Launch starts driving a run from its current state.
	Launch(ctx context.Context, p model.ProcessStatus) error
	// Continue wakes a run that left manually merge.
	Continue(ctx context.Context, p model.ProcessStatus) error
}

// Runner is the job runner. It owns every ProcessStatus transition that is
// not part of a step.
type Runner struct {
	store    Store
	quota    QuotaChecker
	executor Executor
	now      func() time.Time
}

// NewRunner creates a Runner.
func NewRunner(st Store, q QuotaChecker, executor Executor) *Runner {
	return &Runner{store: st, quota: q, executor: executor, now: time.Now}
}

// Start creates a run for the tenant and launches it. It fails with
// model.ErrRunInProgress while another run is active unless force is set,
// in which case the active run is superseded.
func (r *Runner) Start(ctx context.Context, tenantID string, force bool) (*model.ProcessStatus, error) {
	p, err := r.store.CreateProcess(ctx, tenantID, force)
	if err != nil {
		return nil, err
	}
	log := zap.L().With(zap.String("tenant", tenantID), zap.String("process_id", p.ID))
	log.Info("process: run started", zap.Bool("force", force))

	if err := r.executor.Launch(ctx, *p); err != nil {
		log.Error("process: launch failed", zap.Error(err))
		failed, tErr := r.store.TransitionProcess(context.WithoutCancel(ctx), p.ID, model.ProcessUpdate{
			From:   model.ProcessFetching,
			To:     model.ProcessError,
			Status: "launch failed: " + err.Error(),
		})
		if tErr != nil {
			return nil, eris.Wrap(err, "process: launch run")
		}
		return failed, eris.Wrap(err, "process: launch run")
	}
	return p, nil
}

// Status returns the tenant's latest run, or nil when it has none.
func (r *Runner) Status(ctx context.Context, tenantID string) (*model.ProcessStatus, error) {
	return r.store.GetLatestProcess(ctx, tenantID)
}

// History returns the tenant's runs, newest first.
func (r *Runner) History(ctx context.Context, tenantID string, limit int) ([]model.ProcessStatus, error) {
	return r.store.ListProcesses(ctx, tenantID, limit)
}

// Finish ends manual merging for the tenant's run and starts finalization.
func (r *Runner) Finish(ctx context.Context, tenantID string) (*model.ProcessStatus, error) {
	p, err := r.latest(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if p.ProcessName != model.ProcessManualMerge {
		return nil, eris.Wrapf(model.ErrInvalidTransition, "finish run in state %q", p.ProcessName)
	}
	return r.advance(ctx, p, "Finalizing")
}

// AdvanceIfComplete finishes manual merging once every group of the
// tenant's run is merged. It is a no-op otherwise.
func (r *Runner) AdvanceIfComplete(ctx context.Context, tenantID string) error {
	p, err := r.store.GetLatestProcess(ctx, tenantID)
	if err != nil || p == nil || p.ProcessName != model.ProcessManualMerge {
		return err
	}
	remaining, err := r.store.CountUnmergedGroups(ctx, p.ID)
	if err != nil {
		return err
	}
	if remaining > 0 {
		return nil
	}
	_, err = r.advance(ctx, p, "All groups merged")
	if errors.Is(err, model.ErrStaleProcess) {
		return nil
	}
	return err
}

func (r *Runner) advance(ctx context.Context, p *model.ProcessStatus, status string) (*model.ProcessStatus, error) {
	next, err := r.store.TransitionProcess(ctx, p.ID, model.ProcessUpdate{
		From:   model.ProcessManualMerge,
		To:     model.ProcessUpdateHubspot,
		Status: status,
	})
	if err != nil {
		return nil, err
	}
	zap.L().Info("process: manual merge finished",
		zap.String("tenant", p.TenantID),
		zap.String("process_id", p.ID),
		zap.String("status", status),
	)
	if err := r.executor.Continue(ctx, *next); err != nil {
		return next, eris.Wrap(err, "process: continue run")
	}
	return next, nil
}

// Resume re-checks the quota of a run that stopped in exceed and, when the
// plan now covers it, re-enters filtering with the contacts already fetched.
func (r *Runner) Resume(ctx context.Context, tenantID string) (*model.ProcessStatus, error) {
	p, err := r.latest(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if p.ProcessName != model.ProcessExceed {
		return nil, eris.Wrapf(model.ErrInvalidTransition, "resume run in state %q", p.ProcessName)
	}

	verdict, err := r.quota.CheckAndMaybeExceed(ctx, tenantID, p.Count)
	if err != nil {
		return nil, err
	}
	if !verdict.Allowed() {
		return nil, eris.Wrap(model.ErrQuotaExceeded, verdict.Reason)
	}

	next, err := r.store.TransitionProcess(ctx, p.ID, model.ProcessUpdate{
		From:   model.ProcessExceed,
		To:     model.ProcessFiltering,
		Status: "Resumed after plan upgrade",
	})
	if err != nil {
		return nil, err
	}
	zap.L().Info("process: run resumed", zap.String("tenant", tenantID), zap.String("process_id", p.ID))
	if err := r.executor.Launch(ctx, *next); err != nil {
		return next, eris.Wrap(err, "process: launch resumed run")
	}
	return next, nil
}

// ReclaimStale moves runs that made no progress in a working state for
// staleAfter to the error state. It returns how many runs it moved.
func (r *Runner) ReclaimStale(ctx context.Context, staleAfter time.Duration) (int, error) {
	since := r.now().Add(-staleAfter)
	stale, err := r.store.ListStaleProcesses(ctx, since)
	if err != nil {
		return 0, err
	}
	reclaimed := 0
	for _, p := range stale {
		_, err := r.store.TransitionProcess(ctx, p.ID, model.ProcessUpdate{
			From:   p.ProcessName,
			To:     model.ProcessError,
			Status: fmt.Sprintf("stalled in %s since %s", p.ProcessName, p.UpdatedAt.UTC().Format(time.RFC3339)),
		})
		if errors.Is(err, model.ErrStaleProcess) {
			continue
		}
		if err != nil {
			return reclaimed, err
		}
		reclaimed++
		zap.L().Warn("process: reclaimed stale run",
			zap.String("tenant", p.TenantID),
			zap.String("process_id", p.ID),
			zap.String("state", string(p.ProcessName)),
		)
	}
	return reclaimed, nil
}

func (r *Runner) latest(ctx context.Context, tenantID string) (*model.ProcessStatus, error) {
	p, err := r.store.GetLatestProcess(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, eris.Wrapf(model.ErrNotFound, "no run for tenant %s", tenantID)
	}
	return p, nil
}
