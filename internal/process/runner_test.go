package process

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/dedupe-cli/internal/model"
	"github.com/sells-group/dedupe-cli/internal/quota"
)

func newLocalRunner(t *testing.T, f *fixture) (*Runner, *LocalExecutor) {
	t.Helper()
	exec := NewLocalExecutor(f.steps)
	t.Cleanup(func() { exec.Close() }) //nolint:errcheck
	return NewRunner(f.store, f.gate, exec), exec
}

func TestRunner_StartAndFinish(t *testing.T) {
	f := defaultFixture(t)
	r, exec := newLocalRunner(t, f)
	ctx := context.Background()
	f.expectContacts(dupContacts())

	p, err := r.Start(ctx, tenant, false)
	require.NoError(t, err)
	assert.Equal(t, model.ProcessFetching, p.ProcessName)
	exec.Wait()

	status, err := r.Status(ctx, tenant)
	require.NoError(t, err)
	assert.Equal(t, p.ID, status.ID)
	assert.Equal(t, model.ProcessManualMerge, status.ProcessName)

	done, err := r.Finish(ctx, tenant)
	require.NoError(t, err)
	assert.Equal(t, model.ProcessUpdateHubspot, done.ProcessName)
	exec.Wait()

	status, err = r.Status(ctx, tenant)
	require.NoError(t, err)
	assert.Equal(t, model.ProcessFinished, status.ProcessName)
	assert.Equal(t, "Merged 0 of 1 duplicate groups", status.Status)
	assert.NotEmpty(t, status.Artifact)
	assert.Equal(t, 1, f.exporter.groups)
}

func TestRunner_StatusWithoutRuns(t *testing.T) {
	f := defaultFixture(t)
	r, _ := newLocalRunner(t, f)

	status, err := r.Status(context.Background(), tenant)
	require.NoError(t, err)
	assert.Nil(t, status)

	_, err = r.Finish(context.Background(), tenant)
	assert.True(t, errors.Is(err, model.ErrNotFound))
}

func TestRunner_SingleActiveRun(t *testing.T) {
	f := defaultFixture(t)
	r, exec := newLocalRunner(t, f)
	ctx := context.Background()
	f.expectContacts(dupContacts())

	first, err := r.Start(ctx, tenant, false)
	require.NoError(t, err)
	exec.Wait()

	_, err = r.Start(ctx, tenant, false)
	assert.True(t, errors.Is(err, model.ErrRunInProgress))

	f.expectContacts(dupContacts())
	second, err := r.Start(ctx, tenant, true)
	require.NoError(t, err)
	exec.Wait()

	old, err := f.store.GetProcess(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ProcessError, old.ProcessName)
	assert.Equal(t, "superseded by "+second.ID, old.Status)

	history, err := r.History(ctx, tenant, 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, second.ID, history[0].ID)
	assert.Equal(t, first.ID, history[1].ID)
}

func TestRunner_FinishRequiresManualMerge(t *testing.T) {
	f := defaultFixture(t)
	r, _ := newLocalRunner(t, f)
	f.newProcess(t)

	_, err := r.Finish(context.Background(), tenant)
	assert.True(t, errors.Is(err, model.ErrInvalidTransition))
}

func TestRunner_AdvanceIfComplete(t *testing.T) {
	f := defaultFixture(t)
	r, exec := newLocalRunner(t, f)
	ctx := context.Background()
	f.expectContacts(dupContacts())

	p, err := r.Start(ctx, tenant, false)
	require.NoError(t, err)
	exec.Wait()

	require.NoError(t, r.AdvanceIfComplete(ctx, tenant))
	status, err := r.Status(ctx, tenant)
	require.NoError(t, err)
	assert.Equal(t, model.ProcessManualMerge, status.ProcessName)

	groups, err := f.store.ListProcessGroups(ctx, p.ID)
	require.NoError(t, err)
	for _, g := range groups {
		require.NoError(t, f.store.ClaimGroup(ctx, tenant, g.ID, "tok", time.Minute))
		require.NoError(t, f.store.CompleteGroupMerge(ctx, tenant, g.ID, "tok", g.Members, &model.MergeResult{Success: true}))
	}

	require.NoError(t, r.AdvanceIfComplete(ctx, tenant))
	exec.Wait()
	status, err = r.Status(ctx, tenant)
	require.NoError(t, err)
	assert.Equal(t, model.ProcessFinished, status.ProcessName)
	assert.Equal(t, "Merged 1 of 1 duplicate groups", status.Status)

	// A second call after the run moved on is a no-op.
	require.NoError(t, r.AdvanceIfComplete(ctx, tenant))
}

func TestRunner_ResumeAfterUpgrade(t *testing.T) {
	f := newFixture(t, quota.Limits{FreeContactLimit: 2, FreeMergeGroupLimit: 20})
	r, exec := newLocalRunner(t, f)
	ctx := context.Background()
	f.expectContacts(dupContacts())

	_, err := r.Start(ctx, tenant, false)
	require.NoError(t, err)
	exec.Wait()

	status, err := r.Status(ctx, tenant)
	require.NoError(t, err)
	require.Equal(t, model.ProcessExceed, status.ProcessName)

	_, err = r.Resume(ctx, tenant)
	assert.True(t, errors.Is(err, model.ErrQuotaExceeded))

	paid := model.PlanPaid
	active := model.PaymentActive
	_, err = quota.Provision(ctx, f.store, tenant, model.PlanChange{PlanType: &paid, PaymentStatus: &active})
	require.NoError(t, err)

	resumed, err := r.Resume(ctx, tenant)
	require.NoError(t, err)
	assert.Equal(t, model.ProcessFiltering, resumed.ProcessName)
	exec.Wait()

	status, err = r.Status(ctx, tenant)
	require.NoError(t, err)
	assert.Equal(t, model.ProcessManualMerge, status.ProcessName)
	assert.Equal(t, 3, status.Count)
	assert.True(t, status.Active)
}

func TestRunner_ResumeRequiresExceed(t *testing.T) {
	f := defaultFixture(t)
	r, _ := newLocalRunner(t, f)
	f.newProcess(t)

	_, err := r.Resume(context.Background(), tenant)
	assert.True(t, errors.Is(err, model.ErrInvalidTransition))
}

func TestRunner_ReclaimStale(t *testing.T) {
	f := defaultFixture(t)
	r, _ := newLocalRunner(t, f)
	ctx := context.Background()
	p := f.newProcess(t)

	n, err := r.ReclaimStale(ctx, 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	r.now = func() time.Time { return time.Now().Add(time.Hour) }
	n, err = r.ReclaimStale(ctx, 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got := f.process(t, p.ID)
	assert.Equal(t, model.ProcessError, got.ProcessName)
	assert.Contains(t, got.Status, "stalled in fetching")
	assert.False(t, got.Active)
}

type failingExecutor struct{}

func (failingExecutor) Launch(context.Context, model.ProcessStatus) error {
	return errors.New("temporal unreachable")
}

func (failingExecutor) Continue(context.Context, model.ProcessStatus) error {
	return errors.New("temporal unreachable")
}

func TestRunner_LaunchFailureErrorsRun(t *testing.T) {
	f := defaultFixture(t)
	r := NewRunner(f.store, f.gate, failingExecutor{})

	p, err := r.Start(context.Background(), tenant, false)
	require.Error(t, err)
	require.NotNil(t, p)
	assert.Equal(t, model.ProcessError, p.ProcessName)
	assert.Contains(t, p.Status, "temporal unreachable")

	// The failed run is not active, so a new one can start.
	_, err = f.store.CreateProcess(context.Background(), tenant, false)
	assert.NoError(t, err)
}

func TestLocalExecutor_CloseRejectsLaunch(t *testing.T) {
	f := defaultFixture(t)
	exec := NewLocalExecutor(f.steps)
	require.NoError(t, exec.Close())
	assert.Error(t, exec.Launch(context.Background(), model.ProcessStatus{ID: "p"}))
}

func TestLocalExecutor_LaunchRacingClose(t *testing.T) {
	f := defaultFixture(t)
	exec := NewLocalExecutor(f.steps)
	ctx := context.Background()

	const launchers = 16
	var wg sync.WaitGroup
	errs := make([]error, launchers)
	for i := 0; i < launchers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = exec.Launch(ctx, model.ProcessStatus{ID: fmt.Sprintf("missing-%d", i), TenantID: tenant})
		}(i)
	}
	require.NoError(t, exec.Close())
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			assert.True(t, errors.Is(err, ErrExecutorClosed), "got %v", err)
		}
	}
	err := exec.Launch(ctx, model.ProcessStatus{ID: "late", TenantID: tenant})
	assert.True(t, errors.Is(err, ErrExecutorClosed))
	require.NoError(t, exec.Close())
}
