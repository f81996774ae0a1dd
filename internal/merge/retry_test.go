package merge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/dedupe-cli/internal/lock"
	"github.com/sells-group/dedupe-cli/internal/resilience"
)

func resilienceFilter() resilience.DLQFilter {
	return resilience.DLQFilter{TenantID: tenant}
}

func TestRetryFailedDeletes_Success(t *testing.T) {
	f := defaultFixture(t)
	g := f.seed(t, abc())[0]
	ctx := context.Background()

	f.crm.On("DeleteOrMergeContact", mock.Anything, tenant, "102", "101").Return(errors.New("hubspot: status 500: oops")).Once()
	f.crm.On("DeleteOrMergeContact", mock.Anything, tenant, "103", "101").Return(nil).Once()
	_, err := f.resolver.DirectMerge(ctx, tenant, g.ID, "a")
	require.NoError(t, err)

	f.crm.On("DeleteOrMergeContact", mock.Anything, tenant, "102", "101").Return(nil).Once()
	report, err := f.resolver.RetryFailedDeletes(ctx, tenant)
	require.NoError(t, err)
	assert.Equal(t, &RetryReport{Attempted: 1, Succeeded: 1}, report)

	stored, err := f.store.GetGroup(ctx, tenant, g.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.MergeResult)
	assert.False(t, stored.MergeResult.PartialFailure())
	assert.Equal(t, "Merged 3 contacts into Jane Doe", stored.MergeResult.Message)
	b, _ := stored.Member("b")
	assert.True(t, b.Deleted)

	report, err = f.resolver.RetryFailedDeletes(ctx, tenant)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Attempted)
}

func TestRetryFailedDeletes_FailureReschedules(t *testing.T) {
	f := defaultFixture(t)
	g := f.seed(t, pair(1))[0]
	ctx := context.Background()

	f.crm.On("DeleteOrMergeContact", mock.Anything, tenant, "102", "101").Return(errors.New("still broken")).Twice()
	_, err := f.resolver.DirectMerge(ctx, tenant, g.ID, "p1")
	require.NoError(t, err)

	report, err := f.resolver.RetryFailedDeletes(ctx, tenant)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Attempted)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.Remaining)

	// Rescheduled with backoff, so nothing is due right away.
	report, err = f.resolver.RetryFailedDeletes(ctx, tenant)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Attempted)
	assert.Equal(t, 1, report.Remaining)

	stored, err := f.store.GetGroup(ctx, tenant, g.ID)
	require.NoError(t, err)
	assert.True(t, stored.MergeResult.PartialFailure())
}

func TestMarkRetired_ConcurrentReplaysKeepBothOutcomes(t *testing.T) {
	f := defaultFixture(t)
	g := f.seed(t, abc())[0]
	ctx := context.Background()

	f.crm.On("DeleteOrMergeContact", mock.Anything, tenant, mock.Anything, "101").Return(errors.New("hubspot: status 500: oops")).Twice()
	_, err := f.resolver.DirectMerge(ctx, tenant, g.ID, "a")
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, id := range []string{"b", "c"} {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			errs[i] = f.resolver.markRetired(ctx, tenant, g.ID, id)
		}(i, id)
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	stored, err := f.store.GetGroup(ctx, tenant, g.ID)
	require.NoError(t, err)
	for _, id := range []string{"b", "c"} {
		m, ok := stored.Member(id)
		require.True(t, ok)
		assert.True(t, m.Deleted, id)
	}
	for _, o := range stored.MergeResult.Details.DeleteResults {
		assert.True(t, o.Success, o.ID)
	}
	assert.False(t, stored.MergeResult.PartialFailure())
}

func TestRetryFailedDeletes_BusyResultStaysQueued(t *testing.T) {
	f := defaultFixture(t)
	g := f.seed(t, pair(1))[0]
	ctx := context.Background()

	f.crm.On("DeleteOrMergeContact", mock.Anything, tenant, "102", "101").Return(errors.New("hubspot: status 500: oops")).Once()
	_, err := f.resolver.DirectMerge(ctx, tenant, g.ID, "p1")
	require.NoError(t, err)

	f.resolver.resultRetry.MaxAttempts = 2
	f.resolver.resultRetry.InitialBackoff = time.Millisecond
	release, err := f.resolver.locker.Acquire(ctx, lock.ResultKey(tenant, g.ID), time.Minute)
	require.NoError(t, err)

	f.crm.On("DeleteOrMergeContact", mock.Anything, tenant, "102", "101").Return(nil).Twice()
	report, err := f.resolver.RetryFailedDeletes(ctx, tenant)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Succeeded)
	assert.Equal(t, 1, report.Remaining)

	stored, err := f.store.GetGroup(ctx, tenant, g.ID)
	require.NoError(t, err)
	assert.True(t, stored.MergeResult.PartialFailure())

	require.NoError(t, release(ctx))
	report, err = f.resolver.RetryFailedDeletes(ctx, tenant)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Succeeded)
	assert.Equal(t, 0, report.Remaining)

	stored, err = f.store.GetGroup(ctx, tenant, g.ID)
	require.NoError(t, err)
	assert.False(t, stored.MergeResult.PartialFailure())
}
