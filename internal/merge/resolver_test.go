package merge

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/dedupe-cli/internal/crm/mocks"
	"github.com/sells-group/dedupe-cli/internal/lock"
	"github.com/sells-group/dedupe-cli/internal/model"
	"github.com/sells-group/dedupe-cli/internal/quota"
	"github.com/sells-group/dedupe-cli/internal/store"
)

const tenant = "acme"

type fakeAdvancer struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeAdvancer) AdvanceIfComplete(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return nil
}

type fixture struct {
	resolver *Resolver
	store    store.Store
	crm      *mocks.MockClient
	advancer *fakeAdvancer
}

func newFixture(t *testing.T, limits quota.Limits) *fixture {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "merge.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() }) //nolint:errcheck
	require.NoError(t, s.Migrate(context.Background()))

	gate := quota.NewGate(s, s, limits)
	_, err = gate.CheckAndMaybeExceed(context.Background(), tenant, 10)
	require.NoError(t, err)

	client := mocks.NewMockClient(t)
	adv := &fakeAdvancer{}
	r := NewResolver(s, client, gate, lock.NewLocal(), adv, Options{DeleteConcurrency: 2})
	return &fixture{resolver: r, store: s, crm: client, advancer: adv}
}

func defaultFixture(t *testing.T) *fixture {
	return newFixture(t, quota.Limits{FreeContactLimit: 1000, FreeMergeGroupLimit: 100})
}

// seed stores one group per member set and returns the saved groups.
func (f *fixture) seed(t *testing.T, memberSets ...[]model.Contact) []model.DuplicateGroup {
	t.Helper()
	ctx := context.Background()
	p, err := f.store.CreateProcess(ctx, tenant, true)
	require.NoError(t, err)

	groups := make([]model.DuplicateGroup, len(memberSets))
	for i, members := range memberSets {
		groups[i] = model.DuplicateGroup{TenantID: tenant, Members: members}
	}
	saved, err := f.store.SaveGroups(ctx, p.ID, groups)
	require.NoError(t, err)
	_, err = f.store.TransitionProcess(ctx, p.ID, model.ProcessUpdate{From: model.ProcessFetching, To: model.ProcessFiltering})
	require.NoError(t, err)
	_, err = f.store.TransitionProcess(ctx, p.ID, model.ProcessUpdate{From: model.ProcessFiltering, To: model.ProcessManualMerge})
	require.NoError(t, err)
	return saved
}

func abc() []model.Contact {
	return []model.Contact{
		{ID: "a", HubspotID: "101", FirstName: "Jane", LastName: "Doe", Phone: "111", Company: "Acme"},
		{ID: "b", HubspotID: "102", FirstName: "Janet", LastName: "Doe", Phone: "222"},
		{ID: "c", HubspotID: "103", FirstName: "J", LastName: "Doe", Company: "Acme Inc"},
	}
}

func pair(i int) []model.Contact {
	return []model.Contact{
		{ID: fmt.Sprintf("p%d", i), HubspotID: fmt.Sprintf("%d01", i), FirstName: "P"},
		{ID: fmt.Sprintf("s%d", i), HubspotID: fmt.Sprintf("%d02", i)},
	}
}

func (f *fixture) plan(t *testing.T) *model.Plan {
	t.Helper()
	p, err := f.store.GetPlan(context.Background(), tenant)
	require.NoError(t, err)
	require.NotNil(t, p)
	return p
}

func TestResolveMerge_PartialFailure(t *testing.T) {
	f := defaultFixture(t)
	g := f.seed(t, abc())[0]
	ctx := context.Background()

	f.crm.On("UpdateContact", mock.Anything, tenant, "101",
		map[string]string{"phone": "222", "company": "Acme Holdings"}).Return("101", nil).Once()
	f.crm.On("DeleteOrMergeContact", mock.Anything, tenant, "102", "101").Return(errors.New("hubspot: status 403: forbidden")).Once()
	f.crm.On("DeleteOrMergeContact", mock.Anything, tenant, "103", "101").Return(nil).Once()

	res, err := f.resolver.ResolveMerge(ctx, tenant, g.ID, "a", model.FieldSelections{
		"firstname": "Jane",
		"phone":     "222",
		"company":   "Acme Holdings",
	})
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.True(t, res.PartialFailure())
	assert.True(t, res.Details.Update.Attempted)
	assert.True(t, res.Details.Update.Success)
	require.Len(t, res.Details.DeleteResults, 2)
	assert.Equal(t, "b", res.Details.DeleteResults[0].ID)
	assert.False(t, res.Details.DeleteResults[0].Success)
	assert.Contains(t, res.Details.DeleteResults[0].Error, "forbidden")
	assert.Equal(t, "c", res.Details.DeleteResults[1].ID)
	assert.True(t, res.Details.DeleteResults[1].Success)
	assert.Contains(t, res.Message, "1 of 2")

	stored, err := f.store.GetGroup(ctx, tenant, g.ID)
	require.NoError(t, err)
	assert.True(t, stored.Merged)
	primary, _ := stored.Member("a")
	assert.Equal(t, "222", primary.Phone)
	assert.Equal(t, "Acme Holdings", primary.Company)
	b, _ := stored.Member("b")
	c, _ := stored.Member("c")
	assert.False(t, b.Deleted)
	assert.True(t, c.Deleted)

	assert.Equal(t, 1, f.plan(t).MergeGroupsUsed)
	n, err := f.store.CountDLQ(ctx, tenant)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, f.advancer.calls)
}

func TestResolveMerge_UpdateFailureMutatesNothing(t *testing.T) {
	f := defaultFixture(t)
	g := f.seed(t, abc())[0]
	ctx := context.Background()

	f.crm.On("UpdateContact", mock.Anything, tenant, "101", map[string]string{"phone": "222"}).
		Return("", errors.New("dial tcp: connection refused")).Once()

	res, err := f.resolver.ResolveMerge(ctx, tenant, g.ID, "a", model.FieldSelections{"phone": "222"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrUpstreamUpdateFailed))
	require.NotNil(t, res)
	assert.False(t, res.Success)
	assert.False(t, res.Details.Update.Success)
	assert.Contains(t, res.Details.Update.Error, "connection refused")
	assert.Empty(t, res.Details.DeleteResults)
	f.crm.AssertNotCalled(t, "DeleteOrMergeContact", mock.Anything, mock.Anything, mock.Anything, mock.Anything)

	stored, err := f.store.GetGroup(ctx, tenant, g.ID)
	require.NoError(t, err)
	assert.False(t, stored.Merged)
	// The reservation taken before the update was given back.
	assert.Equal(t, 0, f.plan(t).MergeGroupsUsed)

	// The claim was released, so a later attempt can proceed.
	f.crm.On("UpdateContact", mock.Anything, tenant, "101", map[string]string{"phone": "222"}).Return("101", nil).Once()
	f.crm.On("DeleteOrMergeContact", mock.Anything, tenant, mock.Anything, "101").Return(nil).Twice()
	res, err = f.resolver.ResolveMerge(ctx, tenant, g.ID, "a", model.FieldSelections{"phone": "222"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, f.plan(t).MergeGroupsUsed)
}

func TestResolveMerge_ReKeyedPrimary(t *testing.T) {
	f := defaultFixture(t)
	g := f.seed(t, abc())[0]
	ctx := context.Background()

	f.crm.On("UpdateContact", mock.Anything, tenant, "101", map[string]string{"lastname": "Smith"}).Return("901", nil).Once()
	f.crm.On("DeleteOrMergeContact", mock.Anything, tenant, "102", "901").Return(nil).Once()
	f.crm.On("DeleteOrMergeContact", mock.Anything, tenant, "103", "901").Return(nil).Once()

	res, err := f.resolver.ResolveMerge(ctx, tenant, g.ID, "a", model.FieldSelections{"lastname": "Smith"})
	require.NoError(t, err)
	assert.Equal(t, "901", res.Details.Update.NewHubspotID)
	assert.False(t, res.PartialFailure())

	stored, err := f.store.GetGroup(ctx, tenant, g.ID)
	require.NoError(t, err)
	primary, _ := stored.Member("a")
	assert.Equal(t, "901", primary.HubspotID)
	assert.Equal(t, "Smith", primary.LastName)
}

func TestResolveMerge_OtherPropertiesDelta(t *testing.T) {
	f := defaultFixture(t)
	members := abc()
	members[0].OtherProperties = map[string]string{"jobtitle": "CFO"}
	members[1].OtherProperties = map[string]string{"jobtitle": "Finance", "lifecyclestage": "lead"}
	g := f.seed(t, members)[0]

	f.crm.On("UpdateContact", mock.Anything, tenant, "101", map[string]string{"lifecyclestage": "lead"}).Return("101", nil).Once()
	f.crm.On("DeleteOrMergeContact", mock.Anything, tenant, mock.Anything, "101").Return(nil).Twice()

	_, err := f.resolver.ResolveMerge(context.Background(), tenant, g.ID, "a", model.FieldSelections{
		"jobtitle":       "CFO",
		"lifecyclestage": "lead",
	})
	require.NoError(t, err)
}

func TestResolveMerge_NoDeltaSkipsUpdate(t *testing.T) {
	f := defaultFixture(t)
	g := f.seed(t, abc())[0]

	f.crm.On("DeleteOrMergeContact", mock.Anything, tenant, mock.Anything, "101").Return(nil).Twice()

	res, err := f.resolver.ResolveMerge(context.Background(), tenant, g.ID, "a", model.FieldSelections{"firstname": "Jane"})
	require.NoError(t, err)
	assert.False(t, res.Details.Update.Attempted)
	assert.True(t, res.Details.Update.Success)
}

func TestResolveMerge_SecondCallIsAlreadyMerged(t *testing.T) {
	f := defaultFixture(t)
	g := f.seed(t, abc())[0]
	ctx := context.Background()

	f.crm.On("DeleteOrMergeContact", mock.Anything, tenant, mock.Anything, "101").Return(nil).Twice()
	_, err := f.resolver.DirectMerge(ctx, tenant, g.ID, "a")
	require.NoError(t, err)

	_, err = f.resolver.ResolveMerge(ctx, tenant, g.ID, "b", model.FieldSelections{"phone": "999"})
	assert.True(t, errors.Is(err, model.ErrAlreadyMerged))
	_, err = f.resolver.DirectMerge(ctx, tenant, g.ID, "a")
	assert.True(t, errors.Is(err, model.ErrAlreadyMerged))

	f.crm.AssertNumberOfCalls(t, "DeleteOrMergeContact", 2)
	f.crm.AssertNotCalled(t, "UpdateContact", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	assert.Equal(t, 1, f.plan(t).MergeGroupsUsed)
}

func TestDirectMerge(t *testing.T) {
	f := defaultFixture(t)
	g := f.seed(t, abc())[0]

	f.crm.On("DeleteOrMergeContact", mock.Anything, tenant, "101", "102").Return(nil).Once()
	f.crm.On("DeleteOrMergeContact", mock.Anything, tenant, "103", "102").Return(nil).Once()

	res, err := f.resolver.DirectMerge(context.Background(), tenant, g.ID, "b")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.False(t, res.Details.Update.Attempted)
	assert.Equal(t, []string{"a", "c"}, []string{res.Details.DeleteResults[0].ID, res.Details.DeleteResults[1].ID})
	assert.Equal(t, "Merged 3 contacts into Janet Doe", res.Message)
}

func TestMerge_Preconditions(t *testing.T) {
	f := defaultFixture(t)
	g := f.seed(t, abc())[0]
	ctx := context.Background()

	_, err := f.resolver.DirectMerge(ctx, tenant, g.ID, "zzz")
	assert.True(t, errors.Is(err, model.ErrInvalidMergeRequest))

	_, err = f.resolver.ResolveMerge(ctx, tenant, g.ID, "a", model.FieldSelections{" ": "x"})
	assert.True(t, errors.Is(err, model.ErrInvalidMergeRequest))

	_, err = f.resolver.DirectMerge(ctx, tenant, 9999, "a")
	assert.True(t, errors.Is(err, model.ErrNotFound))

	_, err = f.resolver.DirectMerge(ctx, "other-tenant", g.ID, "a")
	assert.True(t, errors.Is(err, model.ErrNotFound))
}

func TestMerge_QuotaExceeded(t *testing.T) {
	f := newFixture(t, quota.Limits{FreeContactLimit: 1000, FreeMergeGroupLimit: 1})
	groups := f.seed(t, pair(1), pair(2))
	ctx := context.Background()

	f.crm.On("DeleteOrMergeContact", mock.Anything, tenant, "102", "101").Return(nil).Once()
	_, err := f.resolver.DirectMerge(ctx, tenant, groups[0].ID, "p1")
	require.NoError(t, err)

	_, err = f.resolver.DirectMerge(ctx, tenant, groups[1].ID, "p2")
	assert.True(t, errors.Is(err, model.ErrQuotaExceeded))
	f.crm.AssertNumberOfCalls(t, "DeleteOrMergeContact", 1)
}

func TestMerge_RefusedUnlessRunAcceptsMerges(t *testing.T) {
	cases := []struct {
		name    string
		advance func(t *testing.T, f *fixture, processID string)
	}{
		{
			name: "finished",
			advance: func(t *testing.T, f *fixture, processID string) {
				ctx := context.Background()
				_, err := f.store.TransitionProcess(ctx, processID, model.ProcessUpdate{From: model.ProcessManualMerge, To: model.ProcessUpdateHubspot})
				require.NoError(t, err)
				_, err = f.store.TransitionProcess(ctx, processID, model.ProcessUpdate{From: model.ProcessUpdateHubspot, To: model.ProcessFinished})
				require.NoError(t, err)
			},
		},
		{
			name: "finalizing",
			advance: func(t *testing.T, f *fixture, processID string) {
				_, err := f.store.TransitionProcess(context.Background(), processID, model.ProcessUpdate{From: model.ProcessManualMerge, To: model.ProcessUpdateHubspot})
				require.NoError(t, err)
			},
		},
		{
			name: "failed",
			advance: func(t *testing.T, f *fixture, processID string) {
				_, err := f.store.TransitionProcess(context.Background(), processID, model.ProcessUpdate{From: model.ProcessManualMerge, To: model.ProcessError, Status: "boom"})
				require.NoError(t, err)
			},
		},
		{
			name: "superseded",
			advance: func(t *testing.T, f *fixture, _ string) {
				_, err := f.store.CreateProcess(context.Background(), tenant, true)
				require.NoError(t, err)
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := defaultFixture(t)
			g := f.seed(t, abc())[0]
			tc.advance(t, f, g.ProcessID)
			ctx := context.Background()

			_, err := f.resolver.DirectMerge(ctx, tenant, g.ID, "a")
			assert.True(t, errors.Is(err, model.ErrInvalidTransition), "got %v", err)
			_, err = f.resolver.ResolveMerge(ctx, tenant, g.ID, "a", model.FieldSelections{"phone": "222"})
			assert.True(t, errors.Is(err, model.ErrInvalidTransition), "got %v", err)

			f.crm.AssertNotCalled(t, "UpdateContact", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
			f.crm.AssertNotCalled(t, "DeleteOrMergeContact", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
			stored, err := f.store.GetGroup(ctx, tenant, g.ID)
			require.NoError(t, err)
			assert.False(t, stored.Merged)
			assert.Equal(t, 0, f.plan(t).MergeGroupsUsed)
			assert.Zero(t, f.advancer.calls)
		})
	}
}

func TestMerge_ConcurrentGroupsRespectFreeLimit(t *testing.T) {
	f := newFixture(t, quota.Limits{FreeContactLimit: 1000, FreeMergeGroupLimit: 1})
	groups := f.seed(t, pair(1), pair(2), pair(3))

	f.crm.On("DeleteOrMergeContact", mock.Anything, tenant, mock.Anything, mock.Anything).
		After(10 * time.Millisecond).Return(nil)

	var wg sync.WaitGroup
	errs := make([]error, len(groups))
	for i, g := range groups {
		wg.Add(1)
		go func(i int, id int64) {
			defer wg.Done()
			_, errs[i] = f.resolver.DirectMerge(context.Background(), tenant, id, fmt.Sprintf("p%d", i+1))
		}(i, g.ID)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, model.ErrQuotaExceeded):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, f.plan(t).MergeGroupsUsed)
	f.crm.AssertNumberOfCalls(t, "DeleteOrMergeContact", 1)

	merged := 0
	for _, g := range groups {
		stored, err := f.store.GetGroup(context.Background(), tenant, g.ID)
		require.NoError(t, err)
		if stored.Merged {
			merged++
		}
	}
	assert.Equal(t, 1, merged)
}

func TestMergeTTL(t *testing.T) {
	r := NewResolver(nil, nil, nil, nil, nil, Options{DeleteConcurrency: 4, LockTTL: time.Minute, CallBudget: 10 * time.Second})
	assert.Equal(t, time.Minute+20*time.Second, r.mergeTTL(1))
	assert.Equal(t, time.Minute+20*time.Second, r.mergeTTL(4))
	assert.Equal(t, time.Minute+30*time.Second, r.mergeTTL(5))
	assert.Equal(t, time.Minute+260*time.Second, r.mergeTTL(100))

	def := NewResolver(nil, nil, nil, nil, nil, Options{})
	assert.Equal(t, 2*time.Minute+60*time.Second, def.mergeTTL(3))
}

func TestMerge_LockedGroup(t *testing.T) {
	f := defaultFixture(t)
	g := f.seed(t, abc())[0]

	_, err := f.resolver.locker.Acquire(context.Background(), lock.GroupKey(tenant, g.ID), time.Minute)
	require.NoError(t, err)

	_, err = f.resolver.DirectMerge(context.Background(), tenant, g.ID, "a")
	assert.True(t, errors.Is(err, model.ErrMergeInProgress))
}

func TestMerge_ConcurrentCallersOneWins(t *testing.T) {
	f := defaultFixture(t)
	g := f.seed(t, abc())[0]

	f.crm.On("DeleteOrMergeContact", mock.Anything, tenant, mock.Anything, "101").
		After(20 * time.Millisecond).Return(nil).Twice()

	const callers = 8
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.resolver.DirectMerge(context.Background(), tenant, g.ID, "a")
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, model.ErrMergeInProgress), errors.Is(err, model.ErrAlreadyMerged):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, f.plan(t).MergeGroupsUsed)
}

func TestMerge_CountsOncePerGroupDespiteFailures(t *testing.T) {
	f := defaultFixture(t)
	const n = 5
	sets := make([][]model.Contact, n)
	for i := range sets {
		sets[i] = pair(i + 1)
	}
	groups := f.seed(t, sets...)

	f.crm.On("DeleteOrMergeContact", mock.Anything, tenant, mock.Anything, mock.Anything).
		Return(errors.New("hubspot: status 500: oops")).Times(n)

	for i, g := range groups {
		res, err := f.resolver.DirectMerge(context.Background(), tenant, g.ID, fmt.Sprintf("p%d", i+1))
		require.NoError(t, err)
		assert.True(t, res.PartialFailure())
	}
	assert.Equal(t, n, f.plan(t).MergeGroupsUsed)
}

func TestMerge_TimeoutReason(t *testing.T) {
	f := defaultFixture(t)
	g := f.seed(t, pair(1))[0]

	f.crm.On("DeleteOrMergeContact", mock.Anything, tenant, "102", "101").Return(context.DeadlineExceeded).Once()

	res, err := f.resolver.DirectMerge(context.Background(), tenant, g.ID, "p1")
	require.NoError(t, err)
	assert.Equal(t, "timeout", res.Details.DeleteResults[0].Error)

	entries, err := f.store.DequeueDLQ(context.Background(), resilienceFilter())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "transient", entries[0].ErrorType)
	assert.Equal(t, "101", entries[0].IntoHubspotID)
}

func TestFieldOptions(t *testing.T) {
	f := defaultFixture(t)
	g := f.seed(t, abc())[0]

	opts, err := f.resolver.FieldOptions(context.Background(), tenant, g.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"Jane", "Janet", "J"}, opts.Fields["firstname"])
	assert.Equal(t, []string{"Doe"}, opts.Fields["lastname"])
	assert.Equal(t, []string{"111", "222"}, opts.Fields["phone"])
	assert.Equal(t, []string{"Acme", "Acme Inc"}, opts.Fields["company"])

	_, err = f.resolver.FieldOptions(context.Background(), tenant, 9999)
	assert.True(t, errors.Is(err, model.ErrNotFound))
}

func TestDelta(t *testing.T) {
	primary := model.Contact{FirstName: "Jane", Phone: "111", OtherProperties: map[string]string{"jobtitle": "CFO"}}
	delta := Delta(primary, model.FieldSelections{
		"firstname": "Jane",
		"phone":     "222",
		"jobtitle":  "CFO",
		"city":      "Austin",
		"company":   "",
	})
	assert.Equal(t, map[string]string{"phone": "222", "city": "Austin"}, delta)
	assert.Empty(t, Delta(primary, nil))
}
