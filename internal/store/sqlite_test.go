package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/dedupe-cli/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func TestSQLite_MigrateIdempotent(t *testing.T) {
	st := newTestSQLiteStore(t)
	require.NoError(t, st.Migrate(context.Background()))
	require.NoError(t, st.Ping(context.Background()))
}

func TestSQLite_SaveContactsEmpty(t *testing.T) {
	st := newTestSQLiteStore(t)
	require.NoError(t, st.SaveContacts(context.Background(), "p1", nil))
}

func TestSQLite_SaveContactsUpsert(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	p, err := st.CreateProcess(ctx, "t1", false)
	require.NoError(t, err)

	require.NoError(t, st.SaveContacts(ctx, p.ID, []model.Contact{contact("a", "h1", "old@x.com")}))
	require.NoError(t, st.SaveContacts(ctx, p.ID, []model.Contact{contact("a", "h1", "new@x.com")}))

	out, err := st.ListContacts(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "new@x.com", out[0].Email)
}

func TestSQLite_ExpiredClaimCanBeTaken(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	_, groups := seedGroups(t, st, "t1", 1)
	id := groups[0].ID

	require.NoError(t, st.ClaimGroup(ctx, "t1", id, "dead", time.Hour))
	assert.ErrorIs(t, st.ClaimGroup(ctx, "t1", id, "early", time.Minute), model.ErrMergeInProgress)
	_, err := st.db.ExecContext(ctx, `UPDATE duplicate_groups SET claim_expires = 0 WHERE id = ?`, id)
	require.NoError(t, err)

	require.NoError(t, st.ClaimGroup(ctx, "t1", id, "live", time.Minute))
	assert.ErrorIs(t, st.CompleteGroupMerge(ctx, "t1", id, "dead", groups[0].Members, nil), model.ErrMergeInProgress)
	assert.NoError(t, st.CompleteGroupMerge(ctx, "t1", id, "live", groups[0].Members, nil))
}

func TestSQLite_SetPlanContactCountMissingPlan(t *testing.T) {
	st := newTestSQLiteStore(t)
	assert.NoError(t, st.SetPlanContactCount(context.Background(), "nobody", 10))
}

func TestSQLite_ClaimHonorsHolderTTL(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	_, groups := seedGroups(t, st, "t1", 1)
	id := groups[0].ID

	require.NoError(t, st.ClaimGroup(ctx, "t1", id, "long", 2*time.Hour))
	var expires int64
	require.NoError(t, st.db.QueryRowContext(ctx, `SELECT claim_expires FROM duplicate_groups WHERE id = ?`, id).Scan(&expires))
	assert.Greater(t, expires, time.Now().Add(time.Hour+50*time.Minute).Unix())
}

func TestClaimExpiryDefault(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	assert.Equal(t, now.Add(defaultClaimTTL), claimExpiry(now, 0))
	assert.Equal(t, now.Add(time.Hour), claimExpiry(now, time.Hour))
}

func TestSupersededStatus(t *testing.T) {
	assert.Equal(t, "superseded by abc", supersededStatus("abc"))
}

func TestWithBusyTimeout(t *testing.T) {
	assert.Equal(t, "dedupe.db?_pragma=busy_timeout(5000)", withBusyTimeout("dedupe.db"))
	assert.Equal(t, "file:x.db?mode=rwc&_pragma=busy_timeout(5000)", withBusyTimeout("file:x.db?mode=rwc"))
	assert.Equal(t, "x.db?_pragma=busy_timeout(100)", withBusyTimeout("x.db?_pragma=busy_timeout(100)"))
}
