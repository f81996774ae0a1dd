package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/dedupe-cli/internal/model"
	"github.com/sells-group/dedupe-cli/internal/resilience"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", withBusyTimeout(dsn))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

// withBusyTimeout sets busy_timeout on every pooled connection, not only the
// one the PRAGMA below runs on.
func withBusyTimeout(dsn string) string {
	if strings.Contains(dsn, "busy_timeout") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=busy_timeout(5000)"
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS process_status (
	id           TEXT PRIMARY KEY,
	tenant_id    TEXT NOT NULL,
	process_name TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT '',
	count        INTEGER NOT NULL DEFAULT 0,
	artifact     TEXT NOT NULL DEFAULT '',
	version      INTEGER NOT NULL DEFAULT 1,
	active       INTEGER NOT NULL DEFAULT 1,
	created_at   DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at   DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE UNIQUE INDEX IF NOT EXISTS uq_process_status_active ON process_status(tenant_id) WHERE active = 1;
CREATE INDEX IF NOT EXISTS idx_process_status_tenant ON process_status(tenant_id, created_at);

CREATE TABLE IF NOT EXISTS contacts (
	process_id TEXT NOT NULL REFERENCES process_status(id),
	id         TEXT NOT NULL,
	hubspot_id TEXT NOT NULL,
	data       TEXT NOT NULL,
	PRIMARY KEY (process_id, id)
);

CREATE TABLE IF NOT EXISTS duplicate_groups (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	tenant_id    TEXT NOT NULL,
	process_id   TEXT NOT NULL REFERENCES process_status(id),
	members      TEXT NOT NULL,
	merged       INTEGER NOT NULL DEFAULT 0,
	merge_token  TEXT,
	claim_expires INTEGER,
	merge_result TEXT,
	merged_at    DATETIME,
	created_at   DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_duplicate_groups_process ON duplicate_groups(process_id, id);
CREATE INDEX IF NOT EXISTS idx_duplicate_groups_tenant ON duplicate_groups(tenant_id, id);

CREATE TABLE IF NOT EXISTS plans (
	tenant_id         TEXT PRIMARY KEY,
	plan_type         TEXT NOT NULL,
	contact_count     INTEGER NOT NULL DEFAULT 0,
	contact_limit     INTEGER NOT NULL DEFAULT 0,
	merge_groups_used INTEGER NOT NULL DEFAULT 0,
	payment_status    TEXT NOT NULL DEFAULT 'active',
	billing_type      TEXT NOT NULL DEFAULT '',
	created_at        DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at        DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS merge_ledger (
	tenant_id   TEXT NOT NULL,
	group_id    INTEGER NOT NULL,
	recorded_at DATETIME NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (tenant_id, group_id)
);

CREATE TABLE IF NOT EXISTS dead_letter_queue (
	id              TEXT PRIMARY KEY,
	tenant_id       TEXT NOT NULL,
	group_id        INTEGER NOT NULL,
	contact_id      TEXT NOT NULL,
	hubspot_id      TEXT NOT NULL,
	into_hubspot_id TEXT NOT NULL,
	error           TEXT NOT NULL,
	error_type      TEXT NOT NULL DEFAULT 'transient',
	retry_count     INTEGER NOT NULL DEFAULT 0,
	max_retries     INTEGER NOT NULL DEFAULT 5,
	next_retry_at   DATETIME NOT NULL,
	created_at      DATETIME NOT NULL DEFAULT (datetime('now')),
	last_failed_at  DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_dlq_tenant_next_retry ON dead_letter_queue(tenant_id, next_retry_at);
`

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Processes ---

const sqliteProcessColumns = `id, tenant_id, process_name, status, count, artifact, version, active, created_at, updated_at`

func (s *SQLiteStore) CreateProcess(ctx context.Context, tenantID string, supersede bool) (*model.ProcessStatus, error) {
	now := time.Now().UTC()
	p := &model.ProcessStatus{
		ID:          uuid.New().String(),
		TenantID:    tenantID,
		ProcessName: model.ProcessFetching,
		Version:     1,
		Active:      true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin create process")
	}
	defer tx.Rollback() //nolint:errcheck

	if supersede {
		_, err := tx.ExecContext(ctx,
			`UPDATE process_status
			 SET process_name = ?, status = ?, active = 0, version = version + 1, updated_at = ?
			 WHERE tenant_id = ? AND active = 1`,
			string(model.ProcessError), supersededStatus(p.ID), now, tenantID,
		)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: supersede active process")
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO process_status (id, tenant_id, process_name, status, count, artifact, version, active, created_at, updated_at)
		 VALUES (?, ?, ?, '', 0, '', 1, 1, ?, ?)`,
		p.ID, tenantID, string(p.ProcessName), now, now,
	)
	if err != nil {
		if isSQLiteUnique(err) {
			return nil, eris.Wrapf(model.ErrRunInProgress, "tenant %s", tenantID)
		}
		return nil, eris.Wrap(err, "sqlite: insert process")
	}
	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit create process")
	}
	return p, nil
}

func (s *SQLiteStore) TransitionProcess(ctx context.Context, processID string, upd model.ProcessUpdate) (*model.ProcessStatus, error) {
	if err := validateTransition(upd); err != nil {
		return nil, err
	}

	var count, artifact any
	if upd.Count != nil {
		count = *upd.Count
	}
	if upd.Artifact != nil {
		artifact = *upd.Artifact
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE process_status
		 SET process_name = ?, status = ?, count = COALESCE(?, count), artifact = COALESCE(?, artifact),
		     active = ?, version = version + 1, updated_at = ?
		 WHERE id = ? AND process_name = ?`,
		string(upd.To), upd.Status, count, artifact,
		boolToInt(!upd.To.Terminal()), time.Now().UTC(),
		processID, string(upd.From),
	)
	if err != nil {
		if isSQLiteUnique(err) {
			return nil, eris.Wrapf(model.ErrRunInProgress, "resume process %s", processID)
		}
		return nil, eris.Wrapf(err, "sqlite: transition process %s", processID)
	}
	if err := staleIfNoRows(res, processID, upd.From); err != nil {
		return nil, err
	}
	return s.GetProcess(ctx, processID)
}

func (s *SQLiteStore) UpdateProcessCount(ctx context.Context, processID string, state model.ProcessName, count int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE process_status SET count = ?, version = version + 1, updated_at = ?
		 WHERE id = ? AND process_name = ?`,
		count, time.Now().UTC(), processID, string(state),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update process count %s", processID)
	}
	return staleIfNoRows(res, processID, state)
}

func (s *SQLiteStore) GetProcess(ctx context.Context, processID string) (*model.ProcessStatus, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteProcessColumns+` FROM process_status WHERE id = ?`, processID)
	p, err := scanProcess(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(model.ErrNotFound, "process %s", processID)
	}
	return p, err
}

func (s *SQLiteStore) GetLatestProcess(ctx context.Context, tenantID string) (*model.ProcessStatus, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteProcessColumns+` FROM process_status
		 WHERE tenant_id = ? ORDER BY created_at DESC, rowid DESC LIMIT 1`, tenantID)
	p, err := scanProcess(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

func (s *SQLiteStore) ListProcesses(ctx context.Context, tenantID string, limit int) ([]model.ProcessStatus, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteProcessColumns+` FROM process_status
		 WHERE tenant_id = ? ORDER BY created_at DESC, rowid DESC LIMIT ?`, tenantID, limit)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list processes")
	}
	defer rows.Close()

	var out []model.ProcessStatus
	for rows.Next() {
		p, err := scanProcess(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list processes iterate")
}

func (s *SQLiteStore) ListStaleProcesses(ctx context.Context, cutoff time.Time) ([]model.ProcessStatus, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteProcessColumns+` FROM process_status WHERE active = 1`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list active processes")
	}
	defer rows.Close()

	var out []model.ProcessStatus
	for rows.Next() {
		p, err := scanProcess(rows)
		if err != nil {
			return nil, err
		}
		if isWorking(p.ProcessName) && p.UpdatedAt.Before(cutoff) {
			out = append(out, *p)
		}
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list stale processes iterate")
}

func (s *SQLiteStore) ListRecentProcesses(ctx context.Context, since time.Time, limit int) ([]model.ProcessStatus, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteProcessColumns+` FROM process_status ORDER BY created_at DESC, rowid DESC`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list recent processes")
	}
	defer rows.Close()

	var out []model.ProcessStatus
	for rows.Next() && len(out) < limit {
		p, err := scanProcess(rows)
		if err != nil {
			return nil, err
		}
		if !p.CreatedAt.After(since) {
			break
		}
		out = append(out, *p)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list recent processes iterate")
}

// --- Contacts ---

func (s *SQLiteStore) SaveContacts(ctx context.Context, processID string, contacts []model.Contact) error {
	if len(contacts) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin save contacts")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO contacts (process_id, id, hubspot_id, data) VALUES (?, ?, ?, ?)
		 ON CONFLICT (process_id, id) DO UPDATE SET hubspot_id = excluded.hubspot_id, data = excluded.data`)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare save contacts")
	}
	defer stmt.Close()

	for _, c := range contacts {
		data, err := json.Marshal(c)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal contact")
		}
		if _, err := stmt.ExecContext(ctx, processID, c.ID, c.HubspotID, string(data)); err != nil {
			return eris.Wrapf(err, "sqlite: insert contact %s", c.ID)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit save contacts")
}

func (s *SQLiteStore) ListContacts(ctx context.Context, processID string) ([]model.Contact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM contacts WHERE process_id = ? ORDER BY rowid`, processID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list contacts")
	}
	defer rows.Close()

	var out []model.Contact
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan contact")
		}
		var c model.Contact
		if err := json.Unmarshal([]byte(data), &c); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal contact")
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list contacts iterate")
}

// --- Groups ---

const sqliteGroupColumns = `id, tenant_id, process_id, members, merged, merge_result, merged_at, created_at`

func (s *SQLiteStore) SaveGroups(ctx context.Context, processID string, groups []model.DuplicateGroup) ([]model.DuplicateGroup, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin save groups")
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UTC()
	out := make([]model.DuplicateGroup, 0, len(groups))
	for _, g := range groups {
		members, err := marshalMembers(g.Members)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: save groups")
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO duplicate_groups (tenant_id, process_id, members, merged, created_at) VALUES (?, ?, ?, 0, ?)`,
			g.TenantID, processID, string(members), now,
		)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: insert group")
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: group id")
		}
		g.ID = id
		g.ProcessID = processID
		g.CreatedAt = now
		out = append(out, g)
	}
	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit save groups")
	}
	return out, nil
}

func (s *SQLiteStore) ListGroups(ctx context.Context, tenantID string, page, pageSize int) (*model.GroupPage, error) {
	page, pageSize = model.NormalizePage(page, pageSize)

	latest, err := s.GetLatestProcess(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if latest == nil {
		return emptyPage(page, pageSize), nil
	}

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM duplicate_groups WHERE process_id = ?`, latest.ID,
	).Scan(&total); err != nil {
		return nil, eris.Wrap(err, "sqlite: count groups")
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteGroupColumns+` FROM duplicate_groups
		 WHERE process_id = ? ORDER BY id ASC LIMIT ? OFFSET ?`,
		latest.ID, pageSize, (page-1)*pageSize,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list groups")
	}
	defer rows.Close()

	groups, err := collectSQLiteGroups(rows)
	if err != nil {
		return nil, err
	}
	return &model.GroupPage{
		Groups:     groups,
		Total:      total,
		TotalPages: model.TotalPages(total, pageSize),
		Page:       page,
		PageSize:   pageSize,
	}, nil
}

func (s *SQLiteStore) ListProcessGroups(ctx context.Context, processID string) ([]model.DuplicateGroup, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteGroupColumns+` FROM duplicate_groups WHERE process_id = ? ORDER BY id ASC`, processID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list process groups")
	}
	defer rows.Close()
	return collectSQLiteGroups(rows)
}

func (s *SQLiteStore) GetGroup(ctx context.Context, tenantID string, groupID int64) (*model.DuplicateGroup, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteGroupColumns+` FROM duplicate_groups WHERE id = ? AND tenant_id = ?`, groupID, tenantID)
	g, err := scanSQLiteGroup(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(model.ErrNotFound, "group %d", groupID)
	}
	return g, err
}

func (s *SQLiteStore) CountUnmergedGroups(ctx context.Context, processID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM duplicate_groups WHERE process_id = ? AND merged = 0`, processID,
	).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count unmerged groups")
}

func (s *SQLiteStore) ClaimGroup(ctx context.Context, tenantID string, groupID int64, token string, ttl time.Duration) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE duplicate_groups SET merge_token = ?, claim_expires = ?
		 WHERE id = ? AND tenant_id = ? AND merged = 0
		   AND (merge_token IS NULL OR claim_expires < ?)
		   AND EXISTS (SELECT 1 FROM process_status p
		               WHERE p.id = duplicate_groups.process_id AND p.active = 1 AND p.process_name = ?)`,
		token, claimExpiry(now, ttl).Unix(), groupID, tenantID, now.Unix(), string(model.ProcessManualMerge),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: claim group %d", groupID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 1 {
		return nil
	}
	return s.claimLostReason(ctx, tenantID, groupID)
}

func (s *SQLiteStore) claimLostReason(ctx context.Context, tenantID string, groupID int64) error {
	g, err := s.GetGroup(ctx, tenantID, groupID)
	if err != nil {
		return err
	}
	p, err := s.GetProcess(ctx, g.ProcessID)
	if err != nil {
		return err
	}
	return claimLost(g, p)
}

func (s *SQLiteStore) ReleaseGroup(ctx context.Context, tenantID string, groupID int64, token string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE duplicate_groups SET merge_token = NULL, claim_expires = NULL
		 WHERE id = ? AND tenant_id = ? AND merge_token = ?`,
		groupID, tenantID, token,
	)
	return eris.Wrapf(err, "sqlite: release group %d", groupID)
}

func (s *SQLiteStore) CompleteGroupMerge(ctx context.Context, tenantID string, groupID int64, token string, members []model.Contact, result *model.MergeResult) error {
	membersJSON, err := marshalMembers(members)
	if err != nil {
		return eris.Wrap(err, "sqlite: complete merge")
	}
	resultJSON, err := marshalResult(result)
	if err != nil {
		return eris.Wrap(err, "sqlite: complete merge")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE duplicate_groups
		 SET merged = 1, members = ?, merge_result = ?, merged_at = ?, merge_token = NULL, claim_expires = NULL
		 WHERE id = ? AND tenant_id = ? AND merge_token = ? AND merged = 0`,
		string(membersJSON), string(resultJSON), time.Now().UTC(), groupID, tenantID, token,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete merge group %d", groupID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(model.ErrMergeInProgress, "claim lost for group %d", groupID)
	}
	return nil
}

func (s *SQLiteStore) UpdateMergeResult(ctx context.Context, tenantID string, groupID int64, members []model.Contact, result *model.MergeResult) error {
	membersJSON, err := marshalMembers(members)
	if err != nil {
		return eris.Wrap(err, "sqlite: update merge result")
	}
	resultJSON, err := marshalResult(result)
	if err != nil {
		return eris.Wrap(err, "sqlite: update merge result")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE duplicate_groups SET members = ?, merge_result = ?
		 WHERE id = ? AND tenant_id = ? AND merged = 1`,
		string(membersJSON), string(resultJSON), groupID, tenantID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update merge result of group %d", groupID)
	}
	return checkRowsAffected(res, "merged group", strconv.FormatInt(groupID, 10))
}

// --- Plans ---

const sqlitePlanColumns = `tenant_id, plan_type, contact_count, contact_limit, merge_groups_used, payment_status, billing_type, created_at, updated_at`

func (s *SQLiteStore) GetPlan(ctx context.Context, tenantID string) (*model.Plan, error) {
	var p model.Plan
	err := s.db.QueryRowContext(ctx,
		`SELECT `+sqlitePlanColumns+` FROM plans WHERE tenant_id = ?`, tenantID,
	).Scan(&p.TenantID, &p.PlanType, &p.ContactCount, &p.ContactLimit, &p.MergeGroupsUsed,
		&p.PaymentStatus, &p.BillingType, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get plan")
	}
	return &p, nil
}

func (s *SQLiteStore) CreatePlan(ctx context.Context, tenantID string, planType model.PlanType, contactCount int, billingType string) (*model.Plan, error) {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO plans (tenant_id, plan_type, contact_count, contact_limit, merge_groups_used, payment_status, billing_type, created_at, updated_at)
		 VALUES (?, ?, ?, 0, 0, ?, ?, ?, ?)
		 ON CONFLICT (tenant_id) DO NOTHING`,
		tenantID, string(planType), contactCount, string(model.PaymentActive), billingType, now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: create plan")
	}
	return s.GetPlan(ctx, tenantID)
}

func (s *SQLiteStore) UpdatePlan(ctx context.Context, tenantID string, change model.PlanChange) (*model.Plan, error) {
	var planType, limit, payment, billing any
	if change.PlanType != nil {
		planType = string(*change.PlanType)
	}
	if change.ContactLimit != nil {
		limit = *change.ContactLimit
	}
	if change.PaymentStatus != nil {
		payment = string(*change.PaymentStatus)
	}
	if change.BillingType != nil {
		billing = *change.BillingType
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE plans SET plan_type = COALESCE(?, plan_type), contact_limit = COALESCE(?, contact_limit),
		     payment_status = COALESCE(?, payment_status), billing_type = COALESCE(?, billing_type), updated_at = ?
		 WHERE tenant_id = ?`,
		planType, limit, payment, billing, time.Now().UTC(), tenantID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: update plan")
	}
	if err := checkRowsAffected(res, "plan", tenantID); err != nil {
		return nil, err
	}
	return s.GetPlan(ctx, tenantID)
}

func (s *SQLiteStore) SetPlanContactCount(ctx context.Context, tenantID string, count int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE plans SET contact_count = ?, updated_at = ? WHERE tenant_id = ?`,
		count, time.Now().UTC(), tenantID,
	)
	return eris.Wrap(err, "sqlite: set plan contact count")
}

func (s *SQLiteStore) ReserveMerge(ctx context.Context, tenantID string, groupID int64, freeLimit int) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: begin reserve merge")
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		`INSERT INTO merge_ledger (tenant_id, group_id, recorded_at) VALUES (?, ?, ?)
		 ON CONFLICT (tenant_id, group_id) DO NOTHING`,
		tenantID, groupID, now,
	)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: insert merge ledger")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return true, nil
	}

	res, err = tx.ExecContext(ctx,
		`UPDATE plans SET merge_groups_used = merge_groups_used + 1, updated_at = ?
		 WHERE tenant_id = ? AND (plan_type <> ? OR merge_groups_used < ?)`,
		now, tenantID, string(model.PlanFree), freeLimit,
	)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: increment merge groups used")
	}
	if n, err = res.RowsAffected(); err != nil {
		return false, eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return false, nil
	}
	if err := tx.Commit(); err != nil {
		return false, eris.Wrap(err, "sqlite: commit reserve merge")
	}
	return true, nil
}

func (s *SQLiteStore) ReleaseMerge(ctx context.Context, tenantID string, groupID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin release merge")
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx,
		`DELETE FROM merge_ledger WHERE tenant_id = ? AND group_id = ?`, tenantID, groupID)
	if err != nil {
		return eris.Wrap(err, "sqlite: delete merge ledger")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return nil
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE plans SET merge_groups_used = merge_groups_used - 1, updated_at = ?
		 WHERE tenant_id = ? AND merge_groups_used > 0`,
		time.Now().UTC(), tenantID,
	); err != nil {
		return eris.Wrap(err, "sqlite: decrement merge groups used")
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit release merge")
}

// --- Dead letter queue ---

const sqliteDLQColumns = `id, tenant_id, group_id, contact_id, hubspot_id, into_hubspot_id, error, error_type,
	retry_count, max_retries, next_retry_at, created_at, last_failed_at`

func (s *SQLiteStore) EnqueueDLQ(ctx context.Context, e resilience.DLQEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	if e.LastFailedAt.IsZero() {
		e.LastFailedAt = now
	}
	if e.MaxRetries <= 0 {
		e.MaxRetries = resilience.DefaultDLQMaxRetries
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dead_letter_queue (`+sqliteDLQColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET error = excluded.error, error_type = excluded.error_type,
		   retry_count = excluded.retry_count, next_retry_at = excluded.next_retry_at,
		   last_failed_at = excluded.last_failed_at`,
		e.ID, e.TenantID, e.GroupID, e.ContactID, e.HubspotID, e.IntoHubspotID, e.Error, e.ErrorType,
		e.RetryCount, e.MaxRetries, e.NextRetryAt.UTC(), e.CreatedAt.UTC(), e.LastFailedAt.UTC(),
	)
	return eris.Wrap(err, "sqlite: enqueue dlq")
}

func (s *SQLiteStore) DequeueDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	query := `SELECT ` + sqliteDLQColumns + ` FROM dead_letter_queue
	          WHERE next_retry_at <= ? AND retry_count < max_retries`
	args := []any{time.Now().UTC()}
	if filter.TenantID != "" {
		query += ` AND tenant_id = ?`
		args = append(args, filter.TenantID)
	}
	if filter.ErrorType != "" {
		query += ` AND error_type = ?`
		args = append(args, filter.ErrorType)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` ORDER BY next_retry_at ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: dequeue dlq")
	}
	defer rows.Close()

	var out []resilience.DLQEntry
	for rows.Next() {
		var e resilience.DLQEntry
		if err := rows.Scan(&e.ID, &e.TenantID, &e.GroupID, &e.ContactID, &e.HubspotID, &e.IntoHubspotID,
			&e.Error, &e.ErrorType, &e.RetryCount, &e.MaxRetries, &e.NextRetryAt, &e.CreatedAt, &e.LastFailedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan dlq entry")
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: dequeue dlq iterate")
}

func (s *SQLiteStore) IncrementDLQRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE dead_letter_queue
		 SET retry_count = retry_count + 1, next_retry_at = ?, error = ?, last_failed_at = ?
		 WHERE id = ?`,
		nextRetryAt.UTC(), lastErr, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: increment dlq retry %s", id)
	}
	return checkRowsAffected(res, "dlq_entry", id)
}

func (s *SQLiteStore) RemoveDLQ(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM dead_letter_queue WHERE id = ?`, id)
	return eris.Wrap(err, "sqlite: remove dlq")
}

func (s *SQLiteStore) CountDLQ(ctx context.Context, tenantID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM dead_letter_queue WHERE ? = '' OR tenant_id = ?`, tenantID, tenantID).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count dlq")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(model.ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

func staleIfNoRows(res sql.Result, processID string, from model.ProcessName) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(model.ErrStaleProcess, "process %s is no longer %q", processID, from)
	}
	return nil
}

func isSQLiteUnique(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

type scannable interface {
	Scan(dest ...any) error
}

func scanProcess(row scannable) (*model.ProcessStatus, error) {
	var p model.ProcessStatus
	var active int
	err := row.Scan(&p.ID, &p.TenantID, &p.ProcessName, &p.Status, &p.Count, &p.Artifact,
		&p.Version, &active, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan process")
	}
	p.Active = active == 1
	return &p, nil
}

func scanSQLiteGroup(row scannable) (*model.DuplicateGroup, error) {
	var g model.DuplicateGroup
	var members string
	var merged int
	var result sql.NullString
	var mergedAt sql.NullTime

	err := row.Scan(&g.ID, &g.TenantID, &g.ProcessID, &members, &merged, &result, &mergedAt, &g.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan group")
	}
	g.Merged = merged == 1
	if mergedAt.Valid {
		t := mergedAt.Time
		g.MergedAt = &t
	}
	var resultBytes []byte
	if result.Valid {
		resultBytes = []byte(result.String)
	}
	if err := unmarshalGroupJSON(&g, []byte(members), resultBytes); err != nil {
		return nil, eris.Wrap(err, "sqlite: decode group")
	}
	return &g, nil
}

func collectSQLiteGroups(rows *sql.Rows) ([]model.DuplicateGroup, error) {
	groups := []model.DuplicateGroup{}
	for rows.Next() {
		g, err := scanSQLiteGroup(rows)
		if err != nil {
			return nil, err
		}
		groups = append(groups, *g)
	}
	return groups, eris.Wrap(rows.Err(), "sqlite: iterate groups")
}
