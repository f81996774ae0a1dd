package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/dedupe-cli/internal/db"
	"github.com/sells-group/dedupe-cli/internal/model"
	"github.com/sells-group/dedupe-cli/internal/resilience"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements are prepared on every new connection.
var preparedStatements = map[string]string{
	"get_process":        `SELECT ` + pgProcessColumns + ` FROM process_status WHERE id = $1`,
	"get_latest_process": `SELECT ` + pgProcessColumns + ` FROM process_status WHERE tenant_id = $1 ORDER BY created_at DESC, id DESC LIMIT 1`,
	"get_group":          `SELECT ` + pgGroupColumns + ` FROM duplicate_groups WHERE id = $1 AND tenant_id = $2`,
	"get_plan":           `SELECT ` + pgPlanColumns + ` FROM plans WHERE tenant_id = $1`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	pgxCfg.MaxConns = 10
	pgxCfg.MinConns = 2
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			pgxCfg.MaxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			pgxCfg.MinConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute
	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS process_status (
	id           TEXT PRIMARY KEY,
	tenant_id    TEXT NOT NULL,
	process_name TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT '',
	count        INTEGER NOT NULL DEFAULT 0,
	artifact     TEXT NOT NULL DEFAULT '',
	version      INTEGER NOT NULL DEFAULT 1,
	active       BOOLEAN NOT NULL DEFAULT true,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS uq_process_status_active ON process_status(tenant_id) WHERE active;
CREATE INDEX IF NOT EXISTS idx_process_status_tenant ON process_status(tenant_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_process_status_stale ON process_status(updated_at) WHERE active;

CREATE TABLE IF NOT EXISTS contacts (
	seq        BIGSERIAL,
	process_id TEXT NOT NULL REFERENCES process_status(id) ON DELETE CASCADE,
	id         TEXT NOT NULL,
	hubspot_id TEXT NOT NULL,
	data       JSONB NOT NULL,
	PRIMARY KEY (process_id, id)
);

CREATE TABLE IF NOT EXISTS duplicate_groups (
	id           BIGSERIAL PRIMARY KEY,
	tenant_id    TEXT NOT NULL,
	process_id   TEXT NOT NULL REFERENCES process_status(id) ON DELETE CASCADE,
	members      JSONB NOT NULL,
	merged       BOOLEAN NOT NULL DEFAULT false,
	merge_token  TEXT,
	claim_expires_at TIMESTAMPTZ,
	merge_result JSONB,
	merged_at    TIMESTAMPTZ,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_duplicate_groups_process ON duplicate_groups(process_id, id);
CREATE INDEX IF NOT EXISTS idx_duplicate_groups_unmerged ON duplicate_groups(process_id) WHERE NOT merged;

CREATE TABLE IF NOT EXISTS plans (
	tenant_id         TEXT PRIMARY KEY,
	plan_type         TEXT NOT NULL,
	contact_count     INTEGER NOT NULL DEFAULT 0,
	contact_limit     INTEGER NOT NULL DEFAULT 0,
	merge_groups_used INTEGER NOT NULL DEFAULT 0,
	payment_status    TEXT NOT NULL DEFAULT 'active',
	billing_type      TEXT NOT NULL DEFAULT '',
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS merge_ledger (
	tenant_id   TEXT NOT NULL,
	group_id    BIGINT NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (tenant_id, group_id)
);

CREATE TABLE IF NOT EXISTS dead_letter_queue (
	id              TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	tenant_id       TEXT NOT NULL,
	group_id        BIGINT NOT NULL,
	contact_id      TEXT NOT NULL,
	hubspot_id      TEXT NOT NULL,
	into_hubspot_id TEXT NOT NULL,
	error           TEXT NOT NULL,
	error_type      TEXT NOT NULL DEFAULT 'transient',
	retry_count     INTEGER NOT NULL DEFAULT 0,
	max_retries     INTEGER NOT NULL DEFAULT 5,
	next_retry_at   TIMESTAMPTZ NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_failed_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_dlq_tenant_next_retry ON dead_letter_queue(tenant_id, next_retry_at);
`

// Pool returns the underlying pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- Processes ---

const pgProcessColumns = `id, tenant_id, process_name, status, count, artifact, version, active, created_at, updated_at`

func (s *PostgresStore) CreateProcess(ctx context.Context, tenantID string, supersede bool) (*model.ProcessStatus, error) {
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

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: begin create process")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if supersede {
		_, err := tx.Exec(ctx,
			`UPDATE process_status
			 SET process_name = $1, status = $2, active = false, version = version + 1, updated_at = $3
			 WHERE tenant_id = $4 AND active`,
			string(model.ProcessError), supersededStatus(p.ID), now, tenantID,
		)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: supersede active process")
		}
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO process_status (id, tenant_id, process_name, status, count, artifact, version, active, created_at, updated_at)
		 VALUES ($1, $2, $3, '', 0, '', 1, true, $4, $5)`,
		p.ID, tenantID, string(p.ProcessName), now, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, eris.Wrapf(model.ErrRunInProgress, "tenant %s", tenantID)
		}
		return nil, eris.Wrap(err, "postgres: insert process")
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: commit create process")
	}
	return p, nil
}

func (s *PostgresStore) TransitionProcess(ctx context.Context, processID string, upd model.ProcessUpdate) (*model.ProcessStatus, error) {
	if err := validateTransition(upd); err != nil {
		return nil, err
	}
	row := s.pool.QueryRow(ctx,
		`UPDATE process_status
		 SET process_name = $1, status = $2, count = COALESCE($3, count), artifact = COALESCE($4, artifact),
		     active = $5, version = version + 1, updated_at = $6
		 WHERE id = $7 AND process_name = $8
		 RETURNING `+pgProcessColumns,
		string(upd.To), upd.Status, upd.Count, upd.Artifact,
		!upd.To.Terminal(), time.Now().UTC(), processID, string(upd.From),
	)
	p, err := scanPgProcess(row)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return nil, eris.Wrapf(model.ErrStaleProcess, "process %s is no longer %q", processID, upd.From)
	case isUniqueViolation(err):
		return nil, eris.Wrapf(model.ErrRunInProgress, "resume process %s", processID)
	case err != nil:
		return nil, eris.Wrapf(err, "postgres: transition process %s", processID)
	}
	return p, nil
}

func (s *PostgresStore) UpdateProcessCount(ctx context.Context, processID string, state model.ProcessName, count int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE process_status SET count = $1, version = version + 1, updated_at = $2
		 WHERE id = $3 AND process_name = $4`,
		count, time.Now().UTC(), processID, string(state),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update process count %s", processID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(model.ErrStaleProcess, "process %s is no longer %q", processID, state)
	}
	return nil
}

func (s *PostgresStore) GetProcess(ctx context.Context, processID string) (*model.ProcessStatus, error) {
	p, err := scanPgProcess(s.pool.QueryRow(ctx,
		`SELECT `+pgProcessColumns+` FROM process_status WHERE id = $1`, processID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(model.ErrNotFound, "process %s", processID)
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get process")
	}
	return p, nil
}

func (s *PostgresStore) GetLatestProcess(ctx context.Context, tenantID string) (*model.ProcessStatus, error) {
	p, err := scanPgProcess(s.pool.QueryRow(ctx,
		`SELECT `+pgProcessColumns+` FROM process_status
		 WHERE tenant_id = $1 ORDER BY created_at DESC, id DESC LIMIT 1`, tenantID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get latest process")
	}
	return p, nil
}

func (s *PostgresStore) ListProcesses(ctx context.Context, tenantID string, limit int) ([]model.ProcessStatus, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgProcessColumns+` FROM process_status
		 WHERE tenant_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2`, tenantID, limit)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list processes")
	}
	return collectPgProcesses(rows)
}

func (s *PostgresStore) ListStaleProcesses(ctx context.Context, cutoff time.Time) ([]model.ProcessStatus, error) {
	names := make([]string, len(workingStates))
	for i, w := range workingStates {
		names[i] = string(w)
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgProcessColumns+` FROM process_status
		 WHERE active AND process_name = ANY($1) AND updated_at < $2
		 ORDER BY updated_at`, names, cutoff)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list stale processes")
	}
	return collectPgProcesses(rows)
}

func (s *PostgresStore) ListRecentProcesses(ctx context.Context, since time.Time, limit int) ([]model.ProcessStatus, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgProcessColumns+` FROM process_status
		 WHERE created_at > $1 ORDER BY created_at DESC LIMIT $2`, since, limit)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list recent processes")
	}
	return collectPgProcesses(rows)
}

// --- Contacts ---

var contactUpsert = db.UpsertConfig{
	Table:        "contacts",
	Columns:      []string{"process_id", "id", "hubspot_id", "data"},
	ConflictKeys: []string{"process_id", "id"},
}

func (s *PostgresStore) SaveContacts(ctx context.Context, processID string, contacts []model.Contact) error {
	rows := make([][]any, 0, len(contacts))
	for _, c := range contacts {
		data, err := json.Marshal(c)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal contact")
		}
		rows = append(rows, []any{processID, c.ID, c.HubspotID, data})
	}
	_, err := db.BulkUpsert(ctx, s.pool, contactUpsert, rows)
	return eris.Wrap(err, "postgres: save contacts")
}

func (s *PostgresStore) ListContacts(ctx context.Context, processID string) ([]model.Contact, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT data FROM contacts WHERE process_id = $1 ORDER BY seq`, processID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list contacts")
	}
	defer rows.Close()

	var out []model.Contact
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, eris.Wrap(err, "postgres: scan contact")
		}
		var c model.Contact
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal contact")
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list contacts iterate")
}

// --- Groups ---

const pgGroupColumns = `id, tenant_id, process_id, members, merged, merge_result, merged_at, created_at`

func (s *PostgresStore) SaveGroups(ctx context.Context, processID string, groups []model.DuplicateGroup) ([]model.DuplicateGroup, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: begin save groups")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	out := make([]model.DuplicateGroup, 0, len(groups))
	for _, g := range groups {
		members, err := marshalMembers(g.Members)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: save groups")
		}
		if err := tx.QueryRow(ctx,
			`INSERT INTO duplicate_groups (tenant_id, process_id, members) VALUES ($1, $2, $3)
			 RETURNING id, created_at`,
			g.TenantID, processID, members,
		).Scan(&g.ID, &g.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: insert group")
		}
		g.ProcessID = processID
		out = append(out, g)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: commit save groups")
	}
	return out, nil
}

func (s *PostgresStore) ListGroups(ctx context.Context, tenantID string, page, pageSize int) (*model.GroupPage, error) {
	page, pageSize = model.NormalizePage(page, pageSize)

	latest, err := s.GetLatestProcess(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if latest == nil {
		return emptyPage(page, pageSize), nil
	}

	var total int
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM duplicate_groups WHERE process_id = $1`, latest.ID,
	).Scan(&total); err != nil {
		return nil, eris.Wrap(err, "postgres: count groups")
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+pgGroupColumns+` FROM duplicate_groups
		 WHERE process_id = $1 ORDER BY id ASC LIMIT $2 OFFSET $3`,
		latest.ID, pageSize, (page-1)*pageSize,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list groups")
	}
	groups, err := collectPgGroups(rows)
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

func (s *PostgresStore) ListProcessGroups(ctx context.Context, processID string) ([]model.DuplicateGroup, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgGroupColumns+` FROM duplicate_groups WHERE process_id = $1 ORDER BY id ASC`, processID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list process groups")
	}
	return collectPgGroups(rows)
}

func (s *PostgresStore) GetGroup(ctx context.Context, tenantID string, groupID int64) (*model.DuplicateGroup, error) {
	g, err := scanPgGroup(s.pool.QueryRow(ctx,
		`SELECT `+pgGroupColumns+` FROM duplicate_groups WHERE id = $1 AND tenant_id = $2`, groupID, tenantID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(model.ErrNotFound, "group %d", groupID)
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get group")
	}
	return g, nil
}

func (s *PostgresStore) CountUnmergedGroups(ctx context.Context, processID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM duplicate_groups WHERE process_id = $1 AND NOT merged`, processID,
	).Scan(&n)
	return n, eris.Wrap(err, "postgres: count unmerged groups")
}

func (s *PostgresStore) ClaimGroup(ctx context.Context, tenantID string, groupID int64, token string, ttl time.Duration) error {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE duplicate_groups SET merge_token = $1, claim_expires_at = $2
		 WHERE id = $3 AND tenant_id = $4 AND NOT merged
		   AND (merge_token IS NULL OR claim_expires_at < $5)
		   AND EXISTS (SELECT 1 FROM process_status p
		               WHERE p.id = duplicate_groups.process_id AND p.active AND p.process_name = $6)`,
		token, claimExpiry(now, ttl), groupID, tenantID, now, string(model.ProcessManualMerge),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: claim group %d", groupID)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
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

func (s *PostgresStore) ReleaseGroup(ctx context.Context, tenantID string, groupID int64, token string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE duplicate_groups SET merge_token = NULL, claim_expires_at = NULL
		 WHERE id = $1 AND tenant_id = $2 AND merge_token = $3`,
		groupID, tenantID, token,
	)
	return eris.Wrapf(err, "postgres: release group %d", groupID)
}

func (s *PostgresStore) CompleteGroupMerge(ctx context.Context, tenantID string, groupID int64, token string, members []model.Contact, result *model.MergeResult) error {
	membersJSON, err := marshalMembers(members)
	if err != nil {
		return eris.Wrap(err, "postgres: complete merge")
	}
	resultJSON, err := marshalResult(result)
	if err != nil {
		return eris.Wrap(err, "postgres: complete merge")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE duplicate_groups
		 SET merged = true, members = $1, merge_result = $2, merged_at = now(), merge_token = NULL, claim_expires_at = NULL
		 WHERE id = $3 AND tenant_id = $4 AND merge_token = $5 AND NOT merged`,
		membersJSON, resultJSON, groupID, tenantID, token,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete merge group %d", groupID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(model.ErrMergeInProgress, "claim lost for group %d", groupID)
	}
	return nil
}

func (s *PostgresStore) UpdateMergeResult(ctx context.Context, tenantID string, groupID int64, members []model.Contact, result *model.MergeResult) error {
	membersJSON, err := marshalMembers(members)
	if err != nil {
		return eris.Wrap(err, "postgres: update merge result")
	}
	resultJSON, err := marshalResult(result)
	if err != nil {
		return eris.Wrap(err, "postgres: update merge result")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE duplicate_groups SET members = $1, merge_result = $2
		 WHERE id = $3 AND tenant_id = $4 AND merged`,
		membersJSON, resultJSON, groupID, tenantID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update merge result of group %d", groupID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(model.ErrNotFound, "merged group %d", groupID)
	}
	return nil
}

// --- Plans ---

const pgPlanColumns = `tenant_id, plan_type, contact_count, contact_limit, merge_groups_used, payment_status, billing_type, created_at, updated_at`

func (s *PostgresStore) GetPlan(ctx context.Context, tenantID string) (*model.Plan, error) {
	var p model.Plan
	err := s.pool.QueryRow(ctx,
		`SELECT `+pgPlanColumns+` FROM plans WHERE tenant_id = $1`, tenantID,
	).Scan(&p.TenantID, &p.PlanType, &p.ContactCount, &p.ContactLimit, &p.MergeGroupsUsed,
		&p.PaymentStatus, &p.BillingType, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get plan")
	}
	return &p, nil
}

func (s *PostgresStore) CreatePlan(ctx context.Context, tenantID string, planType model.PlanType, contactCount int, billingType string) (*model.Plan, error) {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO plans (tenant_id, plan_type, contact_count, payment_status, billing_type)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (tenant_id) DO NOTHING`,
		tenantID, string(planType), contactCount, string(model.PaymentActive), billingType,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create plan")
	}
	return s.GetPlan(ctx, tenantID)
}

func (s *PostgresStore) UpdatePlan(ctx context.Context, tenantID string, change model.PlanChange) (*model.Plan, error) {
	var p model.Plan
	err := s.pool.QueryRow(ctx,
		`UPDATE plans SET plan_type = COALESCE($1, plan_type), contact_limit = COALESCE($2, contact_limit),
		     payment_status = COALESCE($3, payment_status), billing_type = COALESCE($4, billing_type), updated_at = now()
		 WHERE tenant_id = $5
		 RETURNING `+pgPlanColumns,
		change.PlanType, change.ContactLimit, change.PaymentStatus, change.BillingType, tenantID,
	).Scan(&p.TenantID, &p.PlanType, &p.ContactCount, &p.ContactLimit, &p.MergeGroupsUsed,
		&p.PaymentStatus, &p.BillingType, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(model.ErrNotFound, "plan %s", tenantID)
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: update plan")
	}
	return &p, nil
}

func (s *PostgresStore) SetPlanContactCount(ctx context.Context, tenantID string, count int) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE plans SET contact_count = $1, updated_at = now() WHERE tenant_id = $2`, count, tenantID)
	return eris.Wrap(err, "postgres: set plan contact count")
}

func (s *PostgresStore) ReserveMerge(ctx context.Context, tenantID string, groupID int64, freeLimit int) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, eris.Wrap(err, "postgres: begin reserve merge")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx,
		`INSERT INTO merge_ledger (tenant_id, group_id) VALUES ($1, $2)
		 ON CONFLICT (tenant_id, group_id) DO NOTHING`,
		tenantID, groupID,
	)
	if err != nil {
		return false, eris.Wrap(err, "postgres: insert merge ledger")
	}
	if tag.RowsAffected() == 0 {
		return true, nil
	}

	// The row lock taken here orders concurrent reservations, and the limit
	// is re-checked against the committed count.
	tag, err = tx.Exec(ctx,
		`UPDATE plans SET merge_groups_used = merge_groups_used + 1, updated_at = now()
		 WHERE tenant_id = $1 AND (plan_type <> $2 OR merge_groups_used < $3)`,
		tenantID, string(model.PlanFree), freeLimit,
	)
	if err != nil {
		return false, eris.Wrap(err, "postgres: increment merge groups used")
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	if err := tx.Commit(ctx); err != nil {
		return false, eris.Wrap(err, "postgres: commit reserve merge")
	}
	return true, nil
}

func (s *PostgresStore) ReleaseMerge(ctx context.Context, tenantID string, groupID int64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin release merge")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx,
		`DELETE FROM merge_ledger WHERE tenant_id = $1 AND group_id = $2`, tenantID, groupID)
	if err != nil {
		return eris.Wrap(err, "postgres: delete merge ledger")
	}
	if tag.RowsAffected() == 0 {
		return nil
	}
	if _, err := tx.Exec(ctx,
		`UPDATE plans SET merge_groups_used = merge_groups_used - 1, updated_at = now()
		 WHERE tenant_id = $1 AND merge_groups_used > 0`,
		tenantID,
	); err != nil {
		return eris.Wrap(err, "postgres: decrement merge groups used")
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit release merge")
}

// --- Dead letter queue ---

const pgDLQColumns = `id, tenant_id, group_id, contact_id, hubspot_id, into_hubspot_id, error, error_type,
	retry_count, max_retries, next_retry_at, created_at, last_failed_at`

func (s *PostgresStore) EnqueueDLQ(ctx context.Context, e resilience.DLQEntry) error {
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
	_, err := s.pool.Exec(ctx,
		`INSERT INTO dead_letter_queue (`+pgDLQColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 ON CONFLICT (id) DO UPDATE SET
		   error = $7, error_type = $8, retry_count = $9, next_retry_at = $11, last_failed_at = $13`,
		e.ID, e.TenantID, e.GroupID, e.ContactID, e.HubspotID, e.IntoHubspotID, e.Error, e.ErrorType,
		e.RetryCount, e.MaxRetries, e.NextRetryAt, e.CreatedAt, e.LastFailedAt,
	)
	return eris.Wrap(err, "postgres: enqueue dlq")
}

func (s *PostgresStore) DequeueDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	query := `SELECT ` + pgDLQColumns + ` FROM dead_letter_queue
	          WHERE next_retry_at <= now() AND retry_count < max_retries`
	var args []any
	if filter.TenantID != "" {
		args = append(args, filter.TenantID)
		query += fmt.Sprintf(` AND tenant_id = $%d`, len(args))
	}
	if filter.ErrorType != "" {
		args = append(args, filter.ErrorType)
		query += fmt.Sprintf(` AND error_type = $%d`, len(args))
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query += fmt.Sprintf(` ORDER BY next_retry_at ASC LIMIT $%d`, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: dequeue dlq")
	}
	defer rows.Close()

	var out []resilience.DLQEntry
	for rows.Next() {
		var e resilience.DLQEntry
		if err := rows.Scan(&e.ID, &e.TenantID, &e.GroupID, &e.ContactID, &e.HubspotID, &e.IntoHubspotID,
			&e.Error, &e.ErrorType, &e.RetryCount, &e.MaxRetries, &e.NextRetryAt, &e.CreatedAt, &e.LastFailedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan dlq entry")
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: dequeue dlq iterate")
}

func (s *PostgresStore) IncrementDLQRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE dead_letter_queue
		 SET retry_count = retry_count + 1, next_retry_at = $1, error = $2, last_failed_at = now()
		 WHERE id = $3`,
		nextRetryAt, lastErr, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: increment dlq retry %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(model.ErrNotFound, "dlq_entry %s", id)
	}
	return nil
}

func (s *PostgresStore) RemoveDLQ(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM dead_letter_queue WHERE id = $1`, id)
	return eris.Wrap(err, "postgres: remove dlq")
}

func (s *PostgresStore) CountDLQ(ctx context.Context, tenantID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM dead_letter_queue WHERE $1 = '' OR tenant_id = $1`, tenantID).Scan(&n)
	return n, eris.Wrap(err, "postgres: count dlq")
}

// helpers

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func scanPgProcess(row pgx.Row) (*model.ProcessStatus, error) {
	var p model.ProcessStatus
	var name string
	if err := row.Scan(&p.ID, &p.TenantID, &name, &p.Status, &p.Count, &p.Artifact,
		&p.Version, &p.Active, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.ProcessName = model.ProcessName(name)
	return &p, nil
}

func collectPgProcesses(rows pgx.Rows) ([]model.ProcessStatus, error) {
	defer rows.Close()
	var out []model.ProcessStatus
	for rows.Next() {
		p, err := scanPgProcess(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan process")
		}
		out = append(out, *p)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate processes")
}

func scanPgGroup(row pgx.Row) (*model.DuplicateGroup, error) {
	var g model.DuplicateGroup
	var members, result []byte
	if err := row.Scan(&g.ID, &g.TenantID, &g.ProcessID, &members, &g.Merged, &result, &g.MergedAt, &g.CreatedAt); err != nil {
		return nil, err
	}
	if err := unmarshalGroupJSON(&g, members, result); err != nil {
		return nil, eris.Wrap(err, "postgres: decode group")
	}
	return &g, nil
}

func collectPgGroups(rows pgx.Rows) ([]model.DuplicateGroup, error) {
	defer rows.Close()
	groups := []model.DuplicateGroup{}
	for rows.Next() {
		g, err := scanPgGroup(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan group")
		}
		groups = append(groups, *g)
	}
	return groups, eris.Wrap(rows.Err(), "postgres: iterate groups")
}
