package store

import (
	"context"
	"time"

	"github.com/sells-group/dedupe-cli/internal/model"
	"github.com/sells-group/dedupe-cli/internal/resilience"
)

// ProcessStore persists dedupe runs. Transitions are compare-and-set on the
// current process name, so two writers can never both advance a run.
type ProcessStore interface {
	// CreateProcess inserts a new active run in the fetching state. It fails
	// with model.ErrRunInProgress while the tenant has another active run,
	// unless supersede is set, in which case the active run is moved to the
	// error state in the same transaction.
	CreateProcess(ctx context.Context, tenantID string, supersede bool) (*model.ProcessStatus, error)
	TransitionProcess(ctx context.Context, processID string, upd model.ProcessUpdate) (*model.ProcessStatus, error)
	UpdateProcessCount(ctx context.Context, processID string, state model.ProcessName, count int) error
	GetProcess(ctx context.Context, processID string) (*model.ProcessStatus, error)
	GetLatestProcess(ctx context.Context, tenantID string) (*model.ProcessStatus, error)
	ListProcesses(ctx context.Context, tenantID string, limit int) ([]model.ProcessStatus, error)
	// ListStaleProcesses returns active runs in a working state whose last
	// update is older than cutoff.
	ListStaleProcesses(ctx context.Context, cutoff time.Time) ([]model.ProcessStatus, error)
	// ListRecentProcesses returns runs of every tenant created after since,
	// newest first.
	ListRecentProcesses(ctx context.Context, since time.Time, limit int) ([]model.ProcessStatus, error)
}

// ContactStore holds the contact snapshots fetched for a run.
type ContactStore interface {
	SaveContacts(ctx context.Context, processID string, contacts []model.Contact) error
	ListContacts(ctx context.Context, processID string) ([]model.Contact, error)
}

// GroupStore holds duplicate groups and their merge state.
type GroupStore interface {
	SaveGroups(ctx context.Context, processID string, groups []model.DuplicateGroup) ([]model.DuplicateGroup, error)
	ListGroups(ctx context.Context, tenantID string, page, pageSize int) (*model.GroupPage, error)
	ListProcessGroups(ctx context.Context, processID string) ([]model.DuplicateGroup, error)
	GetGroup(ctx context.Context, tenantID string, groupID int64) (*model.DuplicateGroup, error)
	CountUnmergedGroups(ctx context.Context, processID string) (int, error)

	// ClaimGroup marks an unmerged, unclaimed group as being merged by token
	// for ttl. Only groups of a run that accepts merges can be claimed. It
	// returns model.ErrAlreadyMerged, model.ErrMergeInProgress or
	// model.ErrInvalidTransition when the claim is lost.
	ClaimGroup(ctx context.Context, tenantID string, groupID int64, token string, ttl time.Duration) error
	ReleaseGroup(ctx context.Context, tenantID string, groupID int64, token string) error
	CompleteGroupMerge(ctx context.Context, tenantID string, groupID int64, token string, members []model.Contact, result *model.MergeResult) error
	// UpdateMergeResult rewrites the members and result of a merged group
	// after failed secondaries were replayed.
	UpdateMergeResult(ctx context.Context, tenantID string, groupID int64, members []model.Contact, result *model.MergeResult) error
}

// PlanStore is the default plan provider and merge ledger.
type PlanStore interface {
	GetPlan(ctx context.Context, tenantID string) (*model.Plan, error)
	CreatePlan(ctx context.Context, tenantID string, planType model.PlanType, contactCount int, billingType string) (*model.Plan, error)
	UpdatePlan(ctx context.Context, tenantID string, change model.PlanChange) (*model.Plan, error)
	SetPlanContactCount(ctx context.Context, tenantID string, count int) error

	// ReserveMerge counts a group against the tenant's plan before the merge
	// touches the CRM. The ledger row and the merge_groups_used increment are
	// written together, and a free plan already at freeLimit is left
	// untouched. It reports whether the group is counted, including by an
	// earlier reservation.
	ReserveMerge(ctx context.Context, tenantID string, groupID int64, freeLimit int) (bool, error)
	// ReleaseMerge gives back the reservation of a group whose merge did not
	// happen. Releasing a group without a reservation is a no-op.
	ReleaseMerge(ctx context.Context, tenantID string, groupID int64) error
}

// DeadLetterStore queues secondary deletes that failed during a merge so
// they can be replayed.
type DeadLetterStore interface {
	EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error
	DequeueDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error)
	IncrementDLQRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error
	RemoveDLQ(ctx context.Context, id string) error
	// CountDLQ counts a tenant's queued entries, or every tenant's when
	// tenantID is empty.
	CountDLQ(ctx context.Context, tenantID string) (int, error)
}

// Store defines the persistence interface for the dedupe engine.
type Store interface {
	ProcessStore
	ContactStore
	GroupStore
	PlanStore
	DeadLetterStore

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}
