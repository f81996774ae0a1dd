// Package quota decides whether a tenant's plan covers a run or a merge.
package quota

import (
	"context"
	"fmt"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/dedupe-cli/internal/model"
)

// BillingNone is the billing type of a lazily provisioned free plan.
const BillingNone = "none"

// PlanProvider is the plan provisioning collaborator.
type PlanProvider interface {
	GetPlan(ctx context.Context, tenantID string) (*model.Plan, error)
	CreatePlan(ctx context.Context, tenantID string, planType model.PlanType, contactCount int, billingType string) (*model.Plan, error)
}

// Ledger owns the plan counters.
type Ledger interface {
	SetPlanContactCount(ctx context.Context, tenantID string, count int) error
	ReserveMerge(ctx context.Context, tenantID string, groupID int64, freeLimit int) (bool, error)
	ReleaseMerge(ctx context.Context, tenantID string, groupID int64) error
}

// Limits are the free tier allowances.
type Limits struct {
	FreeContactLimit    int
	FreeMergeGroupLimit int
}

// Verdict is a quota decision with the reason shown to the tenant.
type Verdict struct {
	Decision model.QuotaDecision `json:"decision"`
	Reason   string              `json:"reason,omitempty"`
}

// Allowed reports whether the verdict allows the operation.
func (v Verdict) Allowed() bool { return v.Decision == model.QuotaAllow }

// Evaluate applies the quota rules to a plan, which may be nil.
func Evaluate(plan *model.Plan, contactCount int, limits Limits) Verdict {
	exceed := func(format string, args ...any) Verdict {
		return Verdict{Decision: model.QuotaExceed, Reason: fmt.Sprintf(format, args...)}
	}

	if plan == nil || plan.PlanType == model.PlanFree {
		if contactCount > limits.FreeContactLimit {
			return exceed("free plan covers %d contacts, found %d; upgrade to continue",
				limits.FreeContactLimit, contactCount)
		}
		if plan != nil && plan.MergeGroupsUsed >= limits.FreeMergeGroupLimit {
			return exceed("free plan covers %d merged groups, %d used; upgrade to continue",
				limits.FreeMergeGroupLimit, plan.MergeGroupsUsed)
		}
		return Verdict{Decision: model.QuotaAllow}
	}

	if plan.PaymentStatus != model.PaymentActive {
		return exceed("paid plan payment is %s; update billing to continue", plan.PaymentStatus)
	}
	if plan.ContactLimit > 0 && contactCount >= plan.ContactLimit {
		return exceed("paid plan covers %d contacts, found %d; upgrade to continue",
			plan.ContactLimit, contactCount)
	}
	return Verdict{Decision: model.QuotaAllow}
}

// Gate is the quota gate. It is the only writer of plan counters.
type Gate struct {
	plans  PlanProvider
	ledger Ledger
	limits Limits
}

// NewGate creates a Gate.
func NewGate(plans PlanProvider, ledger Ledger, limits Limits) *Gate {
	return &Gate{plans: plans, ledger: ledger, limits: limits}
}

// Limits returns the configured free tier allowances.
func (g *Gate) Limits() Limits { return g.limits }

// CheckAndMaybeExceed evaluates a tenant with contactCount contacts. A
// tenant without a plan that fits the free tier is provisioned a free plan.
// An existing plan has its contact count refreshed.
func (g *Gate) CheckAndMaybeExceed(ctx context.Context, tenantID string, contactCount int) (Verdict, error) {
	log := zap.L().With(zap.String("tenant", tenantID), zap.Int("contact_count", contactCount))

	plan, err := g.plans.GetPlan(ctx, tenantID)
	if err != nil {
		return Verdict{}, eris.Wrapf(err, "quota: get plan for %s", tenantID)
	}

	v := Evaluate(plan, contactCount, g.limits)

	switch {
	case plan == nil && v.Allowed():
		if _, err := g.plans.CreatePlan(ctx, tenantID, model.PlanFree, contactCount, BillingNone); err != nil {
			return Verdict{}, eris.Wrapf(err, "quota: provision free plan for %s", tenantID)
		}
		log.Info("quota: provisioned free plan")
	case plan != nil && plan.ContactCount != contactCount:
		if err := g.ledger.SetPlanContactCount(ctx, tenantID, contactCount); err != nil {
			return Verdict{}, eris.Wrapf(err, "quota: set contact count for %s", tenantID)
		}
	}

	if !v.Allowed() {
		log.Info("quota: exceeded", zap.String("reason", v.Reason))
	}
	return v, nil
}

// AllowMerge checks the tenant's stored plan before a merge mutates the
// CRM. It returns model.ErrQuotaExceeded when the plan does not cover it.
func (g *Gate) AllowMerge(ctx context.Context, tenantID string) error {
	plan, err := g.plans.GetPlan(ctx, tenantID)
	if err != nil {
		return eris.Wrapf(err, "quota: get plan for %s", tenantID)
	}
	count := 0
	if plan != nil {
		count = plan.ContactCount
	}
	if v := Evaluate(plan, count, g.limits); !v.Allowed() {
		return eris.Wrap(model.ErrQuotaExceeded, v.Reason)
	}
	return nil
}

// ReserveMerge counts groupID against the tenant's plan before the merge
// mutates the CRM. The free merged group limit is enforced in the same write
// that counts the group, so concurrent merges cannot overshoot it. A group
// counted earlier is not counted again. It returns model.ErrQuotaExceeded
// when the plan does not cover another merged group.
func (g *Gate) ReserveMerge(ctx context.Context, tenantID string, groupID int64) error {
	plan, err := g.plans.GetPlan(ctx, tenantID)
	if err != nil {
		return eris.Wrapf(err, "quota: get plan for %s", tenantID)
	}
	if plan == nil {
		if plan, err = g.plans.CreatePlan(ctx, tenantID, model.PlanFree, 0, BillingNone); err != nil {
			return eris.Wrapf(err, "quota: provision free plan for %s", tenantID)
		}
	}
	if v := Evaluate(plan, plan.ContactCount, g.limits); !v.Allowed() {
		return eris.Wrap(model.ErrQuotaExceeded, v.Reason)
	}

	ok, err := g.ledger.ReserveMerge(ctx, tenantID, groupID, g.limits.FreeMergeGroupLimit)
	if err != nil {
		return eris.Wrapf(err, "quota: reserve merge of group %d", groupID)
	}
	if !ok {
		return eris.Wrapf(model.ErrQuotaExceeded, "free plan covers %d merged groups; upgrade to continue",
			g.limits.FreeMergeGroupLimit)
	}
	return nil
}

// ReleaseMerge returns the reservation of a group whose merge was abandoned
// before the CRM was changed.
func (g *Gate) ReleaseMerge(ctx context.Context, tenantID string, groupID int64) error {
	if err := g.ledger.ReleaseMerge(ctx, tenantID, groupID); err != nil {
		return eris.Wrapf(err, "quota: release merge of group %d", groupID)
	}
	zap.L().Debug("quota: merge reservation released",
		zap.String("tenant", tenantID), zap.Int64("group_id", groupID))
	return nil
}
