package quota

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/dedupe-cli/internal/model"
)

// ErrInvalidPlanChange marks a provisioning change with unknown values.
var ErrInvalidPlanChange = eris.New("invalid plan change")

// PlanWriter applies provisioning changes to plans.
type PlanWriter interface {
	PlanProvider
	UpdatePlan(ctx context.Context, tenantID string, change model.PlanChange) (*model.Plan, error)
}

// Provision applies a plan change on behalf of the provisioning
// collaborator. A tenant without a plan gets a free plan first, so an
// upgrade can arrive before the tenant's first run finished fetching.
func Provision(ctx context.Context, plans PlanWriter, tenantID string, change model.PlanChange) (*model.Plan, error) {
	if err := validateChange(change); err != nil {
		return nil, err
	}
	plan, err := plans.GetPlan(ctx, tenantID)
	if err != nil {
		return nil, eris.Wrapf(err, "quota: get plan for %s", tenantID)
	}
	if plan == nil {
		if _, err := plans.CreatePlan(ctx, tenantID, model.PlanFree, 0, BillingNone); err != nil {
			return nil, eris.Wrapf(err, "quota: create plan for %s", tenantID)
		}
	}
	updated, err := plans.UpdatePlan(ctx, tenantID, change)
	if err != nil {
		return nil, eris.Wrapf(err, "quota: update plan for %s", tenantID)
	}
	zap.L().Info("quota: plan provisioned",
		zap.String("tenant", tenantID),
		zap.String("plan_type", string(updated.PlanType)),
		zap.String("payment_status", string(updated.PaymentStatus)),
		zap.Int("contact_limit", updated.ContactLimit),
	)
	return updated, nil
}

func validateChange(change model.PlanChange) error {
	if change.PlanType != nil {
		switch *change.PlanType {
		case model.PlanFree, model.PlanPaid:
		default:
			return eris.Wrapf(ErrInvalidPlanChange, "unknown plan type %q", *change.PlanType)
		}
	}
	if change.PaymentStatus != nil {
		switch *change.PaymentStatus {
		case model.PaymentActive, model.PaymentPending, model.PaymentPastDue, model.PaymentCanceled:
		default:
			return eris.Wrapf(ErrInvalidPlanChange, "unknown payment status %q", *change.PaymentStatus)
		}
	}
	if change.ContactLimit != nil && *change.ContactLimit < 0 {
		return eris.Wrap(ErrInvalidPlanChange, "contact limit must be >= 0")
	}
	return nil
}
