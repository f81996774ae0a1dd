package quota

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/dedupe-cli/internal/model"
)

func TestProvision_CreatesMissingPlan(t *testing.T) {
	_, s := newTestGate(t)
	ctx := context.Background()

	paid := model.PlanPaid
	active := model.PaymentActive
	limit := 5000
	plan, err := Provision(ctx, s, "acme", model.PlanChange{PlanType: &paid, PaymentStatus: &active, ContactLimit: &limit})
	require.NoError(t, err)
	assert.Equal(t, model.PlanPaid, plan.PlanType)
	assert.Equal(t, 5000, plan.ContactLimit)
	assert.Equal(t, model.PaymentActive, plan.PaymentStatus)
}

func TestProvision_UpdatesExistingPlan(t *testing.T) {
	g, s := newTestGate(t)
	ctx := context.Background()
	_, err := g.CheckAndMaybeExceed(ctx, "acme", 10)
	require.NoError(t, err)

	pastDue := model.PaymentPastDue
	plan, err := Provision(ctx, s, "acme", model.PlanChange{PaymentStatus: &pastDue})
	require.NoError(t, err)
	assert.Equal(t, model.PlanFree, plan.PlanType)
	assert.Equal(t, model.PaymentPastDue, plan.PaymentStatus)
	assert.Equal(t, 10, plan.ContactCount)
}

func TestProvision_RejectsUnknownValues(t *testing.T) {
	_, s := newTestGate(t)
	ctx := context.Background()

	gold := model.PlanType("gold")
	_, err := Provision(ctx, s, "acme", model.PlanChange{PlanType: &gold})
	assert.ErrorContains(t, err, "unknown plan type")

	weird := model.PaymentStatus("weird")
	_, err = Provision(ctx, s, "acme", model.PlanChange{PaymentStatus: &weird})
	assert.ErrorContains(t, err, "unknown payment status")

	neg := -1
	_, err = Provision(ctx, s, "acme", model.PlanChange{ContactLimit: &neg})
	assert.ErrorContains(t, err, "contact limit")
	assert.True(t, errors.Is(err, ErrInvalidPlanChange))

	plan, err := s.GetPlan(ctx, "acme")
	require.NoError(t, err)
	assert.Nil(t, plan)
}
