package model

import "time"

// PlanType is the billing tier of a tenant.
type PlanType string

const (
	PlanFree PlanType = "free"
	PlanPaid PlanType = "paid"
)

// PaymentStatus mirrors the provisioning collaborator's view of a paid plan.
type PaymentStatus string

const (
	PaymentActive   PaymentStatus = "active"
	PaymentPending  PaymentStatus = "pending"
	PaymentPastDue  PaymentStatus = "past_due"
	PaymentCanceled PaymentStatus = "canceled"
)

// Plan is a tenant's quota record.
type Plan struct {
	TenantID        string        `json:"tenant_id"`
	PlanType        PlanType      `json:"plan_type"`
	ContactCount    int           `json:"contact_count"`
	ContactLimit    int           `json:"contact_limit,omitempty"` // paid only; 0 means unlimited
	MergeGroupsUsed int           `json:"merge_groups_used"`
	PaymentStatus   PaymentStatus `json:"payment_status"`
	BillingType     string        `json:"billing_type"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// PlanChange is a provisioning update. Nil fields are left unchanged.
type PlanChange struct {
	PlanType      *PlanType      `json:"plan_type,omitempty"`
	ContactLimit  *int           `json:"contact_limit,omitempty"`
	PaymentStatus *PaymentStatus `json:"payment_status,omitempty"`
	BillingType   *string        `json:"billing_type,omitempty"`
}

// QuotaDecision is the outcome of a quota check.
type QuotaDecision string

const (
	QuotaAllow  QuotaDecision = "allow"
	QuotaExceed QuotaDecision = "exceed"
)
