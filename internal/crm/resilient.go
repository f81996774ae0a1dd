package crm

import (
	"context"
	"time"

	"github.com/sells-group/dedupe-cli/internal/resilience"
)

// ResilientOptions configures NewResilient.
type ResilientOptions struct {
	Provider    string
	CallTimeout time.Duration
	Retry       resilience.RetryConfig
	Breaker     resilience.CircuitBreakerConfig
}

// Resilient bounds every CRM call with a timeout and guards it with a
// circuit breaker. Fetches and deletes are retried on transient errors.
// Updates are attempted once since a lost response may already have
// re-keyed the contact.
type Resilient struct {
	next    Client
	opts    ResilientOptions
	breaker *resilience.CircuitBreaker
}

// NewResilient wraps next.
func NewResilient(next Client, opts ResilientOptions) *Resilient {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 30 * time.Second
	}
	if opts.Breaker.OnStateChange == nil {
		opts.Breaker.OnStateChange = resilience.StateLogger(opts.Provider)
	}
	return &Resilient{
		next:    next,
		opts:    opts,
		breaker: resilience.NewCircuitBreaker(opts.Breaker),
	}
}

// CallBudget is the longest one retried CRM call can take.
func (r *Resilient) CallBudget() time.Duration {
	return resilience.Budget(r.opts.Retry, r.opts.CallTimeout)
}

// Breaker exposes the circuit breaker for health reporting.
func (r *Resilient) Breaker() *resilience.CircuitBreaker { return r.breaker }

// FetchContacts implements Client.
func (r *Resilient) FetchContacts(ctx context.Context, tenantID, cursor string) (*Page, error) {
	cfg := r.retryConfig("fetch_contacts")
	return resilience.DoVal(ctx, cfg, func(ctx context.Context) (*Page, error) {
		return resilience.ExecuteVal(ctx, r.breaker, func(ctx context.Context) (*Page, error) {
			ctx, cancel := context.WithTimeout(ctx, r.opts.CallTimeout)
			defer cancel()
			return r.next.FetchContacts(ctx, tenantID, cursor)
		})
	})
}

// UpdateContact implements Client.
func (r *Resilient) UpdateContact(ctx context.Context, tenantID, externalID string, fields map[string]string) (string, error) {
	return resilience.ExecuteVal(ctx, r.breaker, func(ctx context.Context) (string, error) {
		ctx, cancel := context.WithTimeout(ctx, r.opts.CallTimeout)
		defer cancel()
		return r.next.UpdateContact(ctx, tenantID, externalID, fields)
	})
}

// DeleteOrMergeContact implements Client.
func (r *Resilient) DeleteOrMergeContact(ctx context.Context, tenantID, externalID, intoExternalID string) error {
	cfg := r.retryConfig("delete_or_merge_contact")
	return resilience.Do(ctx, cfg, func(ctx context.Context) error {
		return r.breaker.Execute(ctx, func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, r.opts.CallTimeout)
			defer cancel()
			return r.next.DeleteOrMergeContact(ctx, tenantID, externalID, intoExternalID)
		})
	})
}

func (r *Resilient) retryConfig(op string) resilience.RetryConfig {
	cfg := r.opts.Retry
	if cfg.OnRetry == nil {
		cfg.OnRetry = resilience.RetryLogger(r.opts.Provider, op)
	}
	return cfg
}
