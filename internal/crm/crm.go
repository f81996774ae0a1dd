// Package crm adapts external systems of record to the contact capability
// consumed by the dedupe engine: fetch, update, delete-or-merge.
package crm

import (
	"context"
	"sync"

	"github.com/rotisserie/eris"

	"github.com/sells-group/dedupe-cli/internal/model"
)

// Page is one page of contacts read from the CRM.
type Page struct {
	Contacts []model.Contact
	Next     string
	Done     bool
}

// Client is the contact capability of a CRM.
type Client interface {
	// FetchContacts returns the page of contacts after cursor. An empty
	// cursor starts from the beginning.
	FetchContacts(ctx context.Context, tenantID, cursor string) (*Page, error)
	// UpdateContact writes fields to a contact and returns its external id,
	// which may differ from externalID when the CRM re-keys the record.
	UpdateContact(ctx context.Context, tenantID, externalID string, fields map[string]string) (string, error)
	// DeleteOrMergeContact retires externalID into intoExternalID. A contact
	// that is already gone counts as success.
	DeleteOrMergeContact(ctx context.Context, tenantID, externalID, intoExternalID string) error
}

// Tokens resolves the credential used for a tenant.
type Tokens struct {
	Default   string
	PerTenant map[string]string
}

// For returns the tenant's token, falling back to the default.
func (t Tokens) For(tenantID string) (string, error) {
	if tok := t.PerTenant[tenantID]; tok != "" {
		return tok, nil
	}
	if t.Default != "" {
		return t.Default, nil
	}
	return "", eris.Errorf("crm: no credentials for tenant %s", tenantID)
}

// clientCache builds one client per tenant and reuses it.
type clientCache[C any] struct {
	tokens Tokens
	build  func(token string) (C, error)

	mu      sync.Mutex
	clients map[string]C
}

func newClientCache[C any](tokens Tokens, build func(token string) (C, error)) *clientCache[C] {
	return &clientCache[C]{tokens: tokens, build: build, clients: make(map[string]C)}
}

func (c *clientCache[C]) get(tenantID string) (C, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cl, ok := c.clients[tenantID]; ok {
		return cl, nil
	}
	var zero C
	tok, err := c.tokens.For(tenantID)
	if err != nil {
		return zero, err
	}
	cl, err := c.build(tok)
	if err != nil {
		return zero, eris.Wrapf(err, "crm: build client for tenant %s", tenantID)
	}
	c.clients[tenantID] = cl
	return cl, nil
}
