package crm

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/dedupe-cli/internal/model"
	"github.com/sells-group/dedupe-cli/internal/resilience"
	"github.com/sells-group/dedupe-cli/pkg/salesforce"
)

// salesforceFields maps CRM property names to Contact API field names.
var salesforceFields = map[string]string{
	model.PropFirstName: "FirstName",
	model.PropLastName:  "LastName",
	model.PropEmail:     "Email",
	model.PropPhone:     "Phone",
	"jobtitle":          "Title",
	"department":        "Department",
	"city":              "MailingCity",
}

// salesforceTransient are error codes the REST API returns for conditions
// that clear on their own.
var salesforceTransient = []string{
	"REQUEST_LIMIT_EXCEEDED",
	"SERVER_UNAVAILABLE",
	"UNABLE_TO_LOCK_ROW",
	"503 Service Unavailable",
}

// Salesforce adapts the Salesforce Contact object.
type Salesforce struct {
	clients  *clientCache[salesforce.Client]
	pageSize int
}

// NewSalesforce creates a Salesforce adapter for the org at domain.
func NewSalesforce(domain string, tokens Tokens, pageSize int, opts ...salesforce.ClientOption) *Salesforce {
	return newSalesforce(tokens, pageSize, func(token string) (salesforce.Client, error) {
		return salesforce.Connect(domain, token, opts...)
	})
}

func newSalesforce(tokens Tokens, pageSize int, build func(string) (salesforce.Client, error)) *Salesforce {
	if pageSize <= 0 {
		pageSize = salesforce.DefaultPageSize
	}
	return &Salesforce{clients: newClientCache(tokens, build), pageSize: pageSize}
}

// FetchContacts implements Client using keyset paging on Id.
func (s *Salesforce) FetchContacts(ctx context.Context, tenantID, cursor string) (*Page, error) {
	c, err := s.clients.get(tenantID)
	if err != nil {
		return nil, err
	}
	records, err := salesforce.ListContacts(ctx, c, cursor, s.pageSize)
	if err != nil {
		return nil, eris.Wrap(classifySalesforce(err), "crm: salesforce list contacts")
	}

	page := &Page{Contacts: make([]model.Contact, 0, len(records))}
	for _, r := range records {
		page.Contacts = append(page.Contacts, contactFromSalesforce(r))
	}
	if len(records) < s.pageSize {
		page.Done = true
	} else {
		page.Next = records[len(records)-1].ID
	}
	return page, nil
}

// UpdateContact implements Client. Salesforce never re-keys a record.
// The company property lives on the parent Account and is not written.
func (s *Salesforce) UpdateContact(ctx context.Context, tenantID, externalID string, fields map[string]string) (string, error) {
	c, err := s.clients.get(tenantID)
	if err != nil {
		return "", err
	}
	sfFields := make(map[string]any, len(fields))
	for name, val := range fields {
		if name == model.PropCompany {
			zap.L().Warn("crm: salesforce company is read-only on contact, skipping",
				zap.String("tenant", tenantID), zap.String("contact_id", externalID))
			continue
		}
		if mapped, ok := salesforceFields[name]; ok {
			name = mapped
		}
		sfFields[name] = val
	}
	if len(sfFields) == 0 {
		return externalID, nil
	}
	if err := salesforce.UpdateContact(ctx, c, externalID, sfFields); err != nil {
		return "", classifySalesforce(err)
	}
	return externalID, nil
}

// DeleteOrMergeContact implements Client by deleting the secondary. The
// Contact API has no merge endpoint.
func (s *Salesforce) DeleteOrMergeContact(ctx context.Context, tenantID, externalID, _ string) error {
	c, err := s.clients.get(tenantID)
	if err != nil {
		return err
	}
	return classifySalesforce(salesforce.DeleteContact(ctx, c, externalID))
}

func contactFromSalesforce(r salesforce.Contact) model.Contact {
	c := model.Contact{
		HubspotID: r.ID,
		FirstName: r.FirstName,
		LastName:  r.LastName,
		Email:     r.Email,
		Phone:     r.Phone,
		Company:   r.Company(),
	}
	for name, val := range map[string]string{
		"jobtitle":   r.Title,
		"department": r.Department,
		"city":       r.MailingCity,
	} {
		if val != "" {
			c.Set(name, val)
		}
	}
	if ts, err := time.Parse("2006-01-02T15:04:05.000-0700", r.LastModifiedDate); err == nil {
		c.LastModifiedDate = ts
	}
	return c
}

func classifySalesforce(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	for _, code := range salesforceTransient {
		if strings.Contains(msg, code) {
			return resilience.NewTransientError(err, 0)
		}
	}
	return err
}
