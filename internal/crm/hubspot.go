package crm

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/dedupe-cli/internal/model"
	"github.com/sells-group/dedupe-cli/internal/resilience"
	"github.com/sells-group/dedupe-cli/pkg/hubspot"
)

// hubspotBaseProperties are always requested when listing contacts.
var hubspotBaseProperties = []string{
	model.PropEmail, model.PropFirstName, model.PropLastName,
	model.PropPhone, model.PropCompany, "lastmodifieddate",
}

// hubspotSystemProperties are returned by HubSpot but never offered for merge.
var hubspotSystemProperties = map[string]bool{
	"hs_object_id":     true,
	"createdate":       true,
	"lastmodifieddate": true,
}

// HubSpot adapts the HubSpot contacts API.
type HubSpot struct {
	clients    *clientCache[hubspot.Client]
	pageSize   int
	properties []string
}

// NewHubSpot creates a HubSpot adapter. extraProperties are fetched in
// addition to the typed contact fields and land in other properties.
func NewHubSpot(tokens Tokens, pageSize int, extraProperties []string, opts ...hubspot.Option) *HubSpot {
	return newHubSpot(tokens, pageSize, extraProperties, func(token string) (hubspot.Client, error) {
		return hubspot.NewClient(token, opts...), nil
	})
}

func newHubSpot(tokens Tokens, pageSize int, extraProperties []string, build func(string) (hubspot.Client, error)) *HubSpot {
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 100
	}
	props := append([]string{}, hubspotBaseProperties...)
	for _, p := range extraProperties {
		if !contains(props, p) {
			props = append(props, p)
		}
	}
	return &HubSpot{
		clients:    newClientCache(tokens, build),
		pageSize:   pageSize,
		properties: props,
	}
}

// FetchContacts implements Client.
func (h *HubSpot) FetchContacts(ctx context.Context, tenantID, cursor string) (*Page, error) {
	c, err := h.clients.get(tenantID)
	if err != nil {
		return nil, err
	}
	resp, err := c.ListContacts(ctx, cursor, h.pageSize, h.properties)
	if err != nil {
		return nil, eris.Wrap(classifyHubSpot(err), "crm: hubspot list contacts")
	}

	page := &Page{Contacts: make([]model.Contact, 0, len(resp.Results))}
	for _, obj := range resp.Results {
		page.Contacts = append(page.Contacts, contactFromHubSpot(obj))
	}
	page.Next = resp.NextAfter()
	page.Done = page.Next == ""
	return page, nil
}

// UpdateContact implements Client.
func (h *HubSpot) UpdateContact(ctx context.Context, tenantID, externalID string, fields map[string]string) (string, error) {
	c, err := h.clients.get(tenantID)
	if err != nil {
		return "", err
	}
	obj, err := c.UpdateContact(ctx, externalID, fields)
	if err != nil {
		return "", eris.Wrapf(classifyHubSpot(err), "crm: hubspot update contact %s", externalID)
	}
	if obj == nil || obj.ID == "" {
		return externalID, nil
	}
	return obj.ID, nil
}

// DeleteOrMergeContact implements Client by merging externalID into
// intoExternalID. A 404 means the secondary was already merged away.
func (h *HubSpot) DeleteOrMergeContact(ctx context.Context, tenantID, externalID, intoExternalID string) error {
	c, err := h.clients.get(tenantID)
	if err != nil {
		return err
	}
	_, err = c.MergeContacts(ctx, intoExternalID, externalID)
	if err == nil || hubspot.IsNotFound(err) {
		return nil
	}
	return eris.Wrapf(classifyHubSpot(err), "crm: hubspot merge %s into %s", externalID, intoExternalID)
}

func contactFromHubSpot(obj hubspot.Object) model.Contact {
	c := model.Contact{HubspotID: obj.ID, LastModifiedDate: obj.UpdatedAt}
	for name, val := range obj.Properties {
		if hubspotSystemProperties[name] {
			continue
		}
		if val != "" {
			c.Set(name, val)
		}
	}
	if ts, err := time.Parse(time.RFC3339, obj.Properties["lastmodifieddate"]); err == nil {
		c.LastModifiedDate = ts
	}
	return c
}

// classifyHubSpot marks throttling and 5xx responses as transient.
func classifyHubSpot(err error) error {
	var apiErr *hubspot.APIError
	if errors.As(err, &apiErr) && apiErr.Temporary() {
		return resilience.NewTransientError(err, apiErr.StatusCode)
	}
	return err
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
