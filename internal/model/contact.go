package model

import (
	"strings"
	"time"
)

// CRM property names with a typed home on Contact. Every other property name
// lives in OtherProperties.
const (
	PropFirstName = "firstname"
	PropLastName  = "lastname"
	PropEmail     = "email"
	PropPhone     = "phone"
	PropCompany   = "company"
)

// ConflictFields are the typed fields offered as merge choices.
var ConflictFields = []string{PropFirstName, PropLastName, PropPhone, PropCompany}

// Contact is a snapshot of a single CRM contact record.
type Contact struct {
	ID               string            `json:"id"`
	HubspotID        string            `json:"hubspot_id"`
	LastModifiedDate time.Time         `json:"last_modified_date"`
	Email            string            `json:"email,omitempty"` // ";" or "," delimited set of equivalent addresses
	FirstName        string            `json:"first_name,omitempty"`
	LastName         string            `json:"last_name,omitempty"`
	Phone            string            `json:"phone,omitempty"`
	Company          string            `json:"company,omitempty"`
	OtherProperties  map[string]string `json:"other_properties,omitempty"`
	Deleted          bool              `json:"deleted,omitempty"`
}

// Emails splits the delimited email field into trimmed, non-empty addresses.
func (c Contact) Emails() []string {
	parts := strings.FieldsFunc(c.Email, func(r rune) bool {
		return r == ';' || r == ',' || r == ' '
	})
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Get returns the value of the named CRM property.
func (c Contact) Get(name string) string {
	switch name {
	case PropFirstName:
		return c.FirstName
	case PropLastName:
		return c.LastName
	case PropEmail:
		return c.Email
	case PropPhone:
		return c.Phone
	case PropCompany:
		return c.Company
	default:
		return c.OtherProperties[name]
	}
}

// Set assigns the named CRM property.
func (c *Contact) Set(name, value string) {
	switch name {
	case PropFirstName:
		c.FirstName = value
	case PropLastName:
		c.LastName = value
	case PropEmail:
		c.Email = value
	case PropPhone:
		c.Phone = value
	case PropCompany:
		c.Company = value
	default:
		if c.OtherProperties == nil {
			c.OtherProperties = make(map[string]string)
		}
		c.OtherProperties[name] = value
	}
}

// Clone returns a deep copy of the contact.
func (c Contact) Clone() Contact {
	out := c
	if c.OtherProperties != nil {
		out.OtherProperties = make(map[string]string, len(c.OtherProperties))
		for k, v := range c.OtherProperties {
			out.OtherProperties[k] = v
		}
	}
	return out
}

// DuplicateGroup is a set of contacts believed to be the same person.
type DuplicateGroup struct {
	ID          int64        `json:"id"`
	TenantID    string       `json:"tenant_id"`
	ProcessID   string       `json:"process_id"`
	Members     []Contact    `json:"members"`
	Merged      bool         `json:"merged"`
	MergeResult *MergeResult `json:"merge_result,omitempty"`
	MergedAt    *time.Time   `json:"merged_at,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}

// Member returns the member with the given surrogate id.
func (g DuplicateGroup) Member(contactID string) (Contact, bool) {
	for _, m := range g.Members {
		if m.ID == contactID {
			return m, true
		}
	}
	return Contact{}, false
}

// GroupPage is one page of a tenant's duplicate groups.
type GroupPage struct {
	Groups     []DuplicateGroup `json:"groups"`
	Total      int              `json:"total"`
	TotalPages int              `json:"total_pages"`
	Page       int              `json:"page"`
	PageSize   int              `json:"page_size"`
}

// Pagination defaults for group listings.
const (
	DefaultPageSize = 10
	MaxPageSize     = 100
)

// NormalizePage clamps page and pageSize to valid values.
func NormalizePage(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}
	return page, pageSize
}

// TotalPages returns the number of pages needed for total items.
func TotalPages(total, pageSize int) int {
	if total <= 0 || pageSize <= 0 {
		return 0
	}
	return (total + pageSize - 1) / pageSize
}
