package salesforce

import (
	"context"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
)

// Contact is a Salesforce Contact record.
type Contact struct {
	ID               string   `json:"Id" salesforce:"Id"`
	FirstName        string   `json:"FirstName" salesforce:"FirstName"`
	LastName         string   `json:"LastName" salesforce:"LastName"`
	Email            string   `json:"Email" salesforce:"Email"`
	Phone            string   `json:"Phone" salesforce:"Phone"`
	Title            string   `json:"Title" salesforce:"Title"`
	Department       string   `json:"Department" salesforce:"Department"`
	MailingCity      string   `json:"MailingCity" salesforce:"MailingCity"`
	LastModifiedDate string   `json:"LastModifiedDate" salesforce:"LastModifiedDate"`
	Account          *Account `json:"Account" salesforce:"Account"`
}

// Account is the parent relationship selected with a contact.
type Account struct {
	Name string `json:"Name" salesforce:"Name"`
}

// Company returns the parent account name, if any.
func (c Contact) Company() string {
	if c.Account == nil {
		return ""
	}
	return c.Account.Name
}

// contactFields are the SOQL fields selected for Contact queries.
var contactFields = []string{
	"Id", "FirstName", "LastName", "Email", "Phone", "Title",
	"Department", "MailingCity", "LastModifiedDate", "Account.Name",
}

// DefaultPageSize is the keyset page size for ListContacts.
const DefaultPageSize = 200

// ListContacts returns up to limit contacts with Id greater than afterID,
// ordered by Id. An empty afterID starts from the beginning.
func ListContacts(ctx context.Context, c Client, afterID string, limit int) ([]Contact, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	where := ""
	if afterID != "" {
		where = fmt.Sprintf(" WHERE Id > '%s'", escapeSoql(afterID))
	}
	soql := fmt.Sprintf("SELECT %s FROM Contact%s ORDER BY Id LIMIT %d",
		strings.Join(contactFields, ", "), where, limit)

	var contacts []Contact
	if err := c.Query(ctx, soql, &contacts); err != nil {
		return nil, eris.Wrap(err, "sf: list contacts")
	}
	return contacts, nil
}

// UpdateContact updates a Contact record with the given fields.
func UpdateContact(ctx context.Context, c Client, contactID string, fields map[string]any) error {
	if contactID == "" {
		return eris.New("sf: contact id is required")
	}
	if len(fields) == 0 {
		return eris.New("sf: no fields to update")
	}
	if err := c.UpdateOne(ctx, "Contact", contactID, fields); err != nil {
		return eris.Wrap(err, fmt.Sprintf("sf: update contact %s", contactID))
	}
	return nil
}

// DeleteContact deletes a Contact. A contact that is already gone counts as
// deleted, so replays are safe.
func DeleteContact(ctx context.Context, c Client, contactID string) error {
	if contactID == "" {
		return eris.New("sf: contact id is required")
	}
	err := c.DeleteOne(ctx, "Contact", contactID)
	if err == nil || IsAlreadyGone(err) {
		return nil
	}
	return eris.Wrap(err, fmt.Sprintf("sf: delete contact %s", contactID))
}

// IsAlreadyGone reports whether err says the record no longer exists.
func IsAlreadyGone(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "ENTITY_IS_DELETED") || strings.Contains(msg, "NOT_FOUND")
}

// escapeSoql escapes single quotes in SOQL string literals to prevent injection.
func escapeSoql(s string) string {
	return strings.ReplaceAll(s, "'", "\\'")
}
