package salesforce

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListContacts(t *testing.T) {
	t.Run("first page", func(t *testing.T) {
		var soql string
		mc := &mockClient{queryFn: func(_ context.Context, q string, out any) error {
			soql = q
			*(out.(*[]Contact)) = []Contact{{ID: "003A", Email: "a@x.com", Account: &Account{Name: "Acme"}}}
			return nil
		}}

		got, err := ListContacts(context.Background(), mc, "", 0)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "Acme", got[0].Company())
		assert.NotContains(t, soql, "WHERE")
		assert.Contains(t, soql, "Account.Name")
		assert.Contains(t, soql, "ORDER BY Id LIMIT 200")
	})

	t.Run("keyset cursor", func(t *testing.T) {
		var soql string
		mc := &mockClient{queryFn: func(_ context.Context, q string, _ any) error {
			soql = q
			return nil
		}}
		_, err := ListContacts(context.Background(), mc, "003'Z", 50)
		require.NoError(t, err)
		assert.Contains(t, soql, `WHERE Id > '003\'Z'`)
		assert.Contains(t, soql, "LIMIT 50")
	})

	t.Run("propagates error", func(t *testing.T) {
		mc := &mockClient{queryFn: func(context.Context, string, any) error { return errors.New("api down") }}
		_, err := ListContacts(context.Background(), mc, "", 10)
		assert.ErrorContains(t, err, "sf: list contacts")
	})
}

func TestUpdateContact(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		var gotObject, gotID string
		mc := &mockClient{updateOneFn: func(_ context.Context, obj, id string, fields map[string]any) error {
			gotObject, gotID = obj, id
			assert.Equal(t, "Jane", fields["FirstName"])
			return nil
		}}
		require.NoError(t, UpdateContact(context.Background(), mc, "003A", map[string]any{"FirstName": "Jane"}))
		assert.Equal(t, "Contact", gotObject)
		assert.Equal(t, "003A", gotID)
	})

	t.Run("requires id and fields", func(t *testing.T) {
		assert.ErrorContains(t, UpdateContact(context.Background(), &mockClient{}, "", map[string]any{"a": 1}), "contact id is required")
		assert.ErrorContains(t, UpdateContact(context.Background(), &mockClient{}, "003A", nil), "no fields to update")
	})
}

func TestDeleteContact(t *testing.T) {
	t.Run("already deleted is success", func(t *testing.T) {
		mc := &mockClient{deleteOneFn: func(context.Context, string, string) error {
			return errors.New(`[{"errorCode":"ENTITY_IS_DELETED","message":"entity is deleted"}]`)
		}}
		assert.NoError(t, DeleteContact(context.Background(), mc, "003B"))
	})

	t.Run("other errors propagate", func(t *testing.T) {
		mc := &mockClient{deleteOneFn: func(context.Context, string, string) error {
			return errors.New("INSUFFICIENT_ACCESS")
		}}
		assert.ErrorContains(t, DeleteContact(context.Background(), mc, "003B"), "sf: delete contact 003B")
	})
}

func TestIsAlreadyGone(t *testing.T) {
	assert.True(t, IsAlreadyGone(errors.New("NOT_FOUND: The requested resource does not exist")))
	assert.False(t, IsAlreadyGone(errors.New("REQUEST_LIMIT_EXCEEDED")))
	assert.False(t, IsAlreadyGone(nil))
}
