package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContact_Emails(t *testing.T) {
	t.Parallel()

	c := Contact{Email: " jane@acme.com; j.doe@acme.com,,jane@home.org "}
	assert.Equal(t, []string{"jane@acme.com", "j.doe@acme.com", "jane@home.org"}, c.Emails())
	assert.Empty(t, Contact{}.Emails())
}

func TestContact_GetSet(t *testing.T) {
	t.Parallel()

	var c Contact
	c.Set(PropFirstName, "Jane")
	c.Set(PropCompany, "Acme")
	c.Set("jobtitle", "CTO")

	assert.Equal(t, "Jane", c.FirstName)
	assert.Equal(t, "Acme", c.Get(PropCompany))
	assert.Equal(t, "CTO", c.Get("jobtitle"))
	assert.Equal(t, "", c.Get("lifecyclestage"))
}

func TestContact_Clone(t *testing.T) {
	t.Parallel()

	orig := Contact{ID: "a", OtherProperties: map[string]string{"jobtitle": "CTO"}}
	cp := orig.Clone()
	cp.OtherProperties["jobtitle"] = "CEO"

	assert.Equal(t, "CTO", orig.OtherProperties["jobtitle"])
	assert.Nil(t, Contact{}.Clone().OtherProperties)
}

func TestDuplicateGroup_Member(t *testing.T) {
	t.Parallel()

	g := DuplicateGroup{Members: []Contact{{ID: "a"}, {ID: "b", FirstName: "Bob"}}}
	m, ok := g.Member("b")
	require.True(t, ok)
	assert.Equal(t, "Bob", m.FirstName)

	_, ok = g.Member("z")
	assert.False(t, ok)
}

func TestNormalizePage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		page, size         int
		wantPage, wantSize int
	}{
		{0, 0, 1, DefaultPageSize},
		{-3, 25, 1, 25},
		{4, 500, 4, MaxPageSize},
	}
	for _, tt := range tests {
		p, s := NormalizePage(tt.page, tt.size)
		assert.Equal(t, tt.wantPage, p)
		assert.Equal(t, tt.wantSize, s)
	}
}

func TestTotalPages(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 0, TotalPages(0, 10))
	assert.Equal(t, 1, TotalPages(10, 10))
	assert.Equal(t, 2, TotalPages(11, 10))
	assert.Equal(t, 0, TotalPages(5, 0))
}
