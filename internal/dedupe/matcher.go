package dedupe

import (
	"github.com/sells-group/dedupe-cli/internal/model"
)

// Matcher is one duplicate detection rule. Contacts are only compared when
// they share a block key, which keeps detection near linear.
type Matcher interface {
	Name() string
	// Block returns the keys under which c is compared with other contacts.
	Block(c model.Contact) []string
	// Match reports whether two contacts that share a block key are the
	// same person.
	Match(a, b model.Contact) bool
}

// EmailMatcher links contacts that share any normalized email address.
type EmailMatcher struct{}

// Name implements Matcher.
func (EmailMatcher) Name() string { return "email" }

// Block implements Matcher.
func (EmailMatcher) Block(c model.Contact) []string {
	var keys []string
	for _, e := range c.Emails() {
		if n := NormalizeEmail(e); n != "" {
			keys = append(keys, n)
		}
	}
	return keys
}

// Match implements Matcher.
func (EmailMatcher) Match(_, _ model.Contact) bool { return true }

// PhoneMatcher links contacts with the same phone number.
type PhoneMatcher struct {
	MinDigits int
}

// Name implements Matcher.
func (PhoneMatcher) Name() string { return "phone" }

// Block implements Matcher.
func (m PhoneMatcher) Block(c model.Contact) []string {
	minDigits := m.MinDigits
	if minDigits <= 0 {
		minDigits = 7
	}
	if p := NormalizePhone(c.Phone); len(p) >= minDigits {
		return []string{p}
	}
	return nil
}

// Match implements Matcher.
func (PhoneMatcher) Match(_, _ model.Contact) bool { return true }

// NameCompanyMatcher links contacts with the same full name whose company
// names are similar. Contacts without a company never match on this rule.
type NameCompanyMatcher struct {
	MinNameLength int
	// Threshold is the minimum word similarity of the normalized companies.
	Threshold float64
}

// Name implements Matcher.
func (NameCompanyMatcher) Name() string { return "name_company" }

// Block implements Matcher.
func (m NameCompanyMatcher) Block(c model.Contact) []string {
	first := NormalizePersonName(c.FirstName)
	last := NormalizePersonName(c.LastName)
	if len(first) < m.MinNameLength || len(last) < m.MinNameLength || first == "" || last == "" {
		return nil
	}
	if NormalizeCompany(c.Company) == "" {
		return nil
	}
	return []string{first + " " + last}
}

// Match implements Matcher.
func (m NameCompanyMatcher) Match(a, b model.Contact) bool {
	ca, cb := NormalizeCompany(a.Company), NormalizeCompany(b.Company)
	if ca == "" || cb == "" {
		return false
	}
	if ca == cb {
		return true
	}
	threshold := m.Threshold
	if threshold <= 0 {
		threshold = 0.6
	}
	return wordSimilarity(ca, cb) >= threshold
}
