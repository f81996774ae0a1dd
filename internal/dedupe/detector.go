// Package dedupe groups contacts that are likely the same person.
package dedupe

import (
	"sort"

	"github.com/rotisserie/eris"

	"github.com/sells-group/dedupe-cli/internal/model"
)

// Options tunes the built-in matchers.
type Options struct {
	MinNameLength    int
	CompanyThreshold float64
	MinPhoneDigits   int
}

// Detector runs a set of matchers over a contact snapshot.
type Detector struct {
	matchers []Matcher
}

// NewDetector builds a detector from rule names: "email", "name_company"
// and "phone".
func NewDetector(rules []string, opts Options) (*Detector, error) {
	if len(rules) == 0 {
		return nil, eris.New("dedupe: at least one rule is required")
	}
	var matchers []Matcher
	for _, r := range rules {
		switch r {
		case "email":
			matchers = append(matchers, EmailMatcher{})
		case "phone":
			matchers = append(matchers, PhoneMatcher{MinDigits: opts.MinPhoneDigits})
		case "name_company":
			matchers = append(matchers, NameCompanyMatcher{
				MinNameLength: opts.MinNameLength,
				Threshold:     opts.CompanyThreshold,
			})
		default:
			return nil, eris.Errorf("dedupe: unknown rule %q", r)
		}
	}
	return &Detector{matchers: matchers}, nil
}

// NewDetectorWith builds a detector from custom matchers.
func NewDetectorWith(matchers ...Matcher) *Detector {
	return &Detector{matchers: matchers}
}

// Detect returns the duplicate groups in contacts. Matches are transitive:
// if A matches B on email and B matches C on phone, all three form one
// group. Members keep input order, groups are ordered by their first
// member, and groups smaller than two are dropped. Deleted contacts are
// ignored.
func (d *Detector) Detect(contacts []model.Contact) []model.DuplicateGroup {
	uf := newUnionFind(len(contacts))

	for _, m := range d.matchers {
		blocks := make(map[string][]int)
		var order []string
		for i, c := range contacts {
			if c.Deleted {
				continue
			}
			for _, key := range dedupeKeys(m.Block(c)) {
				if _, ok := blocks[key]; !ok {
					order = append(order, key)
				}
				blocks[key] = append(blocks[key], i)
			}
		}
		for _, key := range order {
			idx := blocks[key]
			for i := 0; i < len(idx); i++ {
				for j := i + 1; j < len(idx); j++ {
					if uf.find(idx[i]) == uf.find(idx[j]) {
						continue
					}
					if m.Match(contacts[idx[i]], contacts[idx[j]]) {
						uf.union(idx[i], idx[j])
					}
				}
			}
		}
	}

	members := make(map[int][]int)
	for i, c := range contacts {
		if c.Deleted {
			continue
		}
		root := uf.find(i)
		members[root] = append(members[root], i)
	}

	var groups [][]int
	for _, idx := range members {
		if len(idx) >= 2 {
			groups = append(groups, idx)
		}
	}
	sort.Slice(groups, func(a, b int) bool { return groups[a][0] < groups[b][0] })

	out := make([]model.DuplicateGroup, 0, len(groups))
	for _, idx := range groups {
		g := model.DuplicateGroup{Members: make([]model.Contact, 0, len(idx))}
		for _, i := range idx {
			g.Members = append(g.Members, contacts[i].Clone())
		}
		out = append(out, g)
	}
	return out
}

func dedupeKeys(keys []string) []string {
	if len(keys) < 2 {
		return keys
	}
	seen := make(map[string]bool, len(keys))
	out := keys[:0:0]
	for _, k := range keys {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	return out
}

type unionFind struct {
	parent []int
	rank   []int
}

func newUnionFind(n int) *unionFind {
	uf := &unionFind{parent: make([]int, n), rank: make([]int, n)}
	for i := range uf.parent {
		uf.parent[i] = i
	}
	return uf
}

func (u *unionFind) find(x int) int {
	for u.parent[x] != x {
		u.parent[x] = u.parent[u.parent[x]]
		x = u.parent[x]
	}
	return x
}

func (u *unionFind) union(a, b int) {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return
	}
	switch {
	case u.rank[ra] < u.rank[rb]:
		u.parent[ra] = rb
	case u.rank[ra] > u.rank[rb]:
		u.parent[rb] = ra
	default:
		u.parent[rb] = ra
		u.rank[ra]++
	}
}
