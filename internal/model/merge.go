package model

import "sort"

// UpdateOutcome records the primary contact update step of a merge.
type UpdateOutcome struct {
	Attempted    bool              `json:"attempted"`
	Success      bool              `json:"success"`
	Fields       map[string]string `json:"fields,omitempty"`
	NewHubspotID string            `json:"new_hubspot_id,omitempty"`
	Error        string            `json:"error,omitempty"`
}

// DeleteOutcome records the retirement of one secondary contact.
type DeleteOutcome struct {
	ID        string `json:"id"`
	HubspotID string `json:"hubspot_id"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
}

// MergeDetails carries itemized merge outcomes.
type MergeDetails struct {
	Update        UpdateOutcome   `json:"update"`
	DeleteResults []DeleteOutcome `json:"deleteResults"`
}

// MergeResult is returned by merge operations.
type MergeResult struct {
	Success bool         `json:"success"`
	Message string       `json:"message"`
	Details MergeDetails `json:"details"`
}

// FailedDeletes returns the secondaries whose retirement failed.
func (r *MergeResult) FailedDeletes() []DeleteOutcome {
	var out []DeleteOutcome
	for _, d := range r.Details.DeleteResults {
		if !d.Success {
			out = append(out, d)
		}
	}
	return out
}

// PartialFailure reports a merge whose primary update succeeded but where at
// least one secondary could not be retired.
func (r *MergeResult) PartialFailure() bool {
	return r.Success && len(r.FailedDeletes()) > 0
}

// FieldSelections maps a CRM property name to the chosen value.
type FieldSelections map[string]string

// FieldOptions lists the distinct non-empty values per field across a group.
type FieldOptions struct {
	Fields          map[string][]string `json:"fields"`
	OtherProperties map[string][]string `json:"other_properties"`
}

// BuildFieldOptions projects a group into its merge choices. Values keep
// first-seen member order; empty values are never offered.
func BuildFieldOptions(g DuplicateGroup) FieldOptions {
	opts := FieldOptions{
		Fields:          make(map[string][]string, len(ConflictFields)),
		OtherProperties: make(map[string][]string),
	}
	for _, f := range ConflictFields {
		opts.Fields[f] = distinct(g.Members, func(c Contact) string { return c.Get(f) })
	}

	keys := make(map[string]struct{})
	for _, m := range g.Members {
		for k := range m.OtherProperties {
			keys[k] = struct{}{}
		}
	}
	names := make([]string, 0, len(keys))
	for k := range keys {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		vals := distinct(g.Members, func(c Contact) string { return c.OtherProperties[k] })
		if len(vals) > 0 {
			opts.OtherProperties[k] = vals
		}
	}
	return opts
}

func distinct(members []Contact, get func(Contact) string) []string {
	seen := make(map[string]struct{}, len(members))
	out := []string{}
	for _, m := range members {
		v := get(m)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
