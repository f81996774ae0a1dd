package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/dedupe-cli/internal/model"
)

// defaultClaimTTL is used when ClaimGroup is given no ttl. A claim past its
// expiry belongs to a caller that died mid-merge.
const defaultClaimTTL = 15 * time.Minute

// defaultHistoryLimit caps ListProcesses when no limit is given.
const defaultHistoryLimit = 20

func supersededStatus(newID string) string {
	return fmt.Sprintf("superseded by %s", newID)
}

func claimExpiry(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		ttl = defaultClaimTTL
	}
	return now.Add(ttl)
}

// claimLost explains why a claim on an existing group did not take.
func claimLost(g *model.DuplicateGroup, p *model.ProcessStatus) error {
	if g.Merged {
		return eris.Wrapf(model.ErrAlreadyMerged, "group %d", g.ID)
	}
	if !p.AcceptsMerges() {
		return eris.Wrapf(model.ErrInvalidTransition, "group %d belongs to run %s in state %q (active=%t)",
			g.ID, p.ID, p.ProcessName, p.Active)
	}
	return eris.Wrapf(model.ErrMergeInProgress, "group %d", g.ID)
}

// workingStates are the states in which a runner step is executing.
var workingStates = []model.ProcessName{
	model.ProcessFetching,
	model.ProcessFiltering,
	model.ProcessUpdateHubspot,
}

func isWorking(p model.ProcessName) bool {
	for _, s := range workingStates {
		if s == p {
			return true
		}
	}
	return false
}

func marshalMembers(members []model.Contact) ([]byte, error) {
	b, err := json.Marshal(members)
	return b, eris.Wrap(err, "marshal members")
}

func marshalResult(result *model.MergeResult) ([]byte, error) {
	if result == nil {
		return nil, nil
	}
	b, err := json.Marshal(result)
	return b, eris.Wrap(err, "marshal merge result")
}

func unmarshalGroupJSON(g *model.DuplicateGroup, members, result []byte) error {
	if err := json.Unmarshal(members, &g.Members); err != nil {
		return eris.Wrap(err, "unmarshal members")
	}
	if len(result) > 0 {
		g.MergeResult = &model.MergeResult{}
		if err := json.Unmarshal(result, g.MergeResult); err != nil {
			return eris.Wrap(err, "unmarshal merge result")
		}
	}
	return nil
}

func validateTransition(upd model.ProcessUpdate) error {
	if !model.CanTransition(upd.From, upd.To) {
		return eris.Wrapf(model.ErrInvalidTransition, "%s -> %s", upd.From, upd.To)
	}
	return nil
}

func emptyPage(page, pageSize int) *model.GroupPage {
	return &model.GroupPage{Groups: []model.DuplicateGroup{}, Page: page, PageSize: pageSize}
}
