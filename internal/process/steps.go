// Package process drives a tenant's dedupe run through its state machine:
// fetching, filtering, manually merge, update hubspot and finished, with
// the absorbing error and exceed states.
package process

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/dedupe-cli/internal/crm"
	"github.com/sells-group/dedupe-cli/internal/model"
	"github.com/sells-group/dedupe-cli/internal/quota"
	"github.com/sells-group/dedupe-cli/internal/store"
)

// Store is the persistence a run needs.
type Store interface {
	store.ProcessStore
	store.ContactStore
	store.GroupStore
}

// QuotaChecker evaluates a tenant's plan against a contact count.
type QuotaChecker interface {
	CheckAndMaybeExceed(ctx context.Context, tenantID string, contactCount int) (quota.Verdict, error)
}

// Detector groups suspected duplicates.
type Detector interface {
	Detect(contacts []model.Contact) []model.DuplicateGroup
}

// Exporter stores the finalization artifact of a run.
type Exporter interface {
	Export(ctx context.Context, p model.ProcessStatus, groups []model.DuplicateGroup) (string, error)
}

// Steps executes the work of each working state. Every step reads the run
// from the store, does its work and moves the run with a compare-and-set
// transition, returning the state the run is left in.
type Steps struct {
	store    Store
	crm      crm.Client
	quota    QuotaChecker
	detector Detector
	exporter Exporter
}

// NewSteps creates Steps. exporter may be nil, in which case finished runs
// carry no artifact.
func NewSteps(st Store, client crm.Client, q QuotaChecker, detector Detector, exporter Exporter) *Steps {
	return &Steps{store: st, crm: client, quota: q, detector: detector, exporter: exporter}
}

// State returns the run's current state.
func (s *Steps) State(ctx context.Context, processID string) (model.ProcessName, error) {
	p, err := s.store.GetProcess(ctx, processID)
	if err != nil {
		return "", err
	}
	return p.ProcessName, nil
}

// Drive runs steps until the run reaches manually merge or a terminal state.
func (s *Steps) Drive(ctx context.Context, processID string) (model.ProcessName, error) {
	p, err := s.store.GetProcess(ctx, processID)
	if err != nil {
		return "", err
	}
	state := p.ProcessName
	for {
		var next model.ProcessName
		switch state {
		case model.ProcessFetching:
			next, err = s.Fetch(ctx, processID)
		case model.ProcessFiltering:
			next, err = s.Filter(ctx, processID)
		case model.ProcessUpdateHubspot:
			next, err = s.Finalize(ctx, processID)
		default:
			return state, nil
		}
		if err != nil {
			return next, err
		}
		if next == state {
			return next, nil
		}
		state = next
	}
}

// Fetch pages every contact of the tenant into the run, then consults the
// quota gate with the fetched count.
func (s *Steps) Fetch(ctx context.Context, processID string) (model.ProcessName, error) {
	p, err := s.begin(ctx, processID, model.ProcessFetching)
	if err != nil || p.ProcessName != model.ProcessFetching {
		return stateOf(p), err
	}
	log := zap.L().With(zap.String("tenant", p.TenantID), zap.String("process_id", p.ID))
	log.Info("process: fetching contacts")

	count := 0
	cursor := ""
	for {
		page, err := s.crm.FetchContacts(ctx, p.TenantID, cursor)
		if err != nil {
			if ctx.Err() != nil {
				return model.ProcessFetching, eris.Wrap(ctx.Err(), "process: fetch interrupted")
			}
			log.Error("process: fetch failed", zap.Int("count", count), zap.Error(err))
			status := fmt.Sprintf("%v: %v", model.ErrUpstreamUnavailable, err)
			return s.fail(ctx, p.ID, model.ProcessFetching, status, &count)
		}

		for i := range page.Contacts {
			if page.Contacts[i].ID == "" {
				page.Contacts[i].ID = uuid.NewString()
			}
		}
		if err := s.store.SaveContacts(ctx, p.ID, page.Contacts); err != nil {
			return s.fail(ctx, p.ID, model.ProcessFetching, err.Error(), &count)
		}
		count += len(page.Contacts)
		if err := s.store.UpdateProcessCount(ctx, p.ID, model.ProcessFetching, count); err != nil {
			return s.stopIfStale(ctx, p.ID, err)
		}

		if page.Done || page.Next == "" {
			break
		}
		cursor = page.Next
	}
	log.Info("process: fetched contacts", zap.Int("count", count))

	verdict, err := s.quota.CheckAndMaybeExceed(ctx, p.TenantID, count)
	if err != nil {
		return s.fail(ctx, p.ID, model.ProcessFetching, err.Error(), &count)
	}
	if !verdict.Allowed() {
		return s.move(ctx, p.ID, model.ProcessUpdate{
			From:   model.ProcessFetching,
			To:     model.ProcessExceed,
			Status: verdict.Reason,
			Count:  &count,
		})
	}
	return s.move(ctx, p.ID, model.ProcessUpdate{
		From:   model.ProcessFetching,
		To:     model.ProcessFiltering,
		Status: fmt.Sprintf("Fetched %d contacts", count),
		Count:  &count,
	})
}

// Filter groups the fetched contacts and persists the duplicate groups.
// A run with no duplicates advances straight to finalization.
func (s *Steps) Filter(ctx context.Context, processID string) (model.ProcessName, error) {
	p, err := s.begin(ctx, processID, model.ProcessFiltering)
	if err != nil || p.ProcessName != model.ProcessFiltering {
		return stateOf(p), err
	}
	log := zap.L().With(zap.String("tenant", p.TenantID), zap.String("process_id", p.ID))

	contacts, err := s.store.ListContacts(ctx, p.ID)
	if err != nil {
		return s.fail(ctx, p.ID, model.ProcessFiltering, err.Error(), nil)
	}
	groups := s.detector.Detect(contacts)
	for i := range groups {
		groups[i].TenantID = p.TenantID
		groups[i].ProcessID = p.ID
	}
	if _, err := s.store.SaveGroups(ctx, p.ID, groups); err != nil {
		return s.fail(ctx, p.ID, model.ProcessFiltering, err.Error(), nil)
	}
	log.Info("process: grouped duplicates", zap.Int("contacts", len(contacts)), zap.Int("groups", len(groups)))

	if len(groups) == 0 {
		if _, err := s.move(ctx, p.ID, model.ProcessUpdate{
			From:   model.ProcessFiltering,
			To:     model.ProcessManualMerge,
			Status: "No duplicates found",
		}); err != nil {
			return model.ProcessFiltering, err
		}
		return s.move(ctx, p.ID, model.ProcessUpdate{
			From:   model.ProcessManualMerge,
			To:     model.ProcessUpdateHubspot,
			Status: "No duplicates found",
		})
	}
	return s.move(ctx, p.ID, model.ProcessUpdate{
		From:   model.ProcessFiltering,
		To:     model.ProcessManualMerge,
		Status: fmt.Sprintf("Found %d duplicate groups", len(groups)),
	})
}

// Finalize exports the run's groups and merge outcomes and finishes the run.
func (s *Steps) Finalize(ctx context.Context, processID string) (model.ProcessName, error) {
	p, err := s.begin(ctx, processID, model.ProcessUpdateHubspot)
	if err != nil || p.ProcessName != model.ProcessUpdateHubspot {
		return stateOf(p), err
	}
	log := zap.L().With(zap.String("tenant", p.TenantID), zap.String("process_id", p.ID))

	groups, err := s.store.ListProcessGroups(ctx, p.ID)
	if err != nil {
		return s.fail(ctx, p.ID, model.ProcessUpdateHubspot, err.Error(), nil)
	}
	merged := 0
	for _, g := range groups {
		if g.Merged {
			merged++
		}
	}

	upd := model.ProcessUpdate{
		From:   model.ProcessUpdateHubspot,
		To:     model.ProcessFinished,
		Status: fmt.Sprintf("Merged %d of %d duplicate groups", merged, len(groups)),
	}
	if s.exporter != nil {
		ref, err := s.exporter.Export(ctx, *p, groups)
		if err != nil {
			if ctx.Err() != nil {
				return model.ProcessUpdateHubspot, eris.Wrap(ctx.Err(), "process: finalize interrupted")
			}
			log.Error("process: export failed", zap.Error(err))
			return s.fail(ctx, p.ID, model.ProcessUpdateHubspot, "export failed: "+err.Error(), nil)
		}
		upd.Artifact = &ref
	}
	log.Info("process: finished", zap.Int("groups", len(groups)), zap.Int("merged", merged))
	return s.move(ctx, p.ID, upd)
}

// begin loads a run for a step. A run found in another state is returned
// unchanged so the caller can stop.
func (s *Steps) begin(ctx context.Context, processID string, want model.ProcessName) (*model.ProcessStatus, error) {
	p, err := s.store.GetProcess(ctx, processID)
	if err != nil {
		return nil, err
	}
	if p.ProcessName != want {
		zap.L().Debug("process: step skipped",
			zap.String("process_id", processID),
			zap.String("want", string(want)),
			zap.String("state", string(p.ProcessName)),
		)
	}
	return p, nil
}

func (s *Steps) move(ctx context.Context, processID string, upd model.ProcessUpdate) (model.ProcessName, error) {
	p, err := s.store.TransitionProcess(ctx, processID, upd)
	if err != nil {
		return s.stopIfStale(ctx, processID, err)
	}
	return p.ProcessName, nil
}

// fail moves the run to the error state, keeping count when given.
func (s *Steps) fail(ctx context.Context, processID string, from model.ProcessName, status string, count *int) (model.ProcessName, error) {
	return s.move(context.WithoutCancel(ctx), processID, model.ProcessUpdate{
		From:   from,
		To:     model.ProcessError,
		Status: status,
		Count:  count,
	})
}

// stopIfStale ends a step whose run was moved by someone else, such as a
// forced restart superseding it.
func (s *Steps) stopIfStale(ctx context.Context, processID string, err error) (model.ProcessName, error) {
	if !errors.Is(err, model.ErrStaleProcess) {
		return "", err
	}
	p, getErr := s.store.GetProcess(ctx, processID)
	if getErr != nil {
		return "", getErr
	}
	zap.L().Info("process: run moved concurrently",
		zap.String("process_id", processID),
		zap.String("state", string(p.ProcessName)),
	)
	return p.ProcessName, nil
}

func stateOf(p *model.ProcessStatus) model.ProcessName {
	if p == nil {
		return ""
	}
	return p.ProcessName
}
