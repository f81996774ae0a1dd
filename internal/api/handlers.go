package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/dedupe-cli/internal/model"
	"github.com/sells-group/dedupe-cli/internal/quota"
)

type mergeRequest struct {
	PrimaryContactID string                `json:"primary_contact_id"`
	FieldSelections  model.FieldSelections `json:"field_selections"`
}

func (h *Handlers) health(w http.ResponseWriter, r *http.Request) {
	if h.deps.Health != nil {
		if err := h.deps.Health.Ping(r.Context()); err != nil {
			respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handlers) startRun(w http.ResponseWriter, r *http.Request) {
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))
	p, err := h.deps.Runs.Start(r.Context(), tenant(r), force)
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, p)
}

func (h *Handlers) listRuns(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	runs, err := h.deps.Runs.History(r.Context(), tenant(r), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if runs == nil {
		runs = []model.ProcessStatus{}
	}
	respondJSON(w, http.StatusOK, runs)
}

func (h *Handlers) status(w http.ResponseWriter, r *http.Request) {
	p, err := h.deps.Runs.Status(r.Context(), tenant(r))
	if err != nil {
		writeError(w, err)
		return
	}
	if p == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

func (h *Handlers) finish(w http.ResponseWriter, r *http.Request) {
	p, err := h.deps.Runs.Finish(r.Context(), tenant(r))
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

func (h *Handlers) resume(w http.ResponseWriter, r *http.Request) {
	p, err := h.deps.Runs.Resume(r.Context(), tenant(r))
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

func (h *Handlers) listGroups(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	pageSize, _ := strconv.Atoi(q.Get("page_size"))
	groups, err := h.deps.Groups.ListGroups(r.Context(), tenant(r), page, pageSize)
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, groups)
}

func (h *Handlers) getGroup(w http.ResponseWriter, r *http.Request) {
	id, ok := groupID(w, r)
	if !ok {
		return
	}
	g, err := h.deps.Groups.GetGroup(r.Context(), tenant(r), id)
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, g)
}

func (h *Handlers) fieldOptions(w http.ResponseWriter, r *http.Request) {
	id, ok := groupID(w, r)
	if !ok {
		return
	}
	opts, err := h.deps.Merger.FieldOptions(r.Context(), tenant(r), id)
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, opts)
}

func (h *Handlers) resolveMerge(w http.ResponseWriter, r *http.Request) {
	id, ok := groupID(w, r)
	if !ok {
		return
	}
	var req mergeRequest
	if !decode(w, r, &req) {
		return
	}
	result, err := h.deps.Merger.ResolveMerge(r.Context(), tenant(r), id, req.PrimaryContactID, req.FieldSelections)
	respondMerge(w, result, err)
}

func (h *Handlers) directMerge(w http.ResponseWriter, r *http.Request) {
	id, ok := groupID(w, r)
	if !ok {
		return
	}
	var req mergeRequest
	if !decode(w, r, &req) {
		return
	}
	result, err := h.deps.Merger.DirectMerge(r.Context(), tenant(r), id, req.PrimaryContactID)
	respondMerge(w, result, err)
}

func respondMerge(w http.ResponseWriter, result *model.MergeResult, err error) {
	if err != nil {
		if errors.Is(err, model.ErrUpstreamUpdateFailed) && result != nil {
			respondJSON(w, http.StatusBadGateway, map[string]any{"error": err.Error(), "result": result})
			return
		}
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (h *Handlers) retryDeletes(w http.ResponseWriter, r *http.Request) {
	report, err := h.deps.Merger.RetryFailedDeletes(r.Context(), tenant(r))
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}

func (h *Handlers) checkQuota(w http.ResponseWriter, r *http.Request) {
	count, err := strconv.Atoi(r.URL.Query().Get("contact_count"))
	if err != nil || count < 0 {
		respondError(w, http.StatusBadRequest, "contact_count must be a non-negative integer")
		return
	}
	v, err := h.deps.Quota.CheckAndMaybeExceed(r.Context(), tenant(r), count)
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, v)
}

func (h *Handlers) getPlan(w http.ResponseWriter, r *http.Request) {
	p, err := h.deps.Plans.GetPlan(r.Context(), tenant(r))
	if err != nil {
		writeError(w, err)
		return
	}
	if p == nil {
		writeError(w, eris.Wrapf(model.ErrNotFound, "plan for tenant %s", tenant(r)))
		return
	}
	respondJSON(w, http.StatusOK, p)
}

func (h *Handlers) putPlan(w http.ResponseWriter, r *http.Request) {
	var change model.PlanChange
	if !decode(w, r, &change) {
		return
	}
	p, err := quota.Provision(r.Context(), h.deps.Plans, tenant(r), change)
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

func tenant(r *http.Request) string {
	return chi.URLParam(r, "tenant")
}

func groupID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "groupID"), 10, 64)
	if err != nil || id <= 0 {
		respondError(w, http.StatusBadRequest, "invalid group id")
		return 0, false
	}
	return id, true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		zap.L().Warn("api: encode response", zap.Error(err))
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
