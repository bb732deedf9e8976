package main

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/quarry-labs/quarry-go/internal/repo"
	"github.com/quarry-labs/quarry-go/internal/service/runs"
)

type startRunRequest struct {
	Project       string            `json:"project"`
	WorkflowFile  string            `json:"workflowFile"`
	SelectedSteps []string          `json:"selectedSteps"`
	Env           map[string]string `json:"env"`
}

func (api *ciAPI) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, err)
		return
	}

	projectDir, err := api.resolver.Resolve(req.Project)
	if err != nil {
		api.writeError(w, r, http.StatusInternalServerError, err)
		return
	}

	run, err := api.runs.Start(r.Context(), runs.StartInput{
		Project:       req.Project,
		ProjectDir:    projectDir,
		WorkflowFile:  req.WorkflowFile,
		SelectedSteps: req.SelectedSteps,
		Env:           req.Env,
	})
	if err != nil {
		api.writeError(w, r, http.StatusInternalServerError, err)
		return
	}

	api.writeJSON(w, http.StatusOK, map[string]any{
		"status": "started",
		"runId":  run.ID,
	})
}

func (api *ciAPI) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := api.runs.Get(r.Context(), r.PathValue("run_id"))
	if errors.Is(err, repo.ErrNotFound) {
		api.writeError(w, r, http.StatusNotFound, err)
		return
	}
	if err != nil {
		api.writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	api.writeJSON(w, http.StatusOK, run)
}

func (api *ciAPI) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	run, err := api.runs.Cancel(r.Context(), r.PathValue("run_id"))
	if errors.Is(err, repo.ErrNotFound) {
		api.writeError(w, r, http.StatusNotFound, err)
		return
	}
	if err != nil {
		api.writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	api.writeJSON(w, http.StatusOK, map[string]any{
		"run": run,
	})
}

func (api *ciAPI) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			api.writeError(w, r, http.StatusBadRequest, fmt.Errorf("invalid limit: %q", raw))
			return
		}
		limit = parsed
	}

	history, err := api.runs.ListHistory(r.Context(), limit)
	if err != nil {
		api.writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	api.writeJSON(w, http.StatusOK, map[string]any{
		"runs": history,
	})
}

func (api *ciAPI) handleListActiveRuns(w http.ResponseWriter, r *http.Request) {
	api.writeJSON(w, http.StatusOK, map[string]any{
		"runs": api.runs.ListActive(r.Context()),
	})
}
