package main

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/quarry-labs/quarry-go/internal/projects"
	"github.com/quarry-labs/quarry-go/internal/service/runs"
	"github.com/quarry-labs/quarry-go/internal/workflow"
)

type ciAPI struct {
	logger   *slog.Logger
	resolver projects.Resolver
	runs     *runs.Service
}

func newCIAPI(logger *slog.Logger, resolver projects.Resolver, runSvc *runs.Service) *ciAPI {
	return &ciAPI{
		logger:   logger,
		resolver: resolver,
		runs:     runSvc,
	}
}

func (api *ciAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/ci/workflows", api.handleListWorkflows)
	mux.HandleFunc("POST /api/ci/run", api.handleStartRun)
	mux.HandleFunc("GET /api/ci/run/{run_id}", api.handleGetRun)
	mux.HandleFunc("POST /api/ci/run/{run_id}/cancel", api.handleCancelRun)
	mux.HandleFunc("GET /api/ci/runs", api.handleListRuns)
	mux.HandleFunc("GET /api/ci/runs/active", api.handleListActiveRuns)
}

func (api *ciAPI) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	project := r.URL.Query().Get("project")
	projectDir, err := api.resolver.Resolve(project)
	if err != nil {
		api.writeError(w, r, http.StatusInternalServerError, err)
		return
	}

	infos, err := workflow.List(projectDir)
	if err != nil {
		api.writeError(w, r, http.StatusInternalServerError, err)
		return
	}

	api.writeJSON(w, http.StatusOK, map[string]any{
		"workflows": infos,
	})
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("multiple JSON values")
	}
	return nil
}

func (api *ciAPI) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(body)
}

func (api *ciAPI) writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	api.writeJSON(w, status, map[string]any{
		"error":      err.Error(),
		"request_id": r.Header.Get("X-Request-Id"),
	})
}
