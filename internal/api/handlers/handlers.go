// Package handlers implements the HTTP handlers for the CodeLoom
// orchestration core: task submission, project lifecycle, provider health,
// and agent configuration.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/codeloom/codeloom/internal/agents"
	"github.com/codeloom/codeloom/internal/bridge"
	"github.com/codeloom/codeloom/internal/consensus"
	"github.com/codeloom/codeloom/internal/health"
	"github.com/codeloom/codeloom/internal/project"
	"github.com/codeloom/codeloom/pkg/models"
)

// Handlers holds all handler dependencies.
type Handlers struct {
	Machine   *project.Machine
	Bridge    *bridge.Manager
	Health    *health.Monitor
	Agents    *agents.Registry
	Providers []models.ProviderConfig
}

// New creates a Handlers instance with all dependencies.
func New(m *project.Machine, b *bridge.Manager, hm *health.Monitor, reg *agents.Registry, providers []models.ProviderConfig) *Handlers {
	return &Handlers{
		Machine:   m,
		Bridge:    b,
		Health:    hm,
		Agents:    reg,
		Providers: providers,
	}
}

// ── Task Handlers ────────────────────────────────────────────

// SubmitTask accepts a task for asynchronous execution. The response carries
// the task id to poll; illegal-phase submissions are rejected up front.
func (h *Handlers) SubmitTask(w http.ResponseWriter, r *http.Request) {
	var task models.Task
	if err := json.NewDecoder(r.Body).Decode(&task); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	id, err := h.Machine.SubmitTask(&task)
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"task_id": id, "state": string(project.TaskPending)})
}

func (h *Handlers) GetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "taskId")
	status, ok := h.Machine.TaskStatus(id)
	if !ok {
		respondError(w, http.StatusNotFound, "unknown task: "+id)
		return
	}
	respondJSON(w, http.StatusOK, status)
}

func (h *Handlers) CancelTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "taskId")
	if !h.Machine.CancelTask(id) {
		respondError(w, http.StatusNotFound, "unknown task: "+id)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"task_id": id, "status": "cancelling"})
}

// ── Project Handlers ─────────────────────────────────────────

func (h *Handlers) GetProject(w http.ResponseWriter, r *http.Request) {
	p := h.Machine.Snapshot()
	if p == nil {
		respondError(w, http.StatusNotFound, project.ErrNoProject.Error())
		return
	}
	respondJSON(w, http.StatusOK, p)
}

func (h *Handlers) SubmitIdea(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Prompt string               `json:"prompt"`
		Mode   models.ExecutionMode `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Prompt == "" {
		respondError(w, http.StatusBadRequest, "Request must include a non-empty 'prompt' field")
		return
	}

	res, err := h.Machine.SubmitIdea(r.Context(), req.Prompt, req.Mode)
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"phase":  h.Machine.Phase(),
		"result": res,
	})
}

func (h *Handlers) FinalizePlan(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Prompt string `json:"prompt"`
	}
	// Body is optional; an empty plan prompt derives one from the ideation.
	_ = json.NewDecoder(r.Body).Decode(&req)

	res, err := h.Machine.FinalizePlan(r.Context(), req.Prompt)
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}

	p := h.Machine.Snapshot()
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"phase":     p.Phase,
		"file_tree": p.FileTree,
		"result":    res,
	})
}

func (h *Handlers) StartBuild(w http.ResponseWriter, r *http.Request) {
	if err := h.Machine.StartBuild(r.Context()); err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "building"})
}

func (h *Handlers) CancelBuild(w http.ResponseWriter, r *http.Request) {
	if !h.Machine.CancelBuild() {
		respondError(w, http.StatusConflict, "no build in progress")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (h *Handlers) Refactor(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Paths []string `json:"paths"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if len(req.Paths) == 0 {
		respondError(w, http.StatusBadRequest, "Request must include a non-empty 'paths' field")
		return
	}

	if err := h.Machine.Refactor(r.Context(), req.Paths); err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]interface{}{"status": "building", "paths": req.Paths})
}

func (h *Handlers) RetryFile(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path string `json:"path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" {
		respondError(w, http.StatusBadRequest, "Request must include a non-empty 'path' field")
		return
	}

	if err := h.Machine.RetryFile(r.Context(), req.Path); err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "retrying", "path": req.Path})
}

func (h *Handlers) ResetProject(w http.ResponseWriter, r *http.Request) {
	if err := h.Machine.Reset(r.Context()); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	log.Info().Msg("project reset via API")
	respondJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// ── Provider & Health Handlers ───────────────────────────────

// ListProviders reports configured providers with key material redacted.
func (h *Handlers) ListProviders(w http.ResponseWriter, r *http.Request) {
	out := make([]models.ProviderConfig, len(h.Providers))
	for i, p := range h.Providers {
		p.APIKey = ""
		out[i] = p
	}
	respondJSON(w, http.StatusOK, out)
}

// PreviewRoute reports the candidate order the router would use for a task,
// without executing anything. Useful for diagnosing capability or health
// mismatches.
func (h *Handlers) PreviewRoute(w http.ResponseWriter, r *http.Request) {
	var task models.Task
	if err := json.NewDecoder(r.Body).Decode(&task); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if task.Kind == "" {
		respondError(w, http.StatusBadRequest, "Request must include a 'kind' field")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"capabilities": task.RequiredCapabilities(),
		"candidates":   h.Bridge.Route(&task),
	})
}

func (h *Handlers) ProviderHealth(w http.ResponseWriter, r *http.Request) {
	snap := h.Health.Snapshot()
	records := make([]models.HealthRecord, 0, len(snap))
	for _, rec := range snap {
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Provider < records[j].Provider })
	respondJSON(w, http.StatusOK, records)
}

// ── Agent Handlers ───────────────────────────────────────────

func (h *Handlers) ListAgents(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Agents.Snapshot())
}

func (h *Handlers) ConfigureAgent(w http.ResponseWriter, r *http.Request) {
	role := chi.URLParam(r, "role")
	var req struct {
		Providers []string `json:"providers"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if len(req.Providers) == 0 {
		respondError(w, http.StatusBadRequest, "Request must include a non-empty 'providers' field")
		return
	}

	h.Agents.Configure(role, req.Providers)
	log.Info().Str("role", role).Strs("providers", req.Providers).Msg("agent configured")
	respondJSON(w, http.StatusOK, map[string]interface{}{"role": role, "providers": req.Providers})
}

// ── Helpers ──────────────────────────────────────────────────

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	var (
		invalidPhase *project.ErrInvalidPhase
		rejected     *project.ErrTaskRejected
		unknownFile  *project.ErrUnknownFile
		cyclic       *project.ErrCyclicDependency
		noCandidates *bridge.ErrNoCandidates
		allFailed    *bridge.AllProvidersFailed
		quorum       *consensus.ErrInsufficientQuorum
	)
	switch {
	case errors.As(err, &invalidPhase), errors.As(err, &rejected), errors.As(err, &cyclic):
		return http.StatusConflict
	case errors.As(err, &unknownFile), errors.Is(err, project.ErrNoProject):
		return http.StatusNotFound
	case errors.Is(err, project.ErrBuildInProgress), errors.Is(err, project.ErrTransitionInFlight):
		return http.StatusConflict
	case errors.As(err, &noCandidates):
		return http.StatusServiceUnavailable
	case errors.As(err, &allFailed), errors.As(err, &quorum):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
