package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/GoCodeAlone/stagectl"
	"github.com/GoCodeAlone/stagectl/configuration"
)

const defaultRecentLimit = 100

// CreateDraftRequest is the body of POST /v1/configurations.
type CreateDraftRequest struct {
	Selections []configuration.Selection `json:"selections"`
	Summary    string                    `json:"summary,omitempty"`
}

// ActivateRequest is the body of the activate and rollback routes.
// ProcessingActive defaults to whether runs are in flight.
type ActivateRequest struct {
	ProcessingActive *bool `json:"processingActive,omitempty"`
}

// ActivateResponse reports the activation outcome.
type ActivateResponse struct {
	configuration.ActivationResult
	Configuration configuration.Configuration `json:"configuration"`
}

// AvailabilityRequest is the body of PUT /v1/modules/{id}/availability.
type AvailabilityRequest struct {
	Available *bool `json:"available"`
}

// HealthResponse is the body of GET /healthz.
type HealthResponse struct {
	Status        string `json:"status"`
	ActiveVersion int64  `json:"activeVersion,omitempty"`
	QueuedVersion int64  `json:"queuedVersion,omitempty"`
	InFlight      int64  `json:"inFlight"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	resp := HealthResponse{Status: "ok"}
	if s.deps.Configurations != nil {
		if active, ok := s.deps.Configurations.GetActive(); ok {
			resp.ActiveVersion = active.Version
		}
		if queued, ok := s.deps.Configurations.Pending(); ok {
			resp.QueuedVersion = queued
		}
	}
	if s.deps.Processing != nil {
		resp.InFlight = s.deps.Processing.InFlight()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListContracts(w http.ResponseWriter, _ *http.Request) {
	contracts := s.deps.Contracts.List()
	sort.Slice(contracts, func(i, j int) bool { return contracts[i].ID < contracts[j].ID })
	writeJSON(w, http.StatusOK, contracts)
}

func (s *Server) handleListStages(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Stages.List())
}

func (s *Server) handleListModules(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Modules.List())
}

func (s *Server) handleProbeResults(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Probes == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Probes.Last())
}

func (s *Server) handleSetAvailability(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req AvailabilityRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Available == nil {
		s.writeError(w, r, fmt.Errorf("%w: available is required", ErrBadRequest))
		return
	}
	if err := s.deps.Modules.Pin(r.Context(), id, *req.Available); err != nil {
		s.writeError(w, r, err)
		return
	}
	m, err := s.deps.Modules.Get(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("Module availability pinned", "module", id, "available", *req.Available, "actor", stagectl.ActorFrom(r.Context()))
	writeJSON(w, http.StatusOK, m)
}

// handleUnpinAvailability returns a module's availability to health probing.
func (s *Server) handleUnpinAvailability(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Modules.Unpin(id); err != nil {
		s.writeError(w, r, err)
		return
	}
	m, err := s.deps.Modules.Get(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("Module availability unpinned", "module", id, "actor", stagectl.ActorFrom(r.Context()))
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleListEvents(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Configurations.ListEvents())
}

func (s *Server) handleRecentEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Recent == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	limit := defaultRecentLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			s.writeError(w, r, fmt.Errorf("%w: limit must be a positive integer", ErrBadRequest))
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, s.deps.Recent.Recent(limit))
}

func (s *Server) handleListConfigurations(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Configurations.ListHistory())
}

func (s *Server) handleCreateDraft(w http.ResponseWriter, r *http.Request) {
	var req CreateDraftRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	c, err := s.deps.Configurations.CreateDraft(r.Context(), req.Selections, stagectl.ActorFrom(r.Context()), req.Summary)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) handleGetActive(w http.ResponseWriter, r *http.Request) {
	c, ok := s.deps.Configurations.GetActive()
	if !ok {
		s.writeError(w, r, fmt.Errorf("active configuration: %w", stagectl.ErrNotFound))
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleGetConfiguration(w http.ResponseWriter, r *http.Request) {
	version, err := versionParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	c, err := s.deps.Configurations.GetConfiguration(version)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	version, err := versionParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	events, err := s.deps.Configurations.GetEvents(version)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	version, err := versionParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	c, err := s.deps.Configurations.ValidateDraft(r.Context(), version, stagectl.ActorFrom(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	version, err := versionParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	processing, err := s.processingActive(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.deps.Configurations.Activate(r.Context(), version, processing, stagectl.ActorFrom(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	c, err := s.deps.Configurations.GetConfiguration(res.Version)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, activationStatus(res), ActivateResponse{ActivationResult: res, Configuration: c})
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	target, err := versionParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	processing, err := s.processingActive(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	c, res, err := s.deps.Configurations.Rollback(r.Context(), target, processing, stagectl.ActorFrom(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, activationStatus(res), ActivateResponse{ActivationResult: res, Configuration: c})
}

// activationStatus is 200 when applied and 202 when queued behind processing.
func activationStatus(res configuration.ActivationResult) int {
	if res.AppliedImmediately {
		return http.StatusOK
	}
	return http.StatusAccepted
}

func (s *Server) processingActive(r *http.Request) (bool, error) {
	var req ActivateRequest
	if err := decodeBody(r, &req); err != nil && !errors.Is(err, io.EOF) {
		return false, err
	}
	if req.ProcessingActive != nil {
		return *req.ProcessingActive, nil
	}
	if s.deps.Processing != nil {
		return s.deps.Processing.Active(), nil
	}
	return false, nil
}

func versionParam(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "version")
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 1 {
		return 0, fmt.Errorf("%w: version %q is not a positive integer", ErrBadRequest, raw)
	}
	return v, nil
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %w", ErrBadRequest, err)
	}
	return nil
}
