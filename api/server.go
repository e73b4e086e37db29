// Package api exposes the control plane over HTTP. Every body is JSON.
// Reads are open; mutations require the operator or maintainer role.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/GoCodeAlone/stagectl"
	"github.com/GoCodeAlone/stagectl/configuration"
	"github.com/GoCodeAlone/stagectl/contract"
	"github.com/GoCodeAlone/stagectl/health"
	"github.com/GoCodeAlone/stagectl/registry"
	"github.com/GoCodeAlone/stagectl/stage"
)

// ErrBadRequest marks malformed request bodies and parameters.
var ErrBadRequest = errors.New("bad request")

// ConfigurationService is the configuration lifecycle used by the API.
type ConfigurationService interface {
	CreateDraft(ctx context.Context, selections []configuration.Selection, creator, summary string) (configuration.Configuration, error)
	ValidateDraft(ctx context.Context, version int64, actor string) (configuration.Configuration, error)
	Activate(ctx context.Context, version int64, processingActive bool, actor string) (configuration.ActivationResult, error)
	Rollback(ctx context.Context, target int64, processingActive bool, actor string) (configuration.Configuration, configuration.ActivationResult, error)
	GetActive() (configuration.Configuration, bool)
	GetConfiguration(version int64) (configuration.Configuration, error)
	ListHistory() []configuration.Configuration
	GetEvents(version int64) ([]configuration.ChangeEvent, error)
	ListEvents() []configuration.ChangeEvent
	Pending() (int64, bool)
}

// ModuleCatalogue lists modules and records availability.
type ModuleCatalogue interface {
	List() []registry.Module
	Get(id string) (registry.Module, error)
	// Pin sets availability and keeps health probes from overriding it.
	Pin(ctx context.Context, id string, available bool) error
	Unpin(id string) error
}

// StageCatalogue lists stages in pipeline order.
type StageCatalogue interface {
	List() []stage.Stage
}

// ContractCatalogue lists contracts.
type ContractCatalogue interface {
	List() []contract.Contract
}

// ProcessingState reports whether document runs are in flight.
type ProcessingState interface {
	Active() bool
	InFlight() int64
}

// RecentEvents returns recent observability events.
type RecentEvents interface {
	Recent(n int) []stagectl.Event
}

// ProbeResults returns the latest module probe results.
type ProbeResults interface {
	Last() []health.Result
}

// Deps are the components served by the API. Recent, Probes and Gatherer
// are optional.
type Deps struct {
	Configurations ConfigurationService
	Modules        ModuleCatalogue
	Stages         StageCatalogue
	Contracts      ContractCatalogue
	Processing     ProcessingState
	Recent         RecentEvents
	Probes         ProbeResults
	Gatherer       prometheus.Gatherer
}

// Server routes requests to the control plane.
type Server struct {
	deps   Deps
	auth   authenticator
	logger stagectl.Logger
	router chi.Router
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(l stagectl.Logger) Option {
	return func(s *Server) { s.logger = stagectl.LoggerOrNop(l) }
}

// WithAuth sets how callers are identified.
func WithAuth(cfg AuthConfig) Option {
	return func(s *Server) { s.auth = authenticator{cfg: cfg} }
}

// NewServer builds the router.
func NewServer(deps Deps, opts ...Option) *Server {
	s := &Server{deps: deps, logger: stagectl.NopLogger()}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", s.handleHealthz)
	if s.deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.identify)

		r.Get("/contracts", s.handleListContracts)
		r.Get("/stages", s.handleListStages)
		r.Get("/modules", s.handleListModules)
		r.Get("/modules/health", s.handleProbeResults)
		r.With(s.requireMutate).Put("/modules/{id}/availability", s.handleSetAvailability)
		r.With(s.requireMutate).Delete("/modules/{id}/availability", s.handleUnpinAvailability)

		r.Get("/events", s.handleListEvents)
		r.Get("/observability/events", s.handleRecentEvents)

		r.Route("/configurations", func(r chi.Router) {
			r.Get("/", s.handleListConfigurations)
			r.With(s.requireMutate).Post("/", s.handleCreateDraft)
			r.Get("/active", s.handleGetActive)
			r.Route("/{version}", func(r chi.Router) {
				r.Get("/", s.handleGetConfiguration)
				r.Get("/events", s.handleGetEvents)
				r.With(s.requireMutate).Post("/validate", s.handleValidate)
				r.With(s.requireMutate).Post("/activate", s.handleActivate)
				r.With(s.requireMutate).Post("/rollback", s.handleRollback)
			})
		})
	})
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("Request", "method", r.Method, "path", r.URL.Path, "status", ww.Status(),
			"requestId", middleware.GetReqID(r.Context()))
	})
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error      string               `json:"error"`
	Code       string               `json:"code"`
	Violations []stagectl.Violation `json:"violations,omitempty"`
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, stagectl.ErrUnauthorized):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, stagectl.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest, "bad_request"
	case stagectl.IsValidationError(err):
		return http.StatusUnprocessableEntity, "validation_failed"
	case errors.Is(err, stagectl.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case stagectl.IsStateError(err):
		return http.StatusConflict, "invalid_state"
	case stagectl.IsAvailabilityError(err):
		return http.StatusServiceUnavailable, "no_module_available"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	resp := ErrorResponse{Error: err.Error(), Code: code}
	var verr *stagectl.ValidationError
	if errors.As(err, &verr) {
		resp.Violations = verr.Violations
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
