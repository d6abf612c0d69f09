// Package handler contains chi HTTP handlers that translate HTTP
// requests/responses to and from the service layer.
package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Shivanand-hulikatti/campus-event-pass/internal/model"
	"github.com/Shivanand-hulikatti/campus-event-pass/internal/service"
)

const maxBodyBytes = 1 << 20

// EventHandler serves the event catalog.
type EventHandler struct {
	svc *service.EventService
	log *slog.Logger
}

// NewEventHandler constructs an EventHandler.
func NewEventHandler(svc *service.EventService, log *slog.Logger) *EventHandler {
	return &EventHandler{svc: svc, log: log}
}

// RegistrationHandler serves registration, retrieval, cancellation and
// check-in.
type RegistrationHandler struct {
	svc *service.RegistrationService
	log *slog.Logger
}

// NewRegistrationHandler constructs a RegistrationHandler.
func NewRegistrationHandler(svc *service.RegistrationService, log *slog.Logger) *RegistrationHandler {
	return &RegistrationHandler{svc: svc, log: log}
}

// Routes mounts the catalog endpoints.
func (h *EventHandler) Routes(r chi.Router) {
	r.Post("/events", h.CreateEvent)
	r.Get("/events", h.ListEvents)
	r.Get("/events/{id}", h.GetEvent)
	r.Patch("/events/{id}", h.UpdateEvent)
	r.Get("/events/{id}/registrations", h.ListRegistrations)
}

// Routes mounts the registration endpoints. auth guards the routes that act
// on behalf of a caller.
func (h *RegistrationHandler) Routes(r chi.Router, auth func(http.Handler) http.Handler) {
	r.Group(func(r chi.Router) {
		r.Use(auth)
		r.Post("/events/{id}/registration", h.Submit)
		r.Get("/events/{id}/registration", h.Retrieve)
		r.Delete("/events/{id}/registration", h.Cancel)
		r.Get("/me/registrations", h.ListMine)
	})
	r.Post("/checkin/verify", h.Verify)
	r.Post("/checkin", h.CheckIn)
}

// ─── Helper utilities ─────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, model.ErrorResponse{Error: msg})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// writeServiceError maps engine outcomes to HTTP statuses. Business-rule
// outcomes are reported verbatim; anything unexpected is logged.
func writeServiceError(w http.ResponseWriter, r *http.Request, log *slog.Logger, err error) {
	var (
		vErr    *service.ValidationError
		already *service.AlreadyRegisteredError
	)
	switch {
	case errors.As(err, &vErr):
		writeJSON(w, http.StatusBadRequest, model.ErrorResponse{Error: vErr.Error(), Field: vErr.Field})
	case errors.As(err, &already):
		resp := model.ErrorResponse{Error: service.ErrAlreadyRegistered.Error()}
		if already.Existing != nil {
			resp.ExistingRegistrationID = already.Existing.ID
		}
		writeJSON(w, http.StatusConflict, resp)
	case errors.Is(err, service.ErrEventNotFound), errors.Is(err, service.ErrRegistrationNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, service.ErrEventFull),
		errors.Is(err, service.ErrAlreadyRegistered),
		errors.Is(err, service.ErrNotRegistered),
		errors.Is(err, service.ErrAlreadyCheckedIn):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, service.ErrInvalidToken):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, service.ErrStorageUnavailable):
		log.ErrorContext(r.Context(), "storage unavailable", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusServiceUnavailable,
			"storage unavailable: registration state is unknown, check your registrations before retrying")
	default:
		log.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func identity(w http.ResponseWriter, r *http.Request) (model.Identity, bool) {
	who, ok := IdentityFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
	}
	return who, ok
}

func registrationResponse(reg *model.Registration) (model.RegistrationResponse, error) {
	payload := reg.Payload()
	qr, err := payload.Encode()
	if err != nil {
		return model.RegistrationResponse{}, err
	}
	return model.RegistrationResponse{Registration: reg, Payload: payload, QRValue: qr}, nil
}

func (h *RegistrationHandler) writeRegistration(w http.ResponseWriter, r *http.Request, status int, reg *model.Registration) {
	resp, err := registrationResponse(reg)
	if err != nil {
		writeServiceError(w, r, h.log, err)
		return
	}
	writeJSON(w, status, resp)
}

// ─── Catalog handlers ─────────────────────────────────────────────────────────

// CreateEvent handles POST /events
func (h *EventHandler) CreateEvent(w http.ResponseWriter, r *http.Request) {
	var req model.CreateEventRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	event, err := h.svc.CreateEvent(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, h.log, err)
		return
	}

	writeJSON(w, http.StatusCreated, event)
}

// ListEvents handles GET /events
// Returns a JSON array of all events, newest first.
func (h *EventHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.svc.ListEvents(r.Context())
	if err != nil {
		writeServiceError(w, r, h.log, err)
		return
	}

	// Return an empty array rather than null for better client compatibility.
	if events == nil {
		events = []model.Event{}
	}

	writeJSON(w, http.StatusOK, events)
}

// GetEvent handles GET /events/{id}
func (h *EventHandler) GetEvent(w http.ResponseWriter, r *http.Request) {
	event, err := h.svc.GetEvent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, h.log, err)
		return
	}

	writeJSON(w, http.StatusOK, event)
}

// UpdateEvent handles PATCH /events/{id}
func (h *EventHandler) UpdateEvent(w http.ResponseWriter, r *http.Request) {
	var req model.UpdateEventRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	event, err := h.svc.UpdateEvent(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		writeServiceError(w, r, h.log, err)
		return
	}

	writeJSON(w, http.StatusOK, event)
}

// ListRegistrations handles GET /events/{id}/registrations
// Returns every registration for the event, cancelled ones included.
func (h *EventHandler) ListRegistrations(w http.ResponseWriter, r *http.Request) {
	regs, err := h.svc.ListRegistrations(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, h.log, err)
		return
	}

	if regs == nil {
		regs = []model.Registration{}
	}

	writeJSON(w, http.StatusOK, regs)
}

// ─── Registration handlers ────────────────────────────────────────────────────

// Submit handles POST /events/{id}/registration
// Registers the caller with the profile in the body and returns the
// registration with its scannable payload.
func (h *RegistrationHandler) Submit(w http.ResponseWriter, r *http.Request) {
	who, ok := identity(w, r)
	if !ok {
		return
	}

	var profile model.Profile
	if err := decodeJSON(w, r, &profile); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	reg, err := h.svc.Submit(r.Context(), who, chi.URLParam(r, "id"), profile)
	if err != nil {
		writeServiceError(w, r, h.log, err)
		return
	}

	h.writeRegistration(w, r, http.StatusCreated, reg)
}

// Retrieve handles GET /events/{id}/registration
func (h *RegistrationHandler) Retrieve(w http.ResponseWriter, r *http.Request) {
	who, ok := identity(w, r)
	if !ok {
		return
	}

	reg, err := h.svc.Retrieve(r.Context(), who, chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, h.log, err)
		return
	}

	h.writeRegistration(w, r, http.StatusOK, reg)
}

// Cancel handles DELETE /events/{id}/registration
func (h *RegistrationHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	who, ok := identity(w, r)
	if !ok {
		return
	}

	reg, err := h.svc.Cancel(r.Context(), who, chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, h.log, err)
		return
	}

	writeJSON(w, http.StatusOK, reg)
}

// ListMine handles GET /me/registrations
func (h *RegistrationHandler) ListMine(w http.ResponseWriter, r *http.Request) {
	who, ok := identity(w, r)
	if !ok {
		return
	}

	regs, err := h.svc.ListMine(r.Context(), who)
	if err != nil {
		writeServiceError(w, r, h.log, err)
		return
	}

	if regs == nil {
		regs = []model.Registration{}
	}

	writeJSON(w, http.StatusOK, regs)
}

// Verify handles POST /checkin/verify
// The body is the scanned payload exactly as encoded in the QR code.
func (h *RegistrationHandler) Verify(w http.ResponseWriter, r *http.Request) {
	payload, ok := readPayload(w, r)
	if !ok {
		return
	}

	reg, err := h.svc.Verify(r.Context(), payload)
	if err != nil {
		writeServiceError(w, r, h.log, err)
		return
	}

	writeJSON(w, http.StatusOK, reg)
}

// CheckIn handles POST /checkin
func (h *RegistrationHandler) CheckIn(w http.ResponseWriter, r *http.Request) {
	payload, ok := readPayload(w, r)
	if !ok {
		return
	}

	reg, err := h.svc.CheckIn(r.Context(), payload)
	if err != nil {
		writeServiceError(w, r, h.log, err)
		return
	}

	writeJSON(w, http.StatusOK, reg)
}

func readPayload(w http.ResponseWriter, r *http.Request) (model.TokenPayload, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return model.TokenPayload{}, false
	}
	payload, err := model.ParseTokenPayload(string(body))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return model.TokenPayload{}, false
	}
	return payload, true
}

// ─── Health check ─────────────────────────────────────────────────────────────

// HealthCheck handles GET /health
func HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
