package handler

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/example/rideflow/internal/ride/domain"
	"github.com/example/rideflow/internal/ride/service"
)

// HTTP exposes the ride orchestrator over JSON.
type HTTP struct {
	svc *service.Service
}

// NewHTTP constructs a handler.
func NewHTTP(svc *service.Service) *HTTP {
	return &HTTP{svc: svc}
}

// Router builds the chi router with all endpoints and middlewares.
func (h *HTTP) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)
	r.Post("/v1/rides", h.initializeRide)
	r.Route("/v1/rides/{id}", func(r chi.Router) {
		r.Get("/", h.getRide)
		r.Post("/select-driver", h.selectDriver)
		r.Post("/driver-response", h.driverResponse)
		r.Post("/timeout", h.timeout)
		r.Post("/start", h.start)
		r.Post("/complete", h.complete)
		r.Post("/cancel", h.cancel)
	})
	r.Get("/v1/requesters/{id}/rides", h.listByRequester)
	r.Get("/v1/drivers/{id}/rides", h.listByDriver)
	return r
}

type rideView struct {
	ID             uuid.UUID         `json:"id"`
	RequesterID    string            `json:"requester_id"`
	DriverID       *string           `json:"driver_id"`
	Pickup         domain.Location   `json:"pickup"`
	Drop           domain.Location   `json:"drop"`
	FareEstimate   float64           `json:"fare_estimate"`
	Status         domain.RideStatus `json:"status"`
	OfferExpiresAt *time.Time        `json:"offer_expires_at,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

func newRideView(r domain.Ride) rideView {
	v := rideView{
		ID:             r.ID,
		RequesterID:    r.RequesterID,
		Pickup:         r.Pickup,
		Drop:           r.Drop,
		FareEstimate:   r.FareEstimate,
		Status:         r.Status,
		OfferExpiresAt: r.OfferExpiresAt,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
	if r.HasDriver() {
		id := r.DriverID
		v.DriverID = &id
	}
	return v
}

type resultView struct {
	Ride          rideView               `json:"ride"`
	NearbyDrivers []domain.DriverSummary `json:"nearby_drivers,omitempty"`
	Message       string                 `json:"message,omitempty"`
	Stale         bool                   `json:"stale"`
}

func newResultView(res service.Result) resultView {
	return resultView{
		Ride:          newRideView(res.Ride),
		NearbyDrivers: res.NearbyDrivers,
		Message:       res.Message,
		Stale:         res.Stale != nil,
	}
}

type initializeRideRequest struct {
	RequesterID string          `json:"requester_id"`
	Pickup      domain.Location `json:"pickup"`
	Drop        domain.Location `json:"drop"`
}

func (h *HTTP) initializeRide(w http.ResponseWriter, r *http.Request) {
	var payload initializeRideRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	res, err := h.svc.InitializeRide(r.Context(), service.InitializeRideRequest{
		RequesterID: payload.RequesterID,
		Pickup:      payload.Pickup,
		Drop:        payload.Drop,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	view := newResultView(res)
	if view.NearbyDrivers == nil {
		view.NearbyDrivers = []domain.DriverSummary{}
	}
	writeJSON(w, http.StatusCreated, view)
}

func (h *HTTP) getRide(w http.ResponseWriter, r *http.Request) {
	id, ok := rideID(w, r)
	if !ok {
		return
	}
	ride, err := h.svc.GetRide(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newRideView(ride))
}

func (h *HTTP) selectDriver(w http.ResponseWriter, r *http.Request) {
	id, ok := rideID(w, r)
	if !ok {
		return
	}
	var payload struct {
		DriverID string `json:"driver_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	res, err := h.svc.SelectDriver(r.Context(), id, payload.DriverID)
	respond(w, res, err)
}

func (h *HTTP) driverResponse(w http.ResponseWriter, r *http.Request) {
	id, ok := rideID(w, r)
	if !ok {
		return
	}
	var payload struct {
		DriverID string `json:"driver_id"`
		Accepted *bool  `json:"accepted"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if payload.DriverID == "" || payload.Accepted == nil {
		writeError(w, http.StatusBadRequest, "driver_id and accepted are required")
		return
	}
	res, err := h.svc.HandleDriverResponse(r.Context(), id, payload.DriverID, *payload.Accepted)
	respond(w, res, err)
}

func (h *HTTP) timeout(w http.ResponseWriter, r *http.Request) {
	if id, ok := rideID(w, r); ok {
		res, err := h.svc.HandleTimeout(r.Context(), id)
		respond(w, res, err)
	}
}

func (h *HTTP) start(w http.ResponseWriter, r *http.Request) {
	if id, ok := rideID(w, r); ok {
		res, err := h.svc.StartRide(r.Context(), id)
		respond(w, res, err)
	}
}

func (h *HTTP) complete(w http.ResponseWriter, r *http.Request) {
	if id, ok := rideID(w, r); ok {
		res, err := h.svc.CompleteRide(r.Context(), id)
		respond(w, res, err)
	}
}

func (h *HTTP) cancel(w http.ResponseWriter, r *http.Request) {
	if id, ok := rideID(w, r); ok {
		res, err := h.svc.CancelRide(r.Context(), id)
		respond(w, res, err)
	}
}

func (h *HTTP) listByRequester(w http.ResponseWriter, r *http.Request) {
	statuses, err := statusFilter(r)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	rides, err := h.svc.ListRidesByRequester(r.Context(), chi.URLParam(r, "id"), statuses...)
	writeRides(w, rides, err)
}

func (h *HTTP) listByDriver(w http.ResponseWriter, r *http.Request) {
	statuses, err := statusFilter(r)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	rides, err := h.svc.ListRidesByDriver(r.Context(), chi.URLParam(r, "id"), statuses...)
	writeRides(w, rides, err)
}

// statusFilter parses ?status=A,B (the parameter may also repeat).
func statusFilter(r *http.Request) ([]domain.RideStatus, error) {
	var statuses []domain.RideStatus
	for _, raw := range r.URL.Query()["status"] {
		for _, part := range strings.Split(raw, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			s, err := domain.ParseRideStatus(strings.ToUpper(part))
			if err != nil {
				return nil, err
			}
			statuses = append(statuses, s)
		}
	}
	return statuses, nil
}

func writeRides(w http.ResponseWriter, rides []domain.Ride, err error) {
	if err != nil {
		writeServiceError(w, err)
		return
	}
	views := make([]rideView, 0, len(rides))
	for _, ride := range rides {
		views = append(views, newRideView(ride))
	}
	writeJSON(w, http.StatusOK, views)
}

func rideID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid ride id")
		return uuid.Nil, false
	}
	return id, true
}

func respond(w http.ResponseWriter, res service.Result, err error) {
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newResultView(res))
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrRideNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrConcurrentUpdate):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrDependency):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
