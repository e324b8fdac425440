package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/render"
	"github.com/rs/zerolog/log"
	"github.com/sksmith/checkout-reservations/core"
	"github.com/sksmith/checkout-reservations/core/reservation"
)

type ReservationService interface {
	Reserve(ctx context.Context, rr reservation.ReserveRequest) (reservation.ReserveResult, error)
	Release(ctx context.Context, IDs []string) ([]reservation.ReleaseResult, error)
	Complete(ctx context.Context, IDs []string) error

	GetReservation(ctx context.Context, ID string) (reservation.Reservation, error)
	GetReservations(ctx context.Context, options reservation.ListOptions, limit, offset int) ([]reservation.Reservation, error)
	TTL() time.Duration
}

type ReservationApi struct {
	service ReservationService
}

func NewReservationApi(service ReservationService) *ReservationApi {
	return &ReservationApi{service: service}
}

func (a *ReservationApi) ConfigureRouter(r chi.Router) {
	r.With(Paginate).Get("/", a.List)
	r.Get("/config", a.Config)
	r.Post("/reserve", a.Reserve)
	r.Post("/release", a.Release)
	r.Post("/complete", a.Complete)
	r.Get("/{id}", a.Get)
}

func (a *ReservationApi) Reserve(w http.ResponseWriter, r *http.Request) {
	data := &ReserveRequest{}
	if err := render.Bind(r, data); err != nil {
		Render(w, r, NewFailureResponse(http.StatusBadRequest, err))
		return
	}

	if usr, ok := CurrentUser(r.Context()); ok && data.SessionID == "" {
		data.SessionID = usr.Username
	}

	res, err := a.service.Reserve(r.Context(), *data.ReserveRequest)
	if err != nil {
		Render(w, r, reservationFailure(err))
		return
	}

	render.Status(r, http.StatusCreated)
	Render(w, r, NewReserveResponse(res))
}

// Release is also the target of navigator.sendBeacon, which posts text/plain and never reads
// the response.
func (a *ReservationApi) Release(w http.ResponseWriter, r *http.Request) {
	data := &ReservationIDsRequest{}
	if err := render.DecodeJSON(r.Body, data); err != nil {
		Render(w, r, NewFailureResponse(http.StatusBadRequest, err))
		return
	}
	if err := data.Bind(r); err != nil {
		Render(w, r, NewFailureResponse(http.StatusBadRequest, err))
		return
	}

	results, err := a.service.Release(r.Context(), data.ReservationIDs)
	if err != nil {
		Render(w, r, reservationFailure(err))
		return
	}

	if beacon, _ := strconv.ParseBool(r.URL.Query().Get("beacon")); beacon {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	Render(w, r, NewReleaseResponse(results))
}

func (a *ReservationApi) Complete(w http.ResponseWriter, r *http.Request) {
	data := &ReservationIDsRequest{}
	if err := render.Bind(r, data); err != nil {
		Render(w, r, NewFailureResponse(http.StatusBadRequest, err))
		return
	}

	if err := a.service.Complete(r.Context(), data.ReservationIDs); err != nil {
		Render(w, r, reservationFailure(err))
		return
	}

	Render(w, r, &OpResponse{Success: true})
}

func (a *ReservationApi) Get(w http.ResponseWriter, r *http.Request) {
	ID := chi.URLParam(r, "id")

	res, err := a.service.GetReservation(r.Context(), ID)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			Render(w, r, ErrNotFound)
		} else {
			log.Err(err).Str("id", ID).Msg("failed to get reservation")
			Render(w, r, ErrInternalServer)
		}
		return
	}

	Render(w, r, &ReservationResponse{Reservation: res})
}

func (a *ReservationApi) List(w http.ResponseWriter, r *http.Request) {
	limit := r.Context().Value(CtxKeyLimit).(int)
	offset := r.Context().Value(CtxKeyOffset).(int)

	status, err := reservation.ParseStatus(r.URL.Query().Get("status"))
	if err != nil {
		Render(w, r, ErrInvalidRequest(err))
		return
	}
	options := reservation.ListOptions{
		SessionID: r.URL.Query().Get("session_id"),
		Status:    status,
	}

	res, err := a.service.GetReservations(r.Context(), options, limit, offset)
	if err != nil {
		log.Err(err).Send()
		Render(w, r, ErrInternalServer)
		return
	}

	RenderList(w, r, NewReservationListResponse(res))
}

func (a *ReservationApi) Config(w http.ResponseWriter, r *http.Request) {
	Render(w, r, &ConfigResponse{TTLSeconds: int64(a.service.TTL() / time.Second)})
}

func reservationFailure(err error) render.Renderer {
	var stockErr *reservation.InsufficientStockError
	switch {
	case reservation.IsValidation(err):
		return NewFailureResponse(http.StatusBadRequest, err)
	case errors.As(err, &stockErr):
		resp := NewFailureResponse(http.StatusConflict, reservation.ErrInsufficientStock)
		resp.Failures = stockErr.Failures
		return resp
	case errors.Is(err, reservation.ErrInsufficientStock):
		return NewFailureResponse(http.StatusConflict, reservation.ErrInsufficientStock)
	case reservation.IsStateConflict(err):
		resp := NewFailureResponse(http.StatusConflict, reservation.ErrReservationExpired)
		resp.Code = conflictCode(err)
		return resp
	default:
		log.Error().Err(err).Msg("reservation request failed")
		return NewFailureResponse(http.StatusInternalServerError, errors.New("an internal server error has occurred"))
	}
}

func conflictCode(err error) string {
	switch {
	case errors.Is(err, reservation.ErrReservationReleased):
		return "reservation_released"
	case errors.Is(err, reservation.ErrReservationNotFound):
		return "reservation_not_found"
	default:
		return "reservation_expired"
	}
}
