package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi"
	"github.com/go-chi/render"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog/log"
	"github.com/sksmith/checkout-reservations/core"
	"github.com/sksmith/checkout-reservations/core/reservation"
)

type StockService interface {
	GetAvailability(ctx context.Context, key reservation.StockKey) (reservation.Availability, error)
	SetStock(ctx context.Context, key reservation.StockKey, total int64) (reservation.Availability, error)

	SubscribeStock(ch chan<- reservation.Availability) (id reservation.StockSubID)
	UnsubscribeStock(id reservation.StockSubID)
}

type StockApi struct {
	service StockService
	users   UserAccess
}

func NewStockApi(service StockService, users UserAccess) *StockApi {
	return &StockApi{service: service, users: users}
}

func (a *StockApi) ConfigureRouter(r chi.Router) {
	r.HandleFunc("/subscribe", a.Subscribe)

	r.Route("/{productID}", func(r chi.Router) {
		r.Get("/", a.Get)
		r.Get("/{variantID}", a.Get)
		r.With(Authenticate(a.users), AdminOnly).Put("/", a.Set)
	})
}

// Subscribe streams availability changes to the client over a websocket. Only changes made by
// this instance are seen.
func (a *StockApi) Subscribe(w http.ResponseWriter, r *http.Request) {
	log.Info().Msg("client requesting stock subscription")

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Err(err).Msg("failed to establish stock subscription connection")
		Render(w, r, ErrInternalServer)
		return
	}
	go func() {
		defer conn.Close()

		ch := make(chan reservation.Availability, 1)

		id := a.service.SubscribeStock(ch)
		defer func() {
			a.service.UnsubscribeStock(id)
		}()

		for avail := range ch {
			body, err := json.Marshal(&AvailabilityResponse{Availability: avail})
			if err != nil {
				log.Err(err).Interface("clientId", id).Msg("failed to marshal availability")
				continue
			}

			log.Debug().Interface("clientId", id).Str("key", avail.String()).Msg("sending stock update to client")
			err = wsutil.WriteServerText(conn, body)
			if err != nil {
				log.Err(err).Interface("clientId", id).Msg("failed to write server message, disconnecting client")
				return
			}
		}
	}()
}

func (a *StockApi) Get(w http.ResponseWriter, r *http.Request) {
	key := reservation.StockKey{
		ProductID: chi.URLParam(r, "productID"),
		VariantID: chi.URLParam(r, "variantID"),
	}

	avail, err := a.service.GetAvailability(r.Context(), key)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			Render(w, r, ErrNotFound)
		} else {
			log.Err(err).Str("key", key.String()).Msg("failed to get availability")
			Render(w, r, ErrInternalServer)
		}
		return
	}

	Render(w, r, &AvailabilityResponse{Availability: avail})
}

func (a *StockApi) Set(w http.ResponseWriter, r *http.Request) {
	data := &SetStockRequest{}
	if err := render.Bind(r, data); err != nil {
		Render(w, r, ErrInvalidRequest(err))
		return
	}

	key := reservation.StockKey{ProductID: chi.URLParam(r, "productID"), VariantID: data.VariantID}
	avail, err := a.service.SetStock(r.Context(), key, *data.Total)
	if err != nil {
		if reservation.IsValidation(err) || errors.Is(err, reservation.ErrInvalidStock) {
			Render(w, r, ErrInvalidRequest(err))
		} else {
			log.Err(err).Str("key", key.String()).Msg("failed to set stock")
			Render(w, r, ErrInternalServer)
		}
		return
	}

	Render(w, r, &AvailabilityResponse{Availability: avail})
}

type SetStockRequest struct {
	VariantID string `json:"variant_id,omitempty"`
	Total     *int64 `json:"quantity_total"`
}

func (s *SetStockRequest) Bind(_ *http.Request) error {
	if s.Total == nil {
		return errors.New("quantity_total is required")
	}
	if *s.Total < 0 {
		return errors.New("quantity_total must not be negative")
	}
	return nil
}

type AvailabilityResponse struct {
	reservation.Availability
}

func (a *AvailabilityResponse) Render(_ http.ResponseWriter, _ *http.Request) error {
	return nil
}
