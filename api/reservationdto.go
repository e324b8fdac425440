package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/render"
	"github.com/sksmith/checkout-reservations/core/reservation"
)

type ReserveRequest struct {
	*reservation.ReserveRequest
}

func (p *ReserveRequest) Bind(_ *http.Request) error {
	if p.ReserveRequest == nil {
		return errors.New("missing required reserve request fields")
	}
	if len(p.Items) == 0 {
		return reservation.ErrEmptyItems
	}
	return nil
}

type ReservationIDsRequest struct {
	ReservationIDs []string `json:"reservation_ids"`
}

func (p *ReservationIDsRequest) Bind(_ *http.Request) error {
	if len(p.ReservationIDs) == 0 {
		return reservation.ErrEmptyIDs
	}
	return nil
}

// OpResponse is the envelope of every reserve, release and complete answer.
type OpResponse struct {
	HTTPStatusCode int `json:"-"`

	Success  bool                      `json:"success"`
	Message  string                    `json:"message,omitempty"`
	Code     string                    `json:"code,omitempty"`
	Failures []reservation.LineFailure `json:"failures,omitempty"`
}

func NewFailureResponse(status int, err error) *OpResponse {
	return &OpResponse{HTTPStatusCode: status, Message: err.Error()}
}

func (o *OpResponse) Render(_ http.ResponseWriter, r *http.Request) error {
	if o.HTTPStatusCode != 0 {
		render.Status(r, o.HTTPStatusCode)
	}
	return nil
}

type ReservedLine struct {
	ID        string    `json:"reservation_id"`
	ProductID string    `json:"product_id"`
	VariantID string    `json:"variant_id,omitempty"`
	Quantity  int64     `json:"quantity"`
	ExpiresAt time.Time `json:"expires_at"`
}

type ReserveResponse struct {
	OpResponse
	Reservations []ReservedLine `json:"reservations"`
	ExpiresAt    time.Time      `json:"expires_at"`
}

func NewReserveResponse(res reservation.ReserveResult) *ReserveResponse {
	resp := &ReserveResponse{
		OpResponse:   OpResponse{Success: true},
		Reservations: make([]ReservedLine, 0, len(res.Reservations)),
		ExpiresAt:    res.ExpiresAt,
	}
	for _, rsv := range res.Reservations {
		resp.Reservations = append(resp.Reservations, ReservedLine{
			ID:        rsv.ID,
			ProductID: rsv.ProductID,
			VariantID: rsv.VariantID,
			Quantity:  rsv.Quantity,
			ExpiresAt: rsv.ExpiresAt,
		})
	}
	return resp
}

type ReleaseResponse struct {
	OpResponse
	Results []reservation.ReleaseResult `json:"results"`
}

func NewReleaseResponse(results []reservation.ReleaseResult) *ReleaseResponse {
	success := true
	for _, r := range results {
		success = success && r.Success
	}
	return &ReleaseResponse{OpResponse: OpResponse{Success: success}, Results: results}
}

type ReservationResponse struct {
	reservation.Reservation
}

func (rr *ReservationResponse) Render(_ http.ResponseWriter, _ *http.Request) error {
	return nil
}

func NewReservationListResponse(rsv []reservation.Reservation) []render.Renderer {
	list := make([]render.Renderer, 0, len(rsv))
	for _, r := range rsv {
		list = append(list, &ReservationResponse{Reservation: r})
	}
	return list
}

type ConfigResponse struct {
	TTLSeconds int64 `json:"ttl_seconds"`
}

func (c *ConfigResponse) Render(_ http.ResponseWriter, _ *http.Request) error {
	return nil
}
