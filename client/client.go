package client

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"io/ioutil"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/sksmith/checkout-reservations/core/reservation"
)

const (
	reservationsPath = "/api/v1/reservations"

	DefaultTimeout       = 10 * time.Second
	DefaultBeaconTimeout = 5 * time.Second
)

// Client calls the reservation endpoints of the checkout service.
type Client struct {
	baseURL  string
	http     *http.Client
	username string
	password string
}

type Option func(c *Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithBasicAuth signs requests in as a user, whose username becomes the session id.
func WithBasicAuth(username, password string) Option {
	return func(c *Client) {
		c.username = username
		c.password = password
	}
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type opResponse struct {
	Success      bool                        `json:"success"`
	Message      string                      `json:"message"`
	Code         string                      `json:"code"`
	Failures     []reservation.LineFailure   `json:"failures"`
	Reservations []reservation.Reservation   `json:"reservations"`
	ExpiresAt    time.Time                   `json:"expires_at"`
	Results      []reservation.ReleaseResult `json:"results"`
}

type idsRequest struct {
	ReservationIDs []string `json:"reservation_ids"`
}

// UnavailableError carries the lines the service could not hold.
type UnavailableError struct {
	Failures []reservation.LineFailure
}

func (e *UnavailableError) Error() string {
	return ErrUnavailable.Error()
}

func (e *UnavailableError) Is(target error) bool {
	return target == ErrUnavailable
}

func (c *Client) Reserve(ctx context.Context, rr reservation.ReserveRequest) (reservation.ReserveResult, error) {
	resp := &opResponse{}
	if err := c.post(ctx, "/reserve", rr, resp); err != nil {
		return reservation.ReserveResult{}, err
	}

	for i := range resp.Reservations {
		resp.Reservations[i].SessionID = rr.SessionID
		resp.Reservations[i].Status = reservation.Active
	}
	return reservation.ReserveResult{Reservations: resp.Reservations, ExpiresAt: resp.ExpiresAt}, nil
}

func (c *Client) Release(ctx context.Context, IDs []string) ([]reservation.ReleaseResult, error) {
	resp := &opResponse{}
	if err := c.post(ctx, "/release", idsRequest{ReservationIDs: IDs}, resp); err != nil {
		return nil, err
	}
	return resp.Results, nil
}

func (c *Client) Complete(ctx context.Context, IDs []string) error {
	return c.post(ctx, "/complete", idsRequest{ReservationIDs: IDs}, &opResponse{})
}

// TTL asks the service how long new reservations are held.
func (c *Client) TTL(ctx context.Context) (time.Duration, error) {
	resp := &struct {
		TTLSeconds int64 `json:"ttl_seconds"`
	}{}
	req, err := c.newRequest(ctx, http.MethodGet, reservationsPath+"/config", nil)
	if err != nil {
		return 0, err
	}
	if err := c.do(req, resp); err != nil {
		return 0, err
	}
	return time.Duration(resp.TTLSeconds) * time.Second, nil
}

// Beacon returns a fire-and-forget releaser backed by this client's endpoint.
func (c *Client) Beacon() *HTTPBeacon {
	return &HTTPBeacon{
		url:     c.baseURL + reservationsPath + "/release?beacon=true",
		http:    c.http,
		timeout: DefaultBeaconTimeout,
	}
}

func (c *Client) post(ctx context.Context, path string, body interface{}, v *opResponse) error {
	b, err := json.Marshal(body)
	if err != nil {
		return errors.WithStack(err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, reservationsPath+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	return c.do(req, v)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *Client) do(req *http.Request, v interface{}) error {
	res, err := c.http.Do(req)
	if err != nil {
		return &TransportError{Err: err}
	}
	defer res.Body.Close()

	body, err := ioutil.ReadAll(res.Body)
	if err != nil {
		return &TransportError{Err: err}
	}

	if res.StatusCode >= 200 && res.StatusCode < 300 {
		if err := json.Unmarshal(body, v); err != nil {
			return &TransportError{Err: errors.WithMessage(err, "malformed response")}
		}
		return nil
	}

	failure := &opResponse{}
	_ = json.Unmarshal(body, failure)

	switch res.StatusCode {
	case http.StatusBadRequest:
		return &RequestError{Message: failure.Message}
	case http.StatusConflict:
		if failure.Code != "" {
			return errors.WithMessage(ErrExpired, failure.Code)
		}
		return &UnavailableError{Failures: failure.Failures}
	default:
		log.Warn().
			Str("url", req.URL.String()).
			Int("status", res.StatusCode).
			Msg("unexpected response from reservation service")
		return &TransportError{Err: errors.Errorf("unexpected status %d", res.StatusCode)}
	}
}
