// Package reservation holds short-lived, per-item stock reservations that back checkout. A reservation is a soft
// hold against a product (or product variant) that either becomes a permanent stock decrement on completion, or
// gives its quantity back when it is released or expires.
package reservation

import (
	"sort"
	"time"

	"github.com/pkg/errors"
)

// Status is the lifecycle state of a Reservation. Only Active is non-terminal.
type Status string

const (
	Active    Status = "active"
	Completed Status = "completed"
	Released  Status = "released"
	Expired   Status = "expired"
	None      Status = ""
)

func ParseStatus(v string) (Status, error) {
	switch v {
	case string(Active):
		return Active, nil
	case string(Completed):
		return Completed, nil
	case string(Released):
		return Released, nil
	case string(Expired):
		return Expired, nil
	case string(None):
		return None, nil
	default:
		return None, errors.New("invalid reservation status")
	}
}

func (s Status) Terminal() bool {
	return s == Completed || s == Released || s == Expired
}

// StockKey identifies a stock counter. An empty VariantID is the product level counter.
type StockKey struct {
	ProductID string `json:"product_id"`
	VariantID string `json:"variant_id,omitempty"`
}

func (k StockKey) Less(o StockKey) bool {
	if k.ProductID != o.ProductID {
		return k.ProductID < o.ProductID
	}
	return k.VariantID < o.VariantID
}

func (k StockKey) String() string {
	if k.VariantID == "" {
		return k.ProductID
	}
	return k.ProductID + "/" + k.VariantID
}

func SortKeys(keys []StockKey) {
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
}

// Stock is the counter for a product or variant. Total is the committed stock still on hand, Held is the sum of
// reservations whose status is still active (expired holds stay in Held until they are reaped).
type Stock struct {
	StockKey
	Total   int64     `json:"total"`
	Held    int64     `json:"held"`
	Updated time.Time `json:"updated"`
}

// Availability is the effective, expiry-aware view of a stock counter.
type Availability struct {
	StockKey
	Total     int64 `json:"total"`
	Held      int64 `json:"held"`
	Available int64 `json:"available"`
}

// LineItem is one line of a reserve request.
type LineItem struct {
	ProductID string `json:"product_id"`
	VariantID string `json:"variant_id,omitempty"`
	Quantity  int64  `json:"quantity"`
}

func (l LineItem) Key() StockKey {
	return StockKey{ProductID: l.ProductID, VariantID: l.VariantID}
}

type ReserveRequest struct {
	SessionID string     `json:"session_id"`
	Items     []LineItem `json:"items"`
}

// Reservation is an entity. A quantity of one stock counter held for a session until ExpiresAt.
type Reservation struct {
	ID        string    `json:"reservation_id"`
	ProductID string    `json:"product_id"`
	VariantID string    `json:"variant_id,omitempty"`
	SessionID string    `json:"session_id"`
	Quantity  int64     `json:"quantity"`
	Status    Status    `json:"status"`
	ExpiresAt time.Time `json:"expires_at"`
	Created   time.Time `json:"created"`
	Updated   time.Time `json:"updated"`
}

func (r Reservation) Key() StockKey {
	return StockKey{ProductID: r.ProductID, VariantID: r.VariantID}
}

// Holding reports whether the reservation still counts against availability at now.
func (r Reservation) Holding(now time.Time) bool {
	return r.Status == Active && now.Before(r.ExpiresAt)
}

type ReserveResult struct {
	Reservations []Reservation `json:"reservations"`
	ExpiresAt    time.Time     `json:"expires_at"`
}

type ReleaseResult struct {
	ID      string `json:"reservation_id"`
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type ListOptions struct {
	SessionID string
	Status    Status
}

// Event is published whenever a reservation changes state.
type Event struct {
	Type        Status      `json:"type"`
	Reservation Reservation `json:"reservation"`
	Occurred    time.Time   `json:"occurred"`
}
