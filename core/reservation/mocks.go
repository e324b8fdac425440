package reservation

import (
	"context"
	"time"

	"github.com/sksmith/checkout-reservations/test"
)

type MockReservationService struct {
	ReserveFunc      func(ctx context.Context, rr ReserveRequest) (ReserveResult, error)
	ReleaseFunc      func(ctx context.Context, IDs []string) ([]ReleaseResult, error)
	CompleteFunc     func(ctx context.Context, IDs []string) error
	SweepExpiredFunc func(ctx context.Context, limit int) (int, error)

	GetReservationFunc  func(ctx context.Context, ID string) (Reservation, error)
	GetReservationsFunc func(ctx context.Context, options ListOptions, limit, offset int) ([]Reservation, error)
	GetAvailabilityFunc func(ctx context.Context, key StockKey) (Availability, error)
	SetStockFunc        func(ctx context.Context, key StockKey, total int64) (Availability, error)
	TTLFunc             func() time.Duration

	SubscribeStockFunc   func(ch chan<- Availability) (id StockSubID)
	UnsubscribeStockFunc func(id StockSubID)
	*test.CallWatcher
}

func NewMockReservationService() *MockReservationService {
	return &MockReservationService{
		ReserveFunc: func(ctx context.Context, rr ReserveRequest) (ReserveResult, error) { return ReserveResult{}, nil },
		ReleaseFunc: func(ctx context.Context, IDs []string) ([]ReleaseResult, error) {
			results := make([]ReleaseResult, 0, len(IDs))
			for _, ID := range IDs {
				results = append(results, ReleaseResult{ID: ID, Success: true, Message: string(Released)})
			}
			return results, nil
		},
		CompleteFunc:     func(ctx context.Context, IDs []string) error { return nil },
		SweepExpiredFunc: func(ctx context.Context, limit int) (int, error) { return 0, nil },

		GetReservationFunc: func(ctx context.Context, ID string) (Reservation, error) { return Reservation{}, nil },
		GetReservationsFunc: func(ctx context.Context, options ListOptions, limit, offset int) ([]Reservation, error) {
			return []Reservation{}, nil
		},
		GetAvailabilityFunc: func(ctx context.Context, key StockKey) (Availability, error) {
			return Availability{StockKey: key}, nil
		},
		SetStockFunc: func(ctx context.Context, key StockKey, total int64) (Availability, error) {
			return Availability{StockKey: key, Total: total, Available: total}, nil
		},
		TTLFunc: func() time.Duration { return DefaultTTL },

		SubscribeStockFunc:   func(ch chan<- Availability) (id StockSubID) { return "" },
		UnsubscribeStockFunc: func(id StockSubID) {},
		CallWatcher:          test.NewCallWatcher(),
	}
}

func (s *MockReservationService) Reserve(ctx context.Context, rr ReserveRequest) (ReserveResult, error) {
	s.AddCall(ctx, rr)
	return s.ReserveFunc(ctx, rr)
}

func (s *MockReservationService) Release(ctx context.Context, IDs []string) ([]ReleaseResult, error) {
	s.AddCall(ctx, IDs)
	return s.ReleaseFunc(ctx, IDs)
}

func (s *MockReservationService) Complete(ctx context.Context, IDs []string) error {
	s.AddCall(ctx, IDs)
	return s.CompleteFunc(ctx, IDs)
}

func (s *MockReservationService) SweepExpired(ctx context.Context, limit int) (int, error) {
	s.AddCall(ctx, limit)
	return s.SweepExpiredFunc(ctx, limit)
}

func (s *MockReservationService) GetReservation(ctx context.Context, ID string) (Reservation, error) {
	s.AddCall(ctx, ID)
	return s.GetReservationFunc(ctx, ID)
}

func (s *MockReservationService) GetReservations(ctx context.Context, options ListOptions, limit, offset int) ([]Reservation, error) {
	s.AddCall(ctx, options, limit, offset)
	return s.GetReservationsFunc(ctx, options, limit, offset)
}

func (s *MockReservationService) GetAvailability(ctx context.Context, key StockKey) (Availability, error) {
	s.AddCall(ctx, key)
	return s.GetAvailabilityFunc(ctx, key)
}

func (s *MockReservationService) SetStock(ctx context.Context, key StockKey, total int64) (Availability, error) {
	s.AddCall(ctx, key, total)
	return s.SetStockFunc(ctx, key, total)
}

func (s *MockReservationService) TTL() time.Duration {
	s.AddCall()
	return s.TTLFunc()
}

func (s *MockReservationService) SubscribeStock(ch chan<- Availability) (id StockSubID) {
	s.AddCall(ch)
	return s.SubscribeStockFunc(ch)
}

func (s *MockReservationService) UnsubscribeStock(id StockSubID) {
	s.AddCall(id)
	s.UnsubscribeStockFunc(id)
}
