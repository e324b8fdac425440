package api_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi"
	"github.com/gobwas/ws"
	"github.com/sksmith/checkout-reservations/api"
	"github.com/sksmith/checkout-reservations/core"
	"github.com/sksmith/checkout-reservations/core/reservation"
	"github.com/sksmith/checkout-reservations/core/user"
	"github.com/sksmith/checkout-reservations/testutil"
)

func TestStockSubscribe(t *testing.T) {
	ts, mockSvc, _ := setupStockTestServer()
	defer ts.Close()

	updates := []reservation.Availability{
		{StockKey: reservation.StockKey{ProductID: "mug"}, Total: 5, Held: 1, Available: 4},
		{StockKey: reservation.StockKey{ProductID: "shirt", VariantID: "m"}, Total: 3, Available: 3},
		{StockKey: reservation.StockKey{ProductID: "poster"}, Total: 1, Held: 1},
	}

	expectedSubId := reservation.StockSubID("subid1")
	unsubscribed := make(chan reservation.StockSubID, 1)

	mockSvc.SubscribeStockFunc = func(ch chan<- reservation.Availability) (id reservation.StockSubID) {
		go func() {
			for _, u := range updates {
				ch <- u
			}
			close(ch)
		}()
		return expectedSubId
	}
	mockSvc.UnsubscribeStockFunc = func(id reservation.StockSubID) {
		unsubscribed <- id
	}

	url := strings.Replace(ts.URL, "http", "ws", 1) + "/subscribe"

	conn, _, _, err := ws.DefaultDialer.Dial(context.Background(), url)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	for i, want := range updates {
		got := &reservation.Availability{}
		testutil.ReadWs(conn, got, t)

		if *got != want {
			t.Errorf("unexpected ws response[%d] got=[%+v] want=[%+v]", i, got, want)
		}
	}

	select {
	case id := <-unsubscribed:
		if id != expectedSubId {
			t.Errorf("unsubscribed id got=%s want=%s", id, expectedSubId)
		}
	case <-time.After(2 * time.Second):
		t.Errorf("unsubscribe never called")
	}
	mockSvc.VerifyCount("SubscribeStock", 1, t)
}

func TestGetStock(t *testing.T) {
	ts, mockSvc, _ := setupStockTestServer()
	defer ts.Close()

	mockSvc.GetAvailabilityFunc = func(ctx context.Context, key reservation.StockKey) (reservation.Availability, error) {
		if key.ProductID == "missing" {
			return reservation.Availability{}, core.ErrNotFound
		}
		if key.ProductID == "broken" {
			return reservation.Availability{}, errors.New("connection reset")
		}
		return reservation.Availability{StockKey: key, Total: 10, Held: 4, Available: 6}, nil
	}

	tests := []struct {
		name           string
		path           string
		wantStatusCode int
		wantKey        reservation.StockKey
	}{
		{name: "product", path: "/mug", wantStatusCode: http.StatusOK, wantKey: reservation.StockKey{ProductID: "mug"}},
		{name: "variant", path: "/shirt/m", wantStatusCode: http.StatusOK, wantKey: reservation.StockKey{ProductID: "shirt", VariantID: "m"}},
		{name: "unknown product", path: "/missing", wantStatusCode: http.StatusNotFound},
		{name: "store failure", path: "/broken", wantStatusCode: http.StatusInternalServerError},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			res, err := http.Get(ts.URL + test.path)
			if err != nil {
				t.Fatal(err)
			}

			if res.StatusCode != test.wantStatusCode {
				t.Errorf("status code got=%d want=%d", res.StatusCode, test.wantStatusCode)
			}
			if test.wantStatusCode != http.StatusOK {
				return
			}

			got := &reservation.Availability{}
			testutil.Unmarshal(res, got, t)
			if got.StockKey != test.wantKey || got.Available != 6 {
				t.Errorf("unexpected availability got=%+v", got)
			}
		})
	}
}

func TestSetStock(t *testing.T) {
	ts, mockSvc, usrSvc := setupStockTestServer()
	defer ts.Close()

	total := func(n int64) *int64 { return &n }

	tests := []struct {
		name           string
		admin          bool
		request        api.SetStockRequest
		err            error
		wantStatusCode int
		wantCalls      int
	}{
		{
			name:           "admins can restock a variant",
			admin:          true,
			request:        api.SetStockRequest{VariantID: "m", Total: total(12)},
			wantStatusCode: http.StatusOK,
			wantCalls:      1,
		},
		{
			name:           "shoppers cannot set stock",
			request:        api.SetStockRequest{Total: total(12)},
			wantStatusCode: http.StatusUnauthorized,
		},
		{
			name:           "a missing total is rejected",
			admin:          true,
			request:        api.SetStockRequest{},
			wantStatusCode: http.StatusBadRequest,
		},
		{
			name:           "a negative total is rejected",
			admin:          true,
			request:        api.SetStockRequest{Total: total(-1)},
			wantStatusCode: http.StatusBadRequest,
		},
		{
			name:           "a total below the held quantity is rejected",
			admin:          true,
			request:        api.SetStockRequest{Total: total(1)},
			err:            reservation.ErrInvalidStock,
			wantStatusCode: http.StatusBadRequest,
			wantCalls:      1,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			usrSvc.LoginFunc = func(ctx context.Context, username, password string) (user.User, error) {
				return createUser(username, "", test.admin), nil
			}
			var gotKey reservation.StockKey
			mockSvc.SetStockFunc = func(ctx context.Context, key reservation.StockKey, total int64) (reservation.Availability, error) {
				gotKey = key
				return reservation.Availability{StockKey: key, Total: total, Available: total}, test.err
			}
			before := mockSvc.GetCallCount("SetStock")

			res := testutil.Put(ts.URL+"/shirt", test.request, t, testutil.RequestOptions{Username: "someone", Password: "secret"})

			if res.StatusCode != test.wantStatusCode {
				t.Errorf("status code got=%d want=%d", res.StatusCode, test.wantStatusCode)
			}
			if got := mockSvc.GetCallCount("SetStock") - before; got != test.wantCalls {
				t.Errorf("set stock calls got=%d want=%d", got, test.wantCalls)
			}
			if test.wantStatusCode == http.StatusOK {
				want := reservation.StockKey{ProductID: "shirt", VariantID: test.request.VariantID}
				if gotKey != want {
					t.Errorf("key got=%v want=%v", gotKey, want)
				}
				got := &reservation.Availability{}
				testutil.Unmarshal(res, got, t)
				if got.Total != *test.request.Total {
					t.Errorf("total got=%d want=%d", got.Total, *test.request.Total)
				}
			}
		})
	}
}

func setupStockTestServer() (*httptest.Server, *reservation.MockReservationService, *user.MockUserService) {
	svc := reservation.NewMockReservationService()
	usrSvc := user.NewMockUserService()
	stockApi := api.NewStockApi(svc, usrSvc)
	r := chi.NewRouter()
	stockApi.ConfigureRouter(r)
	ts := httptest.NewServer(r)

	return ts, svc, usrSvc
}
