package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/sksmith/checkout-reservations/api"
	"github.com/sksmith/checkout-reservations/config"
	"github.com/sksmith/checkout-reservations/core/reservation"
	"github.com/sksmith/checkout-reservations/core/user"
	"github.com/sksmith/checkout-reservations/queue"
	"github.com/sksmith/checkout-reservations/test"
	"github.com/sksmith/checkout-reservations/testutil"
)

func TestMain(m *testing.M) {
	test.ConfigLogging()
	os.Exit(m.Run())
}

func inMemoryConfig() *config.Config {
	cfg := config.LoadDefaults()
	cfg.Db.InMemory.Value = true
	cfg.RabbitMQ.Mock.Value = true
	return cfg
}

func TestConfigReservationQueue(t *testing.T) {
	cfg := inMemoryConfig()

	if _, ok := configReservationQueue(nil, cfg).(*queue.MockQueue); !ok {
		t.Errorf("expected the mock queue when rabbitmq is mocked")
	}

	cfg.Kafka.Enabled.Value = true
	if _, ok := configReservationQueue(nil, cfg).(*queue.KafkaQueue); !ok {
		t.Errorf("expected the kafka queue when kafka is enabled")
	}
}

func TestConfigCacheDisabled(t *testing.T) {
	if c := configCache(context.Background(), inMemoryConfig()); c != nil {
		t.Errorf("expected no cache when redis is disabled")
	}
}

func TestInMemoryCheckout(t *testing.T) {
	ctx := context.Background()
	cfg := inMemoryConfig()

	resRepo, userRepo := configRepositories(ctx, cfg)
	svc := reservation.NewService(resRepo, configReservationQueue(nil, cfg), reservation.WithTTL(cfg.Reservation.TTL()))
	if _, err := svc.SetStock(ctx, reservation.StockKey{ProductID: "mug"}, 2); err != nil {
		t.Fatal(err)
	}

	ts := httptest.NewServer(api.ConfigureRouter(cfg, svc, user.NewService(userRepo)))
	defer ts.Close()
	base := ts.URL + api.ApiPath + api.ReservationsPath

	req := reservation.ReserveRequest{SessionID: "s1", Items: []reservation.LineItem{{ProductID: "mug", Quantity: 2}}}
	res := testutil.Post(base+"/reserve", req, t)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("reserve status got=%d want=%d", res.StatusCode, http.StatusCreated)
	}
	reserved := &api.ReserveResponse{}
	testutil.Unmarshal(res, reserved, t)

	res = testutil.Post(base+"/reserve", reservation.ReserveRequest{SessionID: "s2", Items: req.Items}, t)
	if res.StatusCode != http.StatusConflict {
		t.Errorf("second reserve status got=%d want=%d", res.StatusCode, http.StatusConflict)
	}

	IDs := api.ReservationIDsRequest{ReservationIDs: []string{reserved.Reservations[0].ID}}
	res = testutil.Post(base+"/complete", IDs, t)
	if res.StatusCode != http.StatusOK {
		t.Errorf("complete status got=%d want=%d", res.StatusCode, http.StatusOK)
	}

	res = testutil.Get(ts.URL+api.ApiPath+api.StockPath+"/mug", t)
	avail := &reservation.Availability{}
	testutil.Unmarshal(res, avail, t)
	if avail.Total != 0 || avail.Available != 0 {
		t.Errorf("unexpected availability after checkout got=%+v", avail)
	}
}
