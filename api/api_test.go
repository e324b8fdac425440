package api_test

import (
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/go-chi/chi"
	"github.com/sksmith/checkout-reservations/api"
	"github.com/sksmith/checkout-reservations/config"
	"github.com/sksmith/checkout-reservations/core/reservation"
	"github.com/sksmith/checkout-reservations/core/user"
	"github.com/sksmith/checkout-reservations/test"
)

func TestMain(m *testing.M) {
	test.ConfigLogging()
	os.Exit(m.Run())
}

func TestCorsConfig(t *testing.T) {
	tests := []struct {
		origin string
		want   string
	}{
		{origin: "https://evilorigin.com", want: ""},
		{origin: "http://evilorigin.com", want: ""},
		{origin: "https://subdomain.seanksmith.me", want: "https://subdomain.seanksmith.me"},
		{origin: "http://subdomain.seanksmith.me", want: "http://subdomain.seanksmith.me"},
		{origin: "http://subdomain.seanksmith.evil.me", want: ""},
		{origin: "http://localhost:8080", want: "http://localhost:8080"},
		{origin: "http://localhost:3000", want: "http://localhost:3000"},
		{origin: "https://localhost:8080", want: "https://localhost:8080"},
		{origin: "https://localhost:3000", want: "https://localhost:3000"},
		{origin: "https://localhostevil:3000", want: ""},
	}

	r, _, _ := getRouter()
	ts := httptest.NewServer(r)
	defer ts.Close()

	client := http.DefaultClient
	url := ts.URL + api.ApiPath + api.ReservationsPath + "/config"

	for _, test := range tests {
		req, err := http.NewRequest("GET", url, nil)
		if err != nil {
			t.Fatal(err)
		}
		req.Header.Add("Origin", test.origin)

		res, err := client.Do(req)
		if err != nil {
			t.Fatal(err)
		}

		got := res.Header.Get("Access-Control-Allow-Origin")
		if got != test.want {
			t.Errorf("failed cors test origin=[%v] got=[%v] want=[%v]", test.origin, got, test.want)
		}
	}
}

func TestHealth(t *testing.T) {
	r, _, _ := getRouter()
	ts := httptest.NewServer(r)
	defer ts.Close()

	res, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	body, err := ioutil.ReadAll(res.Body)
	if err != nil {
		t.Fatal(err)
	}

	if res.StatusCode != http.StatusOK || string(body) != "UP" {
		t.Errorf("unexpected health response status=%d body=%s", res.StatusCode, body)
	}
}

func TestAdminRoutesRequireCredentials(t *testing.T) {
	r, _, _ := getRouter()
	ts := httptest.NewServer(r)
	defer ts.Close()

	req, err := http.NewRequest(http.MethodPost, ts.URL+api.ApiPath+api.UserPath, nil)
	if err != nil {
		t.Fatal(err)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}

	if res.StatusCode != http.StatusUnauthorized {
		t.Errorf("status code got=%d want=%d", res.StatusCode, http.StatusUnauthorized)
	}
	if res.Header.Get("WWW-Authenticate") == "" {
		t.Errorf("expected a basic auth challenge")
	}
}

func getRouter() (chi.Router, *reservation.MockReservationService, *user.MockUserService) {
	cfg := config.LoadDefaults()
	resSvc, usrSvc := reservation.NewMockReservationService(), user.NewMockUserService()
	return api.ConfigureRouter(cfg, resSvc, usrSvc), resSvc, usrSvc
}
