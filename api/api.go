package api

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/render"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sksmith/checkout-reservations/config"
	"github.com/sksmith/checkout-reservations/core/user"
)

const (
	ApiPath          = "/api/v1"
	ReservationsPath = "/reservations"
	StockPath        = "/stock"
	UserPath         = "/user"
)

type ReservationStockService interface {
	ReservationService
	StockService
}

func ConfigureRouter(cfg *config.Config, resSvc ReservationStockService, userService user.Service) chi.Router {
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowOriginFunc:  allowedOrigin,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300, // Maximum value not ignored by any of major browsers
	}))
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(Metrics)
	r.Use(render.SetContentType(render.ContentTypeJSON))
	r.Use(Logging)

	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("UP"))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Route("/env", NewEnvApi(cfg).ConfigureRouter)

	r.Route(ApiPath, func(r chi.Router) {
		// Guests reserve under their own session token, so credentials are optional here.
		r.With(OptionalAuthenticate(userService)).Route(ReservationsPath, NewReservationApi(resSvc).ConfigureRouter)
		r.Route(StockPath, NewStockApi(resSvc, userService).ConfigureRouter)
		r.With(Authenticate(userService), AdminOnly).Route(UserPath, NewUserApi(userService).ConfigureRouter)
	})

	return r
}

func allowedOrigin(_ *http.Request, origin string) bool {
	u, err := url.Parse(origin)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return false
	}
	host := u.Hostname()
	return host == "localhost" || strings.HasSuffix(host, ".seanksmith.me")
}
