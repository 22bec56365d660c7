package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	mW "github.com/ruralpay/creditcore/internal/middleware"
	httpSwagger "github.com/swaggo/http-swagger"
)

type RouterConfig struct {
	JWTSecret      string
	RequestTimeout time.Duration
	SwaggerURL     string
}

// NewRouter mounts the public probes and the authenticated /api/v1 surface.
func NewRouter(cfg RouterConfig, accounts *AccountHandler, payments *PaymentHandler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})

	swaggerURL := cfg.SwaggerURL
	if swaggerURL == "" {
		swaggerURL = "/swagger/doc.json"
	}
	r.Get("/swagger/*", httpSwagger.Handler(httpSwagger.URL(swaggerURL)))

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(mW.Auth(cfg.JWTSecret))

		// event streams outlive the request timeout
		r.Get("/accounts/{accountId}/events", accounts.Events)
		r.Post("/payments/stream", payments.StreamPayment)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(timeout))

			r.Post("/accounts", accounts.OpenAccount)
			r.Get("/accounts/{accountId}/balance", accounts.GetBalance)
			r.Get("/accounts/{accountId}/transactions", accounts.ListTransactions)
			r.Get("/accounts/{accountId}/replay", accounts.Replay)
			r.Post("/accounts/{accountId}/adjustments", accounts.AdjustCredit)
			r.Post("/accounts/{accountId}/invoices", accounts.ChargeOrder)
			r.Get("/accounts/{accountId}/invoices", accounts.ListInvoices)
			r.Get("/accounts/{accountId}/dashboard", accounts.GetDashboard)

			r.Post("/payments", payments.CreatePayment)
			r.Get("/payments/{paymentId}", payments.GetPayment)
			r.Get("/payments/{paymentId}/status-report", payments.GetStatusReport)
		})
	})

	return r
}
