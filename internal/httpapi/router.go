package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/josephrent/locksmith-dispatch/internal/httpapi/middleware"
	"github.com/josephrent/locksmith-dispatch/pkg/logging"
)

// Config holds every dependency the router needs to mount its routes.
type Config struct {
	Logger   *logging.Logger
	Customer *CustomerHandler
	Admin    *AdminHandler
	Webhooks *WebhookHandler

	CORSAllowedOrigins []string
	RateLimitPerSecond float64
	RateLimitBurst     int
	AdminAuthSecret    string

	DB             *pgxpool.Pool
	RedisClient    *redis.Client
	HasSMSProvider bool
}

// New builds the chi router for the locksmith dispatch HTTP surface.
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Compress(5))
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(middleware.CORS(cfg.CORSAllowedOrigins))
	}
	if cfg.Logger != nil {
		r.Use(middleware.RequestLogger(cfg.Logger))
	}

	r.Group(func(public chi.Router) {
		public.Get("/health", healthHandler)
		public.Get("/ready", readinessHandler(cfg))

		public.Route("/request", func(req chi.Router) {
			req.Use(middleware.RateLimit(cfg.RateLimitPerSecond, cfg.RateLimitBurst))
			req.Post("/start", cfg.Customer.StartSession)
			req.Route("/{id}", func(one chi.Router) {
				one.Get("/", cfg.Customer.GetSession)
				one.Post("/location", cfg.Customer.SubmitLocation)
				one.Post("/service", cfg.Customer.SelectService)
				one.Post("/photo", cfg.Customer.UploadPhoto)
				one.Post("/payment-intent", cfg.Customer.CreatePaymentIntent)
				one.Post("/complete", cfg.Customer.CompleteSession)
				one.Get("/offers", cfg.Customer.ListOffers)
			})
		})

		public.Route("/webhooks", func(wh chi.Router) {
			wh.Use(middleware.RateLimit(100, 200))
			wh.Post("/sms", cfg.Webhooks.SMS)
			wh.Post("/payment", cfg.Webhooks.Payment)
		})
	})

	if cfg.AdminAuthSecret != "" {
		r.Route("/admin", func(admin chi.Router) {
			admin.Use(middleware.AdminJWT(cfg.AdminAuthSecret))

			admin.Route("/locksmiths", func(p chi.Router) {
				p.Get("/", cfg.Admin.ListProviders)
				p.Post("/", cfg.Admin.CreateProvider)
				p.Get("/{id}", cfg.Admin.GetProvider)
				p.Put("/{id}", cfg.Admin.UpdateProvider)
			})

			admin.Route("/jobs", func(j chi.Router) {
				j.Get("/", cfg.Admin.ListJobs)
				j.Get("/{id}", cfg.Admin.GetJob)
				j.Post("/{id}/dispatch", cfg.Admin.DispatchJob)
				j.Post("/{id}/dispatch-control", cfg.Admin.ControlDispatch)
				j.Post("/{id}/assign", cfg.Admin.AssignJob)
				j.Post("/{id}/cancel", cfg.Admin.CancelJob)
				j.Post("/{id}/refund", cfg.Admin.RefundJob)
			})

			admin.Route("/sessions", func(s chi.Router) {
				s.Get("/", cfg.Admin.ListSessions)
				s.Get("/stats", cfg.Admin.FunnelStats)
			})

			admin.Get("/messages", cfg.Admin.ListMessages)
		})
	}

	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// readinessHandler returns 503 when a configured database or Redis client
// fails its ping, or when no SMS provider is configured; otherwise 200. A
// database or Redis client that is not configured is reported as such and
// does not fail readiness, and the SMS check looks only at configuration,
// not at whether the gateway is reachable.
func readinessHandler(cfg *Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{}
		ready := true

		if cfg.DB != nil {
			if err := cfg.DB.Ping(r.Context()); err != nil {
				checks["database"] = "unhealthy: " + err.Error()
				ready = false
			} else {
				checks["database"] = "ok"
			}
		} else {
			checks["database"] = "not configured"
		}

		if cfg.RedisClient != nil {
			if err := cfg.RedisClient.Ping(r.Context()).Err(); err != nil {
				checks["redis"] = "unhealthy: " + err.Error()
				ready = false
			} else {
				checks["redis"] = "ok"
			}
		} else {
			checks["redis"] = "not configured"
		}

		if cfg.HasSMSProvider {
			checks["sms"] = "ok"
		} else {
			checks["sms"] = "no provider configured"
			ready = false
		}

		w.Header().Set("Content-Type", "application/json")
		if !ready {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ready": ready, "checks": checks})
	}
}
