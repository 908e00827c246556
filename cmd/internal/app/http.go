package app

import (
	"net/http"
	"time"

	"github.com/CarstenHoyer/ginvite/cmd/internal/api"
	"github.com/CarstenHoyer/ginvite/cmd/internal/notify"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type routerDeps struct {
	log      Logger
	cfg      Config
	dbPool   *pgxpool.Pool
	registry *prometheus.Registry
	api      *api.Handler
	gateway  *notify.Gateway
}

func newRouter(d routerDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(func(next http.Handler) http.Handler { return WithRequestLogging(next, d.log) })
	r.Use(middleware.Recoverer)
	r.Use(WithSecurityHeaders)
	if len(d.cfg.CORSAllowedOrigins) > 0 {
		r.Use(func(next http.Handler) http.Handler { return WithCORS(next, d.cfg, d.log) })
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if d.cfg.ReadinessRequireDB && d.dbPool == nil {
			http.Error(w, "db not configured", http.StatusServiceUnavailable)
			return
		}
		if d.dbPool != nil {
			if err := PingDB(r.Context(), d.dbPool, 2*time.Second); err != nil {
				http.Error(w, "db not ready", http.StatusServiceUnavailable)
				d.log.Info("readyz.db.not_ready", "err", err)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	if d.registry != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(d.registry, promhttp.HandlerOpts{}))
	}
	if d.gateway != nil {
		r.Method(http.MethodGet, "/notifications/ws", d.gateway)
	}
	if d.api != nil {
		d.api.Register(r)
	}
	return r
}
