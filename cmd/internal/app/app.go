// Package app wires the ginvite server runtime: config, logging, stores,
// HTTP routes, the notification gateway and the partial-accept reconciler.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/CarstenHoyer/ginvite/cmd/internal/api"
	"github.com/CarstenHoyer/ginvite/cmd/internal/group"
	"github.com/CarstenHoyer/ginvite/cmd/internal/invitation"
	"github.com/CarstenHoyer/ginvite/cmd/internal/notify"
	"github.com/CarstenHoyer/ginvite/cmd/security/token"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// App is the ginvite server runtime.
type App struct {
	cfg Config
	log Logger

	dbPool    *pgxpool.Pool
	dbEnabled bool

	reconciler *invitation.Reconciler
	handler    http.Handler
}

// New constructs a fully wired App from config and logger.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat, nil)
	}
	admins, err := parseBootstrapAdmins(cfg.BootstrapAdmins)
	if err != nil {
		return nil, err
	}

	st, err := newStores(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	if err := bootstrapAdmins(ctx, st.seeder, admins, log); err != nil {
		st.close()
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := invitation.NewMetrics(reg)
	if err != nil {
		st.close()
		return nil, err
	}

	verifier, err := token.NewVerifier(tokenConfig(cfg))
	if err != nil {
		st.close()
		return nil, err
	}

	inbox := notify.NewInbox(0, notify.WithInboxTTL(cfg.InboxTTL), notify.WithInboxMaxUsers(cfg.InboxMaxUsers))
	hub := notify.NewHub(log)
	sink := notify.Fanout{inbox, hub, notify.LogSink{Log: log}}

	guard, err := invitation.NewGuard(st.members, st.authz)
	if err != nil {
		st.close()
		return nil, err
	}
	manager, err := invitation.NewManager(invitation.WithSink(sink), invitation.WithManagerLogger(log))
	if err != nil {
		st.close()
		return nil, err
	}
	svc, err := invitation.NewService(st.invitations, guard, manager,
		invitation.WithMetrics(metrics),
		invitation.WithLogger(log),
	)
	if err != nil {
		st.close()
		return nil, err
	}
	rec, err := invitation.NewReconciler(svc, log, cfg.ReconcileInterval, cfg.ReconcileGrace)
	if err != nil {
		st.close()
		return nil, err
	}

	apiHandler, err := api.NewHandler(log, svc, verifier, inbox, api.Config{
		MaxBodyBytes:    cfg.MaxBodyBytes,
		WriteRateEvents: cfg.WriteRateEvents,
		WriteRateWindow: cfg.WriteRateWindow,
	})
	if err != nil {
		st.close()
		return nil, err
	}

	gwCfg := notify.DefaultGatewayConfig()
	gwCfg.AllowedOrigins = cfg.WSAllowedOrigins
	gwCfg.OriginRequired = cfg.WSOriginRequired
	gateway, err := notify.NewGateway(log, hub, verifier, gwCfg)
	if err != nil {
		st.close()
		return nil, err
	}

	a := &App{
		cfg:        cfg,
		log:        log,
		dbPool:     st.pool,
		dbEnabled:  st.pool != nil,
		reconciler: rec,
	}
	a.handler = newRouter(routerDeps{
		log:      log,
		cfg:      cfg,
		dbPool:   st.pool,
		registry: reg,
		api:      apiHandler,
		gateway:  gateway,
	})
	return a, nil
}

// Handler returns the fully wrapped HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Run starts the HTTP server and the reconciler, and blocks until ctx is
// cancelled or the server fails.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	base := runtimeBaseURL(a.cfg.HTTPAddr)
	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"db_enabled", a.dbEnabled,
		"api", base,
		"notifications", wsBaseURL(base)+"/notifications/ws",
	)

	recCtx, stopRec := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.reconciler.Run(recCtx)
	}()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		runErr = err
	}

	stopRec()
	wg.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if runErr == nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("server.shutdown.fail", "err", err)
			runErr = err
		}
	}

	if a.dbPool != nil {
		a.dbPool.Close()
	}

	a.log.Info("server.stopped")
	return runErr
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// runtimeBaseURL turns a listen address into a URL a local client can dial.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return "http://" + strings.TrimSpace(addr)
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func wsBaseURL(httpURL string) string {
	switch {
	case strings.HasPrefix(httpURL, "https://"):
		return "wss://" + strings.TrimPrefix(httpURL, "https://")
	case strings.HasPrefix(httpURL, "http://"):
		return "ws://" + strings.TrimPrefix(httpURL, "http://")
	default:
		return "ws://" + httpURL
	}
}

// stores bundles the persistence chosen by config.
type stores struct {
	pool        *pgxpool.Pool
	members     group.MembershipLookup
	authz       group.Authorizer
	invitations invitation.Store
	seeder      groupSeeder
}

func (s stores) close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// newStores picks PostgreSQL when GINVITE_DATABASE_URL is set, otherwise
// in-memory stores.
func newStores(ctx context.Context, cfg Config, log Logger) (stores, error) {
	if cfg.DatabaseURL == "" {
		log.Info("db.disabled.inmemory_store")
		members := group.NewMemoryStore()
		return stores{
			members:     members,
			authz:       members,
			invitations: invitation.NewMemoryStore(members),
			seeder:      memoryGroupSeeder{members},
		}, nil
	}

	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return stores{}, fmt.Errorf("db: %w", err)
	}
	log.Info("db.enabled.postgres_store", "schema", cfg.DBSchema)

	members, err := group.NewPostgresStore(pool, group.WithSchema(cfg.DBSchema))
	if err != nil {
		pool.Close()
		return stores{}, err
	}
	invs, err := invitation.NewPostgresStore(pool, members, invitation.WithSchema(cfg.DBSchema))
	if err != nil {
		pool.Close()
		return stores{}, err
	}
	return stores{
		pool:        pool,
		members:     members,
		authz:       members,
		invitations: invs,
		seeder:      postgresGroupSeeder{members},
	}, nil
}
