package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/finlink-io/booksync/internal/api/handlers"
	"github.com/finlink-io/booksync/internal/api/identity"
	"github.com/finlink-io/booksync/internal/config"
	"github.com/finlink-io/booksync/internal/connect"
	"github.com/finlink-io/booksync/internal/db"
	"github.com/finlink-io/booksync/internal/logging"
	"github.com/finlink-io/booksync/internal/metrics"
	"github.com/finlink-io/booksync/internal/providers/registry"
	"github.com/finlink-io/booksync/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.L().Fatal("configuration error", zap.Error(err))
	}
	logging.Init(cfg.Env)
	defer logging.Sync()
	log := logging.L()

	if err := registry.Init(cfg.ProvidersFile); err != nil {
		// Built-in defaults still apply; only the file overlay failed.
		log.Warn("provider catalog file not loaded", zap.Error(err))
	}
	for _, id := range registry.IDs() {
		integ, _ := registry.Get(id)
		log.Info("provider registered",
			zap.String("provider", id),
			zap.Bool("provisioned", integ.Provisioned()))
	}

	database, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatal("database unavailable", zap.Error(err))
	}

	if err := metrics.Register(nil); err != nil {
		log.Fatal("metrics registration failed", zap.Error(err))
	}

	st := store.New(database)
	svc := connect.NewService(st, connect.NewExchanger(), cfg.AppBaseURL)
	svc.StartReaper(cfg.ReapInterval, cfg.ReapMaxAge)

	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(logging.RequestLogger())

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/{provider}", func(r chi.Router) {
		// Provider redirect target; unauthenticated by design, the trust
		// boundary is the state correlation.
		r.Get("/auth/response", handlers.AuthResponseHandler(svc))

		r.Group(func(r chi.Router) {
			r.Use(identity.Middleware(identity.HeaderResolver{}))
			r.Post("/", handlers.CreateAccountHandler(st))
			r.Get("/", handlers.GetAccountHandler(st))
			r.Get("/auth/request", handlers.AuthRequestHandler(svc))
			r.Post("/auth/refresh", handlers.RefreshHandler(svc))
		})
	})

	log.Info("booksync listening",
		zap.String("addr", cfg.ListenAddr),
		zap.String("base_url", cfg.AppBaseURL))
	if err := http.ListenAndServe(cfg.ListenAddr, r); err != nil {
		log.Fatal("server failed", zap.Error(err))
	}
}
