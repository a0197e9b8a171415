package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sydneyDK/rearview/internal/config"
	"github.com/sydneyDK/rearview/internal/jobs"
	"github.com/sydneyDK/rearview/internal/logging"
	"github.com/sydneyDK/rearview/internal/metrics"
	redisx "github.com/sydneyDK/rearview/internal/redis"
	"github.com/sydneyDK/rearview/internal/scheduler"
)

func main() {
	cfg, err := config.Load(os.Getenv("REARVIEW_CONFIG"))
	if err != nil {
		fatal("config error", err)
	}
	logger := logging.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)

	ctx := context.Background()

	// ---- DB ----
	db, err := sql.Open("pgx", cfg.Postgres.DSN())
	if err != nil {
		fatal("open db", err)
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		fatal("ping db", err)
	}

	// ---- Redis ----
	rdb, err := redisx.NewClientWithBackoff(ctx, redisx.Config{
		Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB,
	})
	if err != nil {
		fatal("redis connect", err)
	}
	defer rdb.Close()

	// ---- Metrics ----
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		fatal("register metrics", err)
	}

	// ---- Tick loop ----
	loop := &scheduler.Loop{
		Source:   jobs.NewStore(db),
		Claimer:  redisx.NewClaimer(rdb, "", hostname()),
		Queue:    redisx.NewQueue(rdb, cfg.Redis.Stream, cfg.Redis.DLQ, cfg.Redis.Group),
		Interval: cfg.Scheduler.TickInterval,
		Lease:    cfg.Scheduler.ClaimLease,
		Logger:   logger,
		Now:      time.Now,
	}
	go loop.Run(ctx)

	// ---- Health server ----
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"scheduler"}`))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              cfg.Scheduler.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	logger.Info("scheduler listening", "addr", cfg.Scheduler.HTTPAddr, "instance", hostname())
	if err := srv.ListenAndServe(); err != nil {
		fatal("http server", err)
	}
}

func fatal(msg string, err error) {
	logging.NewLogger("error", false).Error(msg, "err", err)
	os.Exit(1)
}

func hostname() string {
	h, _ := os.Hostname()
	if h == "" {
		h = "instance"
	}
	return h
}
