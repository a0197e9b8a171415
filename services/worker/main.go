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

	"github.com/sydneyDK/rearview/internal/alerts"
	"github.com/sydneyDK/rearview/internal/config"
	"github.com/sydneyDK/rearview/internal/graphite"
	"github.com/sydneyDK/rearview/internal/jobs"
	"github.com/sydneyDK/rearview/internal/logging"
	"github.com/sydneyDK/rearview/internal/metrics"
	redisx "github.com/sydneyDK/rearview/internal/redis"
	"github.com/sydneyDK/rearview/internal/worker"
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

	// ---- Pipeline ----
	store := jobs.NewStore(db)
	dispatcher := alerts.NewDispatcher(logger,
		func(kind jobs.DestinationKind, err error) { metrics.ObserveAlertDelivery(string(kind), err) },
		alerts.NewEmailChannel(cfg.Alerts.SendGridAPIKey, cfg.Alerts.EmailFromName, cfg.Alerts.EmailFromAddr),
		alerts.NewPagerDutyChannel(cfg.Alerts.PagerDutyEndpoint, cfg.Alerts.Timeout),
		alerts.NewVictorOpsChannel(cfg.Alerts.VictorOpsEndpoint, cfg.Alerts.Timeout),
	)
	pipeline := &worker.Pipeline{
		Store:       store,
		Fetcher:     graphite.NewClient(cfg.Graphite.BaseURL, cfg.Graphite.RenderPath, cfg.Graphite.Timeout),
		Alerter:     dispatcher,
		EvalTimeout: cfg.Worker.EvalTimeout,
		Logger:      logger,
	}

	runner := &worker.Runner{
		Queue:        redisx.NewQueue(rdb, cfg.Redis.Stream, cfg.Redis.DLQ, cfg.Redis.Group),
		Pipeline:     pipeline,
		ConsumerName: hostname(),
		Concurrency:  cfg.Worker.Concurrency,
		ReclaimIdle:  cfg.Worker.ReclaimIdle,
		Grace:        cfg.Scheduler.Grace,
		Logger:       logger,
	}
	runner.Start(ctx)

	// ---- Health server ----
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"worker"}`))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              cfg.Worker.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	logger.Info("worker listening",
		"addr", cfg.Worker.HTTPAddr, "group", cfg.Redis.Group, "consumer", hostname())
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
		h = "worker"
	}
	return h
}
