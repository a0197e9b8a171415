package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures the settings shared by the scheduler and worker services.
type Config struct {
	Postgres  PostgresConfig  `yaml:"postgres"`
	Redis     RedisConfig     `yaml:"redis"`
	Graphite  GraphiteConfig  `yaml:"graphite"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Worker    WorkerConfig    `yaml:"worker"`
	Alerts    AlertsConfig    `yaml:"alerts"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"sslmode"`
}

// DSN renders the postgres connection string.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		p.User, p.Password, p.Host, p.Port, p.Database, p.SSLMode)
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Stream   string `yaml:"stream"`
	DLQ      string `yaml:"dlq"`
	Group    string `yaml:"group"`
}

type GraphiteConfig struct {
	BaseURL    string        `yaml:"baseURL"`
	RenderPath string        `yaml:"renderPath"`
	Timeout    time.Duration `yaml:"timeout"`
}

type SchedulerConfig struct {
	HTTPAddr     string        `yaml:"httpAddr"`
	TickInterval time.Duration `yaml:"tickInterval"`
	ClaimLease   time.Duration `yaml:"claimLease"`
	Grace        time.Duration `yaml:"grace"`
}

type WorkerConfig struct {
	HTTPAddr    string        `yaml:"httpAddr"`
	Concurrency int           `yaml:"concurrency"`
	EvalTimeout time.Duration `yaml:"evalTimeout"`
	ReclaimIdle time.Duration `yaml:"reclaimIdle"`
}

type AlertsConfig struct {
	SendGridAPIKey    string        `yaml:"sendgridAPIKey"`
	EmailFromName     string        `yaml:"emailFromName"`
	EmailFromAddr     string        `yaml:"emailFromAddr"`
	PagerDutyEndpoint string        `yaml:"pagerdutyEndpoint"`
	VictorOpsEndpoint string        `yaml:"victoropsEndpoint"`
	Timeout           time.Duration `yaml:"timeout"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Load initialises Config from a YAML file and optional environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("REARVIEW_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func defaultConfig() Config {
	return Config{
		Postgres: PostgresConfig{
			Host: "localhost", Port: "5432",
			User: "rearview", Password: "rearview", Database: "rearview",
			SSLMode: "disable",
		},
		Redis: RedisConfig{
			Addr:   "localhost:6379",
			Stream: "rearview:units",
			DLQ:    "rearview:units:dlq",
			Group:  "cg:workers",
		},
		Graphite: GraphiteConfig{
			RenderPath: "/render",
			Timeout:    10 * time.Second,
		},
		Scheduler: SchedulerConfig{
			HTTPAddr:     ":8081",
			TickInterval: time.Minute,
			ClaimLease:   90 * time.Second,
			Grace:        5 * time.Minute,
		},
		Worker: WorkerConfig{
			HTTPAddr:    ":8082",
			Concurrency: 8,
			EvalTimeout: 5 * time.Second,
			ReclaimIdle: 2 * time.Minute,
		},
		Alerts: AlertsConfig{
			EmailFromName: "rearview",
			Timeout:       10 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", JSON: false},
	}
}

func applyEnvOverrides(cfg *Config) {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			}
		}
	}

	str("POSTGRES_HOST", &cfg.Postgres.Host)
	str("POSTGRES_PORT", &cfg.Postgres.Port)
	str("POSTGRES_USER", &cfg.Postgres.User)
	str("POSTGRES_PASSWORD", &cfg.Postgres.Password)
	str("POSTGRES_DB", &cfg.Postgres.Database)
	str("POSTGRES_SSLMODE", &cfg.Postgres.SSLMode)

	str("REDIS_ADDR", &cfg.Redis.Addr)
	str("REDIS_PASSWORD", &cfg.Redis.Password)
	if v := os.Getenv("REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Redis.DB = db
		}
	}
	str("REDIS_STREAM", &cfg.Redis.Stream)
	str("REDIS_CONSUMER_GROUP", &cfg.Redis.Group)

	str("GRAPHITE_BASE_URL", &cfg.Graphite.BaseURL)
	str("GRAPHITE_RENDER_PATH", &cfg.Graphite.RenderPath)
	dur("GRAPHITE_TIMEOUT", &cfg.Graphite.Timeout)

	str("REARVIEW_SCHEDULER_HTTP_ADDR", &cfg.Scheduler.HTTPAddr)
	dur("REARVIEW_TICK_INTERVAL", &cfg.Scheduler.TickInterval)
	dur("REARVIEW_CLAIM_LEASE", &cfg.Scheduler.ClaimLease)
	dur("REARVIEW_GRACE", &cfg.Scheduler.Grace)

	str("REARVIEW_WORKER_HTTP_ADDR", &cfg.Worker.HTTPAddr)
	if v := os.Getenv("REARVIEW_WORKER_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Worker.Concurrency = n
		}
	}
	dur("REARVIEW_EVAL_TIMEOUT", &cfg.Worker.EvalTimeout)
	dur("REARVIEW_RECLAIM_IDLE", &cfg.Worker.ReclaimIdle)

	str("SENDGRID_API_KEY", &cfg.Alerts.SendGridAPIKey)
	str("REARVIEW_EMAIL_FROM_NAME", &cfg.Alerts.EmailFromName)
	str("REARVIEW_EMAIL_FROM_ADDR", &cfg.Alerts.EmailFromAddr)
	str("PAGERDUTY_ENDPOINT", &cfg.Alerts.PagerDutyEndpoint)
	str("VICTOROPS_ENDPOINT", &cfg.Alerts.VictorOpsEndpoint)

	str("REARVIEW_LOG_LEVEL", &cfg.Logging.Level)
	if v := os.Getenv("REARVIEW_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
}
