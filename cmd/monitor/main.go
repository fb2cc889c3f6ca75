// Risk monitor - periodic account risk scanning and alerting
package main

import (
	"context"
	"database/sql"
	"net/url"
	"os"
	"time"

	_ "github.com/lib/pq"

	"github.com/zouzh14/explicandum-core/internal/account"
	"github.com/zouzh14/explicandum-core/internal/alert"
	"github.com/zouzh14/explicandum-core/internal/config"
	"github.com/zouzh14/explicandum-core/internal/detect"
	"github.com/zouzh14/explicandum-core/internal/logging"
	"github.com/zouzh14/explicandum-core/internal/notify"
	"github.com/zouzh14/explicandum-core/internal/sched"
	"github.com/zouzh14/explicandum-core/internal/security"
	"github.com/zouzh14/explicandum-core/internal/server"
	"github.com/zouzh14/explicandum-core/internal/tasks"
	"github.com/zouzh14/explicandum-core/internal/traces"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "text").Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting risk monitor",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
		"env", cfg.Env,
		"scan_interval", cfg.ScanInterval,
	)

	ctx := context.Background()

	shutdownTraces, err := traces.Init(ctx, cfg.OTLPEndpoint, logger)
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownTraces(context.Background()) }()

	// Storage: Postgres when DATABASE_URL is set, in-memory otherwise.
	var (
		db     *sql.DB
		store  alert.Store
		source account.Source
	)
	if cfg.DatabaseURL != "" {
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			logger.Error("failed to open database", "error", err)
			os.Exit(1)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.Ping(); err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		store = alert.NewPostgresStore(db)
		source = account.NewPostgresSource(db)
		logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		store = alert.NewMemoryStore()
		source = account.NewMemorySource()
		logger.Warn("DATABASE_URL not set, using in-memory storage")
	}

	var notifier alert.Notifier
	if cfg.AlertWebhookURL != "" {
		if err := security.ValidateEndpointURL(cfg.AlertWebhookURL); err != nil {
			if cfg.Env == "production" {
				logger.Error("unsafe alert webhook URL", "error", err)
				os.Exit(1)
			}
			logger.Warn("alert webhook URL failed safety checks", "error", err)
		}
		notifier = notify.NewWebhookNotifier(cfg.AlertWebhookURL, cfg.AlertWebhookSecret,
			notify.WithLogger(logger))
		logger.Info("alert webhook notifications enabled")
	} else {
		notifier = notify.NewLogNotifier(logger)
		logger.Info("no alert webhook configured, logging alerts instead")
	}

	manager := alert.NewManager(store, notifier, alert.WithLogger(logger))
	detector := detect.New(source, detect.WithLogger(logger))
	runner := tasks.NewRunner(cfg, detector, manager, logger)

	scheduler := sched.New(sched.WithLogger(logger))
	if err := runner.Register(scheduler); err != nil {
		logger.Error("failed to register tasks", "error", err)
		os.Exit(1)
	}

	srv := server.New(cfg, manager, runner, scheduler,
		server.WithLogger(logger),
		server.WithDB(db),
	)
	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

// maskDSN hides the password in a connection string for logging.
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "(unparseable DSN)"
	}
	if u.User != nil {
		if _, has := u.User.Password(); has {
			u.User = url.UserPassword(u.User.Username(), "xxxxx")
		}
	}
	return u.String()
}
