package main

import (
	"context"
	"errors"
	"flag"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"jokeguard/internal/alerts"
	"jokeguard/internal/api"
	"jokeguard/internal/auth"
	"jokeguard/internal/config"
	"jokeguard/internal/events"
	"jokeguard/internal/logging"
	"jokeguard/internal/metrics"
	"jokeguard/internal/pipeline"
	"jokeguard/internal/storage"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to YAML or JSON config (optional)")
	envFile := flag.String("env-file", ".env", "dotenv file loaded before environment overrides")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Error("failed to load env file", "path", *envFile, "err", err)
		os.Exit(1)
	}

	cfgMgr, err := config.NewManager(config.ResolvePath(*configPath))
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	cfg := cfgMgr.Get()
	logger := logging.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := run(cfgMgr, logger); err != nil {
		logger.Error("jokeguard stopped", "err", err)
		os.Exit(1)
	}
}

func run(cfgMgr *config.Manager, logger *slog.Logger) error {
	cfg := cfgMgr.Get()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.NewStore(cfg.Storage)
	if err != nil {
		return err
	}
	defer store.Close()
	initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := store.Init(initCtx); err != nil {
		return err
	}
	if cfg.Storage.Seed {
		n, err := store.SeedJokes(initCtx, storage.DefaultJokes)
		if err != nil {
			return err
		}
		if n > 0 {
			logger.Info("seeded database with jokes", "joke_count", n)
		}
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New(cfg.Metrics.Namespace)
	}

	evLogger, err := buildEventLogger(cfg, m)
	if err != nil {
		return err
	}
	defer func() {
		if err := evLogger.Close(); err != nil {
			logger.Warn("event sinks closed with errors", "err", err)
		}
	}()

	state, err := pipeline.NewAbuseState(cfg, nil)
	if err != nil {
		return err
	}
	logger.Info("rate limits and failure windows are held in process memory; counters are per instance")

	ips, invalid := pipeline.NewClientIPExtractor(cfg.Server.TrustedProxies)
	for _, bad := range invalid {
		logger.Warn("ignoring invalid trusted proxy", "value", bad)
	}

	secret := auth.NewAdminSecret(cfg.Auth.AdminSecret)
	if len(secret.Digest()) == 0 {
		logger.Warn("ADMIN_SECRET not set; api key issuance disabled")
	}
	alertStore := alerts.NewStore(cfg.Alerts.StoreLimit)

	opts := []pipeline.Option{
		pipeline.WithLogger(logger),
		pipeline.WithClientIPExtractor(ips),
		pipeline.WithCredentialHeader(cfg.Auth.Header),
		pipeline.WithAdminSecret(secret),
		pipeline.WithAlerts(alertStore),
	}
	if m != nil {
		opts = append(opts, pipeline.WithRecorder(m))
	}
	if cfg.Alerts.Persist {
		archiver := alerts.NewArchiver(store, 256, logger)
		if m != nil {
			archiver.OnDrop(m.AlertDropped)
		}
		defer archiver.Close()
		opts = append(opts, pipeline.WithArchiver(archiver))
	}
	pipe := pipeline.New(state, auth.NewGate(store, secret), evLogger, opts...)

	go state.Run(ctx, func(buckets, clients int) {
		if buckets > 0 || clients > 0 {
			logger.Debug("swept idle abuse state", "buckets", buckets, "clients", clients)
		}
		if m != nil {
			st := state.Stats()
			m.SetTracked("rate_limit_buckets", st.Buckets)
			m.SetTracked("failure_windows", st.TrackedClients)
		}
	})

	go cfgMgr.Watch(3*time.Second, func(next *config.Config) {
		pipe.UpdateConfig(next)
		logger.Info("config reloaded", "path", cfgMgr.Path())
	}, func(err error) {
		logger.Error("config reload failed", "err", err)
	}, ctx.Done())

	public := api.NewPublic(pipe, store, cfg.Auth.KeyPrefix, logger)
	servers := []*api.Running{api.Serve(ctx, "public", cfg.Server.Addr, public.Router(),
		cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.ShutdownTimeout, logger)}

	var adminErr <-chan error
	if cfg.Admin.Enabled {
		var metricsHandler http.Handler
		if m != nil {
			metricsHandler = m.Handler()
		}
		admin := api.NewAdmin(cfgMgr, alertStore, state, metricsHandler, secret, logger, version)
		running := api.Serve(ctx, "admin", cfg.Admin.Addr, admin.Router(),
			cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.ShutdownTimeout, logger)
		adminErr = running.Err
		servers = append(servers, running)
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case runErr = <-servers[0].Err:
	case runErr = <-adminErr:
	}
	stop()
	for _, s := range servers {
		<-s.Done
	}
	return runErr
}

func buildEventLogger(cfg *config.Config, m *metrics.Metrics) (*events.Logger, error) {
	primary, err := events.OpenSink(cfg.Events.Output)
	if err != nil {
		return nil, err
	}
	sinks := []events.Sink{primary}

	var evLogger *events.Logger
	if cfg.Events.Kafka.Enabled {
		sinks = append(sinks, events.NewKafkaSink(cfg.Events.Kafka, func(err error) {
			if evLogger != nil {
				evLogger.ReportSinkError("kafka", err)
			}
		}))
	}
	var opts []events.Option
	if m != nil {
		opts = append(opts, events.WithObserver(m))
	}
	evLogger = events.New(cfg.Events.LoggerName, cfg.Events.Buffer, sinks, opts...)
	return evLogger, nil
}
