package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	analyticsapp "stationsync/internal/analytics/application"
	"stationsync/internal/analytics/application/eventbus"
	"stationsync/internal/analytics/application/events"
	analyticsrepo "stationsync/internal/analytics/infrastructure/postgres"
	analyticsinterfaces "stationsync/internal/analytics/interfaces"
	"stationsync/internal/audit"
	"stationsync/internal/config"
	"stationsync/internal/eventing"
	eventingrepo "stationsync/internal/eventing/infrastructure/postgres"
	"stationsync/internal/logging"
	"stationsync/internal/observability/metrics"
	"stationsync/internal/scheduler"
	schedulerhttp "stationsync/internal/scheduler/interfaces/http"
	telemetryapp "stationsync/internal/telemetry/application"
	telemetry "stationsync/internal/telemetry/domain"
	telemetrypostgres "stationsync/internal/telemetry/infrastructure/postgres"
	"stationsync/internal/vendor"
	"stationsync/migrations"
)

const shutdownTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", "", "path to the YAML config (default $STATIONSYNC_CONFIG)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.Fatalf("config error: %v", err)
	}
	logger := logging.New(cfg.Log.Level, cfg.Log.Format)

	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		logger.Fatalf("db open error: %v", err)
	}
	defer db.Close()
	// every concurrent bucket rebuild holds its transaction and reads readings on a second connection
	db.SetMaxOpenConns(cfg.Scheduler.PoolSize*2*cfg.Rollup.Concurrency + 4)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := db.PingContext(ctx); err != nil {
		logger.Fatalf("db ping error: %v", err)
	}
	if err := migrations.Apply(ctx, db); err != nil {
		logger.Fatalf("migrations error: %v", err)
	}

	metrics.Init(db, logger)

	readingRepo := telemetrypostgres.NewReadingRepository(db)
	watermarkStore := telemetrypostgres.NewWatermarkStore(db)
	stationRepo := telemetrypostgres.NewStationRepository(db)
	quarantineRepo := telemetrypostgres.NewQuarantineRepository(db)
	bucketRepo := analyticsrepo.NewBucketRepository(db)

	baseBus := eventbus.NewInMemoryBus()
	outboxStore := eventingrepo.NewOutboxStore(db)
	registry := eventing.NewRegistry(events.BucketsRepaired{}, events.StationCycleFailed{})
	dispatcher, err := eventing.NewDispatcher(baseBus, outboxStore, registry, logger.WithField("component", "outbox"), cfg.Events.MaxAttempts)
	if err != nil {
		logger.Fatalf("outbox dispatcher init error: %v", err)
	}
	bus, err := eventing.NewPublisher(outboxStore, dispatcher, baseBus)
	if err != nil {
		logger.Fatalf("outbox publisher init error: %v", err)
	}
	operatorLog, err := analyticsinterfaces.NewOperatorLog(logger.WithField("component", "events"))
	if err != nil {
		logger.Fatalf("operator log init error: %v", err)
	}
	operatorLog.Register(bus)

	writer, err := telemetryapp.NewWriter(readingRepo, logger, telemetryapp.WithQuarantine(quarantineRepo))
	if err != nil {
		logger.Fatalf("writer init error: %v", err)
	}
	maintainer, err := analyticsapp.NewMaintainer(readingRepo, bucketRepo, logger,
		analyticsapp.WithEventBus(bus),
		analyticsapp.WithConcurrency(cfg.Rollup.Concurrency),
	)
	if err != nil {
		logger.Fatalf("maintainer init error: %v", err)
	}

	client, err := vendor.NewClient(vendor.Config{
		BaseURL:            cfg.Vendor.BaseURL,
		Token:              cfg.Vendor.Token,
		Timeout:            cfg.Vendor.Timeout,
		SkipTLSVerify:      cfg.Vendor.SkipTLSVerify,
		RoundTo:            cfg.Vendor.RoundTo,
		ChunkSpan:          cfg.Vendor.ChunkSpan,
		BreakerMaxFailures: cfg.Vendor.Breaker.MaxFailures,
		BreakerOpenTimeout: cfg.Vendor.Breaker.OpenTimeout,
	}, logger)
	if err != nil {
		logger.Fatalf("vendor client init error: %v", err)
	}

	sched, err := scheduler.New(schedulerConfig(cfg), client, writer, maintainer, watermarkStore, logger,
		scheduler.WithEventBus(bus),
		scheduler.WithStationRepository(stationRepo),
	)
	if err != nil {
		logger.Fatalf("scheduler init error: %v", err)
	}
	if err := sched.Sync(ctx, stationSet(ctx, cfg, client, stationRepo, logger)); err != nil {
		logger.Fatalf("station sync error: %v", err)
	}
	resyncer, err := scheduler.NewResyncer(sched, cfg.Scheduler.ResyncSchedule, logger)
	if err != nil {
		logger.Fatalf("resync init error: %v", err)
	}

	auditRepo, err := audit.NewRepository(db)
	if err != nil {
		logger.Fatalf("audit init error: %v", err)
	}
	stationsHandler, err := schedulerhttp.NewHandler(sched, auditRepo, logger)
	if err != nil {
		logger.Fatalf("stations handler init error: %v", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/api/v1/stations", stationsHandler)
	mux.Handle("/api/v1/stations/", stationsHandler)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			http.Error(w, "db unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           loggingMiddleware(mux, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	sched.Start(ctx)
	resyncer.Start()
	go dispatcher.Run(ctx, cfg.Events.RedeliverEvery)
	go reloadOnHangup(ctx, *configPath, sched, client, stationRepo, logger)
	go func() {
		logger.Infof("http listening on %s", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("http server error: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("http shutdown error: %v", err)
	}
	resyncer.Stop()
	sched.Stop()
	logger.Info("stopped")
}

func schedulerConfig(cfg config.Config) scheduler.Config {
	return scheduler.Config{
		PoolSize:       cfg.Scheduler.PoolSize,
		CycleTimeout:   cfg.Scheduler.CycleTimeout,
		Overlap:        cfg.Scheduler.Overlap,
		MaxHistory:     cfg.Scheduler.MaxHistory,
		MaxWindow:      cfg.Scheduler.MaxWindow,
		ResyncLookback: cfg.Scheduler.ResyncLookback,
		Backoff: scheduler.BackoffPolicy{
			Initial:    cfg.Scheduler.Backoff.Initial,
			Max:        cfg.Scheduler.Backoff.Max,
			Multiplier: cfg.Scheduler.Backoff.Multiplier,
			Permanent:  cfg.Scheduler.Backoff.Permanent,
		},
	}
}

// reloadOnHangup re-reads the configuration on SIGHUP and applies station
// changes and the log level. Scheduler and vendor settings need a restart.
func reloadOnHangup(ctx context.Context, path string, sched *scheduler.Scheduler, client *vendor.Client, stations telemetry.StationRepository, logger *logrus.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
		}
		cfg, err := config.Load(path)
		if err != nil {
			logger.Errorf("config reload rejected: %v", err)
			continue
		}
		if err := logging.SetLevel(logger, cfg.Log.Level); err != nil {
			logger.Warnf("config reload: %v", err)
		}
		list := stationSet(ctx, cfg, client, stations, logger)
		if err := sched.Sync(ctx, list); err != nil {
			logger.Errorf("config reload: station sync: %v", err)
			continue
		}
		logger.Infof("config reloaded stations=%d", len(list))
	}
}

// stationSet is the station list to schedule. With discovery on, a failed
// discovery keeps the stored stations so that they are not disabled.
func stationSet(ctx context.Context, cfg config.Config, client *vendor.Client, stored telemetry.StationRepository, logger logrus.FieldLogger) []telemetry.Station {
	if !cfg.Vendor.Discover {
		return cfg.StationList()
	}
	discovered, err := client.Discover(ctx)
	if err == nil {
		return cfg.MergeDiscovered(discovered)
	}
	logger.WithError(err).Warn("vendor discovery failed, keeping stored stations")
	known, listErr := stored.List(ctx)
	if listErr != nil {
		logger.WithError(listErr).Warn("list stored stations")
		return cfg.StationList()
	}
	var keep []telemetry.Station
	for _, st := range known {
		if st.Enabled {
			keep = append(keep, st)
		}
	}
	return cfg.MergeDiscovered(keep)
}

func loggingMiddleware(next http.Handler, logger logrus.FieldLogger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		resp := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(resp, r)
		logger.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   resp.status,
			"duration": time.Since(start),
		}).Debug("http request")
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
