// README: Entry point; loads config, wires the trip engine, serves HTTP and runs background loops until signalled.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"carpool/internal/config"
	httptransport "carpool/internal/http"
	"carpool/internal/infra"
	"carpool/internal/logging"
	"carpool/internal/maps"
	"carpool/internal/modules/alert"
	"carpool/internal/modules/fee"
	"carpool/internal/modules/location"
	"carpool/internal/modules/safety"
	"carpool/internal/modules/trip"
	"carpool/internal/notify"
)

const janitorInterval = time.Minute

func main() {
	if err := run(); err != nil {
		slog.Error("carpool-api exited", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := logging.NewStructuredLogger(os.Stdout, logging.ParseLevel(cfg.Log.Level))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.DB.Migrate {
		if err := infra.Migrate(cfg.DB.MigrationsPath, cfg.DB.DSN); err != nil {
			return err
		}
		logging.LogOperation(logger, "migrations_applied", slog.String("source", cfg.DB.MigrationsPath))
	}
	dbPool, err := infra.NewDB(ctx, cfg.DB.DSN)
	if err != nil {
		return err
	}
	defer dbPool.Close()

	redisClient, err := infra.NewRedis(ctx, cfg.Redis.Addr)
	if err != nil {
		return err
	}
	defer redisClient.Close()

	app, err := infra.NewFirebaseApp(ctx, cfg.Firebase.ProjectID, cfg.Firebase.CredentialsFile, cfg.Firebase.DatabaseURL)
	if err != nil {
		return err
	}
	verifier, err := infra.NewFirebaseVerifier(ctx, app)
	if err != nil {
		return err
	}
	msgClient, err := app.Messaging(ctx)
	if err != nil {
		return err
	}
	rtdbClient, err := app.Database(ctx)
	if err != nil {
		return err
	}
	notifier := notify.NewNotifier(msgClient, notify.NewRTDB(rtdbClient), nil, logger)

	// Rates in the database override the configured defaults row by row.
	rates := fee.DefaultRates(cfg.Fee.NoShowRate)
	if stored, err := fee.NewRateStore(dbPool).Load(ctx); err != nil {
		logging.LogError(logger, "loading fee rates; using defaults", err)
	} else {
		rates = fee.Merge(rates, stored)
	}

	var (
		router trip.Router
		limits safety.SpeedLimits
	)
	if cfg.Maps.APIKey != "" {
		routeSvc, err := maps.NewRouteService(cfg.Maps.APIKey)
		if err != nil {
			return err
		}
		limitSvc, err := maps.NewSpeedLimitService(cfg.Maps.APIKey, logger)
		if err != nil {
			return err
		}
		router, limits = routeSvc, limitSvc
	} else {
		logger.Warn("CARPOOL_MAPS_API_KEY unset; planned routes fall back to straight lines")
	}

	alertLog := alert.NewRedisRecorder(redisClient)
	alerts := alert.NewManager(alert.Config{
		ResponseWindow: cfg.Alert.ResponseWindow,
		RetryMax:       cfg.Alert.EscalationRetryMax,
	}, alert.Deps{
		Prompter:  notifier,
		Escalator: notifier,
		Recorder:  alertLog,
		Archive:   alertLog,
		Logger:    logger,
	})

	monitor := safety.NewMonitor(safety.Config{
		SpeedToleranceMph:     cfg.Safety.SpeedToleranceMph,
		SpeedDwell:            cfg.Safety.SpeedDwell,
		DefaultSpeedLimitMph:  cfg.Safety.DefaultSpeedLimitMph,
		CorridorMeters:        cfg.Safety.CorridorMeters,
		DeviationDwell:        cfg.Safety.DeviationDwell,
		SampleWindow:          cfg.Safety.SampleWindow,
		EscalateSpeeding:      cfg.Safety.EscalateSpeeding,
		EarlyCompletionMeters: cfg.Safety.EarlyCompletionMeters,
	}, safety.Deps{
		Raiser: alerts,
		Limits: limits,
		Warner: notifier,
		Logger: logger,
	})

	locationCfg := location.DefaultConfig()
	locationCfg.SampleRate = cfg.Location.SampleRate
	locationCfg.SnapshotEvery = cfg.Location.SnapshotEvery
	locations := location.NewService(
		location.NewStore(dbPool, redisClient, cfg.Safety.SampleWindow),
		monitor, locationCfg, logger)

	ctrl := trip.NewController(trip.Config{
		NoShowWait: cfg.Trip.NoShowWait,
		WorkerIdle: cfg.Trip.WorkerIdle,
		Currency:   cfg.Trip.Currency,
	}, trip.Deps{
		Store:   trip.NewPGStore(dbPool),
		Monitor: monitor,
		Alerts:  alerts,
		Fees:    fee.NewCalculator(rates),
		Router:  router,
		Observer: trip.Observers{
			notifier,
			trip.ObserverFunc(func(ctx context.Context, t trip.Trip) {
				if t.Status.IsTerminal() {
					locations.Forget(ctx, t.ID)
					alerts.Forget(t.ID)
				}
			}),
		},
		Logger: logger,
	})
	notifier.SetTrips(ctrl)
	alerts.SetGuard(ctrl)
	alerts.Subscribe(ctrl)

	resumed, err := ctrl.Resume(ctx)
	if err != nil {
		return err
	}
	logging.LogOperation(logger, "monitoring_resumed", slog.Int("trips", resumed))

	server := httptransport.NewServer(cfg.HTTP.Addr, httptransport.NewRouter(httptransport.RouterDeps{
		Verifier:  verifier,
		Trips:     ctrl,
		Locations: locations,
		Alerts:    alerts,
		Logger:    logger,
	}))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logging.LogOperation(logger, "http_listening", slog.String("addr", cfg.HTTP.Addr))
		return server.Run(gctx)
	})
	g.Go(func() error {
		locations.RunJanitor(gctx, janitorInterval)
		return nil
	})
	err = g.Wait()

	// Stop producers before consumers: no new samples, then no new alerts,
	// then drain the trip workers.
	monitor.StopAll()
	alerts.Close()
	ctrl.Close()
	logging.LogOperation(logger, "shutdown_complete")
	return err
}
