// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"lockershare/internal/accesscode"
	"lockershare/internal/articles"
	"lockershare/internal/cache"
	"lockershare/internal/config"
	"lockershare/internal/httpapi"
	"lockershare/internal/identity"
	"lockershare/internal/lockers"
	"lockershare/internal/logging"
	"lockershare/internal/notify"
	"lockershare/internal/postgres"
	"lockershare/internal/requests"
	"lockershare/internal/telemetry"
	"lockershare/internal/twofactor"
	"lockershare/pkg/eventstore"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := logging.New("", "info")
		bootLogger.Fatal().Err(err).Msg("invalid configuration")
	}
	logger := logging.New(cfg.Env, cfg.LogLevel)

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("server stopped")
	}
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return err
	}

	db, err := postgres.Open(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := postgres.Migrate(ctx, db); err != nil {
		return err
	}
	pool, err := postgres.NewPool(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer pool.Close()

	dispatcher := notify.NewDispatcher(cfg.Dispatcher, logging.Component(logger, "dispatcher"))
	dispatcher.Start()

	hub := notify.NewHub(logging.Component(logger, "hub"))
	inbox := notify.NewInbox(pool)
	directory := identity.NewPostgresDirectory(db)
	verifier := identity.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer)

	ttlCache := cache.NewMemory(time.Minute)
	defer ttlCache.Close()

	articleStore := articles.NewPostgresStore(db)
	requestStore := requests.NewPostgresStore(db)
	registry := requests.NewRegistry(
		requestStore,
		articleStore,
		accesscode.NewGenerator(nil),
		requests.RegistryOptions{
			MaxIssueAttempts: cfg.Codes.MaxIssueAttempts,
			EnforceBinding:   cfg.Lockers.EnforceBinding,
		},
		logging.Component(logger, "registry"),
	)
	requestService := requests.NewService(requests.Dependencies{
		Registry:   registry,
		Store:      requestStore,
		Articles:   articleStore,
		Events:     eventstore.NewStore(db),
		Dispatcher: dispatcher,
		Notifier:   inbox,
		Lockers:    hub,
		Directory:  directory,
		Logger:     logging.Component(logger, "requests"),
	})

	lockerService := lockers.NewService(lockers.Dependencies{
		Store:      lockers.NewPostgresStore(pool),
		Codes:      registry,
		Directory:  directory,
		Dispatcher: dispatcher,
		Notifier:   inbox,
		Limiters:   ttlCache,
		Config:     cfg.Lockers,
		Logger:     logging.Component(logger, "lockers"),
	})
	sweeper, err := lockers.NewSweeper(lockerService, cfg.Lockers.SweepSchedule, logging.Component(logger, "sweeper"))
	if err != nil {
		return err
	}
	sweeper.Start()

	twoFactor := twofactor.NewService(ttlCache, inbox, cfg.TwoFactor, logging.Component(logger, "twofactor"))

	router := httpapi.New(httpapi.Options{
		Verifier: verifier,
		Database: db,
		Logger:   logging.Component(logger, "http"),
		Hardware: lockers.NewHandler(lockerService, hub, verifier, logging.Component(logger, "hardware")),
		API: []httpapi.Mounter{
			requests.NewHandler(requestService),
			twofactor.NewHandler(twoFactor),
		},
	})

	srv := &http.Server{
		Addr:         ":" + cfg.HTTP.Port,
		Handler:      router,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("starting lockershare server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown")
	}
	sweeper.Stop(shutdownCtx)
	if err := dispatcher.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("dispatcher drain")
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("telemetry shutdown")
	}
	return nil
}
