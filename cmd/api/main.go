package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/awnumar/memguard"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/gestaozabele/bitacora/internal/audit"
	"github.com/gestaozabele/bitacora/internal/auth"
	"github.com/gestaozabele/bitacora/internal/claims"
	"github.com/gestaozabele/bitacora/internal/config"
	"github.com/gestaozabele/bitacora/internal/db"
	"github.com/gestaozabele/bitacora/internal/envelope"
	"github.com/gestaozabele/bitacora/internal/events"
	"github.com/gestaozabele/bitacora/internal/folio"
	internalhttp "github.com/gestaozabele/bitacora/internal/http"
	"github.com/gestaozabele/bitacora/internal/notify"
	"github.com/gestaozabele/bitacora/internal/profile"
	"github.com/gestaozabele/bitacora/internal/repo"
	"github.com/gestaozabele/bitacora/internal/report"
	"github.com/gestaozabele/bitacora/internal/schema"
	"github.com/gestaozabele/bitacora/internal/service"
	"github.com/gestaozabele/bitacora/internal/storage"
)

func main() {
	defer memguard.Purge()

	if err := run(); err != nil {
		log.Error().Err(err).Msg("api encerrada com erro")
		memguard.SafeExit(1)
	}
}

func run() error {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DBDSN)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer pool.Close()

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("redis parse: %w", err)
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()

	backend, err := envelope.NewEnclaveBackend(cfg.ReportsMasterKey, envelope.WithKeyTTL(cfg.KeyCacheTTL))
	if err != nil {
		return fmt.Errorf("envelope: %w", err)
	}
	defer backend.Purge()
	cfg.ReportsMasterKey = ""
	codec := envelope.New(backend)

	bus := events.NewBus(log.With().Str("component", "events").Logger())
	recorder := audit.New(pool, log.With().Str("component", "audit").Logger())

	profileRepo := profile.NewRepository(pool)
	profiles := profile.NewService(profileRepo, bus, recorder)

	synchronizer := claims.NewSynchronizer(
		profileRepo,
		claims.NewRedisStore(redisClient),
		cfg.ClaimsSyncAttempts,
		cfg.ClaimsSyncDelay,
		log.With().Str("component", "claims").Logger(),
	)
	synchronizer.Register(bus)

	reportRepo := report.NewRepository(pool, recorder)
	reports := report.NewService(
		reportRepo,
		reportRepo,
		codec,
		folio.New(cfg.FolioPrefix, cfg.FolioWidth),
		recorder,
		notify.New(cfg.SlackWebhookURL),
		bus,
		report.Options{Concurrency: cfg.DecryptConcurrency, PublishOnSubmit: !cfg.EventsPGListen},
		log.With().Str("component", "report").Logger(),
	)
	reports.Register(bus)

	if err := publishSchema(ctx, cfg); err != nil {
		log.Warn().Err(err).Msg("descritor de esquema não publicado")
	}

	jwtManager := auth.NewJWTManager(cfg.JWTSecret, cfg.JWTAccessTTL)
	stepUp := auth.NewStepUp(redisClient, cfg.StepUpTTL)
	authService := service.NewAuthService(repo.New(pool), profiles, synchronizer, stepUp, jwtManager)

	handler, err := internalhttp.NewRouter(internalhttp.Deps{
		Config:   cfg,
		JWT:      jwtManager,
		Auth:     authService,
		Reports:  reports,
		Profiles: profiles,
		StepUp:   stepUp,
		Redis:    redisClient,
		Checks: map[string]func(context.Context) error{
			"db":    pool.Ping,
			"redis": func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
		},
	})
	if err != nil {
		return fmt.Errorf("router: %w", err)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Msgf("API ouvindo em :%d", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if cfg.EventsPGListen {
		listener := events.NewPGListener(pool, bus, log.With().Str("component", "pglisten").Logger())
		g.Go(func() error { return listener.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("encerrando...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		if derr := bus.Drain(shutdownCtx); derr != nil {
			log.Warn().Err(derr).Msg("eventos pendentes descartados")
		}
		return err
	})

	return g.Wait()
}

// publishSchema grava o descritor no object store quando ele mudou.
func publishSchema(ctx context.Context, cfg *config.Config) error {
	store, err := storage.Open(ctx, cfg.Storage.StoreConfig())
	if err != nil {
		return err
	}
	if c, ok := store.(interface{ Close() error }); ok {
		defer c.Close()
	}

	pub := schema.NewPublisher(store, cfg.SchemaObjectKey, log.With().Str("component", "schema").Logger())
	_, err = pub.Publish(ctx, schema.Describe(cfg.FolioPrefix, cfg.FolioWidth))
	return err
}
