package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	httpapi "github.com/diary-hub/diary-hub/internal/api/http"
	"github.com/diary-hub/diary-hub/internal/api/ws"
	"github.com/diary-hub/diary-hub/internal/application/auth"
	"github.com/diary-hub/diary-hub/internal/application/chat"
	"github.com/diary-hub/diary-hub/internal/application/dispatch"
	"github.com/diary-hub/diary-hub/internal/application/session"
	"github.com/diary-hub/diary-hub/internal/config"
	"github.com/diary-hub/diary-hub/internal/domain/record"
	"github.com/diary-hub/diary-hub/internal/domain/user"
	"github.com/diary-hub/diary-hub/internal/infrastructure/keystore"
	"github.com/diary-hub/diary-hub/internal/infrastructure/memstore"
	"github.com/diary-hub/diary-hub/internal/infrastructure/postgres"
	"github.com/diary-hub/diary-hub/internal/infrastructure/scheduler"
)

func main() {
	_ = godotenv.Load()
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// store
	var store record.Store
	if cfg.DatabaseURL != "" {
		keyStore, err := keystore.NewFromEnv()
		if err != nil {
			log.Fatalf("keystore error: %v", err)
		}
		pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("db error: %v", err)
		}
		defer pool.Close()
		repo := postgres.NewRecordRepository(pool, keystore.NewSealer(keyStore))
		if err := repo.EnsureSchema(ctx); err != nil {
			log.Fatalf("schema error: %v", err)
		}
		store = repo
	} else {
		logger.Warn().Msg("DATABASE_URL not set, using in-memory store")
		store = memstore.New()
	}

	// profiles
	profiles, err := user.LoadDir(cfg.ProfileDir)
	if err != nil {
		log.Fatalf("profile error: %v", err)
	}
	users := user.NewRegistry(profiles...)

	// services
	authSvc, err := auth.NewService(cfg.APITokens, logger)
	if err != nil {
		log.Fatalf("auth error: %v", err)
	}
	sessions := session.NewRegistry(logger)
	dispatcher := dispatch.New(sessions, logger)
	sched := scheduler.New(logger)
	defer sched.StopAll()

	chatOpts := []chat.Option{}
	if cfg.DebugReminders {
		chatOpts = append(chatOpts, chat.WithDebugReminders(cfg.DebugReminderDelay))
	}
	manager := chat.NewManager(users, store, sched, dispatcher, cfg.PollIdleTimeout, logger, chatOpts...)
	for _, p := range profiles {
		if err := manager.ReloadReminders(p.ID); err != nil {
			log.Fatalf("reminder error: %v", err)
		}
	}

	gateway := ws.NewGateway(sessions, manager, store, authSvc, dispatcher, logger)
	apiServer := httpapi.NewServer(gateway, store, authSvc)

	httpServer := &http.Server{
		Addr:        cfg.ServerAddr,
		Handler:     apiServer.Router(),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	// background loops
	go dispatcher.Run(ctx)

	go func() {
		ticker := time.NewTicker(cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, c := range sessions.SweepStale(cfg.SessionMaxIdle) {
					dispatcher.SessionGone(c)
				}
				_ = manager.ExpireIdlePolls(context.Background())
			}
		}
	}()

	// start server
	go func() {
		logger.Info().Str("addr", cfg.ServerAddr).Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	// graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(ctxShutdown)
}
