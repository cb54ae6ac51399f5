package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"kiropool/internal/config"
	"kiropool/internal/handler"
	"kiropool/internal/health"
	"kiropool/internal/oauth"
	"kiropool/internal/pool"
	"kiropool/internal/store"
	"kiropool/internal/usage"
	"kiropool/pkg/jwt"
)

func main() {
	// Setup logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	logFile, err := os.OpenFile("kiropool.log", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open log file")
	}
	defer logFile.Close()

	// Multi-writer: write to both console and file
	multi := zerolog.MultiLevelWriter(
		zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"},
		logFile,
	)
	log.Logger = log.Output(multi)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	if cfg.JWT.Secret == "" {
		log.Fatal().Msg("JWT secret is required (set KIROPOOL_JWT_SECRET)")
	}
	if cfg.Admin.Username == "" || cfg.Admin.Password == "" {
		log.Fatal().Msg("admin credentials are required (set KIROPOOL_ADMIN_USERNAME / KIROPOOL_ADMIN_PASSWORD)")
	}

	db, err := store.New(cfg.Storage.DBPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize database")
	}
	defer db.Close()

	jwtManager := jwt.NewManager(cfg.JWT.Secret, cfg.JWT.Issuer)

	// Selection strategy reads through the settings table so admin
	// changes apply without a restart.
	accountPool := pool.New(db, pool.Options{
		Strategy: func() string {
			if v, err := db.GetSetting(handler.SettingPoolStrategy); err == nil && v != "" {
				return v
			}
			return config.Get().Pool.Strategy
		},
	})

	monitor := health.NewMonitor(db, accountPool)
	syncer := usage.NewSyncer(db, accountPool)
	engine := oauth.NewEngine(db)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	monitor.Start(ctx)
	defer monitor.Stop()
	syncer.Start(ctx)
	defer syncer.Stop()
	go engine.Run(ctx)

	gin.SetMode(gin.ReleaseMode)
	router := handler.NewRouter(handler.Deps{
		Store:      db,
		Pool:       accountPool,
		Monitor:    monitor,
		Syncer:     syncer,
		Engine:     engine,
		JWTManager: jwtManager,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		log.Info().Str("addr", addr).Str("strategy", cfg.Pool.Strategy).Msg("starting server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatal().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}
