package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"transcription-service/internal/api"
	"transcription-service/internal/auth"
	"transcription-service/internal/backend"
	"transcription-service/internal/config"
	"transcription-service/internal/logging"
	"transcription-service/internal/ratelimit"
	"transcription-service/internal/store"
)

func main() {
	cfg := config.Load()
	log := logging.New("api", cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("open store")
	}
	defer st.Close()

	registry, err := backend.NewRegistry(backend.RegistryConfig{
		Engine:        cfg.BackendEngine,
		WhisperBinary: cfg.WhisperBinary,
		ModelSize:     cfg.WhisperModelSize,
		Device:        cfg.WhisperDevice,
		RemoteURL:     cfg.RemoteEngineURL,
		RemoteAPIKey:  cfg.RemoteEngineKey,
		RemoteModel:   cfg.RemoteEngineModel,
		RemoteTimeout: cfg.RemoteEngineTimeout,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("load backend registry")
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	limiter := ratelimit.NewTenantBucket(redisClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, cfg.RateLimitTTL)

	tenants := auth.NewTenantExtractor(cfg.JWTSecret, cfg.TenantClaim)

	server := api.New(cfg, st, limiter, registry, tenants, log)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Info().Str("port", cfg.HTTPPort).Str("store", cfg.StoreDriver).Msg("api listening")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}

func openStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	if cfg.StoreDriver == "memory" {
		return store.NewMemory(), nil
	}
	pg, err := store.NewPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, err
	}
	if err := pg.RunMigrations(ctx); err != nil {
		pg.Close()
		return nil, err
	}
	return pg, nil
}
