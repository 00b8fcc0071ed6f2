package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"transcription-service/internal/backend"
	"transcription-service/internal/config"
	"transcription-service/internal/logging"
	"transcription-service/internal/media"
	"transcription-service/internal/store"
	"transcription-service/internal/telemetry"
	"transcription-service/internal/worker"
)

func main() {
	cfg := config.Load()
	log := logging.New("worker", cfg.LogLevel, cfg.LogFormat)

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

	fetcher, err := media.NewFetcher(ctx, media.FetcherConfig{
		Timeout:     cfg.MediaFetchTimeout,
		MaxBytes:    cfg.MediaMaxBytes,
		S3Region:    cfg.S3Region,
		S3Endpoint:  cfg.S3Endpoint,
		S3PathStyle: cfg.S3PathStyle,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("init media fetcher")
	}

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	processor := worker.New(cfg, st, registry.Active(), fetcher, media.NewFFProbe(), media.NewFFmpeg(), workerID, log)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Warn().Err(err).Msg("metrics server stopped")
		}
	}()

	log.Info().
		Str("worker_id", workerID).
		Str("engine", registry.Active().Name()).
		Int("pool", cfg.WorkerCount).
		Dur("lease", cfg.LeaseDuration).
		Msg("worker started")
	if err := processor.Run(ctx); err != nil && err != context.Canceled {
		log.Warn().Err(err).Msg("worker stopped")
	}
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
