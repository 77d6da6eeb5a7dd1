package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"session-recorder/internal/platform/config"
	"session-recorder/internal/platform/logger"
	"session-recorder/internal/platform/metrics"
	"session-recorder/internal/recording"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
)

const shutdownTimeout = 10 * time.Second

func main() {
	_ = config.Load()

	port := config.GetEnv("PORT", "3001")
	allowedOrigin := config.GetEnv("ALLOWED_ORIGIN", "http://localhost:3000")
	dataDir := config.GetEnv("DATA_DIR", "uploads")
	snapshotPath := config.GetEnv("SNAPSHOT_PATH", "recordings.json")
	snapshotInterval := config.GetEnvDuration("SNAPSHOT_INTERVAL", recording.DefaultSnapshotInterval)
	chunkDelay := config.GetEnvDuration("PLAYBACK_CHUNK_DELAY", recording.DefaultChunkDelay)
	contentType := config.GetEnv("PLAYBACK_CONTENT_TYPE", recording.DefaultContentType)
	chunkExt := config.GetEnv("CHUNK_EXTENSION", ".webm")
	maxChunkBytes := config.GetEnvInt("MAX_CHUNK_BYTES", recording.DefaultMaxChunkBytes)
	backend := config.GetEnv("STORAGE_BACKEND", "file")
	logLevel := config.GetEnv("LOG_LEVEL", "info")
	logFormat := config.GetEnv("LOG_FORMAT", "json")

	log := logger.New(logLevel, logFormat)

	var (
		store     recording.ChunkStore
		snapshots *recording.SnapshotFile
	)
	switch strings.ToLower(backend) {
	case "memory":
		store = recording.NewMemoryChunkStore()
	default:
		fileStore, err := recording.NewFileChunkStore(dataDir, chunkExt)
		if err != nil {
			log.Error("chunk store init failed", "error", err)
			os.Exit(1)
		}
		store = fileStore
		snapshots = recording.NewSnapshotFile(snapshotPath)
	}

	met := metrics.New()
	svc := recording.NewService(recording.NewRegistry(), store, snapshots, log, met)
	if err := svc.Open(); err != nil {
		log.Error("service open failed", "error", err)
		os.Exit(1)
	}
	svc.Start(snapshotInterval)

	hub := recording.NewHub(svc, recording.HubConfig{
		AllowedOrigin: allowedOrigin,
		MaxChunkBytes: maxChunkBytes,
	}, log, met)
	h := recording.NewHandler(svc, recording.NewReconstructor(store, chunkDelay), contentType, log, met)

	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{allowedOrigin},
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
	}))
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		met.Handler(func() {
			met.SetSessions(svc.SessionCount())
			met.SetConnectedClients(hub.ClientCount())
		}).ServeHTTP(w, r)
	})
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})
	r.Handle("/ws", hub)
	h.Routes(r)

	addr := ":" + port
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	log.Info("server starting",
		"port", port,
		"storage_backend", backend,
		"data_dir", dataDir,
		"snapshot_path", snapshotPath,
		"snapshot_interval", snapshotInterval.String(),
		"playback_chunk_delay", chunkDelay.String(),
		"log_level", logLevel,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutdown signal received, draining connections")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := hub.Shutdown(ctx); err != nil {
		log.Warn("ingestion connections did not drain", slog.String("error", err.Error()))
	}
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("shutdown error", "error", err)
	}
	if err := svc.Close(); err != nil {
		log.Error("final registry snapshot failed", "error", err)
		os.Exit(1)
	}

	log.Info("server stopped")
}
