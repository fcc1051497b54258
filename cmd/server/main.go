package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"go.uber.org/zap"

	"dropmesh/internal/api"
	"dropmesh/internal/authsession"
	"dropmesh/internal/config"
	"dropmesh/internal/metrics"
	"dropmesh/internal/ratelimit"
	"dropmesh/internal/repository"
	"dropmesh/internal/signaling"
	"dropmesh/internal/storage"
)

func main() {
	logrus.SetFormatter(&logrus.JSONFormatter{})
	log := logrus.StandardLogger()

	_ = godotenv.Load() // optional .env for local development; absence is not an error

	cfg, err := config.LoadFromEnv()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	repo, err := openRepository(cfg)
	if err != nil {
		log.Fatalf("open repository: %v", err)
	}
	defer repo.Close()

	store, err := storage.NewMinioStore(cfg, log)
	if err != nil {
		log.Fatalf("open object store: %v", err)
	}

	m := metrics.New()

	gw := storage.NewGateway(store, repo, cfg, log)
	authMgr := authsession.NewManager(*cfg)
	limiter := ratelimit.New(*cfg, log, m)
	defer limiter.Close()

	zapLog, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("construct zap logger: %v", err)
	}
	defer zapLog.Sync()
	hub := signaling.NewHub(*cfg, zapLog, signaling.AllowAnyRoom, m)
	defer hub.Close()
	m.RegisterActiveGauge("dropmesh_signaling_active_rooms", "Live signaling rooms.", func() float64 { return float64(hub.RoomCount()) })
	m.RegisterActiveGauge("dropmesh_signaling_active_peers", "Connected signaling peers.", func() float64 { return float64(hub.PeerCount()) })

	router := api.NewRouter(gw, repo, authMgr, limiter, hub, m, log)

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.RequestTimeout,
		WriteTimeout: cfg.Server.RequestTimeout,
	}

	go func() {
		log.Infof("dropmesh control plane listening on %s", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("serve: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.WithError(err).Error("graceful shutdown failed")
	}
}

func openRepository(cfg *config.Config) (repository.Repository, error) {
	if cfg.Database.Driver == "postgres" {
		return repository.NewPostgres(cfg.Database.DSN)
	}
	return repository.NewSQLite(cfg.Database.DSN)
}
