package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"dropmesh/internal/config"
	"dropmesh/internal/expiry"
	"dropmesh/internal/metrics"
	"dropmesh/internal/repository"
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

	var repo repository.Repository
	if cfg.Database.Driver == "postgres" {
		repo, err = repository.NewPostgres(cfg.Database.DSN)
	} else {
		repo, err = repository.NewSQLite(cfg.Database.DSN)
	}
	if err != nil {
		log.Fatalf("open repository: %v", err)
	}
	defer repo.Close()

	store, err := storage.NewMinioStore(cfg, log)
	if err != nil {
		log.Fatalf("open object store: %v", err)
	}

	sweeper := expiry.New(repo, store, *cfg, log, metrics.New())

	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()

	log.Infof("dropmesh sweeper starting, interval=%s retention=%s", cfg.Expiry.SweepInterval, cfg.Expiry.RetentionWindow)
	sweeper.Run(ctx)
	log.Info("sweeper stopped")
}
