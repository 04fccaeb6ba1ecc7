package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	httpserver "chronodb/internal/http"
	"chronodb/pkg/metrics"
	"chronodb/pkg/store"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := initConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := initLogger(&cfg)

	prom := metrics.NewPrometheus("chronodb")
	db, err := store.Open(cfg.DB, store.WithLogger(logger), store.WithMetrics(prom))
	if err != nil {
		slog.Error("failed to open store", "path", cfg.DB.RootPath, "error", err)
		os.Exit(1)
	}

	server := httpserver.NewServer(db, cfg.Server, prom.Handler())
	if err := server.Start(); err != nil {
		slog.Error("failed to start server", "error", err)
		_ = db.Close()
		os.Exit(1)
	}

	slog.Info("chronodb started", "path", cfg.DB.RootPath, "branches", db.Branches())

	<-ctx.Done()

	if err := server.Stop(); err != nil {
		slog.Error("error stopping server", "error", err)
	}
	if err := db.Close(); err != nil {
		slog.Error("error closing store", "error", err)
	}

	slog.Info("chronodb stopped")
}
