package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/driftsync/driftsync/internal/core/observability/log"
	"github.com/driftsync/driftsync/internal/server"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	config := server.DefaultConfig()
	if *configPath != "" {
		loaded, err := server.LoadConfig(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "Error loading config:", err)
			os.Exit(1)
		}
		config = loaded
	}

	logger := log.New(log.ParseLevel(config.LogLevel))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// A durable store that cannot open at all is the one fatal startup
	// condition.
	backing, err := server.BuildStore(ctx, config.Storage)
	if err != nil {
		logger.Fatal("Failed to open storage backend",
			log.String("backend", config.Storage.Backend),
			log.Error(err))
	}
	defer func() { _ = backing.Close() }()

	tr, err := server.BuildTransport(config, logger)
	if err != nil {
		logger.Fatal("Failed to build transport",
			log.String("transport", config.Transport),
			log.Error(err))
	}

	srv := server.NewServer(config, backing, tr, logger)

	stopCh := make(chan os.Signal, 1)
	signal.Notify(stopCh, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	if err := srv.Start(ctx); err != nil {
		logger.Fatal("Error starting server", log.Error(err))
	}
	logger.Info("Server started",
		log.String("addr", config.ListenAddr),
		log.String("transport", config.Transport))

	<-stopCh
	cancel()
	if err := srv.Stop(context.Background()); err != nil {
		logger.Error("Error stopping server", log.Error(err))
	}
}
