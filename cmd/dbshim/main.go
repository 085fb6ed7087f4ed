package main

import (
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/tomyedwab/dbshim/config"
	"github.com/tomyedwab/dbshim/connections"
	"github.com/tomyedwab/dbshim/server"
	"github.com/tomyedwab/dbshim/shim"
)

func main() {
	var configPath = flag.String("config", "", "Path to YAML config file")
	var port = flag.Int("port", 0, "Override the configured listen port")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.Server.ListenPort = *port
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel()}))
	slog.SetDefault(logger)

	logger.Info("Starting dbshim", "port", cfg.Server.ListenPort, "dataDir", cfg.DataDir,
		"queueCapacity", cfg.Queue.Capacity)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		logger.Error("Failed to create data directory", "path", cfg.DataDir, "error", err)
		os.Exit(1)
	}

	registry := connections.NewRegistry(cfg.DataDir, logger)
	shimService := shim.NewService(registry, cfg.Queue.Capacity, logger)

	listenAddr := fmt.Sprintf(":%d", cfg.Server.ListenPort)
	srv := server.New(shimService, listenAddr, cfg.Server.AuthSecret, logger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info("Received signal, initiating graceful shutdown...", "signal", sig.String())

		if err := srv.Stop(); err != nil {
			logger.Error("Error stopping session server", "error", err)
		}

		// Discards queued actions, waits for the in-flight one, and
		// releases every held connection.
		shimService.Shutdown(cfg.Queue.ShutdownGrace)
		logger.Info("Shutdown complete")
		os.Exit(0)
	}()

	if err := srv.Start(); err != nil && err != http.ErrServerClosed {
		logger.Error("Session server failed", "error", err)
		os.Exit(1)
	}

	// Start returned ErrServerClosed: the signal handler is finishing the
	// shutdown sequence.
	select {}
}
