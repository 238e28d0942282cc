package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"buildrelay/internal/api"
	"buildrelay/internal/config"
	"buildrelay/internal/engine/jenkins"
	"buildrelay/internal/events"
	"buildrelay/internal/logger"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

func serve() error {
	a, err := newApp()
	if err != nil {
		return err
	}
	logger.Info("Starting BuildRelay service", "log_level", config.GetLogLevel(), "jenkins", a.cfg.Jenkins.URL)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var forwarder *events.KafkaForwarder
	if a.cfg.Events.Kafka.Enabled() {
		forwarder, err = events.NewKafkaForwarder(a.cfg.Events.Kafka.Brokers, a.cfg.Events.Kafka.Topic)
		if err != nil {
			a.close(context.Background())
			return err
		}
		go forwarder.Run(ctx, a.bus)
	}

	router := api.NewRouter(*a.cfg, api.Dependencies{
		Engine:  jenkins.NewTrigger(a.client, a.tracker, a.bus),
		Store:   a.store,
		Tracker: a.tracker,
		Events:  a.bus,
	})

	// Read PORT from environment variable if set
	port := a.cfg.Server.Port
	if envPort := os.Getenv("PORT"); envPort != "" {
		if p, err := strconv.Atoi(envPort); err == nil && p > 0 {
			port = p
		}
	}

	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", a.cfg.Server.Host, port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			logger.Error("Failed to start server", "error", err)
			a.close(context.Background())
			return err
		}
	case <-ctx.Done():
	}

	logger.Info("Initiating graceful shutdown", "timeout", shutdownTimeout.String())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", "error", err, "timeout", shutdownTimeout.String())
	} else {
		logger.Info("Server shutdown gracefully")
	}

	a.close(shutdownCtx)
	if forwarder != nil {
		forwarder.Close()
	}

	logger.Info("Server stopped")
	return nil
}
