package main

import (
	"context"
	"fmt"

	"buildrelay/internal/config"
	"buildrelay/internal/engine/jenkins"
	"buildrelay/internal/events"
	"buildrelay/internal/logger"
	"buildrelay/internal/pipeline"
	"buildrelay/internal/storage"
)

// app holds the wired services shared by the commands
type app struct {
	cfg     *config.Config
	store   storage.Store
	bus     *events.Bus
	client  *jenkins.Client
	tracker *pipeline.Tracker
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	logger.Init(config.GetLogLevel())
	return cfg, nil
}

func newApp() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	store, err := storage.Open(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	bus := events.NewBus(store, cfg.Events.Buffer)
	client := jenkins.NewClient(cfg.Jenkins)
	tracker := pipeline.NewTracker(client, bus,
		pipeline.WithQueuePolicy(pipeline.PolicyFrom(cfg.Queue)),
		pipeline.WithStreamPolicy(pipeline.PolicyFrom(cfg.Stream.PollConfig)),
		pipeline.WithPersistOnTimeout(*cfg.Stream.PersistOnTimeout),
	)

	return &app{
		cfg:     cfg,
		store:   store,
		bus:     bus,
		client:  client,
		tracker: tracker,
	}, nil
}

// close stops tracking, then releases the bus and the database
func (a *app) close(ctx context.Context) {
	if err := a.tracker.Shutdown(ctx); err != nil {
		logger.Warn("Lifecycles still running at shutdown", "error", err)
	}
	a.bus.Close()
	if err := a.store.Close(); err != nil {
		logger.Error("Failed to close database connection", "error", err)
	}
}
