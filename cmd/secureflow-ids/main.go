package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/secureflow/secureflow-ids/internal/alerts"
	"github.com/secureflow/secureflow-ids/internal/api"
	"github.com/secureflow/secureflow-ids/internal/blocklist"
	"github.com/secureflow/secureflow-ids/internal/config"
	"github.com/secureflow/secureflow-ids/internal/feed"
	"github.com/secureflow/secureflow-ids/internal/ingest"
	"github.com/secureflow/secureflow-ids/internal/metrics"
	"github.com/secureflow/secureflow-ids/internal/respond"
	"github.com/secureflow/secureflow-ids/internal/rules"
	"github.com/secureflow/secureflow-ids/internal/settings"
	"github.com/secureflow/secureflow-ids/internal/store"
	"github.com/secureflow/secureflow-ids/internal/traffic"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("Failed to load config: " + err.Error() + "\n")
		os.Exit(1)
	}

	// Initialize logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.GetLogLevel(),
	}))
	slog.SetDefault(logger)

	logger.Info("Starting SecureFlow IDS responder")
	logger.Info("Configuration loaded",
		"listen_address", cfg.Server.ListenAddress,
		"nats_enabled", cfg.NATS.Enabled,
		"kafka_enabled", cfg.Kafka.Enabled,
		"postgres", cfg.Postgres.DSN != "",
		"rules_dir", cfg.Rules.Dir,
		"hot_reload", cfg.Rules.HotReload,
		"ingest_workers", cfg.Ingest.Workers)

	// Create context for background routines
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(registry)

	checks := map[string]api.ReadinessCheck{}

	// Persistence. Without a DSN state lives in memory only.
	var blockPersister blocklist.Persister
	var settingsPersister settings.Persister
	if cfg.Postgres.DSN != "" {
		connectCtx, connectCancel := context.WithTimeout(ctx, cfg.Postgres.ConnectTimeout)
		pg, err := store.NewPostgresStore(connectCtx, cfg.Postgres.DSN, cfg.Postgres.MaxOpenConns, logger)
		connectCancel()
		if err != nil {
			logger.Error("Failed to connect to Postgres", "error", err)
			os.Exit(1)
		}
		defer pg.Close()
		blockPersister, settingsPersister = pg, pg
		checks["postgres"] = pg.Ping
		logger.Info("Connected to Postgres")
	} else {
		logger.Warn("No Postgres DSN configured, block list and settings are not persisted")
	}

	// Settings
	settingsStore, err := settings.NewStore(cfg.DefaultSettings(), settingsPersister, logger)
	if err != nil {
		logger.Error("Invalid default settings", "error", err)
		os.Exit(1)
	}
	if _, err := settingsStore.Load(ctx); err != nil {
		logger.Warn("Failed to restore settings, using defaults", "error", err)
	}

	// Block list
	blocks := blocklist.NewStore(blockPersister, logger)
	if restored, err := blocks.Restore(ctx); err != nil {
		logger.Warn("Failed to restore block list", "error", err)
	} else {
		logger.Info("Block list restored", "entries", restored)
	}

	// Signatures
	loader := rules.NewLoader(cfg.Rules.Dir, cfg.Rules.HotReload, cfg.Rules.Debounce, logger)
	if _, err := loader.LoadSnapshot(); err != nil {
		logger.Error("Failed to load signatures", "error", err)
		os.Exit(1)
	}
	m.SetSignaturesLoaded(float64(loader.Snapshot().Len()))
	if err := loader.WatchForChanges(ctx); err != nil {
		logger.Error("Failed to start signature watcher", "error", err)
		os.Exit(1)
	}
	go func(changes <-chan struct{}) {
		for {
			select {
			case <-ctx.Done():
				return
			case <-changes:
				m.SetSignaturesLoaded(float64(loader.Snapshot().Len()))
			}
		}
	}(loader.Subscribe())

	overrides := rules.NewOverrideManager(logger, m)
	classifier := rules.NewClassifier(loader, overrides, cfg.Thresholds(), logger)
	classifier.Window().StartGC(cfg.Detection.WindowGCInterval)
	defer classifier.Window().StopGC()

	// Read-side stores and the feed
	alertStore, err := alerts.NewStore(cfg.Alerts.Max, cfg.Alerts.DedupeCap, cfg.Alerts.DedupeWindow)
	if err != nil {
		logger.Error("Failed to create alert store", "error", err)
		os.Exit(1)
	}
	recorder, err := traffic.NewRecorder(cfg.Traffic.Buckets, cfg.Traffic.PacketLogSize)
	if err != nil {
		logger.Error("Failed to create traffic recorder", "error", err)
		os.Exit(1)
	}
	feedLog := feed.NewLog(cfg.Feed.Capacity, logger, m)

	coordinator, err := respond.NewCoordinator(respond.Deps{
		Classifier: classifier,
		Blocks:     blocks,
		Settings:   settingsStore,
		Alerts:     alertStore,
		Feed:       feedLog,
		Traffic:    recorder,
		Metrics:    m,
		Logger:     logger,
	})
	if err != nil {
		logger.Error("Failed to create response coordinator", "error", err)
		os.Exit(1)
	}

	// Ingestion
	parser, err := ingest.NewParser()
	if err != nil {
		logger.Error("Failed to compile event schema", "error", err)
		os.Exit(1)
	}
	pipeline := ingest.NewPipeline(coordinator, parser, cfg.Ingest.Workers, cfg.Ingest.QueueSize, logger, m)
	pipeline.Start()

	var nc *nats.Conn
	var natsSource *ingest.NATSSource
	sinkDone := make(chan struct{})
	if cfg.NATS.Enabled {
		nc, err = nats.Connect(cfg.NATS.URL,
			nats.Name("secureflow-ids"),
			nats.MaxReconnects(-1),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				logger.Warn("Disconnected from NATS", "error", err)
			}),
			nats.ReconnectHandler(func(c *nats.Conn) {
				logger.Info("Reconnected to NATS", "url", c.ConnectedUrl())
			}))
		if err != nil {
			logger.Error("Failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		defer nc.Close()
		logger.Info("Connected to NATS", "url", cfg.NATS.URL)

		checks["nats"] = func(context.Context) error {
			if !nc.IsConnected() {
				return errors.New("not connected")
			}
			return nil
		}

		natsSource = ingest.NewNATSSource(nc, cfg.NATS.EventsSubject, cfg.NATS.QueueGroup, pipeline, logger)
		if err := natsSource.Start(); err != nil {
			logger.Error("Failed to subscribe to events", "error", err)
			os.Exit(1)
		}

		if cfg.NATS.PublishFeed {
			sink := feed.NewNATSSink(nc, cfg.NATS.FeedPrefix, logger, m)
			go func() {
				defer close(sinkDone)
				if err := sink.Run(ctx, feedLog.Subscribe(feedLog.LastSeq())); err != nil {
					logger.Error("Feed NATS sink stopped", "error", err)
				}
			}()
		} else {
			close(sinkDone)
		}
	} else {
		close(sinkDone)
	}

	var kafkaSource *ingest.KafkaSource
	kafkaCtx, kafkaCancel := context.WithCancel(ctx)
	defer kafkaCancel()
	kafkaDone := make(chan struct{})
	if cfg.Kafka.Enabled {
		consumer, err := ingest.NewKafkaConsumer(cfg.Kafka.Brokers, cfg.Kafka.GroupID, cfg.Kafka.Topic)
		if err != nil {
			logger.Error("Failed to create Kafka consumer", "error", err)
			os.Exit(1)
		}
		kafkaSource = ingest.NewKafkaSource(consumer, cfg.Kafka.Topic, pipeline, logger)
		go func() {
			defer close(kafkaDone)
			if err := kafkaSource.Run(kafkaCtx); err != nil {
				logger.Error("Kafka source stopped", "error", err)
			}
		}()
	} else {
		close(kafkaDone)
	}

	// HTTP API
	server, err := api.NewServer(api.Deps{
		Events:     pipeline,
		Responder:  coordinator,
		Blocks:     blocks,
		Alerts:     alertStore,
		Feed:       feedLog,
		Traffic:    recorder,
		Signatures: loader,
		Detectors:  classifier,
		Overrides:  overrides,
		Metrics:    promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}),
		Checks:     checks,
		Logger:     logger,
	})
	if err != nil {
		logger.Error("Failed to create HTTP API", "error", err)
		os.Exit(1)
	}

	httpServer := &http.Server{
		Addr:              cfg.Server.ListenAddress,
		Handler:           server.Handler(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("Starting HTTP server", "addr", cfg.Server.ListenAddress)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error", "error", err)
			cancel()
		}
	}()

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("SecureFlow IDS responder started successfully")
	select {
	case <-sigChan:
	case <-ctx.Done():
	}

	logger.Info("Shutting down SecureFlow IDS responder...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	// Stop intake first so everything already accepted is still decided
	kafkaCancel()
	<-kafkaDone
	if natsSource != nil {
		if err := natsSource.Drain(shutdownCtx); err != nil {
			logger.Warn("NATS drain error", "error", err)
		}
	}
	if err := pipeline.Shutdown(shutdownCtx); err != nil {
		logger.Error("Ingestion pipeline shutdown error", "error", err)
	}
	// commits the offsets of queued events once they are decided
	if kafkaSource != nil {
		if err := kafkaSource.Close(); err != nil {
			logger.Warn("Kafka consumer close error", "error", err)
		}
	}

	// Closing the feed ends stream readers once they have caught up, which lets
	// the HTTP server and the NATS sink finish
	feedLog.Close()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	cancel()
	<-sinkDone

	logger.Info("SecureFlow IDS responder stopped")
}
