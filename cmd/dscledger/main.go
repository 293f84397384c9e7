package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"DSCLedger/internal/config"
	"DSCLedger/internal/engine"
	"DSCLedger/internal/ingestion"
	"DSCLedger/internal/observability"
	"DSCLedger/internal/oracle"
	"DSCLedger/internal/persistence"
	"DSCLedger/internal/server"
	"DSCLedger/internal/token"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	godotenv.Load()

	log := observability.NewLogger("main")
	log.Info().Msg("DSCLedger starting")

	cfg := config.Default()

	registry, err := config.LoadRegistry(cfg.RegistryPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.RegistryPath).Msg("load collateral registry")
	}
	log.Info().Strs("assets", registry.Symbols()).Str("stable", registry.StableSymbol).Msg("collateral registry loaded")

	// --- Context with graceful shutdown ---
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("postgres open")
	}
	defer db.Close()

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		log.Fatal().Err(err).Msg("postgres ping")
	}
	log.Info().Msg("postgres connected")

	migrator := persistence.NewMigrator(db, cfg.MigrationsDir, observability.NewLogger("persistence"))
	if err := migrator.Up(ctx); err != nil {
		log.Fatal().Err(err).Msg("run migrations")
	}
	log.Info().Msg("migrations applied")

	snapMgr := persistence.NewSnapshotManager(db)
	eventLog := persistence.NewEventLogWriter(db)

	// --- Recovery ---
	// The event log is an audit trail, not a replay source: events record
	// external token transfers that must not run twice. State comes back
	// from the latest snapshot; without one, only the sequence counter is
	// recovered so new events never collide with logged ones.
	snap, err := snapMgr.LoadLatestSnapshot(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("load snapshot failed")
	}

	// Snapshots record the engine's next sequence; the cold-start path
	// derives it from the highest logged event instead.
	var startSequence int64
	if snap != nil {
		startSequence = snap.Sequence
		log.Info().Int64("sequence", snap.Sequence).Msg("snapshot loaded")
	} else {
		latest, err := eventLog.GetLatestSequence(ctx)
		if err != nil {
			log.Fatal().Err(err).Msg("read latest event sequence")
		}
		startSequence = latest + 1
		log.Info().Int64("start_sequence", startSequence).Msg("no snapshot, starting from event log head")
	}

	// --- Channels ---
	// The persist channel blocks (backpressure); the publish channel drops
	// when full.
	persistChan := make(chan engine.Output, cfg.PersistChanSize)
	publishChan := make(chan engine.Output, cfg.PublishChanSize)

	// --- Observability ---
	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker()

	// --- Collateral registry wiring ---
	feeds := make([]oracle.PriceFeed, 0, len(registry.Assets))
	liveFeeds := make(map[string]*oracle.LiveFeed, len(registry.Assets))
	tokens := make([]token.Token, 0, len(registry.Assets))
	faucet := make(map[string]server.Issuer, len(registry.Assets))
	for _, asset := range registry.Assets {
		timeout := asset.StaleTimeout
		if timeout == 0 {
			timeout = cfg.OracleStaleTimeout
		}
		feed := oracle.NewLiveFeed(timeout)
		feeds = append(feeds, feed)
		liveFeeds[asset.Symbol] = feed

		bank := token.NewBank(asset.Symbol)
		tokens = append(tokens, bank)
		faucet[asset.Symbol] = bank
	}
	stable := token.NewStableUnit(registry.StableSymbol)

	// --- Engine + runtime ---
	eng, err := engine.New(engine.Config{
		Symbols:       registry.Symbols(),
		Feeds:         feeds,
		Tokens:        tokens,
		Stable:        stable,
		StartSequence: startSequence,
		PersistChan:   persistChan,
		PublishChan:   publishChan,
		Metrics:       metrics,
		Logger:        observability.NewLogger("engine"),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("engine init")
	}

	if snap != nil {
		if err := eng.RestoreFromSnapshot(&engine.SnapshotState{
			Sequence:   snap.Sequence,
			Collateral: snap.Collateral,
			Debt:       snap.Debt,
		}); err != nil {
			log.Fatal().Err(err).Msg("restore snapshot")
		}
		log.Info().Int64("sequence", snap.Sequence).Msg("ledger state restored")
	}

	runtime := engine.NewRuntime(eng, cfg.DedupLRUCapacity, metrics, observability.NewLogger("runtime"))

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATSURL)
	if err != nil {
		log.Fatal().Err(err).Msg("nats connect")
	}
	defer nc.Close()
	log.Info().Msg("nats connected")

	if err := ingestion.EnsureStreams(ctx, js); err != nil {
		log.Fatal().Err(err).Msg("ensure nats streams")
	}
	if err := ingestion.EnsureOutboundStream(ctx, js); err != nil {
		log.Fatal().Err(err).Msg("ensure outbound stream")
	}

	priceSubscriber := ingestion.NewPriceSubscriber(js, liveFeeds, metrics)
	if err := priceSubscriber.Subscribe(ctx); err != nil {
		log.Fatal().Err(err).Msg("subscribe prices")
	}

	outboundPublisher := ingestion.NewOutboundPublisher(js, publishChan)

	// --- HTTP API ---
	httpServer := server.NewHTTPServer(cfg.HTTPAddr, &server.Deps{
		Runtime:       runtime,
		Events:        eventLog,
		Faucet:        faucet,
		HealthChecker: healthChecker,
		Metrics:       metrics,
	})

	// --- Goroutines ---
	errChan := make(chan error, 8)

	// The runtime outlives ctx so the final snapshot can still be captured
	// through the engine loop after everything else has stopped.
	runtimeCtx, runtimeCancel := context.WithCancel(context.Background())
	defer runtimeCancel()
	go runtime.Run(runtimeCtx)

	persistWorker := persistence.NewWorker(db, persistChan, cfg.PersistBatchSize, cfg.PersistFlushTimeout, metrics)
	go func() {
		errChan <- persistWorker.Run(ctx)
	}()

	go func() {
		errChan <- outboundPublisher.Run(ctx)
	}()

	go func() {
		errChan <- httpServer.Start(ctx)
	}()

	go runPeriodicSnapshots(ctx, runtime, snapMgr, cfg.SnapshotInterval, metrics)

	go runChannelGauges(ctx, metrics, persistChan, publishChan, cfg.PersistChanSize, cfg.PublishChanSize)

	go func() {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		metricsServer := &http.Server{
			Addr:    cfg.MetricsAddr,
			Handler: metricsMux,
		}
		go func() {
			<-ctx.Done()
			shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
			defer c()
			metricsServer.Shutdown(shutCtx)
		}()
		log.Info().Str("addr", cfg.MetricsAddr).Msg("metrics server listening")
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	healthChecker.SetReady(true)
	log.Info().
		Int64("sequence", startSequence).
		Str("http", cfg.HTTPAddr).
		Str("metrics", cfg.MetricsAddr).
		Msg("DSCLedger ready")

	// --- Wait for shutdown ---
	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		log.Error().Err(err).Msg("goroutine failed, shutting down")
	}

	healthChecker.SetReady(false)
	cancel()
	priceSubscriber.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := takeSnapshot(shutdownCtx, runtime, snapMgr, metrics); err != nil {
		log.Error().Err(err).Msg("final snapshot failed")
	} else {
		log.Info().Msg("final snapshot saved")
	}
	runtimeCancel()

	log.Info().Msg("DSCLedger shutdown complete")
}

// runPeriodicSnapshots saves a snapshot once the engine advances interval
// events past the previous one.
func runPeriodicSnapshots(
	ctx context.Context,
	runtime *engine.Runtime,
	snapMgr *persistence.SnapshotManager,
	interval int64,
	metrics *observability.Metrics,
) {
	log := observability.NewLogger("snapshots")
	if interval <= 0 {
		interval = 100_000
	}

	var lastSnapshotSeq int64 = -1
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap, err := runtime.Snapshot(ctx)
			if err != nil {
				continue
			}
			if lastSnapshotSeq < 0 {
				lastSnapshotSeq = snap.Sequence
				continue
			}
			if snap.Sequence-lastSnapshotSeq < interval {
				continue
			}
			if err := saveSnapshot(ctx, snap, snapMgr, metrics); err != nil {
				log.Warn().Err(err).Msg("periodic snapshot failed")
				continue
			}
			lastSnapshotSeq = snap.Sequence
			log.Info().Int64("sequence", snap.Sequence).Msg("periodic snapshot saved")
		}
	}
}

func takeSnapshot(
	ctx context.Context,
	runtime *engine.Runtime,
	snapMgr *persistence.SnapshotManager,
	metrics *observability.Metrics,
) error {
	snap, err := runtime.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("capture state: %w", err)
	}
	return saveSnapshot(ctx, snap, snapMgr, metrics)
}

func saveSnapshot(
	ctx context.Context,
	snap *engine.SnapshotState,
	snapMgr *persistence.SnapshotManager,
	metrics *observability.Metrics,
) error {
	start := time.Now()

	data := &persistence.SnapshotData{
		Sequence:   snap.Sequence,
		Collateral: snap.Collateral,
		Debt:       snap.Debt,
		CreatedAt:  time.Now(),
	}
	size, err := snapMgr.SaveSnapshot(ctx, data)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}

	// Just captured from live state, safe to trust.
	if err := snapMgr.MarkVerified(ctx, data.Sequence); err != nil {
		return fmt.Errorf("mark verified: %w", err)
	}

	if metrics != nil {
		metrics.SnapshotTaken.Inc()
		metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		metrics.SnapshotSizeBytes.Set(float64(size))
		metrics.SnapshotLastSeq.Set(float64(data.Sequence))
	}
	return nil
}

// runChannelGauges samples channel depths for the utilization metrics.
func runChannelGauges(
	ctx context.Context,
	metrics *observability.Metrics,
	persistChan, publishChan chan engine.Output,
	persistCap, publishCap int,
) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.SetChannelMetrics("persist", len(persistChan), persistCap)
			metrics.SetChannelMetrics("publish", len(publishChan), publishCap)
		}
	}
}
