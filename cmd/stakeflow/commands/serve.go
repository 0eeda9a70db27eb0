package commands

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"StakeFlow/internal/event"
	"StakeFlow/internal/ingestion"
	"StakeFlow/internal/observability"
	"StakeFlow/internal/persistence"
	"StakeFlow/internal/query"
	"StakeFlow/internal/server"
	"StakeFlow/internal/session"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// serve: run the HTTP/gRPC API, the NATS intent consumer, the journal
// and the outbound event publishers until interrupted.
func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the staking service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context())
		},
	}
}

func serve(ctx context.Context) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(reg)
	health := observability.NewHealthChecker()
	health.SetNotReady("starting")

	// --- Orchestration core ---
	events := make(chan event.OperationEvent, cfg.Staking.EventBuffer)
	st, err := buildStack(ctx, false, events, metrics)
	if err != nil {
		return err
	}
	defer st.Close()
	logger.Info().
		Str("rpc", cfg.Network.RPCURL).
		Int64("chain_id", cfg.Network.ChainID).
		Str("account", st.account.Hex()).
		Msg("ledger connected")

	sessions := session.NewManager(st.orch, st.sync, observability.NewLogger("session"), allowedAccounts(st.account)...)
	defer sessions.Close()

	g, gctx := errgroup.WithContext(ctx)
	// Sinks drain after shutdown starts, so they run detached from gctx
	// and stop when their input closes.
	drainCtx := context.WithoutCancel(ctx)
	var outputs []chan<- event.OperationEvent

	// --- Postgres journal ---
	var history *query.HistoryService
	if cfg.Postgres.DSN != "" {
		db, err := openJournal(ctx)
		if err != nil {
			return err
		}
		defer db.Close()
		history = query.NewHistoryService(db)

		journalChan := make(chan event.OperationEvent, cfg.Staking.EventBuffer)
		outputs = append(outputs, journalChan)
		worker := persistence.NewJournalWorker(db, journalChan, cfg.Journal.BatchSize, cfg.Journal.FlushTimeout,
			observability.NewLogger("journal"), metrics)
		g.Go(func() error { return worker.Run(drainCtx) })
	}

	// --- NATS intents + outbound events ---
	var sinks []ingestion.Sink
	if cfg.NATS.URL != "" {
		nc, js, err := ingestion.ConnectNATS(cfg.NATS.URL, observability.NewLogger("nats"))
		if err != nil {
			return err
		}
		defer nc.Close()
		if err := ingestion.EnsureStreams(ctx, js); err != nil {
			return fmt.Errorf("ensure intent stream: %w", err)
		}
		if err := ingestion.EnsureOutboundStream(ctx, js); err != nil {
			return fmt.Errorf("ensure event stream: %w", err)
		}
		sinks = append(sinks, ingestion.NewNATSSink(js))

		var lookup ingestion.RequestLookup
		if history != nil {
			lookup = history
		}
		sub, err := startIntents(gctx, g, js, sessions, lookup, metrics)
		if err != nil {
			return err
		}
		defer sub.Stop()
	}
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaSink := ingestion.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		defer kafkaSink.Close()
		sinks = append(sinks, kafkaSink)
	}
	if len(sinks) > 0 {
		publishChan := make(chan event.OperationEvent, cfg.Staking.EventBuffer)
		outputs = append(outputs, publishChan)
		publisher := ingestion.NewOutboundPublisher(publishChan, observability.NewLogger("publisher"), metrics, sinks...)
		g.Go(func() error { return publisher.Run(drainCtx) })
	}

	go bridgeEvents(gctx, events, outputs)

	// --- API ---
	api := &server.API{
		Sessions:  sessions,
		Sync:      st.sync,
		History:   history,
		Precision: cfg.Precision(),
		Logger:    observability.NewLogger("api"),
		Metrics:   metrics,
	}
	mux, err := api.NewMux(health)
	if err != nil {
		return err
	}
	srv := server.NewServer(cfg.Server.GRPCAddr, cfg.Server.HTTPAddr, mux, observability.NewLogger("server"))
	g.Go(func() error { return srv.StartGRPC(gctx) })
	g.Go(func() error { return srv.StartHTTP(gctx) })
	g.Go(func() error { return serveMetrics(gctx, reg) })

	health.SetReady(true)
	srv.SetServing(true)
	logger.Info().
		Str("http", cfg.Server.HTTPAddr).
		Str("grpc", cfg.Server.GRPCAddr).
		Str("metrics", cfg.Server.MetricsAddr).
		Msg("stakeflow ready")

	<-gctx.Done()
	health.SetNotReady("shutting down")
	srv.SetServing(false)
	logger.Info().Msg("shutting down")

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	logger.Info().Msg("shutdown complete")
	return err
}

func openJournal(ctx context.Context) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	migrator := persistence.NewMigrator(db, cfg.Postgres.MigrationsDir, observability.NewLogger("migrate"))
	if err := migrator.Up(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return db, nil
}

// startIntents subscribes to the intent subjects and dispatches each
// intent to the account's session, connecting it on first use. Request
// IDs already dispatched or journaled are dropped.
func startIntents(ctx context.Context, g *errgroup.Group, js jetstream.JetStream, sessions *session.Manager, lookup ingestion.RequestLookup, metrics *observability.Metrics) (*ingestion.NATSSubscriber, error) {
	subjects := ingestion.DefaultSubjects()
	dedup, err := ingestion.NewDeduper(cfg.NATS.DedupCapacity, lookup, observability.NewLogger("dedup"))
	if err != nil {
		return nil, err
	}
	rawChan := make(chan ingestion.RawIntent, 256)

	sub := ingestion.NewNATSSubscriber(js, rawChan, observability.NewLogger("intents"))
	if err := sub.Subscribe(ctx, subjects); err != nil {
		return nil, fmt.Errorf("subscribe intents: %w", err)
	}

	handle := func(ctx context.Context, in *ingestion.Intent) error {
		sess, _, err := sessions.Connect(ctx, in.Account)
		if err != nil {
			return err
		}
		_, err = sess.Submit(ctx, in.Request)
		return err
	}
	dispatcher := ingestion.NewDispatcher(rawChan, subjects, handle, observability.NewLogger("dispatcher"), metrics).WithDedup(dedup)
	g.Go(func() error { return dispatcher.Run(ctx) })
	return sub, nil
}

// bridgeEvents copies every orchestrator event to each output. On
// shutdown it forwards what is already buffered, then closes the
// outputs so the sinks flush and exit.
func bridgeEvents(ctx context.Context, in <-chan event.OperationEvent, outputs []chan<- event.OperationEvent) {
	defer func() {
		for _, out := range outputs {
			close(out)
		}
	}()
	forward := func(evt event.OperationEvent) {
		for _, out := range outputs {
			out <- evt
		}
	}

	for {
		select {
		case evt := <-in:
			forward(evt)
		case <-ctx.Done():
			for {
				select {
				case evt := <-in:
					forward(evt)
				default:
					return
				}
			}
		}
	}
}

func serveMetrics(ctx context.Context, reg *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{
		Addr:              cfg.Server.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	logger.Info().Str("addr", cfg.Server.MetricsAddr).Msg("metrics server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
