package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/ilp-mesh/ccp-router/internal/ccp"
	"github.com/ilp-mesh/ccp-router/internal/config"
	"github.com/ilp-mesh/ccp-router/internal/export"
	ccphttp "github.com/ilp-mesh/ccp-router/internal/http"
	"github.com/ilp-mesh/ccp-router/internal/ilp"
	"github.com/ilp-mesh/ccp-router/internal/metrics"
	"github.com/ilp-mesh/ccp-router/internal/routing"
	"github.com/ilp-mesh/ccp-router/internal/store"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe()
	case "--help", "-h", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: ccp-routerd <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve         Start the route distribution service")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  --config <path>   Path to configuration YAML file")
	fmt.Println("  --log-level <lvl> Override log level (debug, info, warn, error)")
}

func parseFlags(args []string) (configPath string, logLevel string) {
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			if i+1 < len(args) {
				configPath = args[i+1]
				i++
			}
		case "--log-level":
			if i+1 < len(args) {
				logLevel = args[i+1]
				i++
			}
		}
	}
	return
}

func loadConfig(args []string) (*config.Config, *zap.Logger) {
	configPath, logLevelOverride := parseFlags(args)

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if logLevelOverride != "" {
		cfg.Service.LogLevel = logLevelOverride
	}

	logger := initLogger(cfg.Service.LogLevel)
	return cfg, logger
}

func initLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zap.DebugLevel
	case "warn":
		zapLevel = zap.WarnLevel
	case "error":
		zapLevel = zap.ErrorLevel
	default:
		zapLevel = zap.InfoLevel
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(zapLevel)
	zapCfg.EncoderConfig.TimeKey = "ts"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zapCfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}

// configAccounts converts the config peers section into accounts.
func configAccounts(cfg *config.Config) ([]store.Account, error) {
	accounts := make([]store.Account, 0, len(cfg.Peers))
	for name, pc := range cfg.Peers {
		relation, err := ccp.ParseRelation(pc.Relation)
		if err != nil {
			return nil, fmt.Errorf("peer %s: %w", name, err)
		}
		accounts = append(accounts, store.Account{
			ID:            pc.ID,
			Name:          name,
			ILPAddress:    pc.ILPAddress,
			RoutePrefix:   pc.RoutePrefix,
			Relation:      relation,
			SendRoutes:    pc.SendRoutes,
			ReceiveRoutes: pc.ReceiveRoutes,
			Configured:    pc.Configured,
			AssetCode:     pc.AssetCode,
			AssetScale:    pc.AssetScale,
		})
	}
	sort.Slice(accounts, func(i, j int) bool { return accounts[i].ID < accounts[j].ID })
	return accounts, nil
}

// transportSender is where the connector's HTTP/BTP transport attaches.
// The standalone daemon has no peer links of its own, so deliveries fail as
// transient and the engine retries on the next tick once links exist.
type transportSender struct {
	logger *zap.Logger
}

func (s *transportSender) SendRouteUpdate(_ context.Context, account store.Account, req *ccp.RouteUpdateRequest) error {
	s.logger.Debug("no transport attached for peer",
		zap.String("peer", account.Name),
		zap.Uint32("to_epoch", req.ToEpochIndex),
	)
	return fmt.Errorf("no transport attached for peer %s", account.Name)
}

func (s *transportSender) SendRouteControl(_ context.Context, account store.Account, _ *ccp.RouteControlRequest) error {
	return fmt.Errorf("no transport attached for peer %s", account.Name)
}

func runServe() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	metrics.Register()

	logger.Info("starting ccp-router",
		zap.String("instance_id", cfg.Service.InstanceID),
		zap.String("ilp_address", cfg.Node.ILPAddress),
		zap.String("http_listen", cfg.Service.HTTPListen),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	seed, err := cfg.Node.SecretSeed()
	if err != nil {
		logger.Fatal("invalid routing secret seed", zap.Error(err))
	}

	// Account sources: static config peers, plus the database when
	// configured.
	staticAccounts, err := configAccounts(cfg)
	if err != nil {
		logger.Fatal("invalid peer configuration", zap.Error(err))
	}

	var (
		pgSource  *store.PostgresSource
		dbChecker ccphttp.DBChecker
	)
	if cfg.Postgres.Enabled() {
		pool, err := store.NewPool(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns, cfg.Postgres.MinConns)
		if err != nil {
			logger.Fatal("failed to connect to database", zap.Error(err))
		}
		defer pool.Close()
		pgSource = store.NewPostgresSource(pool, logger.Named("store.postgres"))
		dbChecker = pgSource
	}

	loadAccounts := func(ctx context.Context) ([]store.Account, error) {
		sets := [][]store.Account{staticAccounts}
		if pgSource != nil {
			dbAccounts, err := pgSource.Accounts(ctx)
			if err != nil {
				return nil, err
			}
			sets = append(sets, dbAccounts)
		}
		merged := store.Merge(sets...)
		if err := store.Validate(merged); err != nil {
			return nil, err
		}
		return merged, nil
	}

	accounts, err := loadAccounts(ctx)
	if err != nil {
		logger.Fatal("failed to load accounts", zap.Error(err))
	}

	// A fresh table identity every start: peers detect the restart through
	// the id change and resync.
	tableID, err := ccp.NewTableID()
	if err != nil {
		logger.Fatal("failed to generate routing table id", zap.Error(err))
	}
	logger.Info("routing table identity generated", zap.String("table_id", tableID.String()))

	localTable := ccp.NewRoutingTable(tableID)
	epochLog := routing.NewEpochLog()
	peerManager := routing.NewPeerManager(logger.Named("routing.peers"))
	peerManager.SetAccounts(accounts)

	routeBuilder := routing.NewRouteBuilder(cfg.Node.ILPAddress, tableID, seed)
	fwd := routing.NewForwardingTableBuilder(cfg.Node.ILPAddress, localTable, epochLog,
		peerManager, cfg.Node.AcceptDefaultFromParent, logger.Named("routing.forwarding"))
	fwd.SetOwnRoutes(routeBuilder.OwnRoutes(accounts))
	fwd.Rebuild()

	sender := &transportSender{logger: logger.Named("routing.transport")}
	interval := time.Duration(cfg.Node.RouteBroadcastIntervalMs) * time.Millisecond
	engine := routing.NewBroadcastEngine(cfg.Node.ILPAddress, localTable, epochLog,
		peerManager, sender, interval, logger.Named("routing.broadcast"))

	// Route-event audit stream.
	var exporter *export.Exporter
	if cfg.Kafka.Enabled() {
		tlsCfg, err := cfg.Kafka.BuildTLSConfig()
		if err != nil {
			logger.Fatal("failed to build TLS config", zap.Error(err))
		}
		exporter, err = export.NewExporter(cfg.Kafka.Brokers, cfg.Kafka.Topic,
			cfg.Kafka.ClientID, tlsCfg, cfg.Kafka.BuildSASLMechanism(),
			cfg.Kafka.Compress, logger.Named("export"))
		if err != nil {
			logger.Fatal("failed to create route event exporter", zap.Error(err))
		}
		logger.Info("route event export enabled",
			zap.Strings("brokers", cfg.Kafka.Brokers),
			zap.String("topic", cfg.Kafka.Topic),
		)
	}

	next := func(_ context.Context, _ uint64, prepare *ilp.Prepare) (*ilp.Fulfill, error) {
		return nil, &ilp.Reject{
			Code:        ilp.CodeF02Unreachable,
			TriggeredBy: cfg.Node.ILPAddress,
			Message:     "no payment router attached",
		}
	}
	service := routing.NewCcpService(cfg.Node.ILPAddress, localTable, peerManager,
		fwd, engine, next, exporter, logger.Named("ccp.service"))
	_ = service // handed to the transport layer when peer links attach

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		engine.Run(ctx)
	}()

	// Re-read accounts periodically so database-side account changes
	// regenerate own routes and reconcile the peer set.
	if pgSource != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(30 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					refreshed, err := loadAccounts(ctx)
					if err != nil {
						logger.Warn("account refresh failed", zap.Error(err))
						continue
					}
					peerManager.SetAccounts(refreshed)
					fwd.SetOwnRoutes(routeBuilder.OwnRoutes(refreshed))
					if changed := fwd.Rebuild(); len(changed) > 0 {
						engine.NotifyChange()
					}
				}
			}
		}()
	}

	httpServer := ccphttp.NewServer(cfg.Service.HTTPListen, dbChecker, engine, logger.Named("http"))
	if err := httpServer.Start(); err != nil {
		logger.Fatal("failed to start HTTP server", zap.Error(err))
	}

	logger.Info("ccp-router started",
		zap.Int("peers", len(accounts)),
		zap.Duration("broadcast_interval", interval),
	)

	// Wait for shutdown signal.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	logger.Info("received shutdown signal", zap.String("signal", sig.String()))

	shutdownTimeout := time.Duration(cfg.Service.ShutdownTimeoutSeconds) * time.Second
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	// In-flight broadcast rounds get a bounded drain before being
	// abandoned.
	drainCtx, drainCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer drainCancel()
	select {
	case <-done:
		logger.Info("broadcast engine stopped gracefully")
	case <-drainCtx.Done():
		logger.Warn("shutdown drain deadline reached, abandoning in-flight broadcasts")
	}

	exporter.Close(shutdownCtx)

	logger.Info("ccp-router stopped")
}
