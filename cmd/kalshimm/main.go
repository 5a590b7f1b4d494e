package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alejandrodnm/kalshimm/config"
	"github.com/alejandrodnm/kalshimm/internal/adapters/dryrun"
	"github.com/alejandrodnm/kalshimm/internal/adapters/kalshi"
	"github.com/alejandrodnm/kalshimm/internal/adapters/notify"
	"github.com/alejandrodnm/kalshimm/internal/adapters/storage"
	"github.com/alejandrodnm/kalshimm/internal/application/book"
	"github.com/alejandrodnm/kalshimm/internal/application/engine"
	"github.com/alejandrodnm/kalshimm/internal/application/inventory"
	"github.com/alejandrodnm/kalshimm/internal/application/quote"
	"github.com/alejandrodnm/kalshimm/internal/application/reconcile"
	"github.com/alejandrodnm/kalshimm/internal/application/stream"
	"github.com/alejandrodnm/kalshimm/internal/ports"
	"golang.org/x/sync/errgroup"
)

const (
	statusInterval  = 15 * time.Second
	shutdownTimeout = 20 * time.Second
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	verbose := flag.Bool("verbose", false, "set log level to debug")
	logFormat := flag.String("format", "", "log format: text|json (overrides config)")
	dryRun := flag.Bool("dry-run", false, "quote against the live stream but never send orders")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err, "path", *configPath)
		os.Exit(1)
	}

	if *verbose {
		cfg.Log.Level = "debug"
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}
	setupLogger(cfg.Log)

	slog.Info("kalshimm starting",
		"config", *configPath,
		"matches", len(cfg.Matches),
		"dry_run", *dryRun,
	)

	key, err := kalshi.LoadPrivateKey(cfg.Kalshi.PrivateKeyPath)
	if err != nil {
		slog.Error("failed to load private key", "err", err, "path", cfg.Kalshi.PrivateKeyPath)
		os.Exit(1)
	}
	signer := kalshi.NewSigner(cfg.Kalshi.KeyID, key)

	client, err := kalshi.NewClient(cfg.Kalshi.RESTBase, signer)
	if err != nil {
		slog.Error("failed to create REST client", "err", err)
		os.Exit(1)
	}
	trading := kalshi.NewTradingClient(client)

	var exec ports.OrderExecutor = trading
	dsn := cfg.Storage.DSN
	if *dryRun {
		exec = dryrun.NewExecutor()
		dsn = ":memory:"
	}

	journal, err := storage.NewJournal(dsn)
	if err != nil {
		slog.Error("failed to open journal", "err", err, "dsn", dsn)
		os.Exit(1)
	}
	defer journal.Close()

	books := book.NewStore()
	ledger := inventory.NewLedger()
	recon := reconcile.New(exec, ledger, journal, reconcile.Config{
		WarnAfter: cfg.Quoting.FailureWarnThreshold,
	})
	coord := engine.New(exec, books, ledger, recon, journal, engine.Config{
		Quote: quote.Config{
			StickyReset:  cfg.StickyReset(),
			OverbidDelay: cfg.OverbidDelay(),
			FeeBuffer:    cfg.Quoting.RebalanceFeeBufferCents,
		},
		CheckInterval: cfg.CheckInterval(),
		InventorySync: cfg.InventorySync(),
	})

	dialer, err := kalshi.NewDialer(cfg.Kalshi.WSURL, signer, cfg.ReadTimeout())
	if err != nil {
		slog.Error("failed to create stream dialer", "err", err)
		os.Exit(1)
	}
	session := stream.NewSession(dialer, books, coord, stream.Config{
		Backoff: stream.Backoff{
			Initial: time.Duration(cfg.Stream.BackoffInitialSeconds) * time.Second,
			Max:     time.Duration(cfg.Stream.BackoffMaxSeconds) * time.Second,
		},
		ReadTimeout: cfg.ReadTimeout(),
	})
	coord.SetStream(session)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := loadMatches(ctx, cfg, coord, trading); err != nil {
		slog.Error("failed to load matches", "err", err)
		os.Exit(1)
	}

	// los workers sobreviven a la señal: StopAll necesita el stream vivo
	runCtx, stopRun := context.WithCancel(context.Background())
	defer stopRun()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return session.Run(gctx) })
	g.Go(func() error { return coord.Run(gctx) })
	g.Go(func() error {
		statusLoop(gctx, coord, session, books, notify.NewConsole())
		return nil
	})

	<-ctx.Done()
	slog.Info("shutdown requested, stopping all matches")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	if err := coord.StopAll(stopCtx); err != nil {
		slog.Error("kill switch incomplete, check open orders on the exchange", "err", err)
	}
	stopCancel()

	stopRun()
	if err := g.Wait(); err != nil {
		slog.Error("kalshimm exited with error", "err", err)
		os.Exit(1)
	}

	slog.Info("kalshimm stopped cleanly")
}

// loadMatches registra cada match de la config, reconstruye su inventario
// desde el journal y arranca los que tienen autostart.
func loadMatches(ctx context.Context, cfg *config.Config, coord *engine.Coordinator, trading *kalshi.TradingClient) error {
	for _, mc := range cfg.Matches {
		m := mc.Match()
		if m.Settings.EventTime.IsZero() {
			market, err := trading.Market(ctx, m.TickerA)
			if err != nil {
				slog.Warn("market lookup failed, quoting without expiration", "match", m.ID, "err", err)
			} else {
				m.Settings.EventTime = market.EventTime
				if m.Name == "" {
					m.Name = market.Title
				}
			}
		}

		if err := coord.AddMatch(m); err != nil {
			return err
		}
		if err := coord.Restore(ctx, m.ID); err != nil {
			return err
		}
		if !mc.Autostart {
			slog.Info("match loaded, not started", "match", m.ID)
			continue
		}
		if err := coord.StartMatch(ctx, m.ID); err != nil {
			return err
		}
	}
	return nil
}

func statusLoop(ctx context.Context, coord *engine.Coordinator, session *stream.Session, books *book.Store, notifier ports.Notifier) {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// un ticker suscrito sin libro espera su snapshot
			slog.Debug("stream status",
				"state", session.State(),
				"subscribed", session.Subscribed(),
				"books", books.Tickers(),
			)
			if err := notifier.Notify(ctx, coord.Statuses()); err != nil {
				slog.Warn("notifier error", "err", err)
			}
		}
	}
}

func setupLogger(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
