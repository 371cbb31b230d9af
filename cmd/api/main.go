package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"propescrow/auth"
	"propescrow/config"
	"propescrow/db"
	"propescrow/escrow"
	"propescrow/ledger"
	"propescrow/outbox"
	"propescrow/token"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("bootstrap database pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	authService := auth.NewService(auth.NewRepository(pool), cfg.JWTSecret)
	tokenRepo := token.NewRepository(pool)
	ledgerRepo := ledger.NewRepository(pool)
	escrowService := escrow.NewService(
		pool,
		escrow.NewRepository(pool),
		ledgerRepo,
		outbox.NewWriter(),
		tokenRepo,
		escrow.Config{PlatformAccount: cfg.PlatformAccount, MaxPlatformFeeBps: cfg.MaxPlatformFeeBps},
	)

	server := NewServer(logger, authService, escrowService, token.NewService(tokenRepo), ledgerRepo)

	relay := outbox.NewRelay(pool, func(ctx context.Context, msg outbox.Message) error {
		// Downstream delivery (webhooks, notifications) plugs in here; for now
		// the audit log consumer is the structured log itself.
		logger.Info("outbox message", "topic", msg.Topic, "payload", string(msg.Payload))
		return nil
	}, logger).WithWorkers(cfg.OutboxWorkers).WithInterval(cfg.OutboxInterval)

	httpServer := &http.Server{Addr: cfg.ListenAddr, Handler: server.Router()}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("api listening", "addr", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return relay.Run(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		return httpServer.Shutdown(context.Background())
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("shutdown", "error", err)
		os.Exit(1)
	}
}
