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

	"riplx/internal/config"
	"riplx/internal/credential"
	"riplx/internal/events"
	"riplx/internal/idempotency"
	"riplx/internal/ledger"
	"riplx/internal/server"
	"riplx/internal/xumm"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config error", "error", err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	ctx := context.Background()

	store, closeStore, err := idempotency.Open(ctx, idempotency.Options{
		Backend:     cfg.IdempotencyBackend,
		Path:        cfg.IdempotencyPath,
		PostgresDSN: cfg.DatabaseURL,
		RedisURL:    cfg.RedisURL,
	})
	if err != nil {
		logger.Error("idempotency store error", "backend", cfg.IdempotencyBackend, "error", err)
		os.Exit(1)
	}
	defer closeStore()
	logger.Info("idempotency store ready", "backend", cfg.IdempotencyBackend)

	purgeCtx, stopPurge := context.WithCancel(ctx)
	defer stopPurge()
	switch st := store.(type) {
	case *idempotency.MemoryStore:
		go purgeExpired(purgeCtx, func(context.Context) (int, error) { return st.Purge(), nil }, time.Minute, logger)
	case *idempotency.PostgresStore:
		go purgeExpired(purgeCtx, st.Purge, 10*time.Minute, logger)
	}

	var ledgerClient ledger.Client = ledger.NewFakeClient()
	if cfg.LedgerRPCURL != "" {
		rpcClient, err := ledger.NewRPCClient(ctx, cfg.LedgerRPCURL)
		if err != nil {
			logger.Error("ledger client error", "url", cfg.LedgerRPCURL, "error", err)
			os.Exit(1)
		}
		defer rpcClient.Close()
		ledgerClient = rpcClient
	} else {
		logger.Warn("RIPLX_LEDGER_RPC_URL not set, using in-memory ledger")
	}

	approvals := xumm.NewClient(xumm.Config{
		BaseURL:   cfg.XummBaseURL,
		APIKey:    cfg.XummAPIKey,
		APISecret: cfg.XummAPISecret,
	})
	if err := approvals.Configured(); err != nil {
		logger.Warn("approval service not configured, payload endpoints will fail", "error", err)
	} else {
		logger.Info("approval service configured", "api_key", approvals.MaskedKey())
	}

	var publisher events.Publisher
	if cfg.NATSURL != "" {
		pub, err := events.NewNATSPublisher(cfg.NATSURL)
		if err != nil {
			logger.Error("failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		publisher = pub
		logger.Info("events enabled", "nats_url", cfg.NATSURL)
	} else {
		publisher = &events.NoopPublisher{}
		logger.Info("events disabled (RIPLX_NATS_URL not set)")
	}
	defer publisher.Close()

	policy := credential.NewPolicy(ledgerClient, credential.Config{
		Issuer:    cfg.CredentialIssuer,
		Type:      cfg.CredentialType,
		Allowlist: cfg.Allowlist(),
	}, logger)

	apiServer := server.NewServer(cfg, server.Deps{
		Approvals: approvals,
		Ledger:    ledgerClient,
		Store:     store,
		Publisher: publisher,
		Verifier:  policy,
		Logger:    logger,
	})

	go func() {
		if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server stopped", "error", err)
		}
	}()

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	sig := <-ch
	logger.Info("received signal, shutting down", "signal", sig)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
}

// purgeExpired drops expired idempotency records so a long-running broker
// does not grow without bound.
func purgeExpired(ctx context.Context, purge func(context.Context) (int, error), every time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := purge(ctx)
			if err != nil {
				logger.Warn("purging idempotency records failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Debug("purged expired idempotency records", "count", n)
			}
		}
	}
}
