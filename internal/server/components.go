package server

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mbd888/bountypay/internal/balance"
	"github.com/mbd888/bountypay/internal/circuitbreaker"
	"github.com/mbd888/bountypay/internal/config"
	"github.com/mbd888/bountypay/internal/escrow"
	"github.com/mbd888/bountypay/internal/idempotency"
	"github.com/mbd888/bountypay/internal/ledger"
	"github.com/mbd888/bountypay/internal/payments"
	"github.com/mbd888/bountypay/internal/payout"
	"github.com/mbd888/bountypay/internal/reconciliation"
	"github.com/mbd888/bountypay/internal/risk"
	"github.com/mbd888/bountypay/internal/webhooks"
)

// Components is the wired service graph shared by the API server and the
// operator CLI.
type Components struct {
	DB         *sql.DB // nil when running on in-memory stores
	Ledger     *ledger.Ledger
	Balances   *balance.Calculator
	Risk       *risk.Classifier
	Guard      *idempotency.Guard
	Provider   payments.Provider
	Breaker    *circuitbreaker.Breaker
	Bounties   escrow.Store
	Escrow     *escrow.Service
	Payouts    *payout.Service
	Events     webhooks.EventStore
	Reconciler *webhooks.Reconciler
	Runner     *reconciliation.Runner
}

// OpenDB connects to PostgreSQL and verifies the connection.
func OpenDB(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// NewComponents wires every service. A nil db selects in-memory stores; a
// nil provider selects Stripe when a secret key is configured and the
// in-process fake otherwise.
func NewComponents(cfg *config.Config, db *sql.DB, provider payments.Provider, logger *slog.Logger) *Components {
	c := &Components{DB: db, Provider: provider}

	var (
		ledgerStore ledger.Store
		riskStore   risk.Store
		keyStore    idempotency.Store
		payoutStore payout.Store
	)
	if db != nil {
		ledgerStore = ledger.NewPostgresStore(db)
		riskStore = risk.NewPostgresStore(db)
		keyStore = idempotency.NewPostgresStore(db)
		payoutStore = payout.NewPostgresStore(db)
		c.Bounties = escrow.NewPostgresStore(db)
		c.Events = webhooks.NewPostgresStore(db)
	} else {
		ledgerStore = ledger.NewMemoryStore()
		riskStore = risk.NewMemoryStore()
		keyStore = idempotency.NewMemoryStore()
		payoutStore = payout.NewMemoryStore()
		c.Bounties = escrow.NewMemoryStore()
		c.Events = webhooks.NewMemoryStore()
		logger.Info("using in-memory storage (data will not persist)")
	}

	if c.Provider == nil {
		if cfg.StripeSecretKey != "" {
			c.Breaker = circuitbreaker.New(5, 30*time.Second)
			c.Provider = payments.NewStripeProvider(payments.StripeConfig{
				SecretKey: cfg.StripeSecretKey,
				APIURL:    cfg.StripeAPIURL,
				Timeout:   cfg.ProviderTimeout,
			}, c.Breaker, logger)
			logger.Info("stripe provider enabled")
		} else {
			c.Provider = payments.NewFakeProvider()
			logger.Warn("no STRIPE_SECRET_KEY set, using the in-process fake provider")
		}
	}

	c.Ledger = ledger.New(ledgerStore, logger)
	c.Risk = risk.NewClassifier(riskStore, logger)
	c.Balances = balance.NewCalculator(ledgerStore, c.Risk, balance.ReservePolicy{
		LowBPS:    cfg.ReserveLowBPS,
		MediumBPS: cfg.ReserveMediumBPS,
		HighBPS:   cfg.ReserveHighBPS,
		Window:    cfg.ReserveWindow,
	})
	c.Guard = idempotency.NewGuard(keyStore, cfg.IdempotencyTTL, logger)

	c.Payouts = payout.NewService(payoutStore, c.Ledger, c.Balances, c.Provider, cfg.Currency, logger)
	c.Escrow = escrow.NewService(c.Bounties, c.Ledger, c.Balances, c.Provider, c.Guard, escrow.Config{
		FeeBPS:         cfg.PlatformFeeBPS,
		PlatformUserID: cfg.PlatformUserID,
		MinAmount:      cfg.MinEscrowAmount,
		Currency:       cfg.Currency,
		AutoPayout:     cfg.AutoPayout,
	}, logger)
	if cfg.AutoPayout {
		c.Escrow.WithPayouts(c.Payouts)
	}

	c.Reconciler = webhooks.NewReconciler(c.Guard, c.Events, c.Ledger, c.Escrow, c.Payouts, c.Risk, logger)
	c.Runner = reconciliation.NewRunner(c.Bounties, c.Ledger, c.Reconciler, c.Payouts, c.Guard,
		reconciliation.Options{}, logger)
	return c
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}
