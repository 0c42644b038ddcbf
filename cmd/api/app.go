package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"dealflow/agreement"
	"dealflow/audit"
	"dealflow/auth"
	"dealflow/checkout"
	"dealflow/config"
	"dealflow/conversion"
	"dealflow/db"
	"dealflow/idempotency"
	"dealflow/metrics"
	"dealflow/order"
	"dealflow/quote"
	"dealflow/sweep"
	"dealflow/tenant"
)

// app holds the wired dependencies shared by serve and sweep.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	pool     *pgxpool.Pool
	registry *prometheus.Registry
	metrics  *metrics.Recorder
	server   *Server
	sweeper  *sweep.Runner
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	taxRate, err := cfg.TaxRate()
	if err != nil {
		return nil, err
	}

	pool, err := db.NewPoolWithOptions(ctx, cfg.Database.URL, db.PoolOptions{
		MaxConns:        cfg.Database.MaxConns,
		MinConns:        cfg.Database.MinConns,
		MaxConnLifetime: cfg.Database.MaxConnLifetime,
	})
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder := metrics.NewRecorder(registry)

	emitter := audit.NewPGEmitter(pool, logger)
	keys := idempotency.NewStore()

	quotes := quote.NewService(pool, quote.NewRepository(pool, cfg.Quotes.ReferencePrefix), emitter, quote.Options{
		DefaultCurrency: cfg.Quotes.DefaultCurrency,
		DefaultValidity: time.Duration(cfg.Quotes.ValidityDays) * 24 * time.Hour,
		DefaultTaxRate:  taxRate,
	}).WithMetrics(recorder)
	orders := order.NewService(pool, order.NewRepository(pool, "ORD"), emitter).WithMetrics(recorder)
	agreements := agreement.NewService(pool, agreement.NewRepository(pool, "AGR"), emitter, keys).
		WithMetrics(recorder).
		WithOrders(orders)
	converter := conversion.NewOrchestrator(pool, quotes, orders, agreements, keys).WithMetrics(recorder)

	resolver := tenant.NewCachedResolver(tenant.NewRepository(pool), cfg.Tenants.CacheTTL, nil)

	server := &Server{
		quoteService:      quotes,
		orderService:      orders,
		agreementService:  agreements,
		conversionService: converter,
		authService:       auth.NewService(auth.NewRepository(pool), cfg.Auth.JWTSecret, cfg.Auth.TokenTTL),
		tenants:           resolver,
		metrics:           metrics.Handler(registry),
		logger:            logger,
		requestTimeout:    cfg.HTTP.RequestTimeout,
	}
	if cfg.Stripe.WebhookSecret != "" {
		server.checkout = checkout.NewHandler(cfg.Stripe.WebhookSecret, resolver, quotes, converter, logger)
	}

	return &app{
		cfg:      cfg,
		logger:   logger,
		pool:     pool,
		registry: registry,
		metrics:  recorder,
		server:   server,
		sweeper: sweep.NewRunner(quotes, agreements, sweep.Options{
			Interval:  cfg.Sweep.Interval,
			BatchSize: cfg.Sweep.BatchSize,
		}, logger),
	}, nil
}

func (a *app) Close() {
	a.pool.Close()
}

// relay connects to NATS and returns the outbox relay, or nil when no URL
// is configured.
func (a *app) relay() (*audit.Relay, func(), error) {
	if a.cfg.NATS.URL == "" {
		return nil, func() {}, nil
	}
	nc, err := nats.Connect(a.cfg.NATS.URL,
		nats.Name(appName),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				a.logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			a.logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats: connect: %w", err)
	}
	r := audit.NewRelay(a.pool, audit.NewPGOutboxStore(), nc, audit.RelayOptions{
		SubjectPrefix: a.cfg.NATS.SubjectPrefix,
		BatchSize:     a.cfg.Outbox.BatchSize,
		MaxAttempts:   a.cfg.Outbox.MaxAttempts,
	}, a.logger, a.metrics)
	return r, func() { _ = nc.Drain() }, nil
}

// serve runs the HTTP server, the expiry sweeper and the outbox relay until
// ctx is cancelled or one of them fails.
func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	relay, closeRelay, err := a.relay()
	if err != nil {
		return err
	}
	defer closeRelay()

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           a.server.routes(),
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		ReadHeaderTimeout: cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("api listening", "addr", cfg.HTTP.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return a.sweeper.Run(gctx)
	})
	if relay != nil {
		g.Go(func() error {
			return relay.Run(gctx, cfg.Outbox.Interval)
		})
	} else {
		logger.Info("outbox relay disabled: nats.url not set")
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	logger.Info("api stopped")
	return err
}
