// README: Entry point; loads config, wires services, starts HTTP server, event hub and relay.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"tomo/internal/config"
	httptransport "tomo/internal/http"
	"tomo/internal/infra"
	"tomo/internal/metrics"
	"tomo/internal/modules/dispatch"
	"tomo/internal/modules/events"
	"tomo/internal/modules/inventory"
	"tomo/internal/modules/location"
	"tomo/internal/modules/ops"
	"tomo/internal/modules/order"
	"tomo/internal/modules/sla"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config", "err", err)
		os.Exit(1)
	}
	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("exit", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	metrics.Register()

	dbPool, err := infra.NewDB(ctx, cfg.DB.DSN)
	if err != nil {
		return err
	}
	defer dbPool.Close()
	if cfg.DB.MigrationFile != "" {
		if err := infra.ApplyMigrationFile(ctx, dbPool, cfg.DB.MigrationFile); err != nil {
			return err
		}
		log.Info("migration applied", "file", cfg.DB.MigrationFile)
	}

	hub := events.NewHub(events.HubConfig{
		Buffer: cfg.Events.Buffer,
		Origin: hostname() + "-" + uuid.NewString()[:8],
	}, log)

	var verifier infra.TokenVerifier
	if cfg.Firebase.ProjectID != "" {
		app, err := infra.NewFirebaseApp(ctx, cfg.Firebase.ProjectID, cfg.Firebase.CredentialsFile)
		if err != nil {
			return err
		}
		if verifier, err = infra.NewFirebaseVerifier(ctx, app); err != nil {
			return err
		}
		messenger, err := infra.NewFirebaseMessaging(ctx, app)
		if err != nil {
			return err
		}
		hub.AddSink(events.NewFCMSink(messenger))
	} else {
		log.Warn("firebase not configured, using HS256 bearer tokens")
		if verifier, err = infra.NewJWTVerifier(cfg.JWT.Secret); err != nil {
			return err
		}
	}

	if cfg.AMQP.URL != "" {
		amqpClient, err := infra.DialAMQP(cfg.AMQP.URL)
		if err != nil {
			return err
		}
		defer amqpClient.Close()
		if err := amqpClient.DeclareTopic(events.ExchangeOrderEvents); err != nil {
			return err
		}
		hub.AddSink(events.NewAMQPSink(amqpClient))
	}

	var (
		presenceStore location.Store = location.NewMemoryStore()
		relay         *events.RedisRelay
	)
	if cfg.Redis.Addr != "" {
		var rdb *redis.Client
		if rdb, err = infra.NewRedis(ctx, cfg.Redis.Addr); err != nil {
			return err
		}
		defer rdb.Close()
		presenceStore = location.NewRedisStore(rdb)
		relay = events.NewRedisRelay(rdb, hub, log)
		hub.AddSink(relay)
	} else {
		log.Warn("redis not configured, driver presence and events stay in-process")
	}

	ledger := inventory.NewLedger(dbPool)
	offerStore := dispatch.NewStore(dbPool)
	orderSvc := order.NewService(order.NewStore(dbPool), ledger, hub, log)
	orderSvc.SetOfferCanceller(offerStore)

	presence := location.NewService(presenceStore, cfg.Dispatch.DriverOnlineTTL)
	mode, err := dispatch.ParseMode(cfg.Dispatch.Mode)
	if err != nil {
		return err
	}
	dispatchSvc := dispatch.NewService(offerStore, orderSvc, presence, hub, dispatch.Settings{
		Mode:     mode,
		OfferTTL: cfg.Dispatch.OfferTTL,
		Fanout:   cfg.Dispatch.OfferFanout,
	}, log)
	orderSvc.OnTransition(dispatchSvc.HandleReady)

	opsSvc := ops.NewService(orderSvc, presence, dispatchSvc, sla.NewPolicy(cfg.SLA.Cycle, cfg.SLA.AtRisk), log)

	server := httptransport.NewServer(cfg.HTTP.Addr, httptransport.ServerDeps{
		Order:    orderSvc,
		Ledger:   ledger,
		Dispatch: dispatchSvc,
		Location: presence,
		Ops:      opsSvc,
		Hub:      hub,
	}, verifier, log)

	log.Info("starting", "dispatch_mode", mode, "sla_cycle", cfg.SLA.Cycle.String(), "origin", hub.Origin())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(gctx) })
	g.Go(func() error { return hub.Run(gctx) })
	if relay != nil {
		g.Go(func() error { return relay.Run(gctx) })
	}
	g.Go(func() error {
		refreshGauges(gctx, opsSvc, log)
		return nil
	})
	return g.Wait()
}

// refreshGauges keeps the SLA severity and presence gauges current for scraping.
func refreshGauges(ctx context.Context, svc *ops.Service, log *slog.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := svc.Summary(ctx); err != nil && ctx.Err() == nil {
				log.Warn("ops summary refresh failed", "err", err)
			}
		}
	}
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "tomo"
	}
	return h
}
