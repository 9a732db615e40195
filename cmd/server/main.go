// Command server runs the vault engine: the basket vault, its collateral
// status engines, and the auction market, behind a JSON HTTP API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/basketfi/vault-engine/internal/auction"
	"github.com/basketfi/vault-engine/internal/bank"
	"github.com/basketfi/vault-engine/internal/collateral"
	"github.com/basketfi/vault-engine/internal/config"
	"github.com/basketfi/vault-engine/internal/fix"
	"github.com/basketfi/vault-engine/internal/metrics"
	"github.com/basketfi/vault-engine/internal/model"
	"github.com/basketfi/vault-engine/internal/oracle"
	"github.com/basketfi/vault-engine/internal/store"
	"github.com/basketfi/vault-engine/internal/stream"
	"github.com/basketfi/vault-engine/internal/vault"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	configPath := flag.String("config", "", "path to TOML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("server exited", "err", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.Server.SlogLevel(),
	})))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Store: PostgreSQL when configured, otherwise in-memory.
	var st store.Store = store.NewMemoryStore()
	if cfg.Database.URL != "" {
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer pool.Close()
		if err := pool.Ping(ctx); err != nil {
			return fmt.Errorf("ping postgres: %w", err)
		}
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		st = pg
		slog.Info("using postgres store")
	} else {
		slog.Info("using in-memory store")
	}

	// Redis: auction cache plus live price feeds.
	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		defer rdb.Close()
		st = store.NewCachedStore(st, rdb, cfg.Redis.CacheTTL.Duration())
		slog.Info("redis cache enabled", "addr", cfg.Redis.Addr)
	}

	engines, basket, err := buildCollaterals(cfg, rdb)
	if err != nil {
		return err
	}

	hub := stream.NewHub()
	go hub.Run()

	// The in-memory bank stands in for the host token ledger.
	bk := bank.NewMemoryBank()

	v, err := vault.New(cfg.Vault.Account, basket, engines, bk, st, hub)
	if err != nil {
		return err
	}
	vaultSvc := vault.NewService(v, st, hub)

	var opts []auction.Option
	if cfg.Auction.RefundSupersededBids {
		opts = append(opts, auction.WithRefundSupersededBids())
	}
	market, err := auction.NewMarket(cfg.Auction.Account, bk, st, hub, opts...)
	if err != nil {
		return err
	}
	auctionSvc := auction.NewService(market)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", metrics.Handler())
	r.Route("/api/v1", func(r chi.Router) {
		vaultSvc.Routes(r)
		auctionSvc.Routes(r)
		r.Get("/ws", hub.HandleWS)
	})

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: r,
	}

	go refreshLoop(ctx, engines)

	errc := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", cfg.Server.Addr, "collaterals", len(engines))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// buildCollaterals constructs the status engines and basket definition from
// the config. With Redis configured and a pair named, a collateral reads
// live prices from the price hash; otherwise it gets a static dev feed
// pinned to its peg.
func buildCollaterals(cfg config.Config, rdb *redis.Client) ([]*collateral.Collateral, []model.BasketEntry, error) {
	engines := make([]*collateral.Collateral, 0, len(cfg.Collateral))
	basket := make([]model.BasketEntry, 0, len(cfg.Collateral))

	for _, cc := range cfg.Collateral {
		units, err := collateral.ParseUnitChain(cc.Units)
		if err != nil {
			return nil, nil, fmt.Errorf("collateral %s: %w", cc.Units, err)
		}

		peg := fix.One
		if cc.Peg.IsPositive() {
			if peg, err = fix.New(cc.Peg); err != nil {
				return nil, nil, fmt.Errorf("collateral %s: peg: %w", cc.Units, err)
			}
		}
		threshold, err := fix.New(cc.DefaultThreshold)
		if err != nil {
			return nil, nil, fmt.Errorf("collateral %s: threshold: %w", cc.Units, err)
		}

		colCfg := collateral.Config{
			Units:             units,
			Peg:               peg,
			DefaultThreshold:  threshold,
			DelayUntilDefault: cc.DelayUntilDefault.Duration(),
			OracleTimeout:     cc.OracleTimeout.Duration(),
		}

		refFeed := buildFeed(rdb, cc.ReferencePair, peg)
		var c *collateral.Collateral
		if units.TargetIsQuote() {
			c, err = collateral.NewFiat(colCfg, refFeed)
		} else {
			targetFeed := buildFeed(rdb, cc.TargetPair, fix.One)
			c, err = collateral.NewPegged(colCfg, refFeed, targetFeed)
		}
		if err != nil {
			return nil, nil, fmt.Errorf("collateral %s: %w", cc.Units, err)
		}

		engines = append(engines, c)
		basket = append(basket, model.BasketEntry{
			Token:    units.Token,
			Quantity: cc.QuantityPerBU,
		})
	}
	return engines, basket, nil
}

// buildFeed selects the Redis feed for pair, falling back to a static feed
// at the given dev price.
func buildFeed(rdb *redis.Client, pair string, devPrice fix.Fix) oracle.PriceFeed {
	if rdb != nil && pair != "" {
		return oracle.NewRedisFeed(rdb, pair)
	}
	feed := oracle.NewStaticFeed()
	feed.Set(devPrice.Decimal(), time.Now())
	return feed
}

// refreshLoop drives every collateral's status machine once a minute. The
// machines are also refreshed on demand via the HTTP API.
func refreshLoop(ctx context.Context, engines []*collateral.Collateral) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, c := range engines {
				c.Refresh(ctx)
			}
		}
	}
}
