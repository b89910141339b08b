package main

import (
	"context"
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

	"github.com/jackhts4/gmgn-clone/internal/amm"
	"github.com/jackhts4/gmgn-clone/internal/config"
	"github.com/jackhts4/gmgn-clone/internal/metrics"
	"github.com/jackhts4/gmgn-clone/internal/oracle"
	"github.com/jackhts4/gmgn-clone/internal/store"
	"github.com/jackhts4/gmgn-clone/internal/trade"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}
	slog.SetDefault(cfg.NewLogger(os.Stdout))

	// Validate already parsed these.
	startingCash, _ := cfg.StartingCash()
	rate, _ := cfg.QuoteToUSD()

	ctx := context.Background()

	var rdb *redis.Client
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			slog.Error("invalid redis url", "err", err)
			os.Exit(1)
		}
		rdb = redis.NewClient(opt)
		defer rdb.Close()
	}

	// --- Initialize store ---
	var st store.Store
	if cfg.Database.URL != "" {
		if cfg.Database.Migrate {
			if err := store.Migrate(cfg.Database.URL); err != nil {
				slog.Error("database migration failed", "err", err)
				os.Exit(1)
			}
		}
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		defer pool.Close()
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if rdb != nil {
			st = store.NewCachedStore(st, rdb, cfg.Redis.CacheTTL)
			slog.Info("Redis cache enabled", "ttl", cfg.Redis.CacheTTL)
		}
	} else {
		slog.Warn("database url not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// --- USD oracle ---
	var orc oracle.Oracle = oracle.NewStatic(rate)
	if rdb != nil && cfg.Oracle.RedisKey != "" {
		orc = oracle.NewRedis(rdb, cfg.Oracle.RedisKey, rate)
		slog.Info("live USD rate enabled", "key", cfg.Oracle.RedisKey)
	}

	// --- WebSocket hub ---
	wsHub := trade.NewWSHub()
	go wsHub.Run()
	defer wsHub.Close()

	// --- Trade service ---
	engine := amm.New(amm.WithFeeBps(cfg.Ledger.FeeBps))
	slog.Info("amm configured", "fee_bps", engine.FeeBps().String())
	svc := trade.NewService(st, engine, orc, wsHub,
		trade.WithStartingCash(startingCash),
	)
	if err := seedPools(ctx, st, svc, cfg.Seed.Pools); err != nil {
		slog.Error("seeding pools failed", "err", err)
		os.Exit(1)
	}

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"ledger-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", svc.Routes)

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("ledger-engine listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	slog.Info("shutting down ledger-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("ledger-engine stopped")
}

// seedPools lists the configured pools when the store has none, and sets
// the pool gauge from what is already stored otherwise.
func seedPools(ctx context.Context, st store.Store, svc *trade.Service, seeds []config.SeedPool) error {
	pools, err := st.ListPools(ctx)
	if err != nil {
		return fmt.Errorf("list pools: %w", err)
	}
	if len(pools) > 0 {
		metrics.ActivePools.Set(float64(len(pools)))
		slog.Info("pools loaded", "count", len(pools))
		return nil
	}
	for _, seed := range seeds {
		listing, err := seed.Listing()
		if err != nil {
			return err
		}
		if _, _, err := svc.ListInstrument(ctx, listing); err != nil {
			return fmt.Errorf("list %s: %w", seed.ID, err)
		}
	}
	return nil
}
