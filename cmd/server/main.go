package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/options-engine/internal/api"
	"github.com/atmx/options-engine/internal/config"
	"github.com/atmx/options-engine/internal/events"
	"github.com/atmx/options-engine/internal/exchange"
	"github.com/atmx/options-engine/internal/metrics"
	"github.com/atmx/options-engine/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML config (default $CONFIG_PATH or config.yaml)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	opts := &slog.HandlerOptions{Level: cfg.LogLevel()}
	var handler slog.Handler = slog.NewJSONHandler(os.Stdout, opts)
	if strings.EqualFold(cfg.Log.Format, "text") {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		slog.Error("options-engine exited with error", "err", err)
		os.Exit(1)
	}
	slog.Info("options-engine stopped")
}

// publishQueue bounds committed batches waiting for the store and sinks.
const publishQueue = 1024

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	st, err := openStore(ctx, cfg.Storage, &cleanup)
	if err != nil {
		return err
	}

	// --- Event sinks ---
	wsHub := api.NewWSHub()
	sinks := []events.Sink{wsHub}
	if len(cfg.Kafka.Brokers) > 0 {
		k := events.NewKafkaSink(events.KafkaConfig{
			Brokers:    cfg.Kafka.Brokers,
			Topic:      cfg.Kafka.Topic,
			MaxRetries: cfg.Kafka.MaxRetries,
			Backoff:    cfg.Kafka.Backoff,
		})
		cleanup = append(cleanup, func() { k.Close() })
		sinks = append(sinks, k)
		slog.Info("kafka event stream enabled", "topic", cfg.Kafka.Topic)
	}

	// --- Exchange ---
	xc, err := cfg.Exchange()
	if err != nil {
		return err
	}
	x, err := exchange.New(xc,
		exchange.WithLogger(logger),
		exchange.WithStore(st),
		exchange.WithSinks(sinks...),
		exchange.WithAsyncPublish(publishQueue),
	)
	if err != nil {
		return err
	}
	slog.Info("exchange ready", "markets", len(xc.Markets), "admin", xc.Admin.Hex())

	// --- HTTP router ---
	svc := api.NewService(x, wsHub)
	limiter := api.NewRateLimiter(cfg.Server.RateLimit, cfg.Server.RateBurst)

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
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
		w.Write([]byte(`{"status":"ok","service":"options-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(api.Authenticator([]byte(cfg.Server.JWTSecret)))
		r.Use(limiter.Middleware)
		r.Use(middleware.Timeout(30 * time.Second))
		svc.Routes(r)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		wsHub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		x.RunPublisher(gctx)
		return nil
	})
	g.Go(func() error {
		slog.Info("options-engine listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	// Graceful shutdown.
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down options-engine...")
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	return g.Wait()
}

// openStore picks Postgres, then SQLite, then memory, and puts a Redis
// read-through cache in front when configured.
func openStore(ctx context.Context, sc config.StorageConfig, cleanup *[]func()) (store.Store, error) {
	var st store.Store
	switch {
	case sc.PostgresURL != "":
		pool, err := pgxpool.New(ctx, sc.PostgresURL)
		if err != nil {
			return nil, err
		}
		*cleanup = append(*cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			return nil, err
		}
		st = pg
		slog.Info("connected to PostgreSQL")

	case sc.SQLitePath != "":
		lite, err := store.NewSQLiteStore(sc.SQLitePath)
		if err != nil {
			return nil, err
		}
		*cleanup = append(*cleanup, func() { lite.Close() })
		st = lite
		slog.Info("using SQLite store", "path", sc.SQLitePath)

	default:
		slog.Warn("no database configured, using in-memory store (history will not persist)")
		st = store.NewMemoryStore()
	}

	// Wrap with Redis read-through cache if configured.
	if sc.RedisURL != "" {
		opt, err := redis.ParseURL(sc.RedisURL)
		if err != nil {
			return nil, err
		}
		rdb := redis.NewClient(opt)
		*cleanup = append(*cleanup, func() { rdb.Close() })
		st = store.NewCachedStore(st, rdb, sc.CacheTTL)
		slog.Info("Redis cache enabled", "ttl", sc.CacheTTL)
	}
	return st, nil
}
