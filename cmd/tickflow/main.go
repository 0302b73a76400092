package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"tickflow/internal/api"
	"tickflow/internal/config"
	httph "tickflow/internal/handlers/http"
	logh "tickflow/internal/handlers/log"
	"tickflow/internal/handlers/publish"
	"tickflow/internal/handlers/shell"
	"tickflow/internal/queue"
	"tickflow/internal/scheduler"
	"tickflow/internal/store"
	"tickflow/internal/worker"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	flag.StringVar(&cfg.Addr, "addr", cfg.Addr, "HTTP bind address")
	flag.StringVar(&cfg.Store, "store", cfg.Store, "task store: sqlite, postgres or memory")
	flag.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite DB path")
	flag.StringVar(&cfg.Index, "index", cfg.Index, "due-time index: memory or redis")
	flag.IntVar(&cfg.GlobalLimit, "workers", cfg.GlobalLimit, "global dispatch slots and worker goroutines")
	flag.DurationVar(&cfg.Tick, "tick", cfg.Tick, "dispatcher tick interval")
	flag.BoolVar(&cfg.Debug, "debug", cfg.Debug, "enable pprof endpoints")
	flag.Parse()
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	repo, closeRepo, err := openRepo(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Str("store", cfg.Store).Msg("open task store")
	}
	defer closeRepo()

	var rdb *redis.Client
	if cfg.Index == "redis" || cfg.PublishChannel != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		defer rdb.Close()
	}

	var index queue.Index = queue.NewHeapIndex()
	if cfg.Index == "redis" {
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("connect redis")
		}
		index = queue.NewRedisIndex(rdb, cfg.RedisPrefix)
	}

	// Handlers registry
	handlers := map[string]worker.Handler{
		"shell": shell.Shell{},
		"http":  httph.HTTP{},
		"log":   logh.Log{Level: zerolog.InfoLevel},
	}
	if rdb != nil {
		handlers["publish"] = publish.New(rdb, cfg.PublishChannel)
	}

	st := store.New(repo, index)
	exec := worker.NewExecutor(handlers, cfg.DefaultKind, cfg.ExecTimeout)
	sched := scheduler.New(st, exec, scheduler.Config{
		Tick:         cfg.Tick,
		Batch:        cfg.Batch,
		GlobalLimit:  cfg.GlobalLimit,
		TenantLimit:  cfg.TenantLimit,
		TenantLimits: cfg.TenantLimits,
	})

	srv := &http.Server{
		Addr: cfg.Addr,
		Handler: api.NewServerWithOptions(sched, api.Options{
			SubmitRate:  cfg.SubmitRate,
			SubmitBurst: cfg.SubmitBurst,
			Debug:       cfg.Debug,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sched.Run(gctx)
	})
	g.Go(func() error {
		log.Info().Str("addr", cfg.Addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelTimeout()
		return srv.Shutdown(ctxTimeout)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("tickflow stopped with error")
		closeRepo()
		os.Exit(1)
	}
}

func openRepo(ctx context.Context, cfg config.Config) (store.Repository, func(), error) {
	switch cfg.Store {
	case "memory":
		return store.NewMemoryRepo(), func() {}, nil
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		repo, err := store.NewPostgresRepo(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		return repo, pool.Close, nil
	default:
		db, err := store.OpenSQLite(cfg.DBPath)
		if err != nil {
			return nil, nil, err
		}
		return store.NewSQLiteRepo(db), func() { _ = db.Close() }, nil
	}
}
