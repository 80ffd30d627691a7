package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/docqueue/docq/internal/api"
	"github.com/docqueue/docq/internal/clock"
	"github.com/docqueue/docq/internal/config"
	"github.com/docqueue/docq/internal/queue"
	"github.com/docqueue/docq/internal/queue/purger"
	pgstore "github.com/docqueue/docq/internal/queue/store/postgres"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("load config: %v", err)
	}

	log := logrus.New()
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}

	connectCtx, cancel := context.WithTimeout(ctx, cfg.DBConnectTimeout)
	defer cancel()

	pool, err := pgxpool.New(connectCtx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("pgxpool.New: %v", err)
	}
	defer pool.Close()

	if err := pool.Ping(connectCtx); err != nil {
		log.Fatalf("pgx ping: %v", err)
	}

	registry := queue.NewRegistry(newFactory(pool, cfg))

	prg := purger.New(registry, cfg.PurgeInterval, log)
	go prg.Start(ctx)

	addr := fmt.Sprintf(":%d", cfg.Port)
	httpSrv := api.NewServer(addr, registry, log)

	log.WithField("addr", addr).Info("HTTP server listening")
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	prg.Stop()
	_ = httpSrv.Shutdown(context.Background())
}

// newFactory builds per-queue stores on the shared pool. When a dead-letter
// suffix is configured, every queue that does not itself carry the suffix
// gets a companion dead-letter queue wired in.
func newFactory(pool *pgxpool.Pool, cfg *config.Config) queue.Factory {
	clk := clock.RealClock{}

	newQueue := func(name string, opts queue.Options) (*queue.Queue, error) {
		store, err := pgstore.New(pool, tableName(name))
		if err != nil {
			return nil, err
		}
		opts.Name = name
		return queue.New(store, clk, opts), nil
	}

	return func(ctx context.Context, name string) (*queue.Queue, error) {
		opts := queue.Options{
			Visibility: cfg.Visibility,
			Delay:      cfg.Delay,
		}

		if cfg.DeadLetterSuffix != "" && !strings.HasSuffix(name, cfg.DeadLetterSuffix) {
			dlq, err := newQueue(name+cfg.DeadLetterSuffix, queue.Options{
				Visibility: cfg.Visibility,
			})
			if err != nil {
				return nil, err
			}
			if err := dlq.Setup(ctx); err != nil {
				return nil, err
			}
			opts.DeadLetter = dlq
			opts.MaxRetries = cfg.MaxRetries
		}

		return newQueue(name, opts)
	}
}

// tableName maps a queue name onto a SQL identifier. Queue names are
// validated by the API layer; dashes are the only legal character Postgres
// identifiers reject.
func tableName(name string) string {
	return "docq_" + strings.ReplaceAll(name, "-", "_")
}
