// Package app wires the supchat server runtime: config, logging, the
// discussion store backends, HTTP routes, and the realtime gateway.
package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.mongodb.org/mongo-driver/mongo"

	"supchat/cmd/internal/chat"
)

const (
	backendMemory   = "memory"
	backendPostgres = "postgres"
	backendMongo    = "mongo"
)

// App is the supchat server runtime: it owns HTTP server wiring and the
// messaging core's dependencies.
type App struct {
	cfg Config
	log Logger

	backend string
	store   chat.DiscussionStore

	dbPool   *pgxpool.Pool
	mongoCli *mongo.Client

	ws      *chat.WSGateway
	promReg *prometheus.Registry
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel)
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := chat.NewMetrics(promReg)

	a := &App{
		cfg:     cfg,
		log:     log,
		promReg: promReg,
	}

	var (
		store    chat.DiscussionStore
		identity chat.IdentityProvider
	)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch {
	case cfg.MongoURL != "":
		cli, err := NewMongoClient(ctx, cfg)
		if err != nil {
			return nil, err
		}
		db := cli.Database(cfg.MongoDatabase)

		ms, err := chat.NewMongoStore(db)
		if err != nil {
			_ = cli.Disconnect(ctx)
			return nil, err
		}
		if err := ms.EnsureIndexes(ctx); err != nil {
			_ = cli.Disconnect(ctx)
			return nil, err
		}
		mi, err := chat.NewMongoIdentity(db)
		if err != nil {
			_ = cli.Disconnect(ctx)
			return nil, err
		}

		a.backend = backendMongo
		a.mongoCli = cli
		store, identity = ms, mi
		log.Info("store.mongo", "db", cfg.MongoDatabase)

	case cfg.DatabaseURL != "":
		pool, err := NewDBPool(ctx, cfg)
		if err != nil {
			return nil, err
		}
		ps, err := chat.NewPostgresStore(pool)
		if err != nil {
			pool.Close()
			return nil, err
		}
		pi, err := chat.NewPostgresIdentity(pool)
		if err != nil {
			pool.Close()
			return nil, err
		}

		a.backend = backendPostgres
		a.dbPool = pool
		store, identity = ps, pi
		log.Info("store.postgres")

	default:
		// Dev mode: nothing survives a restart and the user directory is
		// learned from register events.
		store = chat.NewInMemoryStore()
		identity = chat.NewStaticDirectory()
		a.backend = backendMemory
		log.Info("store.inmemory")
	}

	a.store = store

	registry := chat.NewRegistry(log)
	presence := chat.NewPresenceBroadcaster(log, registry, identity, metrics)
	router := chat.NewRouter(log, store, registry, metrics)
	a.ws = chat.NewWSGateway(log, registry, presence, router, identity, metrics)

	return a, nil
}

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg, a, a.ws, a.promReg)

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           WithRequestLogging(mux, a.log),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start", "addr", a.cfg.HTTPAddr, "backend", a.backend)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		return err
	}

	a.closeStores(shutdownCtx)

	a.log.Info("server.stopped")
	return nil
}

// closeStores releases backend resources. Store Close methods are no-ops
// for pooled backends; the pool/client is owned here.
func (a *App) closeStores(ctx context.Context) {
	if a.store != nil {
		if err := a.store.Close(ctx); err != nil {
			a.log.Error("store.close.fail", "err", err)
		}
	}
	if a.dbPool != nil {
		a.dbPool.Close()
	}
	if a.mongoCli != nil {
		if err := a.mongoCli.Disconnect(ctx); err != nil {
			a.log.Error("mongo.disconnect.fail", "err", err)
		}
	}
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
