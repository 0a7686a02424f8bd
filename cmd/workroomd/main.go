// Workroomd is the workroom daemon: one collaboration node serving the
// job API and the workspace WebSocket endpoint over a shared store,
// queue, and broadcast bus.
//
// With the memory backend a single process owns all state. The redis
// and postgres backends share job and queue state across processes;
// the redis backend also carries the broadcast bus and a distributed
// submission limiter, so any node serves any workspace.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"
	mongoopts "go.mongodb.org/mongo-driver/v2/mongo/options"
	"golang.org/x/sync/errgroup"

	"github.com/workroom-io/workroom/api"
	"github.com/workroom-io/workroom/bus"
	"github.com/workroom-io/workroom/janitor"
	"github.com/workroom-io/workroom/node"
	"github.com/workroom-io/workroom/ratelimit"
	"github.com/workroom-io/workroom/result"
	resultmongo "github.com/workroom-io/workroom/result/mongo"
	"github.com/workroom-io/workroom/store"
	bunstore "github.com/workroom-io/workroom/store/bun"
	"github.com/workroom-io/workroom/store/memory"
	redisstore "github.com/workroom-io/workroom/store/redis"
	"github.com/workroom-io/workroom/ws"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath string
		listen     string
	)
	flag.StringVar(&configPath, "config", "", "path to the YAML config file")
	flag.StringVar(&listen, "listen", "", "HTTP listen address (overrides config)")
	flag.Parse()

	cfg := DefaultDaemonConfig()
	if configPath != "" {
		var err error
		cfg, err = LoadConfig(configPath)
		if err != nil {
			return err
		}
	}
	if listen != "" {
		cfg.Listen = listen
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	wcfg := cfg.NodeConfig()

	// Backend: store, queue, bus, and submission limiter share the
	// redis connection when one is configured.
	var (
		st          store.Store
		eventBus    bus.Bus
		submit      ratelimit.Limiter
		redisClient *goredis.Client
	)
	switch cfg.Backend {
	case "redis":
		redisClient = goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close() //nolint:errcheck // process exit
		st = redisstore.New(redisClient,
			redisstore.WithLogger(logger),
			redisstore.WithLeaseTimeout(wcfg.LeaseTimeout),
		)
		eventBus = bus.NewRedis(redisClient, bus.WithLogger(logger))
		submit = ratelimit.NewRedis(redisClient, wcfg.SubmitLimit, wcfg.SubmitWindow,
			ratelimit.WithRedisLogger(logger),
		)
	case "postgres":
		sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(cfg.Postgres.DSN)))
		db := bun.NewDB(sqldb, pgdialect.New())
		defer db.Close() //nolint:errcheck // process exit
		st = bunstore.New(db,
			bunstore.WithLogger(logger),
			bunstore.WithLeaseTimeout(wcfg.LeaseTimeout),
		)
		eventBus = bus.NewMemory()
		submit = ratelimit.NewMemory(wcfg.SubmitLimit, wcfg.SubmitWindow)
		logger.Warn("postgres backend without redis: broadcast bus and submit limiter are process-local")
	default:
		st = memory.New(memory.WithLeaseTimeout(wcfg.LeaseTimeout))
		eventBus = bus.NewMemory()
		submit = ratelimit.NewMemory(wcfg.SubmitLimit, wcfg.SubmitWindow)
	}

	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}
	if err := st.Ping(ctx); err != nil {
		return fmt.Errorf("ping store: %w", err)
	}

	// Result store: MongoDB when configured, in-memory otherwise.
	var results result.Store
	if cfg.Mongo.URI != "" {
		mongoClient, err := mongod.Connect(mongoopts.Client().ApplyURI(cfg.Mongo.URI))
		if err != nil {
			return fmt.Errorf("connect mongo: %w", err)
		}
		defer mongoClient.Disconnect(context.Background()) //nolint:errcheck // process exit
		ms := resultmongo.New(mongoClient.Database(cfg.Mongo.Database), resultmongo.WithLogger(logger))
		if err := ms.EnsureIndexes(ctx); err != nil {
			return fmt.Errorf("mongo indexes: %w", err)
		}
		results = ms
	} else {
		results = result.NewMemory()
	}

	n, err := node.New(st, st, eventBus,
		node.WithConfig(wcfg),
		node.WithLogger(logger),
		node.WithSubmitLimiter(submit),
		node.WithResultStore(results),
	)
	if err != nil {
		return err
	}

	var auth ws.Authenticator = &ws.NoopAuthenticator{}
	if len(cfg.Auth.Tokens) > 0 {
		entries := make([]ws.TokenEntry, 0, len(cfg.Auth.Tokens))
		for _, t := range cfg.Auth.Tokens {
			entries = append(entries, ws.TokenEntry{
				Token: t.Token,
				Identity: ws.Identity{
					UserID:     t.UserID,
					Username:   t.Username,
					Workspaces: t.Workspaces,
				},
			})
		}
		auth = ws.NewTokenAuthenticator(entries...)
	} else {
		logger.Warn("no auth tokens configured, any non-empty token is accepted")
	}

	wsServer := ws.NewServer(n.Registry(), n.Synchronizer(),
		ws.WithAuth(auth),
		ws.WithLogger(logger),
		ws.WithMessageLimiter(ratelimit.NewMemory(wcfg.MessageLimit, wcfg.MessageWindow)),
	)
	apiServer := api.New(n, api.WithAuth(auth), api.WithLogger(logger))

	jan, err := janitor.New(st, st, cfg.Retention.PurgeSchedule, cfg.Retention.ReapSchedule,
		janitor.WithLogger(logger),
		janitor.WithRetention(cfg.Retention.Window.or(24*time.Hour)),
		janitor.WithResultStore(results),
	)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/v1/", apiServer.Handler())
	mux.Handle("GET /ws/workspaces/{workspace_id}", wsServer)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := st.Ping(r.Context()); err != nil {
			http.Error(w, "store unreachable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if err := n.Start(ctx); err != nil {
		return fmt.Errorf("start node: %w", err)
	}
	if err := jan.Start(ctx); err != nil {
		return fmt.Errorf("start janitor: %w", err)
	}

	logger.Info("workroomd listening",
		slog.String("addr", cfg.Listen),
		slog.String("backend", cfg.Backend),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), wcfg.ShutdownTimeout)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
		if err := jan.Stop(shutdownCtx); err != nil {
			logger.Error("janitor stop error", slog.String("error", err.Error()))
		}
		return n.Stop(shutdownCtx)
	})

	return g.Wait()
}
