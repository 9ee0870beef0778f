package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	_ "modernc.org/sqlite"

	"nodebase/api/pkg/config"
	"nodebase/api/pkg/credentials"
	"nodebase/api/pkg/ctxlog"
	"nodebase/api/pkg/db"
	"nodebase/api/pkg/realtime"
	"nodebase/api/pkg/steps"
	"nodebase/api/services/workflow"
)

const stepResultTTL = 7 * 24 * time.Hour

func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := ctxlog.New(cfg.LogLevel, cfg.LogFormat, os.Stdout)
	slog.SetDefault(logger)
	ctx = ctxlog.WithLogger(ctx, logger)

	pool, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		return
	}
	defer pool.Close()

	// Initialize database schema and seed data
	if err := workflow.InitDB(ctx, pool); err != nil {
		slog.Error("Failed to initialize database", "error", err)
		return
	}
	credentialStore := credentials.NewPostgresStore(pool)
	if err := credentialStore.InitSchema(ctx); err != nil {
		slog.Error("Failed to initialize credential schema", "error", err)
		return
	}

	cipher, err := credentials.NewCipher(cfg.EncryptionKey)
	if err != nil {
		slog.Error("Failed to create credential cipher", "error", err)
		return
	}

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("Invalid REDIS_URL", "error", err)
			return
		}
		redisClient = redis.NewClient(opts)
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			slog.Error("Failed to connect to redis", "error", err)
			return
		}
	}

	stepStore, closeStore, err := openStepStore(cfg, redisClient)
	if err != nil {
		slog.Error("Failed to open step store", "backend", cfg.StepStore, "error", err)
		return
	}
	defer closeStore()

	// Status events fan out to the SSE hub plus any configured relays.
	hub := realtime.NewHub()
	publishers := []realtime.Publisher{hub, realtime.LogPublisher{}}
	if redisClient != nil {
		publishers = append(publishers, realtime.NewRedisPublisher(redisClient, cfg.RealtimePrefix))
	}
	if cfg.SocketIOURL != "" {
		sio, err := realtime.DialSocketIO(ctx, cfg.SocketIOURL, "/")
		if err != nil {
			slog.Warn("Socket.IO relay unavailable, continuing without it", "error", err)
		} else {
			defer sio.Close()
			publishers = append(publishers, sio)
		}
	}

	repo := workflow.NewRepository(pool)
	registry := workflow.NewRegistry(workflow.ExecutorDeps{
		Credentials: credentialStore,
		Cipher:      cipher,
	})
	runner := steps.NewRunner(stepStore, steps.WithRetryPolicy(steps.RetryPolicy{
		MaxAttempts:    cfg.StepMaxAttempts,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		Multiplier:     2,
	}))
	engine := workflow.NewEngine(repo, registry,
		workflow.WithExecutionStore(repo),
		workflow.WithStepRunner(runner),
		workflow.WithPublisher(realtime.Multi(publishers...)),
	)

	// setup router
	mainRouter := mux.NewRouter()

	apiRouter := mainRouter.PathPrefix("/api/v1").Subrouter()

	workflowService := workflow.NewService(repo, repo, engine, hub)
	workflowService.LoadRoutes(apiRouter)

	corsHandler := handlers.CORS(
		// Frontend URL
		handlers.AllowedOrigins([]string{cfg.CORSOrigin}),
		handlers.AllowedMethods([]string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization"}),
		handlers.AllowCredentials(),
	)(mainRouter)

	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: corsHandler,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	srv.RegisterOnShutdown(workflowService.CloseStreams)

	serverErrors := make(chan error, 1)

	go func() {
		slog.Info("Starting server", "addr", cfg.HTTPAddr, "stepStore", cfg.StepStore)
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		slog.Error("Server error", "error", err)

	case sig := <-shutdown:
		slog.Info("Shutdown signal received", "signal", sig)

		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			slog.Error("Could not stop server gracefully", "error", err)
			srv.Close()
		}
		// Detached runs abort at their next cancellation point and record
		// the execution as ABORTED.
		workflowService.CancelRuns()
		waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer waitCancel()
		if err := workflowService.Wait(waitCtx); err != nil {
			slog.Warn("Background runs still in progress at shutdown", "error", err)
		}
	}
}

// openStepStore selects where memoized step results live.
func openStepStore(cfg *config.Config, client *redis.Client) (steps.Store, func(), error) {
	switch cfg.StepStore {
	case config.StepStoreRedis:
		return steps.NewRedisStore(client, cfg.RealtimePrefix, stepResultTTL), func() {}, nil
	case config.StepStoreSQLite:
		sqlDB, err := sql.Open("sqlite", cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		sqlDB.SetMaxOpenConns(1)
		store, err := steps.NewSQLiteStore(sqlDB)
		if err != nil {
			sqlDB.Close()
			return nil, nil, err
		}
		return store, func() { sqlDB.Close() }, nil
	default:
		return steps.NewMemoryStore(steps.WithMemoryTTL(stepResultTTL)), func() {}, nil
	}
}
