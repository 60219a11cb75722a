package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/scalecode-solutions/storelink/auth"
	"github.com/scalecode-solutions/storelink/config"
	"github.com/scalecode-solutions/storelink/redis"
	"github.com/scalecode-solutions/storelink/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the storelink server",
	Long: `Start the storelink server.

The server runs until interrupted (Ctrl+C) or it receives SIGTERM.

Example:
  storelink serve -c storelink.yaml
  storelink serve -c storelink.yaml --init-db`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringP("config", "c", "storelink.yaml", "path to config file")
	serveCmd.Flags().Bool("init-db", false, "initialize the database schema")
}

func runServe(cmd *cobra.Command, args []string) error {
	configFile, _ := cmd.Flags().GetString("config")
	initDB, _ := cmd.Flags().GetBool("init-db")

	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := newLogger(cfg.Log)
	logger.Info().Str("version", currentVersion).Str("build", buildstamp).Msg("starting storelink")

	hub := NewHub(cfg, logger)
	api := NewAPI(hub, cfg, logger)

	// Initialize database (optional)
	if cfg.Database.Enabled {
		db, err := openDatabase(cfg, initDB, logger)
		if err != nil {
			return err
		}
		defer db.Close()
		hub.SetStore(db)
		api.SetStore(db)
	}

	// Initialize auth (optional)
	var validator *auth.Validator
	if cfg.Auth.Enabled {
		authService := auth.New(auth.Config{
			TokenKey:    []byte(cfg.Auth.TokenKey),
			TokenExpiry: time.Duration(cfg.Auth.TokenExpireIn) * time.Second,
		})
		validator = auth.NewValidator(authService, cfg.Auth.StoreSecretHash)
		hub.SetValidator(validator)
		logger.Info().Bool("storeSecret", cfg.Auth.StoreSecretHash != "").Msg("admin auth enabled")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize Redis (optional)
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(redis.Config{
			Addr:        cfg.Redis.Addr,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			NodeID:      cfg.Redis.NodeID,
			Prefix:      cfg.Redis.Prefix,
			PresenceTTL: time.Duration(cfg.Redis.PresenceTTL) * time.Second,
		})
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		defer redisClient.Close()
		hub.SetRedis(redisClient)

		nodePubsub := redisClient.NewPubSub(hub.HandleRemote)
		if err := nodePubsub.SubscribeToNode(ctx); err != nil {
			return err
		}
		defer nodePubsub.Close()
		go nodePubsub.Listen(ctx)

		hub.Presence().StartHeartbeat(ctx, time.Duration(cfg.Redis.PresenceRefresh)*time.Second)
		logger.Info().Str("node", cfg.Redis.NodeID).Str("addr", cfg.Redis.Addr).Msg("connected to redis")
	}

	go hub.Run()

	srv := NewServer(hub, api, cfg, validator, logger)
	httpServer := &http.Server{
		Addr:        cfg.Server.Listen,
		Handler:     srv.Handler(),
		ReadTimeout: time.Duration(cfg.Server.ReadTimeout) * time.Second,
		// WebSocket and SSE connections are long-lived; writes carry their
		// own deadlines.
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeout) * time.Second,
		BaseContext:  func(_ net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("listen", cfg.Server.Listen).Str("api", cfg.Server.APIPath).Msg("listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		logger.Error().Err(err).Msg("http server failed")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
	defer shutdownCancel()

	// Stop pub/sub, heartbeat and SSE streams first
	cancel()

	// Shutdown hub (closes WebSocket connections)
	hub.Shutdown()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http server shutdown error")
		httpServer.Close() // Force close if graceful shutdown fails
	}

	logger.Info().Msg("server stopped")
	return nil
}

// openDatabase connects to PostgreSQL, optionally creates the schema and
// clears connection flags left behind by a previous run of this node.
func openDatabase(cfg *config.Config, initDB bool, logger zerolog.Logger) (*store.DB, error) {
	db, err := store.New(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	logger.Info().Str("host", cfg.Database.Host).Str("name", cfg.Database.Name).Msg("connected to database")

	if initDB {
		if err := db.InitSchema(); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to initialize schema: %w", err)
		}
		logger.Info().Msg("schema initialized")
	}

	if version, err := db.GetSchemaVersion(); err != nil {
		logger.Warn().Err(err).Msg("could not get schema version (run with --init-db to initialize)")
	} else {
		logger.Info().Int("version", version).Msg("schema version")
	}

	ctx, cancel := db.Context()
	defer cancel()
	n, err := db.ResetNodeConnections(ctx, cfg.Redis.NodeID)
	if err != nil {
		logger.Warn().Err(err).Msg("could not reset stale client connections")
	} else if n > 0 {
		logger.Info().Int64("clients", n).Msg("reset stale client connections")
	}
	return db, nil
}
