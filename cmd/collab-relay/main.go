package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/polished-app/realtime-collab/internal/auth"
	"github.com/polished-app/realtime-collab/internal/config"
	"github.com/polished-app/realtime-collab/internal/eventstore"
	"github.com/polished-app/realtime-collab/internal/fanout"
	"github.com/polished-app/realtime-collab/internal/logging"
	"github.com/polished-app/realtime-collab/internal/observability"
	"github.com/polished-app/realtime-collab/internal/room"
	"github.com/polished-app/realtime-collab/internal/server"
	"github.com/polished-app/realtime-collab/internal/ws"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "collab-relay",
		Short: "Real-time collaborative document relay",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().Duration("room-inactivity-timeout", defaults.GetDuration("room.inactivity_timeout"), "Idle time before an empty room is evicted")
	cmd.PersistentFlags().Int("room-max-clients", defaults.GetInt("room.max_clients"), "Per-room client cap, 0 for unlimited")
	cmd.PersistentFlags().Int("room-max-rooms", defaults.GetInt("room.max_rooms"), "Resident room cap, 0 for unlimited")
	cmd.PersistentFlags().String("eventstore-url", "", "Event store service base URL (embedded store when empty)")
	cmd.PersistentFlags().Duration("eventstore-timeout", defaults.GetDuration("eventstore.timeout"), "Event store request timeout")
	cmd.PersistentFlags().String("eventstore-sqlite-path", defaults.GetString("eventstore.sqlite_path"), "Embedded store database path")
	cmd.PersistentFlags().Int("eventstore-snapshot-every", defaults.GetInt("eventstore.snapshot_every"), "Appends between room snapshots, 0 to disable")
	cmd.PersistentFlags().String("nats-url", "", "NATS URL for cross-instance fan-out (disabled when empty)")
	cmd.PersistentFlags().String("auth-signing-secret", "", "HS256 secret for client tokens (overrides env)")
	cmd.PersistentFlags().String("auth-issuer", "", "Required issuer claim on client tokens")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "room.inactivity_timeout", "room-inactivity-timeout")
	bindFlag(cmd, "room.max_clients", "room-max-clients")
	bindFlag(cmd, "room.max_rooms", "room-max-rooms")
	bindFlag(cmd, "eventstore.url", "eventstore-url")
	bindFlag(cmd, "eventstore.timeout", "eventstore-timeout")
	bindFlag(cmd, "eventstore.sqlite_path", "eventstore-sqlite-path")
	bindFlag(cmd, "eventstore.snapshot_every", "eventstore-snapshot-every")
	bindFlag(cmd, "nats.url", "nats-url")
	bindFlag(cmd, "auth.signing_secret", "auth-signing-secret")
	bindFlag(cmd, "auth.issuer", "auth-issuer")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	eventLog, closeLog, err := buildEventLog(appConfig, logger)
	if err != nil {
		return err
	}
	defer closeLog()

	prometheusRegistry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(prometheusRegistry)

	registry, err := room.NewRegistry(room.RegistryConfig{
		Log:               eventLog,
		Logger:            logger,
		Metrics:           metrics,
		InactivityTimeout: appConfig.RoomInactivityTimeout,
		MaxClients:        appConfig.RoomMaxClients,
		MaxRooms:          appConfig.RoomMaxRooms,
		SnapshotEvery:     appConfig.SnapshotEvery,
	})
	if err != nil {
		return err
	}
	defer registry.Close()

	validator := auth.NewTokenValidator(auth.TokenValidatorConfig{
		SigningSecret: []byte(appConfig.AuthSigningSecret),
		Issuer:        appConfig.AuthIssuer,
	})

	var bus *fanout.Bus
	if appConfig.NATSURL != "" {
		bus, err = fanout.Connect(fanout.BusConfig{URL: appConfig.NATSURL, Logger: logger})
		if err != nil {
			return err
		}
		defer bus.Close()
	}

	syncHandler, err := ws.NewHandler(ws.HandlerConfig{
		Registry:  registry,
		Validator: validator,
		Metrics:   metrics,
		Logger:    logger,
		Publisher: publisherFor(bus),
	})
	if err != nil {
		return err
	}
	if bus != nil {
		if err := bus.Subscribe(syncHandler.HandleRemote); err != nil {
			return err
		}
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Registry:    registry,
		SyncHandler: syncHandler,
		Gatherer:    prometheusRegistry,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("relay starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.Bool("remote_store", appConfig.UsesRemoteStore()),
			zap.Bool("fanout", bus != nil))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func buildEventLog(appConfig config.AppConfig, logger *zap.Logger) (eventstore.Log, func(), error) {
	if appConfig.UsesRemoteStore() {
		remote, err := eventstore.NewHTTPLog(eventstore.HTTPLogConfig{
			BaseURL: appConfig.EventStoreURL,
			Timeout: appConfig.EventStoreTimeout,
			Logger:  logger,
		})
		if err != nil {
			return nil, nil, err
		}
		return remote, func() {}, nil
	}

	embedded, err := eventstore.NewSQLiteLog(eventstore.SQLiteLogConfig{
		Path:   appConfig.SQLitePath,
		Logger: logger,
	})
	if err != nil {
		return nil, nil, err
	}
	return embedded, func() {
		_ = embedded.Close()
	}, nil
}

// publisherFor avoids handing the handler a typed nil interface.
func publisherFor(bus *fanout.Bus) ws.Publisher {
	if bus == nil {
		return nil
	}
	return bus
}
