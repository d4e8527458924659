package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/wayplan/wayplan/internal/config"
	"github.com/wayplan/wayplan/internal/database"
	"github.com/wayplan/wayplan/internal/geo"
	"github.com/wayplan/wayplan/internal/identity"
	"github.com/wayplan/wayplan/internal/logging"
	"github.com/wayplan/wayplan/internal/planner"
	"github.com/wayplan/wayplan/internal/route"
	"github.com/wayplan/wayplan/internal/routing"
	"github.com/wayplan/wayplan/internal/server"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "wayplan-api",
		Short: "Wayplan travel planner backend service",
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
	defaults := viper.GetViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("nominatim-server", defaults.GetString("nominatim.server"), "Nominatim server URL")
	cmd.PersistentFlags().String("amap-key", "", "Amap web service API key (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "nominatim.server", "nominatim-server")
	bindFlag(cmd, "amap.key", "amap-key")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	// Missing .env is fine; env vars may come from the environment itself.
	_ = godotenv.Load()

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

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	var distance route.DistanceService
	if appConfig.AmapKey != "" {
		amapClient, err := routing.NewClient(routing.ClientConfig{
			Key:    appConfig.AmapKey,
			Logger: logger,
		})
		if err != nil {
			return err
		}
		distance = amapClient
	} else {
		logger.Info("no amap key configured, route distances will be estimated")
	}

	geocoder, err := geo.NewGeocoder(geo.GeocoderConfig{
		Server: appConfig.NominatimServer,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	dispatcher := server.NewEventDispatcher()
	store, err := planner.NewStore(planner.StoreConfig{
		Database:  db,
		Clock:     time.Now,
		IDs:       identity.NewGenerator(time.Now),
		ChangeIDs: identity.NewUUIDProvider(),
		Distance:  distance,
		Notifier:  server.NewEventBridge(dispatcher, nil),
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Planner:    store,
		Dispatcher: dispatcher,
		Geocoder:   geocoder,
		Logger:     logger,
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
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
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
