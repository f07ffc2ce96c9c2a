package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/tanktrack/fieldsync/internal/autosave"
	"github.com/tanktrack/fieldsync/internal/config"
	"github.com/tanktrack/fieldsync/internal/database"
	"github.com/tanktrack/fieldsync/internal/draftstore"
	"github.com/tanktrack/fieldsync/internal/logging"
	"github.com/tanktrack/fieldsync/internal/mediaqueue"
	"github.com/tanktrack/fieldsync/internal/notify"
	"github.com/tanktrack/fieldsync/internal/reachability"
	"github.com/tanktrack/fieldsync/internal/reconcile"
	"github.com/tanktrack/fieldsync/internal/server"
	"github.com/tanktrack/fieldsync/internal/syncapi"
)

var (
	cfgFile string
	console bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "fieldsync",
		Short: "Field-data synchronization daemon",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context())
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
	cmd.PersistentFlags().BoolVar(&console, "console", false, "Human-readable console logging")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "Local UI API listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("api-base-url", "", "Remote sync API base URL")
	cmd.PersistentFlags().String("api-token", "", "Bearer token for the remote sync API")
	cmd.PersistentFlags().String("probe-url", "", "Reachability probe URL (defaults to the API base URL)")
	cmd.PersistentFlags().Duration("drain-interval", defaults.GetDuration("drain.interval"), "Interval between reconciliation passes")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "api.base_url", "api-base-url")
	bindFlag(cmd, "api.token", "api-token")
	bindFlag(cmd, "probe.url", "probe-url")
	bindFlag(cmd, "drain.interval", "drain-interval")
	bindFlag(cmd, "log.level", "log-level")
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

func runDaemon(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, console)
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

	probeURL := appConfig.ProbeURL
	if probeURL == "" {
		probeURL = appConfig.APIBaseURL
	}
	probe, err := reachability.NewHTTPProbe(reachability.HTTPProbeConfig{
		URL:     probeURL,
		Timeout: appConfig.ProbeTimeout,
	})
	if err != nil {
		return err
	}

	remote, err := syncapi.NewClient(syncapi.ClientConfig{
		BaseURL:         appConfig.APIBaseURL,
		AuthToken:       appConfig.APIToken,
		FormSaveTimeout: appConfig.FormSaveTimeout,
		UploadTimeout:   appConfig.UploadTimeout,
		Logger:          logger,
	})
	if err != nil {
		return err
	}

	notifier := notify.NewDebouncedSink(notify.DebouncedSinkConfig{
		Inner: notify.NewLogSink(logger),
	})

	drafts, err := draftstore.NewStore(draftstore.StoreConfig{
		Database: db,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	queue, err := mediaqueue.NewQueue(mediaqueue.QueueConfig{
		Database: db,
		Uploader: remote,
		Compressor: mediaqueue.NewImageCompressor(mediaqueue.ImageCompressorConfig{
			MaxWidth: appConfig.MediaMaxWidth,
			Quality:  appConfig.MediaQuality,
		}),
		Logger:   logger,
		Notifier: notifier,
	})
	if err != nil {
		return err
	}

	controller, err := autosave.NewController(autosave.ControllerConfig{
		Remote:        remote,
		Drafts:        drafts,
		Probe:         probe,
		Notifier:      notifier,
		BooleanFields: appConfig.BooleanFields,
		Interval:      appConfig.AutosaveInterval,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	reconciler, err := reconcile.NewReconciler(reconcile.ReconcilerConfig{
		Drafts:        drafts,
		Remote:        remote,
		Queue:         queue,
		Probe:         probe,
		Notifier:      notifier,
		BooleanFields: appConfig.BooleanFields,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	scheduler, err := reconcile.NewScheduler(reconcile.SchedulerConfig{
		Reconciler: reconciler,
		Interval:   appConfig.DrainInterval,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Controller: controller,
		Queue:      queue,
		Drafts:     drafts,
		Scheduler:  scheduler,
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

	scheduler.Start(signalCtx)
	defer scheduler.Stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("local UI API starting", zap.String("address", appConfig.HTTPAddress))
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
