package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/tillsync/internal/auth"
	"github.com/MarcoPoloResearchLab/tillsync/internal/broker"
	"github.com/MarcoPoloResearchLab/tillsync/internal/config"
	"github.com/MarcoPoloResearchLab/tillsync/internal/database"
	"github.com/MarcoPoloResearchLab/tillsync/internal/devices"
	"github.com/MarcoPoloResearchLab/tillsync/internal/logging"
	"github.com/MarcoPoloResearchLab/tillsync/internal/outbox"
	"github.com/MarcoPoloResearchLab/tillsync/internal/reconcile"
	"github.com/MarcoPoloResearchLab/tillsync/internal/relay"
	"github.com/MarcoPoloResearchLab/tillsync/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "tillsync-api",
		Short: "Point-of-sale sync server",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newIssueTokenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-dsn", defaults.GetString("database.dsn"), "Database DSN or SQLite path")
	cmd.PersistentFlags().StringSlice("sync-tables", nil, "Tables accepted for synchronization (empty accepts any)")
	cmd.PersistentFlags().String("amqp-url", "", "AMQP broker URL for the change relay (empty disables it)")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "sync.tables", "sync-tables")
	bindFlag(cmd, "amqp.url", "amqp-url")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
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

func newIssueTokenCommand() *cobra.Command {
	var (
		grant auth.DeviceGrant
		ttl   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "issue-token",
		Short: "Issue a device session token",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.SigningSecret),
				Issuer:        appConfig.SessionIssuer,
				TokenTTL:      ttl,
			})
			if err != nil {
				return err
			}
			token, expiresIn, err := issuer.IssueDeviceToken(cmd.Context(), grant)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires in %ds\n", expiresIn)
			return nil
		},
	}
	cmd.Flags().StringVar(&grant.DeviceID, "device", "", "Device identifier")
	cmd.Flags().StringVar(&grant.ClientID, "client", "", "Client (tenant) identifier")
	cmd.Flags().StringVar(&grant.BranchID, "branch", "", "Branch identifier")
	cmd.Flags().StringVar(&grant.Role, "role", "device", "Role (device, admin)")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Token lifetime (default 30 days)")
	return cmd
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogEncoding)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.Open(appConfig.DatabaseDriver, appConfig.DatabaseDSN, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	sessions, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.SessionIssuer,
	})
	if err != nil {
		return err
	}

	reconcileService, err := reconcile.NewService(reconcile.ServiceConfig{
		Database: db,
		Clock:    time.Now,
		Tables:   appConfig.SyncTables,
		PageSize: appConfig.PageSize,
		MaxBatch: appConfig.MaxBatch,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	deviceService, err := devices.NewService(devices.ServiceConfig{Database: db, Clock: time.Now})
	if err != nil {
		return err
	}

	outboxStore, err := outbox.NewStore(outbox.StoreConfig{Database: db, Clock: time.Now, Logger: logger})
	if err != nil {
		return err
	}

	var sinks []broker.Sink
	if appConfig.AMQPURL != "" {
		publisher, err := relay.NewPublisher(relay.Config{
			URL:      appConfig.AMQPURL,
			Exchange: appConfig.AMQPExchange,
			Logger:   logger,
		})
		if err != nil {
			// Live fan-out does not depend on the relay.
			logger.Warn("amqp relay unavailable at startup", zap.Error(err))
		} else {
			defer publisher.Close() //nolint:errcheck
			sinks = append(sinks, publisher)
		}
	}

	liveBroker, err := broker.New(broker.Config{
		Outbox:            outboxStore,
		Records:           reconcileService,
		Sinks:             sinks,
		DrainInterval:     appConfig.DrainInterval,
		DrainBatch:        appConfig.DrainBatch,
		PurgeInterval:     appConfig.PurgeInterval,
		Retention:         appConfig.Retention,
		HeartbeatInterval: appConfig.HeartbeatInterval,
		Logger:            logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Sessions:       sessions,
		Reconcile:      reconcileService,
		Devices:        deviceService,
		Broker:         liveBroker,
		AllowedOrigins: appConfig.AllowedOrigins,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	brokerDone := make(chan struct{})
	go func() {
		defer close(brokerDone)
		if err := liveBroker.Run(signalCtx); err != nil {
			logger.Error("broker stopped", zap.Error(err))
		}
	}()

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
		err := httpServer.Shutdown(shutdownCtx)
		<-brokerDone
		return err
	case err := <-errCh:
		stop()
		<-brokerDone
		return err
	}
}
