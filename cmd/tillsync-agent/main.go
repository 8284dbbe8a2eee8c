package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/tillsync/internal/config"
	"github.com/MarcoPoloResearchLab/tillsync/internal/database"
	"github.com/MarcoPoloResearchLab/tillsync/internal/engine"
	"github.com/MarcoPoloResearchLab/tillsync/internal/logging"
	"github.com/MarcoPoloResearchLab/tillsync/internal/queue"
	"github.com/MarcoPoloResearchLab/tillsync/internal/reconcile"
	"github.com/MarcoPoloResearchLab/tillsync/internal/replica"
	"github.com/MarcoPoloResearchLab/tillsync/internal/server"
	"github.com/MarcoPoloResearchLab/tillsync/internal/transport"
	"github.com/MarcoPoloResearchLab/tillsync/internal/wire"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	cfgFile string
)

func main() {
	// A missing .env file is normal outside development.
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:   "tillsync-agent",
		Short: "Terminal sync agent",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(
		newSyncCommand(),
		newStatsCommand(),
		newEnqueueCommand(),
		newConflictsCommand(),
		newResolveCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyAgentDefaults(viper.GetViper())
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("server-url", "", "Sync server base URL")
	cmd.PersistentFlags().String("token", "", "Device session token")
	cmd.PersistentFlags().String("database-path", viper.GetString("agent.database_path"), "Local SQLite database path")
	cmd.PersistentFlags().String("conflict-policy", viper.GetString("agent.conflict_policy"), "Conflict policy (auto:server, auto:client, manual)")
	cmd.PersistentFlags().String("log-level", viper.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("metrics-address", "", "Serve Prometheus metrics on this address when set")

	bindFlag(cmd, "agent.server_url", "server-url")
	bindFlag(cmd, "agent.token", "token")
	bindFlag(cmd, "agent.database_path", "database-path")
	bindFlag(cmd, "agent.conflict_policy", "conflict-policy")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "agent.metrics_address", "metrics-address")
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

// agent bundles the local stores and the engine for one invocation.
type agent struct {
	config config.AgentConfig
	logger *zap.Logger
	db     *gorm.DB
	client *transport.Client
	live   *transport.LiveClient
	engine *engine.Engine
}

func openAgent() (*agent, error) {
	agentConfig, err := config.LoadAgent(viper.GetViper())
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewLogger(agentConfig.LogLevel, agentConfig.LogEncoding)
	if err != nil {
		return nil, err
	}

	db, err := database.OpenAgent(agentConfig.DatabasePath, logger)
	if err != nil {
		return nil, err
	}

	queueStore, err := queue.NewStore(queue.Config{Database: db, Logger: logger})
	if err != nil {
		return nil, err
	}
	replicaStore, err := replica.NewStore(replica.Config{Database: db, BranchID: agentConfig.BranchID, Logger: logger})
	if err != nil {
		return nil, err
	}

	var (
		remote   engine.Remote = disabledRemote{}
		notifier engine.Notifier
		client   *transport.Client
		live     *transport.LiveClient
	)
	if agentConfig.EnableSync {
		client, err = transport.NewClient(transport.Config{
			BaseURL:        agentConfig.ServerURL,
			Token:          agentConfig.Token,
			DeviceID:       agentConfig.DeviceID,
			RequestTimeout: agentConfig.RequestTimeout,
			Logger:         logger,
		})
		if err != nil {
			return nil, err
		}
		remote = client

		if agentConfig.Live {
			live, err = transport.NewLiveClient(transport.LiveConfig{
				ServerURL: agentConfig.ServerURL,
				Token:     agentConfig.Token,
				DeviceID:  agentConfig.DeviceID,
				Logger:    logger,
			})
			if err != nil {
				return nil, err
			}
			notifier = live
		}
	}

	policy, err := engine.ParsePolicy(agentConfig.ConflictPolicy)
	if err != nil {
		return nil, err
	}

	syncEngine, err := engine.New(engine.Config{
		Queue:        queueStore,
		Replica:      replicaStore,
		Remote:       remote,
		Notifier:     notifier,
		DeviceID:     agentConfig.DeviceID,
		BranchID:     agentConfig.BranchID,
		Tables:       agentConfig.Tables,
		TenantWide:   agentConfig.TenantWide,
		Policy:       policy,
		SyncInterval: agentConfig.SyncInterval,
		PullInterval: agentConfig.PullInterval,
		BatchSize:    agentConfig.BatchSize,
		PageSize:     agentConfig.PageSize,
		MaxRetries:   agentConfig.MaxRetries,
		BackoffBase:  agentConfig.BackoffBase,
		BackoffMax:   agentConfig.BackoffMax,
		AuditWindow:  agentConfig.AuditWindow,
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}

	return &agent{config: agentConfig, logger: logger, db: db, client: client, live: live, engine: syncEngine}, nil
}

func (a *agent) close() {
	if sqlDB, err := a.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	_ = a.logger.Sync()
}

func withAgent(run func(context.Context, *agent) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := openAgent()
		if err != nil {
			return err
		}
		defer a.close()
		return run(cmd.Context(), a)
	}
}

func runAgent(ctx context.Context) error {
	a, err := openAgent()
	if err != nil {
		return err
	}
	defer a.close()

	if !a.config.EnableSync {
		a.logger.Info("sync disabled by license; local changes stay queued",
			zap.String("device_id", a.config.DeviceID))
		return nil
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go a.logEvents(signalCtx)

	if a.config.MetricsAddress != "" {
		metricsServer := &http.Server{
			Addr:              a.config.MetricsAddress,
			Handler:           server.NewMetricsHandler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			a.logger.Info("metrics listener starting", zap.String("address", a.config.MetricsAddress))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("metrics listener stopped", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsServer.Shutdown(shutdownCtx)
		}()
	}

	if a.live != nil {
		go func() {
			err := a.live.Run(signalCtx, func(message wire.Message) {
				if err := a.engine.ApplyLive(signalCtx, message); err != nil {
					a.logger.Warn("live message not applied", zap.Error(err))
				}
			})
			if err != nil && signalCtx.Err() == nil {
				a.logger.Error("live connection stopped", zap.Error(err))
			}
		}()
	}

	a.logger.Info("agent starting",
		zap.String("device_id", a.config.DeviceID),
		zap.String("branch_id", a.config.BranchID),
		zap.String("server_url", a.config.ServerURL),
		zap.Duration("sync_interval", a.config.SyncInterval))
	return a.engine.Run(signalCtx)
}

func (a *agent) logEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-a.engine.Events():
			switch event.Kind {
			case engine.EventCycleFinished:
				if event.Report != nil {
					a.logger.Debug("sync cycle finished",
						zap.Int("pushed", event.Report.Pushed),
						zap.Int("applied", event.Report.Applied),
						zap.Int("conflicts", event.Report.Conflicts),
						zap.Int("pulled", event.Report.Pulled))
				}
			case engine.EventConflict:
				if event.Conflict != nil && event.Conflict.Resolved == "" {
					a.logger.Warn("conflict awaiting resolution",
						zap.String("table", event.Conflict.Table),
						zap.String("record_id", event.Conflict.RecordID))
				}
			case engine.EventFatal:
				a.logger.Error("sync paused", zap.Error(event.Err))
			case engine.EventOnline, engine.EventOffline:
				a.logger.Info("connectivity changed", zap.String("state", string(event.Kind)))
			}
		}
	}
}

func newSyncCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one sync cycle and print its report",
		RunE: withAgent(func(ctx context.Context, a *agent) error {
			report, err := a.engine.SyncNow(ctx)
			if printErr := printJSON(os.Stdout, report); printErr != nil {
				return printErr
			}
			return err
		}),
	}
}

func newStatsCommand() *cobra.Command {
	var remote bool
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print local queue and replica state",
		RunE: withAgent(func(ctx context.Context, a *agent) error {
			stats, err := a.engine.Stats(ctx)
			if err != nil {
				return err
			}
			output := map[string]interface{}{"local": stats}
			if remote && a.client != nil {
				serverStats, err := a.client.Stats(ctx)
				if err != nil {
					return err
				}
				output["server"] = serverStats
			}
			return printJSON(os.Stdout, output)
		}),
	}
	cmd.Flags().BoolVar(&remote, "remote", false, "Include server-side stats")
	return cmd
}

func newEnqueueCommand() *cobra.Command {
	var (
		table     string
		recordID  string
		operation string
		data      string
	)
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Record a local change",
		RunE: withAgent(func(ctx context.Context, a *agent) error {
			parsed, err := reconcile.ParseOperation(operation)
			if err != nil {
				return err
			}
			change := reconcile.ChangeRecord{
				Table:           strings.TrimSpace(table),
				RecordID:        strings.TrimSpace(recordID),
				Operation:       parsed,
				ClientTimestamp: time.Now().UTC(),
				IsDeleted:       parsed == reconcile.OperationDelete,
			}
			if data != "" {
				change.Data = json.RawMessage(data)
			}
			item, err := a.engine.Mutate(ctx, change)
			if err != nil {
				return err
			}
			return printJSON(os.Stdout, map[string]string{"id": item.ID, "operation": item.Operation})
		}),
	}
	cmd.Flags().StringVar(&table, "table", "", "Table name")
	cmd.Flags().StringVar(&recordID, "id", "", "Record identifier")
	cmd.Flags().StringVar(&operation, "op", "update", "Operation (create, update, delete)")
	cmd.Flags().StringVar(&data, "data", "", "Record payload as JSON")
	return cmd
}

func newConflictsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "conflicts",
		Short: "List conflicts awaiting resolution",
		RunE: withAgent(func(ctx context.Context, a *agent) error {
			conflicts, err := a.engine.PendingConflicts(ctx)
			if err != nil {
				return err
			}
			return printJSON(os.Stdout, conflicts)
		}),
	}
}

func newResolveCommand() *cobra.Command {
	var (
		table      string
		recordID   string
		resolution string
		data       string
	)
	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Resolve a held conflict",
		RunE: withAgent(func(ctx context.Context, a *agent) error {
			parsed, err := reconcile.ParseResolution(resolution)
			if err != nil {
				return err
			}
			var override json.RawMessage
			if data != "" {
				override = json.RawMessage(data)
			}
			conflict, err := a.engine.ResolveConflict(ctx, table, recordID, parsed, override)
			if err != nil {
				return err
			}
			return printJSON(os.Stdout, conflict)
		}),
	}
	cmd.Flags().StringVar(&table, "table", "", "Table name")
	cmd.Flags().StringVar(&recordID, "id", "", "Record identifier")
	cmd.Flags().StringVar(&resolution, "resolution", "", "accept_server or accept_client")
	cmd.Flags().StringVar(&data, "data", "", "Edited payload for accept_client")
	return cmd
}

func printJSON(w io.Writer, value interface{}) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}

// disabledRemote stands in for the server while the license disables sync.
type disabledRemote struct{}

func (disabledRemote) Push(context.Context, []wire.PushRecord) (wire.PushResponse, error) {
	return wire.PushResponse{}, engine.ErrOffline
}

func (disabledRemote) Pull(context.Context, transport.PullQuery) (wire.PullResponse, error) {
	return wire.PullResponse{}, engine.ErrOffline
}

func (disabledRemote) Resolve(context.Context, wire.ResolveRequest) (wire.ResolveResponse, error) {
	return wire.ResolveResponse{}, engine.ErrOffline
}

func (disabledRemote) Health(context.Context) error {
	return fmt.Errorf("sync disabled: %w", engine.ErrOffline)
}
