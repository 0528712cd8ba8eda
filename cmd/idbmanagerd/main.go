// Command idbmanagerd runs one IndexedDB manager core as a standalone
// daemon: it loads configuration, wires kvstore -> engine -> manager,
// exposes Prometheus metrics, and blocks until signaled to exit.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"indexeddb/dbconfig"
	"indexeddb/dblog"
	"indexeddb/dbmetrics"
	"indexeddb/engine"
	"indexeddb/kvstore"
	"indexeddb/lifecycle"
	"indexeddb/manager"
	"indexeddb/protocol"
	"indexeddb/txnpool"
	"indexeddb/valuecodec"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "idbmanagerd",
	Short:   "Standalone IndexedDB manager core",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"idbmanagerd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the manager core and block until shutdown",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("config", "", "Path to a YAML configuration file")
}

func runServe(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := dbconfig.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	dblog.Init(dblog.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	log := dblog.WithComponent("idbmanagerd")

	env, err := kvstore.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open kvstore: %w", err)
	}

	pool := txnpool.New(cfg.Workers)

	codecKind, err := valuecodec.ParseKind(cfg.ValueCodec)
	if err != nil {
		return fmt.Errorf("parse value_codec: %w", err)
	}
	codec := valuecodec.NewCodec(codecKind, cfg.CompressMinBytes)

	eng := engine.New(env, pool, codec)

	metrics, registry := dbmetrics.New()
	eng.SetMetrics(metrics)
	pool.SetMetrics(metrics)

	mgr, inbox := manager.New(eng, pool, env)
	go mgr.Run()

	lc := lifecycle.NewManager(cfg.ShutdownTimeout)
	lc.Register("manager-exit", 10, func(ctx context.Context) error {
		reply := make(chan struct{}, 1)
		inbox <- protocol.Envelope{Sync: protocol.Exit{Reply: reply}}
		select {
		case <-reply:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", dbmetrics.Handler(registry))
		metricsServer = &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("metrics server stopped unexpectedly")
			}
		}()
		lc.Register("metrics-server", 5, func(ctx context.Context) error {
			return metricsServer.Shutdown(ctx)
		})
		log.Info().Str("addr", cfg.MetricsAddr).Msg("metrics server listening")
	}

	lc.ListenForSignals()
	log.Info().Str("data_dir", cfg.DataDir).Int("workers", cfg.Workers).Msg("idbmanagerd ready")
	lc.Wait()
	return nil
}
