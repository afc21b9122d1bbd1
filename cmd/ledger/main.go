package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pageledger/ledger/pkg/cloudrpc"
	"github.com/pageledger/ledger/pkg/ledgermgr"
	"github.com/pageledger/ledger/pkg/log"
	"github.com/pageledger/ledger/pkg/metrics"
	"github.com/pageledger/ledger/pkg/pagestore"
	"github.com/pageledger/ledger/pkg/types"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "ledger",
	Short:   "Embedded, syncable key-value page store",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("ledger version %s\nCommit: %s\n", Version, Commit))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("config", "", "Path to a repository YAML config file")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(pageCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
}

func addRepositoryFlags(cmd *cobra.Command) {
	cmd.Flags().String("data-dir", "", "Repository root directory (required, or set data_dir in --config)")
	cmd.Flags().String("namespace", "", "P2P namespace this repository participates in")
	cmd.Flags().String("device-fingerprint", "", "This device's fingerprint, for cloud device-set registration")
	cmd.Flags().String("bind-addr", "", "Address the P2P mesh listens on")
	cmd.Flags().String("cloud-addr", "", "Cloud sync server address (host:port); sync disabled if empty")
	cmd.Flags().String("merge-policy", "", "LAST_ONE_WINS | AUTOMATIC_WITH_FALLBACK | CUSTOM")
	cmd.Flags().String("gc-policy", "", "NEVER | EAGER_LIVE_REFERENCES | ON_DEMAND")
	cmd.Flags().String("metrics-addr", "", "Address the /metrics HTTP endpoint listens on")
}

func resolveConfig(cmd *cobra.Command) (RepositoryConfig, error) {
	configPath, _ := rootCmd.PersistentFlags().GetString("config")
	overrides := RepositoryConfig{}
	overrides.DataDir, _ = cmd.Flags().GetString("data-dir")
	overrides.Namespace, _ = cmd.Flags().GetString("namespace")
	overrides.DeviceFingerprint, _ = cmd.Flags().GetString("device-fingerprint")
	overrides.BindAddr, _ = cmd.Flags().GetString("bind-addr")
	overrides.CloudAddr, _ = cmd.Flags().GetString("cloud-addr")
	overrides.MergePolicy, _ = cmd.Flags().GetString("merge-policy")
	overrides.GCPolicy, _ = cmd.Flags().GetString("gc-policy")
	overrides.MetricsAddr, _ = cmd.Flags().GetString("metrics-addr")

	return loadRepositoryConfig(configPath, overrides, func(flag string) bool {
		return cmd.Flags().Changed(flag)
	})
}

func openEnvironment(cfg RepositoryConfig) (*ledgermgr.Environment, error) {
	envCfg := ledgermgr.Config{
		DataDir:           cfg.DataDir,
		Namespace:         cfg.Namespace,
		DeviceFingerprint: types.DeviceFingerprint(cfg.DeviceFingerprint),
		MergePolicy:       types.MergePolicy(cfg.MergePolicy),
		Options:           types.Options{GarbageCollectionPolicy: types.GCPolicy(cfg.GCPolicy)},
	}

	if cfg.CloudAddr != "" {
		conn, err := cloudrpc.Dial(cfg.CloudAddr)
		if err != nil {
			return nil, fmt.Errorf("failed to dial cloud sync server: %w", err)
		}
		envCfg.CloudClient = cloudrpc.NewClient(conn)
	}

	return ledgermgr.NewEnvironment(envCfg)
}

// serveCmd runs the repository as a long-lived process: cloud sync (if
// --cloud-addr is set), metrics, and — if --bind-addr is set — a P2P mesh
// listener, until signaled. openEnvironment configures no device-set
// client, so serve does no device-set watching.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the repository, syncing to the cloud and to connected peers",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := resolveConfig(cmd)
		if err != nil {
			return err
		}

		env, err := openEnvironment(cfg)
		if err != nil {
			return fmt.Errorf("failed to open environment: %w", err)
		}

		if err := env.Start(context.Background()); err != nil {
			return fmt.Errorf("failed to start environment: %w", err)
		}
		fmt.Printf("✓ Environment ready at %s (namespace %q)\n", cfg.DataDir, cfg.Namespace)

		if cfg.BindAddr != "" {
			if err := env.ListenP2P(cfg.BindAddr); err != nil {
				return fmt.Errorf("failed to bind p2p listener: %w", err)
			}
			fmt.Printf("✓ P2P mesh listening on %s\n", cfg.BindAddr)
		} else {
			fmt.Println("  P2P mesh disabled (no --bind-addr)")
		}

		metrics.Register()
		collector := metrics.NewCollector(env)
		collector.Start()

		go func() {
			http.Handle("/metrics", metrics.Handler())
			if err := http.ListenAndServe(cfg.MetricsAddr, nil); err != nil {
				fmt.Fprintf(os.Stderr, "metrics server error: %v\n", err)
			}
		}()
		fmt.Printf("✓ Metrics endpoint: http://%s/metrics\n", cfg.MetricsAddr)

		if cfg.CloudAddr != "" {
			fmt.Printf("✓ Cloud sync target: %s\n", cfg.CloudAddr)
		} else {
			fmt.Println("  Cloud sync disabled (no --cloud-addr)")
		}
		fmt.Println("Repository is running. Press Ctrl+C to stop.")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh
		fmt.Println("\nShutting down...")

		collector.Stop()
		if err := env.Close(); err != nil {
			return fmt.Errorf("failed to shut down cleanly: %v", err)
		}
		fmt.Println("✓ Shutdown complete")
		return nil
	},
}

var pageCmd = &cobra.Command{
	Use:   "page",
	Short: "Read and write a single page without a long-running server",
}

func init() {
	for _, cmd := range []*cobra.Command{serveCmd, pagePutCmd, pageGetCmd, pageDeleteCmd, pageClearCmd} {
		addRepositoryFlags(cmd)
	}
	pageCmd.AddCommand(pagePutCmd, pageGetCmd, pageDeleteCmd, pageClearCmd)
}

func openPageFromFlags(cmd *cobra.Command, pageIDHex string) (*ledgermgr.Environment, *pagestore.Page, error) {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	id, err := types.ParsePageID(pageIDHex)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid page id: %w", err)
	}
	env, err := openEnvironment(cfg)
	if err != nil {
		return nil, nil, err
	}
	page, err := env.OpenPage(id)
	if err != nil {
		_ = env.Close()
		return nil, nil, err
	}
	return env, page, nil
}

var pagePutCmd = &cobra.Command{
	Use:   "put <page-id> <key> <value>",
	Short: "Write one key, auto-committing immediately",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, page, err := openPageFromFlags(cmd, args[0])
		if err != nil {
			return err
		}
		defer env.Close()
		return page.Put(args[1], []byte(args[2]), types.PriorityEager)
	},
}

var pageGetCmd = &cobra.Command{
	Use:   "get <page-id> <key>",
	Short: "Read one key from the page's current snapshot",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, page, err := openPageFromFlags(cmd, args[0])
		if err != nil {
			return err
		}
		defer env.Close()
		snap, err := page.GetSnapshot("")
		if err != nil {
			return err
		}
		defer snap.Release()
		v, err := snap.GetInline(args[1])
		if err != nil {
			return err
		}
		fmt.Println(string(v))
		return nil
	},
}

var pageDeleteCmd = &cobra.Command{
	Use:   "delete <page-id> <key>",
	Short: "Delete one key, auto-committing immediately",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, page, err := openPageFromFlags(cmd, args[0])
		if err != nil {
			return err
		}
		defer env.Close()
		return page.Delete(args[1])
	},
}

var pageClearCmd = &cobra.Command{
	Use:   "clear <page-id>",
	Short: "Delete every key in the page, auto-committing immediately",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, page, err := openPageFromFlags(cmd, args[0])
		if err != nil {
			return err
		}
		defer env.Close()
		return page.Clear()
	},
}
