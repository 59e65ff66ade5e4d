// Package main is the entrypoint for the Gearbase device agent CLI.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/gearbase/gearbase/internal/agent"
	"github.com/gearbase/gearbase/internal/config"
	"github.com/gearbase/gearbase/internal/httpclient"
	"github.com/gearbase/gearbase/internal/journal"
	"github.com/gearbase/gearbase/internal/license"
	"github.com/gearbase/gearbase/internal/models"
	"github.com/gearbase/gearbase/internal/syncer"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// Build-time variables set via ldflags.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// licenseMaxAge bounds how long a license snapshot is reused.
const licenseMaxAge = 15 * time.Minute

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "gearbase-agent",
		Short: "Gearbase device agent - offline journal and sync",
		Long: `Gearbase Agent journals local changes while the device is offline and
reconciles them with the Gearbase server when it is reachable.

Run 'gearbase-agent init' to connect to a server.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.gearbase/config.yml)")

	rootCmd.AddCommand(
		newVersionCmd(),
		newInitCmd(&configPath),
		newConfigCmd(&configPath),
		newEnqueueCmd(&configPath),
		newSyncCmd(&configPath),
		newStatusCmd(&configPath),
		newLicenseCmd(&configPath),
		newStartCmd(&configPath),
	)

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Gearbase Agent %s\n", Version)
			fmt.Printf("  Commit:     %s\n", Commit)
			fmt.Printf("  Built:      %s\n", BuildDate)
			fmt.Printf("  Go version: %s\n", runtime.Version())
			fmt.Printf("  OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}

func resolvePath(configPath *string) (string, error) {
	if *configPath != "" {
		return *configPath, nil
	}
	return config.DefaultConfigPath()
}

// loadConfig reads the config and fills defaults. With requireServer set it
// fails unless the agent was initialized.
func loadConfig(configPath *string, requireServer bool) (*config.AgentConfig, string, error) {
	path, err := resolvePath(configPath)
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ApplyDefaults(); err != nil {
		return nil, "", fmt.Errorf("apply defaults: %w", err)
	}
	if requireServer {
		if err := cfg.Validate(); err != nil {
			return nil, "", fmt.Errorf("agent not configured (run 'gearbase-agent init'): %w", err)
		}
	}
	return cfg, path, nil
}

func newLogger(verbose bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).
		With().
		Timestamp().
		Logger()
}

func newInitCmd(configPath *string) *cobra.Command {
	var serverURL, apiKey string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Connect this device to a Gearbase server",
		Long: `Connect this device to a Gearbase server.

You will be prompted for an API key unless --api-key is given.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(configPath, serverURL, apiKey)
		},
	}

	cmd.Flags().StringVar(&serverURL, "server", "", "Gearbase server URL (required)")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "API key (prompted if omitted)")
	_ = cmd.MarkFlagRequired("server")

	return cmd
}

func runInit(configPath *string, serverURL, apiKey string) error {
	parsed, err := url.Parse(serverURL)
	if err != nil {
		return fmt.Errorf("invalid server URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return errors.New("server URL must use http or https scheme")
	}

	if apiKey == "" {
		fmt.Print("Enter API key: ")
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil {
			return fmt.Errorf("read API key: %w", err)
		}
		apiKey = strings.TrimSpace(line)
	}
	if apiKey == "" {
		return errors.New("API key cannot be empty")
	}

	cfg, path, err := loadConfig(configPath, false)
	if err != nil {
		return err
	}
	cfg.ServerURL = strings.TrimSuffix(serverURL, "/")
	cfg.APIKey = apiKey

	if err := cfg.Save(path); err != nil {
		return fmt.Errorf("save config: %w", err)
	}

	fmt.Printf("Configuration saved to %s\n", path)
	fmt.Printf("Server: %s\n", cfg.ServerURL)
	fmt.Printf("Device: %s (%s)\n", cfg.DeviceName, cfg.DeviceID)
	fmt.Println("Run 'gearbase-agent license' to verify the connection.")
	return nil
}

func newConfigCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage agent configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, err := loadConfig(configPath, false)
			if err != nil {
				return err
			}
			fmt.Printf("Config file:    %s\n", path)
			fmt.Printf("Server URL:     %s\n", valueOr(cfg.ServerURL, "(not set)"))
			fmt.Printf("API Key:        %s\n", maskKey(cfg.APIKey))
			fmt.Printf("Device:         %s (%s)\n", cfg.DeviceName, cfg.DeviceID)
			fmt.Printf("Data dir:       %s\n", cfg.DataDir)
			fmt.Printf("Sync schedule:  %s\n", cfg.SyncSchedule)
			fmt.Printf("Batch size:     %d\n", cfg.Sync.BatchSize)
			fmt.Printf("Max retries:    %d\n", cfg.Sync.MaxRetries)
			fmt.Printf("Proxy:          %s\n", httpclient.Describe(cfg.Proxy))
			return nil
		},
	})

	var schedule string
	setSchedule := &cobra.Command{
		Use:   "set-schedule",
		Short: "Set the background sync schedule (cron spec)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := cron.ParseStandard(schedule); err != nil {
				return fmt.Errorf("invalid schedule %q: %w", schedule, err)
			}
			cfg, path, err := loadConfig(configPath, false)
			if err != nil {
				return err
			}
			cfg.SyncSchedule = schedule
			if err := cfg.Save(path); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			fmt.Printf("Sync schedule set to %s\n", schedule)
			return nil
		},
	}
	setSchedule.Flags().StringVar(&schedule, "schedule", "", "cron spec, e.g. '@every 10m' (required)")
	_ = setSchedule.MarkFlagRequired("schedule")
	cmd.AddCommand(setSchedule)

	var proxyCfg config.ProxyConfig
	var clearProxy bool
	setProxy := &cobra.Command{
		Use:   "set-proxy",
		Short: "Route server traffic through a forward proxy",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, err := loadConfig(configPath, false)
			if err != nil {
				return err
			}
			if clearProxy {
				cfg.Proxy = nil
			} else {
				if !proxyCfg.HasProxy() {
					return errors.New("set --http, --https or --socks5, or pass --clear")
				}
				if _, err := httpclient.New(httpclient.Options{Proxy: &proxyCfg}); err != nil {
					return err
				}
				p := proxyCfg
				cfg.Proxy = &p
			}
			if err := cfg.Save(path); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			fmt.Printf("Proxy: %s\n", httpclient.Describe(cfg.Proxy))
			return nil
		},
	}
	setProxy.Flags().StringVar(&proxyCfg.HTTPProxy, "http", "", "proxy for http:// requests")
	setProxy.Flags().StringVar(&proxyCfg.HTTPSProxy, "https", "", "proxy for https:// requests")
	setProxy.Flags().StringVar(&proxyCfg.SOCKS5Proxy, "socks5", "", "SOCKS5 proxy URL (takes precedence)")
	setProxy.Flags().StringVar(&proxyCfg.NoProxy, "no-proxy", "", "comma-separated hosts that bypass the proxy")
	setProxy.Flags().BoolVar(&clearProxy, "clear", false, "remove the proxy settings")
	cmd.AddCommand(setProxy)

	return cmd
}

func valueOr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

func maskKey(key string) string {
	if key == "" {
		return "(not set)"
	}
	if len(key) <= 8 {
		return "****"
	}
	return key[:7] + "****" + key[len(key)-4:]
}

// openJournal opens the device's change journal under the data directory.
func openJournal(cfg *config.AgentConfig, logger zerolog.Logger) (*journal.SQLiteStore, error) {
	store, err := journal.NewSQLiteStore(cfg.DataDir, logger)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	return store, nil
}

// newClient creates the sync server client, honoring proxy settings.
func newClient(cfg *config.AgentConfig) (*agent.Client, error) {
	hc, err := httpclient.ForAgent(cfg, agent.DefaultTimeout)
	if err != nil {
		return nil, fmt.Errorf("http client: %w", err)
	}
	return agent.NewClientWithHTTP(cfg.ServerURL, cfg.APIKey, hc), nil
}

// newCoordinator wires the journal to the server. A nil health checker
// makes one-shot commands attempt the upload directly.
func newCoordinator(cfg *config.AgentConfig, store journal.Store, withHealth bool, logger zerolog.Logger) (*syncer.Coordinator, error) {
	client, err := newClient(cfg)
	if err != nil {
		return nil, err
	}
	gate := agent.NewLicenseGate(client, license.VerifyRequest{
		DeviceID:   cfg.DeviceID,
		DeviceName: cfg.DeviceName,
		AppVersion: Version,
	}, licenseMaxAge, logger)

	cc := syncer.CoordinatorConfig{
		Journal: store,
		Applier: client,
		Gate:    gate,
		Config:  cfg.Sync,
		Logger:  logger,
	}
	if withHealth {
		cc.Health = client
	}
	return syncer.NewCoordinator(cc), nil
}

func newEnqueueCmd(configPath *string) *cobra.Command {
	var (
		table, op, recordID string
		values, prior       string
	)

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Journal a local change for later sync",
		Example: `  gearbase-agent enqueue --table inventory_items --op UPDATE --record item-42 \
    --values '{"quantity": 5}' --prior '{"quantity": 7, "updated_at": "2026-10-01T09:00:00Z"}'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(configPath, false)
			if err != nil {
				return err
			}
			m := journal.Mutation{
				TableName: table,
				Operation: models.Operation(strings.ToUpper(op)),
				RecordID:  recordID,
			}
			if m.NewValues, err = parseValues(values); err != nil {
				return fmt.Errorf("--values: %w", err)
			}
			if m.PriorValues, err = parseValues(prior); err != nil {
				return fmt.Errorf("--prior: %w", err)
			}
			if !syncer.IsSyncable(table) {
				fmt.Fprintf(os.Stderr, "warning: table %q is not synced by the server; the change will be rejected on upload\n", table)
			}

			store, err := openJournal(cfg, newLogger(false))
			if err != nil {
				return err
			}
			defer store.Close()

			entry, err := store.Enqueue(cmd.Context(), m)
			if err != nil {
				return err
			}
			fmt.Printf("Journaled %s %s/%s as %s\n", entry.Operation, entry.TableName, entry.RecordID, entry.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&table, "table", "", "table name (required)")
	cmd.Flags().StringVar(&op, "op", "", "operation: INSERT, UPDATE or DELETE (required)")
	cmd.Flags().StringVar(&recordID, "record", "", "record ID (required)")
	cmd.Flags().StringVar(&values, "values", "", "new values as a JSON object")
	cmd.Flags().StringVar(&prior, "prior", "", "prior values as a JSON object (UPDATE)")
	_ = cmd.MarkFlagRequired("table")
	_ = cmd.MarkFlagRequired("op")
	_ = cmd.MarkFlagRequired("record")

	return cmd
}

func parseValues(s string) (models.Values, error) {
	if s == "" {
		return nil, nil
	}
	var v models.Values
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, fmt.Errorf("invalid JSON object: %w", err)
	}
	return v, nil
}

func newSyncCmd(configPath *string) *cobra.Command {
	var verbose bool

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Upload pending changes now",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(configPath, true)
			if err != nil {
				return err
			}
			logger := newLogger(verbose)
			store, err := openJournal(cfg, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			coord, err := newCoordinator(cfg, store, false, logger)
			if err != nil {
				return err
			}
			result, err := coord.SyncNow(cmd.Context())
			if err != nil {
				return fmt.Errorf("sync: %w", err)
			}

			fmt.Printf("Synced: %d  Failed: %d  Retrying: %d  Conflicts: %d\n",
				result.Synced, result.Failed, result.Retrying, result.Conflicts)
			for _, e := range result.Errors {
				fmt.Printf("  %s: %s\n", e.ChangeID, e.Error)
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	return cmd
}

func newStatusCmd(configPath *string) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show journal status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(configPath, false)
			if err != nil {
				return err
			}
			store, err := openJournal(cfg, newLogger(false))
			if err != nil {
				return err
			}
			defer store.Close()

			status, err := store.Status(cmd.Context())
			if err != nil {
				return err
			}
			if cfg.IsConfigured() {
				client, err := newClient(cfg)
				if err != nil {
					return err
				}
				ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
				status.ServerReachable = client.CheckHealth(ctx) == nil
				cancel()
			}

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(status)
			}

			fmt.Printf("Pending:  %d\n", status.PendingCount)
			fmt.Printf("Synced:   %d\n", status.SyncedCount)
			fmt.Printf("Failed:   %d\n", status.FailedCount)
			if status.OldestPendingAt != nil {
				fmt.Printf("Oldest pending: %s\n", status.OldestPendingAt.Format(time.RFC3339))
			}
			if status.LastSuccessSync != nil {
				fmt.Printf("Last sync:      %s\n", status.LastSuccessSync.Format(time.RFC3339))
			}
			if cfg.IsConfigured() {
				fmt.Printf("Server:   %s (reachable: %t)\n", cfg.ServerURL, status.ServerReachable)
			} else {
				fmt.Println("Server:   not configured")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newLicenseCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "license",
		Short: "Verify the license and show what this device may do",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(configPath, true)
			if err != nil {
				return err
			}
			client, err := newClient(cfg)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), agent.DefaultTimeout)
			defer cancel()

			resp, err := client.VerifyLicense(ctx, &license.VerifyRequest{
				DeviceID:   cfg.DeviceID,
				DeviceName: cfg.DeviceName,
				AppVersion: Version,
			})
			if err != nil {
				return fmt.Errorf("verify license: %w", err)
			}

			fmt.Printf("Plan:    %s\n", resp.Plan)
			fmt.Printf("Status:  %s\n", resp.Status)
			if resp.Status != license.StatusActive {
				fmt.Printf("Grace:   %d days remaining\n", resp.GracePeriod.DaysRemaining)
			}
			for _, a := range license.AllActions() {
				if reason := license.BlockReason(resp.Status, resp.Plan, a); reason != "" {
					fmt.Printf("  %-14s blocked: %s\n", a, reason)
				} else {
					fmt.Printf("  %-14s allowed\n", a)
				}
			}
			if resp.UpdateRequired {
				fmt.Printf("Update required: minimum app version is %s\n", resp.MinRequiredAppVersion)
			}
			return nil
		},
	}
}

func newStartCmd(configPath *string) *cobra.Command {
	var verbose bool

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the sync daemon",
		Long: `Start the Gearbase agent as a long-running daemon process.

The daemon will:
  - Monitor server reachability and drain the journal on reconnection
  - Drain the journal on the configured sync schedule`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(configPath, true)
			if err != nil {
				return err
			}
			return runDaemon(cmd.Context(), cfg, newLogger(verbose))
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	return cmd
}

func runDaemon(ctx context.Context, cfg *config.AgentConfig, logger zerolog.Logger) error {
	store, err := openJournal(cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	// The cron schedule drives periodic drains.
	cfg.Sync.SyncInterval = 0
	coord, err := newCoordinator(cfg, store, true, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := coord.Start(ctx); err != nil {
		return fmt.Errorf("start coordinator: %w", err)
	}
	defer coord.Stop()

	scheduler := cron.New()
	_, err = scheduler.AddFunc(cfg.SyncSchedule, func() {
		result, err := coord.SyncNow(ctx)
		if err != nil {
			if errors.Is(err, syncer.ErrServerUnreachable) {
				logger.Debug().Msg("server unreachable, skipping scheduled sync")
				return
			}
			logger.Error().Err(err).Msg("scheduled sync failed")
			return
		}
		logger.Info().
			Int("synced", result.Synced).
			Int("failed", result.Failed).
			Int("retrying", result.Retrying).
			Msg("scheduled sync completed")
	})
	if err != nil {
		return fmt.Errorf("invalid sync schedule %q: %w", cfg.SyncSchedule, err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	fmt.Printf("Gearbase Agent %s running\n", Version)
	fmt.Printf("Server:   %s\n", cfg.ServerURL)
	fmt.Printf("Schedule: %s\n", cfg.SyncSchedule)
	fmt.Println("Press Ctrl+C to stop.")

	<-ctx.Done()
	fmt.Println("\nShutting down...")
	return nil
}
