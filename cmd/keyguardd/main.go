// Command keyguardd watches keyboard timing and locks input out when it
// looks injected.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"keyguard/internal/config"
)

// Version is set at build time.
var Version = "dev"

var (
	configPath string
	logLevel   string
	writeInit  bool

	rootCmd = &cobra.Command{
		Use:   "keyguardd [flags]",
		Short: "Keystroke injection guard",
		Long: `keyguardd watches the timing of every key press on the system.

Typing faster than 300 WPM over the last 20 keystrokes, or releasing a key
less than 5 ms after pressing it, locks the keyboard for 30 seconds.

Examples:
  keyguardd                              # Run with the default configuration
  keyguardd --config /etc/keyguard.toml  # Run with an explicit config file
  keyguardd --log-level debug            # Override the configured log level
  keyguardd config --init                # Write the default configuration`,
		SilenceUsage: true,
		RunE:         runDaemon,
	}

	configCmd = &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE:  runConfig,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "keyguardd %s\n", Version)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"Configuration file (default "+config.ConfigPath()+")")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "",
		"Log level override (debug, info, warn, error)")

	configCmd.Flags().BoolVar(&writeInit, "init", false,
		"Write the default configuration to the config path if none exists")

	rootCmd.AddCommand(configCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	loader := config.NewLoader(configPath)
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	daemon, err := NewDaemon(cfg, DaemonOptions{Version: Version})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := daemon.Start(ctx); err != nil {
		return err
	}

	if logLevel == "" {
		loader.OnChange(daemon.ApplyConfig)
	}
	if err := loader.Watch(); err != nil {
		daemon.Logger().Warn("config watch disabled", "path", loader.Path(), "error", err)
	}
	defer loader.Close()

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Monitoring typing speed...")
	if addr := daemon.IPCAddr(); addr != "" {
		fmt.Fprintf(out, "Control socket: %s\n", addr)
	}
	if addr := daemon.MetricsAddr(); addr != "" {
		fmt.Fprintf(out, "Metrics: http://%s/metrics\n", addr)
	}

	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(out, "Shutting down...")
			return daemon.Stop(context.Background(), "signal")
		case err := <-loader.Errors():
			daemon.Logger().Warn("config reload failed", "error", err)
		}
	}
}

func runConfig(cmd *cobra.Command, _ []string) error {
	path := configPath
	if path == "" {
		path = config.ConfigPath()
	}

	if writeInit {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}
		if err := config.Save(config.DefaultConfig(), path); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
		return nil
	}

	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	return config.Encode(cmd.OutOrStdout(), cfg)
}
