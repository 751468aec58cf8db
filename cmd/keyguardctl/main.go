// Command keyguardctl queries a running keyguardd and works with recorded
// key timing traces.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"

	"keyguard/internal/config"
	"keyguard/internal/ipc"
)

// Version is set at build time.
var Version = "dev"

var (
	socketPath   string
	outputFormat string
	timeout      time.Duration

	rootCmd = &cobra.Command{
		Use:   "keyguardctl",
		Short: "Control and inspect the keyguard daemon",
		Long: `keyguardctl talks to a running keyguardd over its control socket and
replays recorded key timing traces through the detector offline.

Examples:
  keyguardctl status                       # Lockout state and typing speed
  keyguardctl incidents --limit 20         # Most recent flags and lockouts
  keyguardctl replay session.jsonl         # Run a trace through the detector
  keyguardctl validate session.yaml        # Check a trace against the schema
  keyguardctl status -o json               # Machine-readable output`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&socketPath, "socket", "s", "",
		"Control socket (default from the keyguardd configuration)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table",
		"Output format (table, json)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 5*time.Second,
		"Timeout for daemon requests")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "keyguardctl %s\n", Version)
		},
	})
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// resolveSocket picks the control socket: the flag, then the config file,
// then the platform default.
func resolveSocket() string {
	if socketPath != "" {
		return socketPath
	}
	if cfg, err := config.Load(""); err == nil && cfg.IPC.SocketPath != "" {
		return cfg.IPC.SocketPath
	}
	return config.GetDefaultPaths().SocketPath
}

// connect dials the daemon. The returned context bounds the request.
func connect(cmd *cobra.Command) (*ipc.IPCClient, context.Context, context.CancelFunc, error) {
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	cfg := ipc.DefaultClientConfig(resolveSocket())
	cfg.ClientName = "keyguardctl"
	cfg.ClientVersion = Version
	cfg.RequestTimeout = timeout

	client, err := ipc.Dial(ctx, cfg)
	if err != nil {
		cancel()
		if errors.Is(err, ipc.ErrDaemonNotRunning) {
			return nil, nil, nil, fmt.Errorf("keyguardd is not running (socket %s)", cfg.Address)
		}
		return nil, nil, nil, err
	}
	return client, ctx, cancel, nil
}

func checkOutput() error {
	switch outputFormat {
	case "table", "json":
		return nil
	default:
		return fmt.Errorf("unknown output format %q (want table or json)", outputFormat)
	}
}

func writeJSON(w io.Writer, v any) error {
	data, err := sonic.ConfigStd.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%s\n", data)
	return err
}
