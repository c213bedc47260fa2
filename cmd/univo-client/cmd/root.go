// Package cmd implements the univo-client command tree.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	flagServerURL string
	flagLogLevel  string
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "univo-client",
	Short: "Terminal client for the Univo signaling server",
	Long: `univo-client joins a room on a Univo signaling server and connects to
every other member over WebRTC. By default it runs data-only: lines typed on
stdin are broadcast to all connected peers over their data channels. With
--audio/--video it also captures local devices and streams them.`,
}

// Execute runs the root command. Called by main.main().
func Execute() {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newLogger() (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(flagLogLevel)); err != nil {
		return nil, fmt.Errorf("invalid --log-level %q: %w", flagLogLevel, err)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})), nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagServerURL, "server", "ws://127.0.0.1:8080/ws", "Signaling server WebSocket URL")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "Log level (debug|info|warn|error)")
}
