package main

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"ridercomm/pkg/config"
	"ridercomm/pkg/logger"
	"ridercomm/pkg/validation"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	flagServer   string
	flagConfig   string
	flagMic      string
	flagLoop     bool
	flagRecord   string
	flagLogLevel string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "ridercall",
	Short: "Voice calls between riders on the same local network",
	Long: `ridercall joins a voice call hosted on a ridercomm relay running on the
local network. One rider hosts a room, the others join it with the room code.

Examples:
  ridercall host
  ridercall join K3X9Q2A --server 192.168.43.1:3000
  ridercall join k3x9q2a --mic intercom.ogg --record ./calls
  ridercall addrs`,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flagServer, "server", "", "relay address (host:port, http(s):// or ws(s):// URL)")
	pf.StringVar(&flagConfig, "config", "", "path to config.yaml")
	pf.StringVar(&flagLogLevel, "log-level", "", "log level (debug, info, warn, error)")

	for _, c := range []*cobra.Command{hostCmd, joinCmd} {
		c.Flags().StringVar(&flagMic, "mic", "", "Opus-in-Ogg file to send as the microphone")
		c.Flags().BoolVar(&flagLoop, "loop", true, "restart the --mic file when it ends")
		c.Flags().StringVar(&flagRecord, "record", "", "directory to record each remote rider into")
	}

	rootCmd.AddCommand(hostCmd, joinCmd, addrsCmd)
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, _, err := config.LoadFirst(
		flagConfig,
		os.Getenv("RIDERCOMM_CONFIG"),
		"configs/config.yaml",
		"config.yaml",
	)
	if err != nil {
		return nil, err
	}
	if flagLogLevel != "" {
		cfg.Logging.Level = flagLogLevel
	}
	if flagServer != "" {
		u, err := signalURL(flagServer, cfg.Signal.Path)
		if err != nil {
			return nil, err
		}
		cfg.Client.ServerURL = u
	}
	if err := validation.ValidateSignalURL(cfg.Client.ServerURL); err != nil {
		return nil, fmt.Errorf("relay address: %w", err)
	}
	return cfg, nil
}

// newLogger writes console logs to stderr so they stay out of the call
// transcript on stdout.
func newLogger(cfg *config.Config) *zap.SugaredLogger {
	return logger.NewWithFormat(cfg.Logging.Level, "console").Sugar()
}

// signalURL turns what a rider types into the relay's WebSocket URL.
// A bare host:port uses ws and the configured path.
func signalURL(input, path string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", fmt.Errorf("relay address is empty")
	}
	if !strings.Contains(input, "://") {
		input = "ws://" + input
	}

	u, err := url.Parse(input)
	if err != nil {
		return "", fmt.Errorf("invalid relay address %q: %w", input, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = path
	}

	out := u.String()
	if err := validation.ValidateSignalURL(out); err != nil {
		return "", err
	}
	return out, nil
}
