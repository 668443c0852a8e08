// Package cli implements the agentgate command-line interface.
package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/agentgate/agentgate/internal/config"
)

var (
	cfgFile   string
	serverURL string
	verbose   bool
	quiet     bool
	jsonOut   bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "agentgate",
	Short: "Work-order gate for long-running coding agents",
	Long: `agentgate queues, admits, and supervises long-running coding-agent
work orders.

A daemon (agentgate serve) owns the queue, admission control, and run
execution; the other commands talk to it over its API.

Quick start:
  agentgate serve                            Start the daemon
  agentgate submit "Fix login bug" -w .      Queue a work order
  agentgate status wo-1a2b3c4d               Inspect an order
  agentgate watch                            Live queue dashboard`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initViper)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is .agentgate/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "daemon URL (default derives from config)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress non-essential output")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "output as JSON")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newSubmitCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newListCmd())
	rootCmd.AddCommand(newCancelCmd())
	rootCmd.AddCommand(newKillCmd())
	rootCmd.AddCommand(newPurgeCmd())
	rootCmd.AddCommand(newQueueCmd())
	rootCmd.AddCommand(newWatchCmd())
	rootCmd.AddCommand(newVersionCmd())
}

// initViper wires the config search path and environment overrides.
func initViper() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".agentgate")
		viper.AddConfigPath("$HOME/.agentgate")
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	viper.SetEnvPrefix("AGENTGATE")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		if verbose {
			fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
		}
	}
}

// loadConfig returns the layered configuration, honoring --config.
func loadConfig() (*config.Config, error) {
	if cfgFile != "" {
		return config.LoadFile(cfgFile)
	}
	return config.Load()
}

// newLogger builds the slog logger honoring --verbose and --quiet.
func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	if quiet {
		level = slog.LevelWarn
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// daemonURL resolves the daemon base URL from --server or the config.
func daemonURL(cfg *config.Config) string {
	if serverURL != "" {
		return serverURL
	}
	host := cfg.Server.Host
	if host == "" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s:%d", host, cfg.Server.Port)
}

// apiClient builds a client for the daemon's API.
func apiClient() (*Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return NewClient(daemonURL(cfg)), nil
}
