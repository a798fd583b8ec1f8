// Kasa discovers and controls smart plugs and bulbs on the local network.
//
// Devices are found by UDP broadcast and addressed over TCP port 9999 with
// the devices' obfuscated JSON protocol. Discovered devices can be remembered
// in the config file so later commands can reach them by unicast.
//
// Usage:
//
//	kasa [command] [flags]
//
// See 'kasa --help' for available commands.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/muurk/kasa/internal/config"
	"github.com/muurk/kasa/internal/logging"
	"github.com/muurk/kasa/internal/version"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	logging.Sync()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// Global flags
var (
	logLevel   string
	configPath string

	// registry is loaded before every command runs
	registry *config.Registry
)

var rootCmd = &cobra.Command{
	Use:   "kasa",
	Short: "Smart plug and bulb client",
	Long: `Discover and control smart plugs and bulbs on the local network.

Devices answer a UDP broadcast on port 9999 and accept commands over TCP on
the same port. Discovery keeps track of devices going offline and coming
back; individual commands talk to one device directly.

Logging is silent unless --log-level or KASA_LOG_LEVEL is set.`,
	Version:       version.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if logLevel != "" {
			if err := logging.Initialize(logLevel); err != nil {
				return fmt.Errorf("failed to initialize logging: %w", err)
			}
		} else if err := logging.InitializeFromEnv(); err != nil {
			return fmt.Errorf("failed to initialize logging: %w", err)
		}

		var err error
		if configPath != "" {
			registry, err = config.Load(configPath)
		} else {
			registry, err = config.LoadRegistry()
		}
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		return nil
	},
}

func init() {
	// Disable automatic completion command generation
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error); overrides KASA_LOG_LEVEL")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default $XDG_CONFIG_HOME/kasa/config.yaml)")

	rootCmd.AddCommand(versionCmd)
}

var versionJSON bool

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		if versionJSON {
			return printJSON(cmd.OutOrStdout(), version.Get())
		}
		fmt.Fprintf(cmd.OutOrStdout(), "kasa %s\n", version.Full())
		return nil
	},
}

func init() {
	versionCmd.Flags().BoolVar(&versionJSON, "json", false, "Print as JSON")
}

// saveConfig writes the registry back to where it was loaded from.
func saveConfig() error {
	if configPath != "" {
		return registry.SaveTo(configPath)
	}
	return registry.Save()
}
