// Package cmd provides the CLI commands for Privarion.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/privarion/privarion/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "privarion",
	Short: "Privarion - host privacy policy decision engine",
	Long: `Privarion is a host-resident policy decision engine. It evaluates
permission requests from applications against a catalog of security rules
and identifier-scoped protection policies, issues time-bounded grants, and
keeps an audit trail of every decision.

Quick start:
  1. Create a config file: privarion.yaml
  2. Run: privarion run

Configuration:
  Config is loaded from privarion.yaml in the current directory,
  $HOME/.privarion/, or /etc/privarion/.

  Environment variables can override config values with the PRIVARION_ prefix.
  Example: PRIVARION_ENGINE_LOG_LEVEL=debug

Commands:
  run         Run the decision engine
  validate    Validate the rule and policy catalogs
  reset       Reset to clean state (remove the snapshot file)
  hash-key    Generate an Argon2id hash for an operator key
  version     Print version information`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./privarion.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
