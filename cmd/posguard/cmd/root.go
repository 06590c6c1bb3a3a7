// Package cmd provides the CLI commands for posguard.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Sentinel-Gate/posguard/internal/config"
)

var cfgFile string
var envFile string

var rootCmd = &cobra.Command{
	Use:   "posguard",
	Short: "posguard - client-side security layer for the POS data API",
	Long: `posguard intercepts every call the POS client makes to its backend data API.

It rate limits calls per category, scans inputs, enforces store scoping for
workers, attaches anti-forgery tokens and keeps a rolling security log that
can be exported or forwarded to a monitoring endpoint.

Quick start:
  1. Create a config file: posguard.yaml
  2. Run: posguard serve

Configuration:
  Config is loaded from posguard.yaml in the current directory,
  $HOME/.posguard/, or /etc/posguard/. A .env file in the current
  directory is read first.

  Environment variables override config values with the POSGUARD_ prefix.
  Example: POSGUARD_SERVER_HTTP_ADDR=127.0.0.1:9090

Commands:
  serve          Run the security layer and its status server
  stop           Stop the running server
  probe          Sign in and run one guarded query
  export         Export the stored security log
  summary        Print a summary of the stored security log
  reset          Clear the stored security log
  hash-password  Generate an Argon2id hash for the admin password
  version        Print version information`,
	SilenceUsage: true,
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
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./posguard.yaml)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "dotenv file to load before reading the environment (default: ./.env)")
}

func initConfig() {
	var files []string
	if envFile != "" {
		files = append(files, envFile)
	}
	if err := config.LoadDotEnv(files...); err != nil {
		fmt.Fprintln(os.Stderr, "warning:", err)
	}
	config.InitViper(cfgFile)
}
