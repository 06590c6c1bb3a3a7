package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Sentinel-Gate/posguard/internal/domain/securitylog"
)

var (
	exportFormat string
	exportOutput string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the stored security log",
	Long: `Export the persisted security log as JSON, CSV or YAML.

Requires logger.storage to be a file:// or sqlite:// URL.

Examples:
  posguard export --format csv --output audit.csv
  posguard export --format yaml`,
	RunE: runExport,
}

func init() {
	exportCmd.Flags().StringVarP(&exportFormat, "format", "f", "json", "Export format: json, csv or yaml")
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "Write to this file instead of stdout")
	rootCmd.AddCommand(exportCmd)
}

func runExport(cmd *cobra.Command, args []string) error {
	format, err := securitylog.ParseFormat(exportFormat)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(false)
	if err != nil {
		return err
	}
	logger := newLogger(os.Stderr, cfg.Log.Level, cfg.Log.Format, false)

	seclog, ls, err := newOfflineLogger(context.Background(), cfg, logger)
	if err != nil {
		return err
	}
	defer ls.close()

	data, err := seclog.Export(format)
	if err != nil {
		return fmt.Errorf("export security log: %w", err)
	}
	if exportOutput == "" {
		_, err = cmd.OutOrStdout().Write(data)
		return err
	}
	if err := os.WriteFile(exportOutput, data, 0o600); err != nil {
		return fmt.Errorf("write export: %w", err)
	}
	fmt.Fprintf(os.Stderr, "Exported security log to %s\n", exportOutput)
	return nil
}
