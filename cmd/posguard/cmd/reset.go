package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var resetForce bool

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Clear the stored security log",
	Long: `Clear every persisted log entry, threat and failed login.

The storage itself (file or database) is kept and rewritten empty.

Examples:
  # Interactive confirmation
  posguard reset

  # Without prompting
  posguard reset --force`,
	RunE: runReset,
}

func init() {
	resetCmd.Flags().BoolVar(&resetForce, "force", false, "Skip confirmation prompt")
	rootCmd.AddCommand(resetCmd)
}

func runReset(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(false)
	if err != nil {
		return err
	}
	logger := newLogger(os.Stderr, cfg.Log.Level, cfg.Log.Format, false)

	ctx := context.Background()
	seclog, ls, err := newOfflineLogger(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer ls.close()

	summary := seclog.Summary()
	if summary.TotalEntries == 0 && summary.TotalThreats == 0 && summary.TotalFailedAuth == 0 {
		fmt.Fprintln(os.Stderr, "Nothing to reset: the security log is empty.")
		return nil
	}

	fmt.Fprintf(os.Stderr, "The security log at %s holds %d entries and %d threats.\n",
		cfg.Logger.Storage, summary.TotalEntries, summary.TotalThreats)
	if !resetForce {
		fmt.Fprint(os.Stderr, "\nClear it? [y/N] ")
		var answer string
		fmt.Fscanln(cmd.InOrStdin(), &answer) //nolint:errcheck // interactive prompt, error irrelevant
		if answer != "y" && answer != "Y" {
			fmt.Fprintln(os.Stderr, "Aborted.")
			return nil
		}
	}

	seclog.Clear(ctx)
	fmt.Fprintln(os.Stderr, "Security log cleared.")
	return nil
}
