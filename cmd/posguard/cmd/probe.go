package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Sentinel-Gate/posguard/internal/domain/clock"
	"github.com/Sentinel-Gate/posguard/internal/domain/pipeline"
)

var (
	probeEmail         string
	probePasswordStdin bool
	probeTable         string
	probeFilters       []string
	probeTimeout       time.Duration
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Sign in and run one guarded query",
	Long: `Sign in to the backend through the security pipeline, run one select and
sign out again. Rate limiting, scoping and logging apply exactly as they do
for the POS client. The rows are printed as JSON.

The password is read from POSGUARD_PROBE_PASSWORD or, with --password-stdin,
from standard input.

Example:
  POSGUARD_PROBE_PASSWORD=secret posguard probe \
    --email cashier@example.com --table sales --eq store_id=store-1`,
	RunE: runProbe,
}

func init() {
	probeCmd.Flags().StringVar(&probeEmail, "email", "", "Login email")
	probeCmd.Flags().BoolVar(&probePasswordStdin, "password-stdin", false, "Read the password from standard input")
	probeCmd.Flags().StringVar(&probeTable, "table", "", "Table to select from")
	probeCmd.Flags().StringArrayVar(&probeFilters, "eq", nil, "Equality filter column=value (repeatable)")
	probeCmd.Flags().DurationVar(&probeTimeout, "timeout", 30*time.Second, "Overall timeout")
	_ = probeCmd.MarkFlagRequired("email")
	_ = probeCmd.MarkFlagRequired("table")
	rootCmd.AddCommand(probeCmd)
}

// parseFilters turns column=value pairs into equality filters.
func parseFilters(pairs []string) ([]pipeline.Filter, error) {
	filters := make([]pipeline.Filter, 0, len(pairs))
	for _, p := range pairs {
		column, value, ok := strings.Cut(p, "=")
		if !ok || column == "" {
			return nil, fmt.Errorf("invalid filter %q (want column=value)", p)
		}
		filters = append(filters, pipeline.Eq(column, value))
	}
	return filters, nil
}

func runProbe(cmd *cobra.Command, args []string) error {
	filters, err := parseFilters(probeFilters)
	if err != nil {
		return err
	}
	var password string
	if probePasswordStdin {
		if password, err = passwordInput(nil, true, cmd.InOrStdin()); err != nil {
			return err
		}
	} else if password = os.Getenv("POSGUARD_PROBE_PASSWORD"); password == "" {
		return errors.New("set POSGUARD_PROBE_PASSWORD or use --password-stdin")
	}

	cfg, err := loadConfig(false)
	if err != nil {
		return err
	}
	logger := newLogger(os.Stderr, cfg.Log.Level, cfg.Log.Format, false)

	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	a, err := newApp(cfg, logger, clock.System{})
	if err != nil {
		return err
	}
	defer func() {
		if err := a.stop(); err != nil {
			logger.Warn("shutdown error", "error", err)
		}
	}()
	if err := a.start(ctx); err != nil {
		return err
	}

	sess, err := a.signIn(ctx, probeEmail, password)
	if err != nil {
		return fmt.Errorf("sign in: %w", err)
	}
	logger.Info("signed in", "user_id", sess.UserID, "role", sess.Role, "store_id", sess.StoreID)
	defer func() {
		if err := a.signOut(context.Background()); err != nil {
			logger.Warn("sign out failed", "error", err)
		}
	}()

	rows, err := a.data.Select(ctx, probeTable, filters...)
	if err != nil {
		return fmt.Errorf("select %s: %w", probeTable, err)
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(rows)
}
