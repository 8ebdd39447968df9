package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/matsci-hpc/conductor/internal/core/config"
	"github.com/matsci-hpc/conductor/internal/infra/storage/postgres"
	"github.com/spf13/cobra"
)

var statsWindow time.Duration

var recoveryStatsCmd = &cobra.Command{
	Use:   "recovery-stats",
	Short: "Show recovery outcomes per workflow and error kind",
	Run:   runRecoveryStats,
}

func init() {
	recoveryStatsCmd.Flags().DurationVar(&statsWindow, "window", 24*time.Hour, "look-back window")
	rootCmd.AddCommand(recoveryStatsCmd)
}

func runRecoveryStats(cmd *cobra.Command, args []string) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	db, err := postgres.NewDB(ctx, cfg.Database)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = db.Close()
	}()

	rows, err := db.QueryContext(ctx, `
		SELECT workflow_id, kind, outcome, COUNT(*)
		FROM recovery_attempts
		WHERE created_at > $1
		GROUP BY workflow_id, kind, outcome
		ORDER BY workflow_id, kind, outcome
	`, time.Now().Add(-statsWindow))
	if err != nil {
		slog.Error("Failed to query recovery attempts", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = rows.Close()
	}()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "WORKFLOW\tKIND\tOUTCOME\tCOUNT")

	for rows.Next() {
		var workflowID, kind, outcome string
		var count int
		if err := rows.Scan(&workflowID, &kind, &outcome, &count); err != nil {
			continue
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", workflowID, kind, outcome, count)
	}
	_ = w.Flush()
}
