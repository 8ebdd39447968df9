package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/matsci-hpc/conductor/internal/core/config"
	"github.com/matsci-hpc/conductor/internal/infra/storage/postgres"
	"github.com/spf13/cobra"
)

var resetBlacklistCmd = &cobra.Command{
	Use:   "reset-blacklist [workflow_id] [material_id]",
	Short: "Remove a material's blacklist entry so it becomes admissible again",
	Args:  cobra.ExactArgs(2),
	Run:   runResetBlacklist,
}

func init() {
	rootCmd.AddCommand(resetBlacklistCmd)
}

func runResetBlacklist(cmd *cobra.Command, args []string) {
	workflowID, materialID := args[0], args[1]

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

	// Clear the entry and reset the material so the next sweep picks it up.
	blacklist := postgres.NewBlacklistRepo(db)
	if err := blacklist.Delete(ctx, workflowID, materialID); err != nil {
		slog.Error("Failed to delete blacklist entry", "error", err)
		os.Exit(1)
	}

	query := `UPDATE materials SET status = 'pending', current_job_id = '', version = version + 1
		WHERE workflow_id = $1 AND id = $2 AND status = 'blacklisted'`
	if _, err := db.ExecContext(ctx, query, workflowID, materialID); err != nil {
		slog.Error("Failed to reset material", "error", err)
		os.Exit(1)
	}

	fmt.Printf("Successfully reset blacklist for %s in %s\n", materialID, workflowID)
}
