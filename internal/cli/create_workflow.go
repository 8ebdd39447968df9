package cli

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/matsci-hpc/conductor/internal/core/config"
	"github.com/matsci-hpc/conductor/internal/core/domain"
	"github.com/matsci-hpc/conductor/internal/infra/storage/postgres"
	"github.com/spf13/cobra"
)

var materialsFile string

var createWorkflowCmd = &cobra.Command{
	Use:   "create-workflow [material_id...]",
	Short: "Create a workflow over the configured stages and seed its materials",
	Run:   runCreateWorkflow,
}

func init() {
	createWorkflowCmd.Flags().StringVar(&materialsFile, "materials-file", "", "file with one material ID per line")
	rootCmd.AddCommand(createWorkflowCmd)
}

func runCreateWorkflow(cmd *cobra.Command, args []string) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	if len(cfg.Stages) == 0 {
		slog.Error("No stages configured")
		os.Exit(1)
	}

	materialIDs := append([]string(nil), args...)
	if materialsFile != "" {
		ids, err := readMaterialIDs(materialsFile)
		if err != nil {
			slog.Error("Failed to read materials file", "error", err)
			os.Exit(1)
		}
		materialIDs = append(materialIDs, ids...)
	}
	if len(materialIDs) == 0 {
		slog.Error("No materials given")
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
	if err := db.Migrate(); err != nil {
		slog.Error("Failed to migrate database", "error", err)
		os.Exit(1)
	}
	store := postgres.NewStore(db)

	now := time.Now()
	wf := &domain.Workflow{
		ID:        domain.NewWorkflowID(now),
		Stages:    cfg.Stages,
		Status:    domain.WorkflowStatusActive,
		CreatedAt: now,
	}
	if err := store.Workflows.Create(ctx, wf); err != nil {
		slog.Error("Failed to create workflow", "error", err)
		os.Exit(1)
	}

	for _, id := range materialIDs {
		m := &domain.Material{
			ID:         id,
			WorkflowID: wf.ID,
			Status:     domain.MaterialStatusPending,
			UpdatedAt:  now,
		}
		if err := store.Materials.Create(ctx, m); err != nil {
			slog.Error("Failed to seed material", "material", id, "error", err)
			os.Exit(1)
		}
	}

	fmt.Printf("Created workflow %s with %d materials over stages %s\n",
		wf.ID, len(materialIDs), strings.Join(wf.StageNames(), ", "))
}

func readMaterialIDs(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = f.Close()
	}()

	var ids []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ids = append(ids, line)
	}
	return ids, scanner.Err()
}
