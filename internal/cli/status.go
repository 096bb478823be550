package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/drawlytics/conveyor/internal/core/config"
	"github.com/drawlytics/conveyor/internal/infra/storage/postgres"
	"github.com/drawlytics/conveyor/internal/stages"
	"github.com/drawlytics/conveyor/internal/status"
)

var statusCmd = &cobra.Command{
	Use:   "status [job_id]",
	Short: "Show progress and outcome for a job",
	Args:  cobra.ExactArgs(1),
	Run:   runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) {
	_ = godotenv.Load()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	if cfg.Database.URL == "" {
		slog.Error("Status command needs database.url; memory-mode state lives in the worker process")
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

	// Collaborators never run here, only stage names and weights matter.
	projector := status.NewProjector(
		postgres.NewJobRepo(db),
		stages.Pipeline(stages.Deps{}),
		cfg.Pipeline.Weights,
	)

	view, err := projector.Project(ctx, args[0])
	if err != nil {
		slog.Error("Failed to load job", "job_id", args[0], "error", err)
		os.Exit(1)
	}

	out, _ := json.MarshalIndent(view, "", "  ")
	fmt.Println(string(out))
}
