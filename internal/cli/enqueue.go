package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/drawlytics/conveyor/internal/core/config"
	"github.com/drawlytics/conveyor/internal/core/domain"
	"github.com/drawlytics/conveyor/internal/infra/queue"
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue [message.json]",
	Short: "Publish a job message to the pending queue",
	Long: `Reads a JSON job message from the given file and publishes it.
A missing job_id is filled with a fresh UUID.`,
	Args: cobra.ExactArgs(1),
	Run:  runEnqueue,
}

func init() {
	rootCmd.AddCommand(enqueueCmd)
}

func runEnqueue(cmd *cobra.Command, args []string) {
	_ = godotenv.Load()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	data, err := os.ReadFile(args[0])
	if err != nil {
		slog.Error("Failed to read message file", "error", err)
		os.Exit(1)
	}

	var msg domain.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		slog.Error("Failed to parse message file", "error", err)
		os.Exit(1)
	}
	if msg.JobID == "" {
		msg.JobID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	client, err := queue.NewClient(cfg.Queue, cfg.DLQ.MaxReceives)
	if err != nil {
		slog.Error("Failed to connect to queue", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = client.Close()
	}()

	id, err := client.Enqueue(context.Background(), msg)
	if err != nil {
		slog.Error("Failed to enqueue message", "error", err)
		os.Exit(1)
	}

	fmt.Printf("enqueued job %s (message %s)\n", msg.JobID, id)
}
