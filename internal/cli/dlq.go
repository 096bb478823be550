package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/drawlytics/conveyor/internal/core/config"
	"github.com/drawlytics/conveyor/internal/infra/queue"
)

var dlqListLimit int64

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect and manage the dead-letter queue",
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-lettered job messages",
	Run:   runDLQList,
}

var dlqRedriveCmd = &cobra.Command{
	Use:   "redrive",
	Short: "Move all dead-lettered messages back to the pending queue",
	Run:   runDLQRedrive,
}

func init() {
	dlqListCmd.Flags().Int64Var(&dlqListLimit, "limit", 50, "maximum entries to list")
	dlqCmd.AddCommand(dlqListCmd)
	dlqCmd.AddCommand(dlqRedriveCmd)
	rootCmd.AddCommand(dlqCmd)
}

func dlqClient() *queue.Client {
	_ = godotenv.Load()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	client, err := queue.NewClient(cfg.Queue, cfg.DLQ.MaxReceives)
	if err != nil {
		slog.Error("Failed to connect to queue", "error", err)
		os.Exit(1)
	}
	return client
}

func runDLQList(cmd *cobra.Command, args []string) {
	client := dlqClient()
	defer func() {
		_ = client.Close()
	}()

	msgs, err := client.ListDLQ(context.Background(), dlqListLimit)
	if err != nil {
		slog.Error("Failed to list dead-letter queue", "error", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "JOB\tTENANT\tCREATED")
	for _, m := range msgs {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", m.JobID, m.TenantKey, m.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	_ = w.Flush()
}

func runDLQRedrive(cmd *cobra.Command, args []string) {
	client := dlqClient()
	defer func() {
		_ = client.Close()
	}()

	n, err := client.RedriveDLQ(context.Background())
	if err != nil {
		slog.Error("Failed to redrive dead-letter queue", "error", err)
		os.Exit(1)
	}
	fmt.Printf("redrove %d messages\n", n)
}
