package cli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"github.com/drawlytics/conveyor/internal/control"
	"github.com/drawlytics/conveyor/internal/core/config"
	"github.com/drawlytics/conveyor/internal/stages"
)

var (
	cfgPath string
	isDebug bool
)

var rootCmd = &cobra.Command{
	Use:   "conveyor",
	Short: "Conveyor drawing-analysis worker",
	Long:  `Conveyor is a resilient job-processing worker for construction drawing analysis.`,
	Run:   runWorker,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "config.yaml", "config file (default is config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&isDebug, "debug", false, "enable debug logging")
}

// initLogger installs the tint handler as the default logger.
func initLogger(level string) *slog.Logger {
	slogLevel := slog.LevelInfo
	if isDebug || level == "debug" {
		slogLevel = slog.LevelDebug
	}
	log := slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      slogLevel,
		TimeFormat: time.RFC3339,
	}))
	slog.SetDefault(log)
	return log
}

func runWorker(cmd *cobra.Command, args []string) {
	_ = godotenv.Load()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		initLogger("")
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	log := initLogger(cfg.Logging.Level)

	svc, err := control.NewService(*cfg, stages.Deps{}, log)
	if err != nil {
		log.Error("Failed to initialize worker", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		errChan <- svc.Run(ctx)
	}()

	log.Info("Worker started", "config", cfgPath)

	select {
	case sig := <-sigChan:
		log.Info("Received signal, shutting down...", "signal", sig)
		cancel()
		<-errChan
	case err := <-errChan:
		if err != nil {
			log.Error("Worker stopped with error", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := svc.Stop(shutdownCtx); err != nil {
		log.Error("Error during shutdown", "error", err)
		os.Exit(1)
	}
}
