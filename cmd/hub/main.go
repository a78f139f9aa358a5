package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nimbusuite/hub/internal/hub"
	"github.com/nimbusuite/hub/pkg/config"
	"github.com/nimbusuite/hub/pkg/connector/registry"
	"github.com/nimbusuite/hub/pkg/logger"
	"github.com/nimbusuite/hub/pkg/models"

	// Import all connector variants to register them
	_ "github.com/nimbusuite/hub/pkg/connector/apikey"
	_ "github.com/nimbusuite/hub/pkg/connector/basicauth"
	_ "github.com/nimbusuite/hub/pkg/connector/custom"
	_ "github.com/nimbusuite/hub/pkg/connector/jwtauth"
	_ "github.com/nimbusuite/hub/pkg/connector/oauth2"
)

var version = "0.1.0"

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	var configPath string

	root := &cobra.Command{
		Use:   "hub",
		Short: "Integration hub for third-party service connections",
		Long: `Hub connects user accounts to third-party services: credential
management, rate-limited API access, bidirectional sync, and webhooks.`,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("hub v%s\n", version)
			fmt.Printf("Go version: %s\n", runtime.Version())
			fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "connectors",
		Short: "List registered connector auth types",
		Run: func(cmd *cobra.Command, args []string) {
			for _, authType := range registry.List() {
				fmt.Println(authType)
			}
		},
	})

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the hub server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}
	root.AddCommand(serveCmd)

	syncCmd := &cobra.Command{
		Use:   "sync [job-id]",
		Short: "Execute one sync job and exit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(configPath, args[0])
		},
	}
	root.AddCommand(syncCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setup(configPath string) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}

	if err := logger.Init(logger.Config{
		Level:    cfg.Logging.Level,
		Encoding: cfg.Logging.Format,
	}); err != nil {
		return nil, nil, err
	}

	return cfg, logger.Get(), nil
}

func runServe(configPath string) error {
	cfg, log, err := setup(configPath)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	h, err := hub.New(cfg, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := h.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	log.Info("shutdown signal received")
	return h.Stop(context.Background())
}

func runSync(configPath, jobID string) error {
	cfg, log, err := setup(configPath)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	h, err := hub.New(cfg, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		_ = h.Engine.Cancel(context.Background(), jobID)
	}()

	if err := h.Engine.Execute(ctx, jobID); err != nil {
		return err
	}

	job, err := h.Engine.Job(context.Background(), jobID)
	if err != nil {
		return err
	}
	printJobSummary(job)
	return nil
}

func printJobSummary(job *models.SyncJob) {
	fmt.Printf("job %s: %s\n", job.ID, job.Status)
	fmt.Printf("  processed:  %d\n", job.ProcessedRecords)
	fmt.Printf("  successful: %d\n", job.SuccessfulRecords)
	fmt.Printf("  failed:     %d\n", job.FailedRecords)
	fmt.Printf("  skipped:    %d\n", job.SkippedRecords)
	fmt.Printf("  duration:   %.2fs (%.1f records/s)\n", job.DurationSeconds, job.RecordsPerSecond)
}
