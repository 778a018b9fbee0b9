package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mediajobs/api"
	"mediajobs/client"
	"mediajobs/config"
	"mediajobs/history"
	"mediajobs/store"
	"mediajobs/task"
	"mediajobs/worker"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if len(os.Args) == 3 && os.Args[1] == "watch" {
		if err := watch(ctx, cfg, os.Args[2]); err != nil {
			log.Fatalf("watch: %v", err)
		}
		return
	}

	// 2. Initialize dependencies (worker first)
	runner, err := worker.NewRunner(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize worker: %v", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("Failed to create data directory: %v", err)
	}
	reconciler := history.New(store.NewHistoryFile(cfg.DataDir), cfg.HistoryLimit)
	if err := reconciler.Load(); err != nil {
		log.Printf("Warning: could not load history, starting empty: %v", err)
	}
	settings := store.NewSettingsFile(cfg.DataDir, store.DefaultSettings(cfg.OutputDir))

	// 3. Initialize the job manager and inject the worker
	jobs, err := task.NewManager(cfg, runner, reconciler)
	if err != nil {
		log.Fatalf("Failed to initialize job manager: %v", err)
	}
	jobs.SetPreferences(settings)

	// 4. Set up router and server
	router := api.SetupRouter(api.Services{
		Jobs:     jobs,
		Probe:    runner,
		History:  reconciler,
		Settings: settings,
	}, cfg)
	srv := &http.Server{
		Addr:    cfg.Addr(),
		Handler: router,
	}

	// 5. Start background services and HTTP server
	jobs.Start(ctx)

	go func() {
		log.Printf("Server starting on %s", cfg.Addr())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %s\n", err)
		}
	}()

	// 6. Wait for interrupt signal for graceful shutdown
	<-ctx.Done()

	stop()
	log.Println("Shutting down gracefully, press Ctrl+C again to force")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}
	jobs.Wait()

	log.Println("Server exiting")
}

// watch follows a job on a running server and prints its progress.
func watch(ctx context.Context, cfg *config.Config, jobID string) error {
	c := client.New("http://"+cfg.Addr(), cfg.AuthKey)
	c.OnConnectivityError = func(err *client.ConnectivityError) {
		fmt.Fprintf(os.Stderr, "connection lost, retrying: %v\n", err)
	}
	final, err := c.Watch(ctx, jobID, func(s task.Snapshot) {
		fmt.Printf("%-12s %5.1f%%  %s  ETA %s\n", s.Status, s.Progress, s.Rate, s.ETA)
	})
	if err != nil {
		return err
	}
	if final.Error != "" {
		return fmt.Errorf("job %s failed: %s", jobID, final.Error)
	}
	fmt.Println(final.OutputPath)
	return nil
}
