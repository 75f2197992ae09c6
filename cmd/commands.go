package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/stembrain/trailer/config"
	"github.com/stembrain/trailer/internal/engine"
	"github.com/stembrain/trailer/internal/models"
	"github.com/stembrain/trailer/internal/notify"
	"github.com/stembrain/trailer/internal/registry"
	"github.com/stembrain/trailer/internal/server"
)

const (
	shutdownTimeout   = 30 * time.Second
	serverReadTimeout = 10 * time.Second
	serverIdleTimeout = 60 * time.Second
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a default configuration file if it doesn't exist",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		if err := config.CreateDefaultConfig(configPath); err != nil {
			return fmt.Errorf("failed to create default configuration: %w", err)
		}
		slog.Info("Created default configuration", "path", configPath)
		return nil
	},
}

var addProjectCmd = &cobra.Command{
	Use:   "add-project owner/name",
	Short: "Add a repository to the watched projects",
	Args:  cobra.ExactArgs(1),
	RunE:  runAddProject,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Sync all enabled projects once and exit",
	Args:  cobra.NoArgs,
	RunE:  runSync,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Keep projects in sync and serve the UI adapter until interrupted",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	addProjectCmd.Flags().String("name", "", "Display name of the project")
	addProjectCmd.Flags().Bool("incremental", false, "Fetch only items updated since the last sync")
	addProjectCmd.Flags().Bool("hidden", false, "Track the project without notifications")

	syncCmd.Flags().String("project", "", "Sync a single project (format: owner/name)")

	serveCmd.Flags().String("address", "", "Address to listen on (overrides listen_addr)")
}

func runAddProject(cmd *cobra.Command, args []string) error {
	id := args[0]
	if _, _, err := models.ParseProjectID(id); err != nil {
		return fmt.Errorf("invalid repository format: %w", err)
	}
	name, _ := cmd.Flags().GetString("name")
	incremental, _ := cmd.Flags().GetBool("incremental")
	hidden, _ := cmd.Flags().GetBool("hidden")

	mode := models.FetchComplete
	if incremental {
		mode = models.FetchIncremental
	}

	reg, err := registry.Load(cfg.ProjectsFile)
	if err != nil {
		return err
	}
	err = reg.Add(models.Project{
		ID:         id,
		Name:       name,
		Enabled:    true,
		Visible:    !hidden,
		FetchMode:  mode,
		KeepMerged: true,
		KeepClosed: true,
	})
	if errors.Is(err, registry.ErrExists) {
		slog.Info("Project already exists in configuration", "project", id)
		return nil
	}
	if err != nil {
		return err
	}

	slog.Info("Added project to configuration", "project", id, "file", cfg.ProjectsFile)
	return nil
}

func runSync(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng, err := engine.New(cfg, engine.WithoutStream(), engine.WithSink(notify.LogSink{}))
	if err != nil {
		return err
	}
	defer eng.Close()

	if err := eng.Load(ctx); err != nil {
		return err
	}

	startTime := time.Now()
	if project, _ := cmd.Flags().GetString("project"); project != "" {
		slog.Info("Syncing project", "project", project)
		if err := eng.RefreshProject(ctx, project); err != nil {
			return fmt.Errorf("failed to sync project %s: %w", project, err)
		}
	} else {
		report, err := eng.Refresh(ctx)
		if err != nil {
			return err
		}
		for id, err := range report.Failed {
			slog.Error("Failed to sync project", "project", id, "error", err)
		}
		if report.AuthHalted {
			return errors.New("authentication failed; set a valid token via " + config.EnvGithubToken)
		}
	}

	counts, err := eng.UnreadCounts(ctx)
	if err != nil {
		return err
	}
	slog.Info("Sync completed", "duration", time.Since(startTime), "unread", counts.Total)
	return nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	address := cfg.ListenAddr
	if flag, _ := cmd.Flags().GetString("address"); flag != "" {
		address = flag
	}

	eng, err := engine.New(cfg)
	if err != nil {
		return err
	}
	defer eng.Close()

	if err := eng.Start(ctx); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              address,
		Handler:           server.New(eng),
		ReadHeaderTimeout: serverReadTimeout,
		IdleTimeout:       serverIdleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("Serving UI adapter", "address", address)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		slog.Info("Shutting down")
	case err := <-serveErr:
		if err != nil {
			_ = eng.Stop()
			return fmt.Errorf("server failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("Failed to shut down HTTP server cleanly", "error", err)
	}
	return eng.Stop()
}
