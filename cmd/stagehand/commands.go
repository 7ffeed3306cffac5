// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/stagehand/pkg/logging"
	"github.com/AleutianAI/stagehand/services/stagehand"
	"github.com/AleutianAI/stagehand/services/stagehand/definition"
	"github.com/AleutianAI/stagehand/services/stagehand/graph"
	"github.com/AleutianAI/stagehand/services/stagehand/recovery"
)

const shutdownTimeout = 15 * time.Second

var (
	configPath string
	logLevel   string

	rootCmd = &cobra.Command{
		Use:           "stagehand",
		Short:         "Run pipeline graphs from a durable per-project work queue",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Start the scheduler, the work queue and the admin API",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}

	validateCmd = &cobra.Command{
		Use:   "validate [file...]",
		Short: "Parse and validate pipeline definition files (.yaml, .yml, .hcl)",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runValidate,
	}

	recoverCmd = &cobra.Command{
		Use:   "recover",
		Short: "Run one recovery pass over persisted runs and exit when resumed runs finish",
		Args:  cobra.NoArgs,
		RunE:  runRecover,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to stagehand.yaml (defaults plus STAGEHAND_* env when empty)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override the configured log level (debug, info, warn, error)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(recoverCmd)
}

// loadRuntime reads the config and builds the process logger.
func loadRuntime(cmd *cobra.Command) (stagehand.Config, *logging.Logger, error) {
	cfg, err := stagehand.LoadConfig(configPath)
	if err != nil {
		return stagehand.Config{}, nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return stagehand.Config{}, nil, err
	}
	logger := logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Log.Dir,
		Service: "stagehand",
		JSON:    cfg.Log.JSON,
		Output:  cmd.ErrOrStderr(),
	})
	slog.SetDefault(logger.Slog())
	return cfg, logger, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadRuntime(cmd)
	if err != nil {
		return err
	}
	defer logger.Close()
	log := logger.Slog()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := stagehand.New(ctx, cfg, stagehand.WithLogger(log))
	if err != nil {
		return fmt.Errorf("build service: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := svc.Close(closeCtx); err != nil {
			log.Error("shutdown incomplete", slog.String("error", err.Error()))
		}
	}()

	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("start service: %w", err)
	}

	if level, _ := logging.ParseLevel(cfg.Log.Level); level == logging.LevelDebug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           stagehand.NewRouter(svc),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("stagehand listening", slog.String("address", cfg.HTTPAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		log.Info("shutting down stagehand")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// runValidate parses each file and validates every graph in it against a
// scratch registry, so duplicate IDs across files are reported too.
func runValidate(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	reg := graph.NewRegistry(slog.New(slog.DiscardHandler))
	failed := 0
	for _, path := range args {
		graphs, err := definition.LoadFile(path)
		if err == nil {
			for _, g := range graphs {
				if rerr := reg.Register(g); rerr != nil {
					err = errors.Join(err, rerr)
				}
			}
		}
		if err != nil {
			failed++
			fmt.Fprintf(out, "FAIL %s: %v\n", path, err)
			continue
		}
		for _, g := range graphs {
			fmt.Fprintf(out, "ok   %s: %s (%d stages)\n", path, g.ID, len(g.Stages))
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d files failed validation", failed, len(args))
	}
	return nil
}

func runRecover(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadRuntime(cmd)
	if err != nil {
		return err
	}
	defer logger.Close()
	log := logger.Slog()

	// Start is never called, so no scan loop runs and only projects with a
	// resumed run drain their queue. The command waits for those drains
	// before closing the service, since Close cancels in-flight runs.
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := stagehand.New(ctx, cfg, stagehand.WithLogger(log))
	if err != nil {
		return fmt.Errorf("build service: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := svc.Close(closeCtx); err != nil {
			log.Error("shutdown incomplete", slog.String("error", err.Error()))
		}
	}()

	if cfg.DefinitionsDir != "" {
		if _, err := definition.RegisterDir(svc.Graphs(), cfg.DefinitionsDir, log); err != nil {
			log.Warn("some pipeline definitions were rejected", slog.String("error", err.Error()))
		}
	}

	outcomes, recErr := svc.Recovery().RecoverAll(ctx)
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(outcomes); err != nil {
		return err
	}
	svc.Recovery().Wait()
	if err := waitForDrains(ctx, svc.Queue(), outcomes); err != nil {
		return errors.Join(recErr, fmt.Errorf("waiting for queue drains: %w", err))
	}
	return recErr
}

// waitForDrains blocks until every project named by an outcome has left the
// processing set. Projects this process never adopted are already idle.
func waitForDrains(ctx context.Context, q idleWaiter, outcomes []recovery.Outcome) error {
	seen := make(map[string]bool)
	for _, out := range outcomes {
		if out.ProjectID == "" || seen[out.ProjectID] {
			continue
		}
		seen[out.ProjectID] = true
		if err := q.WaitIdle(ctx, out.ProjectID); err != nil {
			return err
		}
	}
	return nil
}

type idleWaiter interface {
	WaitIdle(ctx context.Context, projectID string) error
}
