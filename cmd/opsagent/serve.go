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
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/AleutianAI/opsagent/services/llm"
	"github.com/AleutianAI/opsagent/services/ops"
	"github.com/AleutianAI/opsagent/services/secrets"
	"github.com/AleutianAI/opsagent/services/telemetry"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
)

const serviceName = "opsagent"

func newServeCmd() *cobra.Command {
	var (
		addr       string
		dbPath     string
		policyFile string
		debug      bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		Long: `Run the HTTP server.

Settings come from OPSAGENT_* environment variables (see .env.example);
flags override them. The provider API key (OPENAI_API_KEY, ANTHROPIC_API_KEY
or GEMINI_API_KEY) is sealed in memory at startup and removed from the
environment.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := ops.LoadServerConfig()
			if cmd.Flags().Changed("addr") {
				cfg.Addr = addr
			}
			if cmd.Flags().Changed("db") {
				cfg.DatabasePath = dbPath
			}
			if cmd.Flags().Changed("policy") {
				cfg.PolicyFile = policyFile
			}
			if debug {
				cfg.GinMode = gin.DebugMode
			}
			return runServe(cmd.Context(), cfg, slog.Default())
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "listen address")
	cmd.Flags().StringVar(&dbPath, "db", "opsagent.db", "sqlite datastore path")
	cmd.Flags().StringVar(&policyFile, "policy", "", "agent policy YAML (default: embedded)")
	cmd.Flags().BoolVar(&debug, "debug", false, "gin debug mode and request logging")
	return cmd
}

// runServe starts the server and blocks until SIGINT or SIGTERM.
func runServe(ctx context.Context, cfg ops.ServerConfig, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cfg.GinMode {
	case gin.DebugMode, gin.ReleaseMode, gin.TestMode:
		gin.SetMode(cfg.GinMode)
	default:
		gin.SetMode(gin.ReleaseMode)
	}

	providers, err := telemetry.Setup(ctx, telemetry.Config{
		ServiceName:     serviceName,
		Version:         Version,
		TraceExporter:   cfg.TraceExporter,
		OTLPEndpoint:    cfg.OTLPEndpoint,
		OTLPInsecure:    cfg.OTLPInsecure,
		MetricsExporter: cfg.MetricsExporter,
	})
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := providers.Shutdown(sctx); err != nil {
			logger.Warn("telemetry shutdown failed", slog.String("error", err.Error()))
		}
	}()

	vault := secrets.NewManager()
	defer vault.Close()
	if missing, err := vault.LoadEnv(llm.APIKeyEnv(cfg.LLMProvider)); err != nil {
		return err
	} else if len(missing) > 0 {
		logger.Warn("provider api key not set", slog.Any("missing", missing))
	}

	a, err := buildApp(ctx, cfg, nil, vault, logger)
	if err != nil {
		return fmt.Errorf("startup: %w", err)
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("shutdown: closing resources", slog.String("error", err.Error()))
		}
	}()

	handlers := ops.NewHandlers(a.engine, a.registry, a.gate, a.audit,
		ops.WithLogger(logger),
		ops.WithActorLimiter(ops.NewActorLimiter(cfg.ActorRatePerSecond, cfg.ActorBurst)),
		ops.WithRequestTimeout(cfg.RequestTimeout),
		ops.WithModelInfo(a.client.Name(), a.client.Model()),
	)
	router := ops.NewRouter(serviceName, handlers)
	if gin.Mode() == gin.DebugMode {
		router.Use(gin.Logger())
	}

	srv := &http.Server{Addr: cfg.Addr, Handler: router}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting opsagent server",
			slog.String("address", cfg.Addr),
			slog.String("provider", a.client.Name()),
			slog.String("model", a.client.Model()),
			slog.String("audit_backend", cfg.AuditBackend),
			slog.Int("tools", len(a.registry.All())),
		)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down opsagent server")
	sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(sctx)
}
