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

	"github.com/AleutianAI/opsagent/services/agent/audit"
	"github.com/AleutianAI/opsagent/services/agent/config"
	"github.com/AleutianAI/opsagent/services/agent/executor"
	"github.com/AleutianAI/opsagent/services/agent/gate"
	"github.com/AleutianAI/opsagent/services/agent/orchestrator"
	"github.com/AleutianAI/opsagent/services/agent/registry"
	"github.com/AleutianAI/opsagent/services/agent/tools"
	"github.com/AleutianAI/opsagent/services/datastore"
	"github.com/AleutianAI/opsagent/services/llm"
	"github.com/AleutianAI/opsagent/services/notify"
	"github.com/AleutianAI/opsagent/services/ops"
	"github.com/AleutianAI/opsagent/services/secrets"
	"github.com/nats-io/nats.go"
)

// app holds the process-wide components, built once.
type app struct {
	policy   *config.AgentConfig
	store    *datastore.SQLite
	gate     *gate.Gate
	registry *registry.Registry
	audit    audit.Store
	recorder *audit.Recorder
	engine   *orchestrator.Engine
	client   llm.ToolChatClient

	closers []func() error
}

// Close releases every resource in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *app) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

// loadPolicy returns the policy at path, or the embedded default.
func loadPolicy(ctx context.Context, path string) (*config.AgentConfig, error) {
	if path == "" {
		return config.GetAgentConfig(ctx)
	}
	return config.LoadAgentConfigFile(ctx, path)
}

// newGate compiles the policy into the query gate. The audit table is
// reserved because the sqlite audit store shares the operations database.
func newGate(policy *config.AgentConfig, logger *slog.Logger) (*gate.Gate, error) {
	g, err := gate.New(policy.Policies(),
		gate.WithLogger(logger),
		gate.WithReservedTables(audit.TableName),
	)
	if err != nil {
		return nil, err
	}
	logger.Debug("query gate ready", slog.Any("roles", g.Roles()))
	return g, nil
}

// buildCatalog builds the gate and registry with every domain tool bound to
// store and notifier. store and notifier may be nil for read-only commands.
func buildCatalog(policy *config.AgentConfig, store datastore.Store, notifier notify.Sender, logger *slog.Logger) (*gate.Gate, *registry.Registry, error) {
	g, err := newGate(policy, logger)
	if err != nil {
		return nil, nil, err
	}
	reg := registry.New(policy.Grants(), registry.WithLogger(logger))
	if err := tools.Register(reg, tools.Deps{Store: store, Gate: g, Notifier: notifier, Logger: logger}); err != nil {
		return nil, nil, err
	}
	return g, reg, nil
}

// openAuditStore opens the configured audit backend.
func openAuditStore(ctx context.Context, cfg ops.ServerConfig, db *datastore.SQLite, logger *slog.Logger) (audit.Store, func() error, error) {
	switch cfg.AuditBackend {
	case "", "sqlite":
		s, err := audit.NewSQLiteStore(ctx, db.DB())
		if err != nil {
			return nil, nil, err
		}
		return s, func() error { return nil }, nil
	case "badger":
		bdb, err := audit.OpenBadger(cfg.AuditDir)
		if err != nil {
			return nil, nil, err
		}
		s, err := audit.NewBadgerStore(bdb, logger)
		if err != nil {
			_ = bdb.Close()
			return nil, nil, err
		}
		return s, bdb.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown audit backend %q", cfg.AuditBackend)
	}
}

// newNotifier returns the NATS sender when a URL is configured, otherwise
// the log sender.
func newNotifier(cfg ops.ServerConfig, logger *slog.Logger) (notify.Sender, func() error, error) {
	if cfg.NATSURL == "" {
		return notify.NewLogSender(logger), func() error { return nil }, nil
	}
	s, err := notify.NewNATSSender(cfg.NATSURL, cfg.NATSSubjectPrefix,
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", slog.String("error", err.Error()))
			}
		}),
	)
	if err != nil {
		return nil, nil, err
	}
	return s, func() error { s.Close(); return nil }, nil
}

// newLLMClient builds the guarded provider client. The API key is read from
// the sealed secret store and never kept in configuration.
func newLLMClient(ctx context.Context, cfg ops.ServerConfig, vault *secrets.Manager, logger *slog.Logger) (llm.ToolChatClient, error) {
	keyEnv := llm.APIKeyEnv(cfg.LLMProvider)
	if keyEnv == "" {
		return nil, fmt.Errorf("unknown llm provider %q", cfg.LLMProvider)
	}
	apiKey, err := vault.String(keyEnv)
	if err != nil {
		return nil, fmt.Errorf("%s is not set: %w", keyEnv, err)
	}

	inner, err := llm.NewClient(ctx, llm.ProviderConfig{
		Provider: cfg.LLMProvider,
		Model:    cfg.LLMModel,
		BaseURL:  cfg.LLMBaseURL,
		APIKey:   apiKey,
	})
	if err != nil {
		return nil, err
	}
	return llm.NewGuardedClient(inner, llm.GuardConfig{
		RequestsPerMinute: cfg.LLMRequestsPerMinute,
		HashContent:       cfg.LLMHashContent,
		Logger:            logger,
	}), nil
}

// buildApp wires the datastore, gate, registry, tools, executor, audit
// recorder and engine.
//
// Inputs:
//   - ctx: Used for schema setup and client construction.
//   - cfg: Server settings.
//   - client: The model client. Nil builds one from cfg and vault.
//   - vault: Holds provider keys. Unused when client is non-nil.
//   - logger: Shared logger.
//
// Outputs:
//   - *app: Ready to serve. Close it on exit.
//   - error: Non-nil if any component fails to start.
func buildApp(ctx context.Context, cfg ops.ServerConfig, client llm.ToolChatClient, vault *secrets.Manager, logger *slog.Logger) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	if a.policy, err = loadPolicy(ctx, cfg.PolicyFile); err != nil {
		return nil, err
	}

	if a.store, err = datastore.Open(ctx, cfg.DatabasePath, datastore.WithLogger(logger)); err != nil {
		return nil, err
	}
	a.onClose(a.store.Close)

	notifier, closeNotifier, err := newNotifier(cfg, logger)
	if err != nil {
		return nil, err
	}
	a.onClose(closeNotifier)

	if a.gate, a.registry, err = buildCatalog(a.policy, a.store, notifier, logger); err != nil {
		return nil, err
	}

	auditStore, closeAudit, err := openAuditStore(ctx, cfg, a.store, logger)
	if err != nil {
		return nil, err
	}
	a.onClose(closeAudit)
	a.audit = auditStore
	a.recorder = audit.NewRecorder(auditStore, audit.WithLogger(logger))

	if client == nil {
		if client, err = newLLMClient(ctx, cfg, vault, logger); err != nil {
			return nil, err
		}
	}
	a.client = client

	engineCfg := orchestrator.ConfigFrom(a.policy)
	exec := executor.New(executor.WithLogger(logger), executor.WithDefaultTimeout(engineCfg.ToolTimeout))
	if a.engine, err = orchestrator.New(client, a.registry, exec, a.recorder, engineCfg, orchestrator.WithLogger(logger)); err != nil {
		return nil, err
	}
	return a, nil
}
