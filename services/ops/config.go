// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.
package ops

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig holds process settings for the ops agent server.
//
// Description:
//
//	Loaded from OPSAGENT_* environment variables at startup via
//	LoadServerConfig(). Every field has a default that runs a local
//	instance against ./opsagent.db with the log notifier.
//
// Thread Safety: Value type. Safe to copy and share after loading.
type ServerConfig struct {
	// Addr is the listen address.
	// Env: OPSAGENT_ADDR (default: ":8080")
	Addr string

	// GinMode is passed to gin.SetMode.
	// Env: OPSAGENT_GIN_MODE (default: "release")
	GinMode string

	// DatabasePath is the shared relational datastore.
	// Env: OPSAGENT_DB_PATH (default: "opsagent.db")
	DatabasePath string

	// PolicyFile overrides the embedded agent policy.
	// Env: OPSAGENT_POLICY_FILE (default: "")
	PolicyFile string

	// AuditBackend is "sqlite" (table in the datastore) or "badger".
	// Env: OPSAGENT_AUDIT_BACKEND (default: "sqlite")
	AuditBackend string

	// AuditDir is the badger directory. Empty runs badger in memory.
	// Env: OPSAGENT_AUDIT_DIR (default: "")
	AuditDir string

	// LLMProvider is openai, anthropic or gemini.
	// Env: OPSAGENT_LLM_PROVIDER (default: "openai")
	LLMProvider string

	// LLMModel overrides the provider default model.
	// Env: OPSAGENT_LLM_MODEL (default: "")
	LLMModel string

	// LLMBaseURL overrides the provider endpoint.
	// Env: OPSAGENT_LLM_BASE_URL (default: "")
	LLMBaseURL string

	// LLMRequestsPerMinute caps provider calls. Zero disables the cap.
	// Env: OPSAGENT_LLM_RPM (default: 60)
	LLMRequestsPerMinute int

	// LLMHashContent adds a transcript digest to LLM audit log entries.
	// Env: OPSAGENT_LLM_HASH_CONTENT (default: "true")
	LLMHashContent bool

	// NATSURL enables the NATS notifier. Empty logs notifications instead.
	// Env: OPSAGENT_NATS_URL (default: "")
	NATSURL string

	// NATSSubjectPrefix prefixes notification subjects.
	// Env: OPSAGENT_NATS_PREFIX (default: "opsagent.notify")
	NATSSubjectPrefix string

	// ActorRatePerSecond is the sustained per-actor chat rate. Zero disables it.
	// Env: OPSAGENT_ACTOR_RATE (default: 1)
	ActorRatePerSecond float64

	// ActorBurst is the per-actor burst size.
	// Env: OPSAGENT_ACTOR_BURST (default: 5)
	ActorBurst int

	// RequestTimeout bounds one chat request end to end.
	// Env: OPSAGENT_REQUEST_TIMEOUT (default: 3m)
	RequestTimeout time.Duration

	// ShutdownTimeout bounds graceful shutdown.
	// Env: OPSAGENT_SHUTDOWN_TIMEOUT (default: 10s)
	ShutdownTimeout time.Duration

	// TraceExporter is none, stdout or otlp.
	// Env: OPSAGENT_TRACE_EXPORTER (default: "none")
	TraceExporter string

	// OTLPEndpoint is the collector's gRPC address.
	// Env: OTEL_EXPORTER_OTLP_ENDPOINT (default: "localhost:4317")
	OTLPEndpoint string

	// OTLPInsecure disables TLS to the collector.
	// Env: OPSAGENT_OTLP_INSECURE (default: "true")
	OTLPInsecure bool

	// MetricsExporter is none, prometheus or stdout.
	// Env: OPSAGENT_METRICS_EXPORTER (default: "prometheus")
	MetricsExporter string
}

// LoadServerConfig reads server configuration from environment variables.
//
// Outputs:
//   - ServerConfig: Fully populated configuration.
func LoadServerConfig() ServerConfig {
	return ServerConfig{
		Addr:                 envString("OPSAGENT_ADDR", ":8080"),
		GinMode:              envString("OPSAGENT_GIN_MODE", "release"),
		DatabasePath:         envString("OPSAGENT_DB_PATH", "opsagent.db"),
		PolicyFile:           envString("OPSAGENT_POLICY_FILE", ""),
		AuditBackend:         strings.ToLower(envString("OPSAGENT_AUDIT_BACKEND", "sqlite")),
		AuditDir:             envString("OPSAGENT_AUDIT_DIR", ""),
		LLMProvider:          strings.ToLower(envString("OPSAGENT_LLM_PROVIDER", "openai")),
		LLMModel:             envString("OPSAGENT_LLM_MODEL", ""),
		LLMBaseURL:           envString("OPSAGENT_LLM_BASE_URL", ""),
		LLMRequestsPerMinute: envInt("OPSAGENT_LLM_RPM", 60),
		LLMHashContent:       envBool("OPSAGENT_LLM_HASH_CONTENT", true),
		NATSURL:              envString("OPSAGENT_NATS_URL", ""),
		NATSSubjectPrefix:    envString("OPSAGENT_NATS_PREFIX", "opsagent.notify"),
		ActorRatePerSecond:   envFloat("OPSAGENT_ACTOR_RATE", 1),
		ActorBurst:           envInt("OPSAGENT_ACTOR_BURST", 5),
		RequestTimeout:       envDuration("OPSAGENT_REQUEST_TIMEOUT", 3*time.Minute),
		ShutdownTimeout:      envDuration("OPSAGENT_SHUTDOWN_TIMEOUT", 10*time.Second),
		TraceExporter:        strings.ToLower(envString("OPSAGENT_TRACE_EXPORTER", "none")),
		OTLPEndpoint:         envString("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		OTLPInsecure:         envBool("OPSAGENT_OTLP_INSECURE", true),
		MetricsExporter:      strings.ToLower(envString("OPSAGENT_METRICS_EXPORTER", "prometheus")),
	}
}

func envString(key, defaultVal string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return defaultVal
}

// envBool reads a boolean environment variable with a default value.
func envBool(key string, defaultVal bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return defaultVal
	}
	return b
}

// envInt reads an integer environment variable with a default value.
func envInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}

// envFloat reads a float64 environment variable with a default value.
func envFloat(key string, defaultVal float64) float64 {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

// envDuration reads a time.ParseDuration environment variable with a default value.
func envDuration(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(val)
	if err != nil || d < 0 {
		return defaultVal
	}
	return d
}
