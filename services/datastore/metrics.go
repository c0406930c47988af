// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datastore

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	statementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "opsagent",
		Subsystem: "datastore",
		Name:      "statements_total",
		Help:      "Datastore statements by kind and status",
	}, []string{"kind", "status"})

	statementSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "opsagent",
		Subsystem: "datastore",
		Name:      "statement_seconds",
		Help:      "Datastore statement latency",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
	}, []string{"kind"})
)

func recordStatement(kind string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	statementsTotal.WithLabelValues(kind, status).Inc()
	statementSeconds.WithLabelValues(kind).Observe(time.Since(start).Seconds())
}
