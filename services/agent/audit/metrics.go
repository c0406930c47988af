// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package audit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	recordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "opsagent",
		Subsystem: "audit",
		Name:      "records_total",
		Help:      "Audit records written, by tool and outcome",
	}, []string{"tool", "success"})

	writeFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "opsagent",
		Subsystem: "audit",
		Name:      "write_failures_total",
		Help:      "Audit records the store failed to persist",
	}, []string{"tool"})

	writeSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "opsagent",
		Subsystem: "audit",
		Name:      "write_seconds",
		Help:      "Audit store append latency",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
	})
)
