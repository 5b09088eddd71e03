// Package metrics exposes prometheus instrumentation for the ingestion engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ChunksReceived = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "arkiv",
		Subsystem: "ingest",
		Name:      "chunks_received_total",
		Help:      "Chunks accepted and persisted as fragments.",
	})

	ChunkFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "arkiv",
		Subsystem: "ingest",
		Name:      "chunk_failures_total",
		Help:      "Chunk attempts rejected, by reason.",
	}, []string{"reason"})

	BytesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "arkiv",
		Subsystem: "ingest",
		Name:      "bytes_received_total",
		Help:      "Payload bytes accepted into fragment storage.",
	})

	SessionsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "arkiv",
		Subsystem: "ingest",
		Name:      "sessions_completed_total",
		Help:      "Sessions that reached the completed state.",
	})

	SessionsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "arkiv",
		Subsystem: "ingest",
		Name:      "sessions_failed_total",
		Help:      "Sessions that reached the failed state.",
	})

	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "arkiv",
		Subsystem: "ingest",
		Name:      "active_sessions",
		Help:      "Sessions currently pending, uploading, or assembling.",
	})

	SessionsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "arkiv",
		Subsystem: "sweeper",
		Name:      "sessions_expired_total",
		Help:      "Sessions transitioned to expired by the sweeper.",
	})

	SessionsPurged = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "arkiv",
		Subsystem: "sweeper",
		Name:      "sessions_purged_total",
		Help:      "Terminal sessions whose fragments and rows were removed.",
	})
)
