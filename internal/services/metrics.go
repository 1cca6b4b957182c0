// Package services – domain metrics
//
// This file exposes Prometheus instrumentation for the generation and
// commerce lifecycles. HTTP-level traffic metrics live in the middleware
// package; the collectors here track business outcomes instead, with label
// sets kept to low-cardinality enumerations (style id, pipeline, failure
// stage) so dashboards can break results down without exploding series.
package services

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// genSubmitted counts jobs accepted onto the generation queue, broken
	// down by style and pipeline.
	genSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "generations_submitted_total",
			Help: "Total generation jobs submitted to the upstream queue.",
		},
		[]string{"style", "pipeline"},
	)

	// genCompleted counts generations that reached the completed state.
	genCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "generations_completed_total",
			Help: "Total generations that completed successfully.",
		},
		[]string{"style"},
	)

	// genFailed counts failed generations by the stage the failure occurred
	// in (upstream, postprocess, sweeper).
	genFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "generations_failed_total",
			Help: "Total generations that ended in the failed state.",
		},
		[]string{"stage"},
	)

	// genDuration records end-to-end generation time in seconds, measured
	// from row creation to the completed transition. Buckets span the
	// expected range of diffusion jobs (seconds to several minutes).
	genDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "generation_duration_seconds",
			Help:    "End-to-end duration of completed generations in seconds.",
			Buckets: []float64{5, 10, 20, 30, 45, 60, 90, 120, 180, 300, 600},
		},
	)

	// paymentsCaptured counts verified captured payments, regardless of
	// whether the verify callback or the webhook landed first.
	paymentsCaptured = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "payments_captured_total",
			Help: "Total captured payments recorded.",
		},
	)

	// downloadsIssued counts HD download URLs handed out to paying users.
	downloadsIssued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hd_downloads_issued_total",
			Help: "Total signed HD download URLs issued.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		genSubmitted,
		genCompleted,
		genFailed,
		genDuration,
		paymentsCaptured,
		downloadsIssued,
	)
}
