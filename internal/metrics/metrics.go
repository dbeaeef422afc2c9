// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"sync"
	"time"

	"github.com/pinmatch/pinmatch/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	initOnce sync.Once

	runPhasesCounter         *prometheus.CounterVec
	runFailuresCounter       *prometheus.CounterVec
	artifactsCounter         *prometheus.CounterVec
	eventsPublishedCounter   *prometheus.CounterVec
	visionRequestsCounter    *prometheus.CounterVec
	visionCostCounter        prometheus.Counter
	scoringDurationMetric    prometheus.Histogram
	workerClaimLatencyMetric *prometheus.HistogramVec
	streamConnectionsGauge   prometheus.Gauge
)

// Init registers metrics on the default Prometheus registry exactly once.
func Init() {
	initOnce.Do(func() {
		runPhasesCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "run_phases_total",
				Help: "Total number of run phase transitions by phase.",
			},
			[]string{"phase"},
		)

		runFailuresCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "run_failures_total",
				Help: "Total number of failed runs by failure reason.",
			},
			[]string{"reason"},
		)

		artifactsCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "artifacts_total",
				Help: "Total number of artifact status updates by status.",
			},
			[]string{"status"},
		)

		eventsPublishedCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "events_published_total",
				Help: "Total number of run events appended by kind.",
			},
			[]string{"kind"},
		)

		visionRequestsCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vision_requests_total",
				Help: "Total number of vision evaluation calls by outcome.",
			},
			[]string{"outcome"},
		)

		visionCostCounter = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "vision_cost_usd_total",
				Help: "Accumulated vision token spend in USD.",
			},
		)

		scoringDurationMetric = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "scoring_duration_seconds",
				Help:    "Duration of full artifact scoring passes in seconds.",
				Buckets: prometheus.DefBuckets,
			},
		)

		workerClaimLatencyMetric = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "worker_claim_latency_seconds",
				Help:    "Latency of worker claim queries in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"lane"},
		)

		streamConnectionsGauge = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "stream_connections",
				Help: "Currently attached event stream connections.",
			},
		)

		prometheus.MustRegister(
			runPhasesCounter,
			runFailuresCounter,
			artifactsCounter,
			eventsPublishedCounter,
			visionRequestsCounter,
			visionCostCounter,
			scoringDurationMetric,
			workerClaimLatencyMetric,
			streamConnectionsGauge,
		)

		// Ensure counter vectors are visible at /metrics before first increment.
		for _, phase := range []domain.RunPhase{
			domain.PhaseLogin,
			domain.PhaseCollectionCreate,
			domain.PhaseSeedSave,
			domain.PhaseScrape,
			domain.PhaseDone,
			domain.PhaseFailed,
		} {
			runPhasesCounter.WithLabelValues(string(phase))
		}

		for _, reason := range []domain.FailureReason{
			domain.FailureAuthFailed,
			domain.FailureDuplicateName,
			domain.FailureNamingRejected,
			domain.FailureSeedSaveFailed,
			domain.FailureScrapeFailed,
			domain.FailureCancelled,
		} {
			runFailuresCounter.WithLabelValues(string(reason))
		}

		for _, status := range []domain.ArtifactStatus{
			domain.ArtifactPending,
			domain.ArtifactApproved,
			domain.ArtifactDisqualified,
		} {
			artifactsCounter.WithLabelValues(string(status))
		}

		for _, kind := range []domain.EventKind{
			domain.EventProgress,
			domain.EventArtifactDiscovered,
			domain.EventArtifactScored,
			domain.EventError,
		} {
			eventsPublishedCounter.WithLabelValues(string(kind))
		}

		for _, outcome := range []string{"ok", "error"} {
			visionRequestsCounter.WithLabelValues(outcome)
		}

		for _, lane := range []string{"run", "scoring"} {
			workerClaimLatencyMetric.WithLabelValues(lane)
		}
	})
}

func IncRunPhase(phase string) {
	Init()
	runPhasesCounter.WithLabelValues(phase).Inc()
}

func IncRunFailure(reason string) {
	Init()
	runFailuresCounter.WithLabelValues(reason).Inc()
}

func IncArtifactStatus(status string) {
	Init()
	artifactsCounter.WithLabelValues(status).Inc()
}

func IncEventPublished(kind string) {
	Init()
	eventsPublishedCounter.WithLabelValues(kind).Inc()
}

func IncVisionRequest(outcome string) {
	Init()
	visionRequestsCounter.WithLabelValues(outcome).Inc()
}

func AddVisionCostUSD(v float64) {
	Init()
	visionCostCounter.Add(v)
}

func ObserveScoringDuration(d time.Duration) {
	Init()
	scoringDurationMetric.Observe(d.Seconds())
}

func ObserveClaimLatency(lane string, d time.Duration) {
	Init()
	workerClaimLatencyMetric.WithLabelValues(lane).Observe(d.Seconds())
}

func IncStreamConnections() {
	Init()
	streamConnectionsGauge.Inc()
}

func DecStreamConnections() {
	Init()
	streamConnectionsGauge.Dec()
}
