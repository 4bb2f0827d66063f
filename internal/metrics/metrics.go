// Package metrics exposes Prometheus counters for the I/O engines and the
// lock workflows.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "smartlock"

var (
	registerOnce sync.Once

	linkOverflowBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "overflow_bytes_total",
			Help:      "Received bytes dropped because the reassembly buffer was full.",
		},
		[]string{"link"},
	)
	linkFramingErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "framing_errors_total",
			Help:      "Candidate frames rejected for bad magic, length or checksum.",
		},
		[]string{"link"},
	)
	linkMissedCandidates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "missed_candidates_total",
			Help:      "Silence notifications not posted because the owner's inbox was full.",
		},
		[]string{"link"},
	)
	linkRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "requests_total",
			Help:      "Request/response round trips by result.",
		},
		[]string{"link", "result"},
	)
	linkRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "request_duration_seconds",
			Help:      "Time from transmit to response or timeout.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"link"},
	)
	linkStreamFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "stream_frames_total",
			Help:      "Frames received outside a request, by routing decision.",
		},
		[]string{"link", "route"},
	)
	transfers = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "display",
			Name:      "transfers_total",
			Help:      "Display transfer jobs by result.",
		},
		[]string{"result"},
	)
	transferChunks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "display",
			Name:      "chunks_total",
			Help:      "Block transfers completed.",
		},
	)
	displayQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "display",
			Name:      "queue_depth",
			Help:      "Jobs waiting for the display consumer.",
		},
	)
	workflowOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "workflow",
			Name:      "outcomes_total",
			Help:      "Finished peripheral workflows by operation and final state.",
		},
		[]string{"peripheral", "operation", "state"},
	)
	unlocks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lock",
			Name:      "unlocks_total",
			Help:      "Unlock commands issued, by credential source.",
		},
		[]string{"source"},
	)
	accessDenied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lock",
			Name:      "access_denied_total",
			Help:      "Rejected credentials, by source.",
		},
		[]string{"source"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			linkOverflowBytes, linkFramingErrors, linkMissedCandidates, linkRequests, linkRequestDuration, linkStreamFrames,
			transfers, transferChunks, displayQueueDepth,
			workflowOutcomes, unlocks, accessDenied,
		)
	})
}

func RecordOverflow(link string, dropped uint64) {
	RegisterMetrics()
	linkOverflowBytes.WithLabelValues(link).Add(float64(dropped))
}

func RecordMissedCandidates(link string, n uint64) {
	RegisterMetrics()
	linkMissedCandidates.WithLabelValues(link).Add(float64(n))
}

func RecordFramingError(link string) {
	RegisterMetrics()
	linkFramingErrors.WithLabelValues(link).Inc()
}

func RecordRequest(link, result string, duration time.Duration) {
	RegisterMetrics()
	linkRequests.WithLabelValues(link, result).Inc()
	linkRequestDuration.WithLabelValues(link).Observe(duration.Seconds())
}

func RecordStreamFrame(link, route string) {
	RegisterMetrics()
	linkStreamFrames.WithLabelValues(link, route).Inc()
}

func RecordTransfer(result string, chunks int) {
	RegisterMetrics()
	transfers.WithLabelValues(result).Inc()
	transferChunks.Add(float64(chunks))
}

func SetDisplayQueueDepth(depth int) {
	RegisterMetrics()
	displayQueueDepth.Set(float64(depth))
}

func RecordWorkflowOutcome(peripheral, operation, state string) {
	RegisterMetrics()
	workflowOutcomes.WithLabelValues(peripheral, operation, state).Inc()
}

func RecordUnlock(source string) {
	RegisterMetrics()
	unlocks.WithLabelValues(source).Inc()
}

func RecordAccessDenied(source string) {
	RegisterMetrics()
	accessDenied.WithLabelValues(source).Inc()
}
