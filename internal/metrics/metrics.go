package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Scan pipeline counters, exposed on /metrics.
var (
	FramesSampled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scanner_frames_sampled_total",
		Help: "Frames copied out of the camera for a decode attempt.",
	})

	FramesSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scanner_frames_skipped_total",
		Help: "Ticks skipped because the camera reported zero-area dimensions or the loop was paused.",
	})

	DecodeHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scanner_decode_hits_total",
		Help: "Frames in which a QR code was decoded.",
	})

	ScansAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scanner_scans_accepted_total",
		Help: "Decodes accepted by the deduplicator and handed to reconciliation.",
	})

	ScansSuppressed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scanner_scans_suppressed_total",
		Help: "Decodes dropped as noise, duplicates, or while a handoff was pending.",
	})

	Outcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scanner_outcomes_total",
		Help: "Reconciliation outcomes by kind.",
	}, []string{"kind"})

	SessionActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "scanner_session_active",
		Help: "1 while a scan session is running.",
	})
)
