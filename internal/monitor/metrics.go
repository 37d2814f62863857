package monitor

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"

	"github.com/isometry/ad-ldap-sync/internal/engine"
)

// Metrics exposes the run summary as Prometheus series. The process is a
// batch job, so the series are exported through a node_exporter textfile
// rather than a scrape endpoint.
type Metrics struct {
	registry *prometheus.Registry

	RunSuccess     *prometheus.GaugeVec
	RunTimestamp   *prometheus.GaugeVec
	EntriesApplied *prometheus.GaugeVec
	EntriesSkipped *prometheus.GaugeVec
	EntriesFailed  *prometheus.GaugeVec
	GatedBatches   *prometheus.GaugeVec
}

// NewMetrics creates and registers the run metrics on a private registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		RunSuccess: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "directory_sync_run_success",
				Help: "Whether the last run completed without entry failures (1 = success)",
			},
			[]string{"runner"},
		),

		RunTimestamp: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "directory_sync_run_timestamp_seconds",
				Help: "Unix time of the last run",
			},
			[]string{"runner"},
		),

		EntriesApplied: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "directory_sync_entries_applied",
				Help: "Entries applied in the last run",
			},
			[]string{"runner"},
		),

		EntriesSkipped: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "directory_sync_entries_skipped",
				Help: "Entries skipped by policy in the last run",
			},
			[]string{"runner"},
		),

		EntriesFailed: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "directory_sync_entries_failed",
				Help: "Entries that failed in the last run",
			},
			[]string{"runner"},
		),

		GatedBatches: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "directory_sync_gated_batches",
				Help: "Batches held for operator override in the last run",
			},
			[]string{"runner"},
		),
	}

	m.registry.MustRegister(
		m.RunSuccess,
		m.RunTimestamp,
		m.EntriesApplied,
		m.EntriesSkipped,
		m.EntriesFailed,
		m.GatedBatches,
	)
	return m
}

// Observe records one run summary.
func (m *Metrics) Observe(summary engine.RunSummary) {
	success := 0.0
	if summary.Success {
		success = 1.0
	}
	m.RunSuccess.WithLabelValues(summary.Runner).Set(success)
	m.RunTimestamp.WithLabelValues(summary.Runner).Set(float64(summary.Timestamp.Unix()))
	m.EntriesApplied.WithLabelValues(summary.Runner).Set(float64(summary.Applied))
	m.EntriesSkipped.WithLabelValues(summary.Runner).Set(float64(summary.Skipped))
	m.EntriesFailed.WithLabelValues(summary.Runner).Set(float64(summary.Failed))
	m.GatedBatches.WithLabelValues(summary.Runner).Set(float64(len(summary.Gated)))
}

// WriteTextfile renders the registry in the Prometheus text exposition
// format, atomically replacing the target file so the node_exporter
// textfile collector never reads a partial write.
func (m *Metrics) WriteTextfile(path string) error {
	families, err := m.registry.Gather()
	if err != nil {
		return fmt.Errorf("failed to gather metrics: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create metrics tempfile: %w", err)
	}
	defer os.Remove(tmp.Name())

	encoder := expfmt.NewEncoder(tmp, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, family := range families {
		if err := encoder.Encode(family); err != nil {
			tmp.Close()
			return fmt.Errorf("failed to encode metrics: %w", err)
		}
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close metrics tempfile: %w", err)
	}

	return os.Rename(tmp.Name(), path)
}
