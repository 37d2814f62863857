// Package monitor persists the audit and monitoring output of a run: the
// append-only JSON-lines manifest, a per-runner status file for check-based
// monitoring, and a Prometheus textfile export of the run summary.
package monitor

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/isometry/ad-ldap-sync/internal/engine"
)

// FileSink implements engine.Sink on the local filesystem.
type FileSink struct {
	manifestPath  string
	monitoringDir string
	metricsFile   string
	log           *slog.Logger
	metrics       *Metrics

	mu       sync.Mutex
	manifest *os.File
}

// NewFileSink creates a sink. manifestPath receives one JSON line per
// manifest record, appended across runs; monitoringDir receives one status
// file per runner; metricsFile, when non-empty, receives the Prometheus
// textfile export.
func NewFileSink(manifestPath, monitoringDir, metricsFile string, log *slog.Logger) *FileSink {
	if log == nil {
		log = slog.Default()
	}
	return &FileSink{
		manifestPath:  manifestPath,
		monitoringDir: monitoringDir,
		metricsFile:   metricsFile,
		log:           log,
		metrics:       NewMetrics(),
	}
}

// AppendManifest writes one record to the manifest as a JSON line. Records
// are never rewritten; the manifest only grows.
func (s *FileSink) AppendManifest(record engine.ManifestRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.manifest == nil {
		f, err := os.OpenFile(s.manifestPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err != nil {
			return fmt.Errorf("failed to open manifest %s: %w", s.manifestPath, err)
		}
		s.manifest = f
	}

	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode manifest record: %w", err)
	}
	if _, err := s.manifest.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to append manifest record: %w", err)
	}
	return nil
}

// WriteRunSummary writes the per-runner status file and the metrics
// textfile. The status file is replaced wholesale each run.
func (s *FileSink) WriteRunSummary(summary engine.RunSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode run summary: %w", err)
	}

	statusPath := filepath.Join(s.monitoringDir, summary.Runner+".status")
	if err := os.WriteFile(statusPath, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("failed to write status file %s: %w", statusPath, err)
	}

	s.metrics.Observe(summary)
	if s.metricsFile != "" {
		if err := s.metrics.WriteTextfile(s.metricsFile); err != nil {
			return err
		}
	}

	return nil
}

// Close releases the manifest file handle.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.manifest == nil {
		return nil
	}
	err := s.manifest.Close()
	s.manifest = nil
	return err
}
