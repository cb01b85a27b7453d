package server

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"fundingflow/internal/metrics"
	"fundingflow/models"
)

// runSummary is the compact history entry of one finished run.
type runSummary struct {
	RunID          string                 `json:"runId"`
	GeneratedAt    time.Time              `json:"generatedAt"`
	DurationMs     int64                  `json:"durationMs"`
	Records        int                    `json:"records"`
	ComparisonMode models.ComparisonMode  `json:"comparisonMode"`
	Sources        []models.SourceSummary `json:"sources"`
}

// reportStore keeps the latest report and a bounded run history. Reports are
// never mutated after Publish, so readers share them.
type reportStore struct {
	mu      sync.RWMutex
	latest  *models.Report
	history []runSummary
	limit   int
}

func newReportStore(limit int) *reportStore {
	if limit <= 0 {
		limit = 50
	}
	return &reportStore{limit: limit}
}

func (s *reportStore) put(r models.Report) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.latest = &r
	s.history = append(s.history, runSummary{
		RunID:          r.RunID,
		GeneratedAt:    r.GeneratedAt,
		DurationMs:     r.DurationMs,
		Records:        r.Stats.RecordCount,
		ComparisonMode: r.ComparisonMode,
		Sources:        r.Sources,
	})
	if len(s.history) > s.limit {
		s.history = append([]runSummary(nil), s.history[len(s.history)-s.limit:]...)
	}
}

func (s *reportStore) get() (models.Report, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.latest == nil {
		return models.Report{}, false
	}
	return *s.latest, true
}

func (s *reportStore) runs() []runSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]runSummary, len(s.history))
	copy(out, s.history)
	return out
}

// metricStore retains the most recent metric events. It is safe for
// concurrent use.
type metricStore struct {
	mu    sync.RWMutex
	items []metrics.Metric
	limit int
}

func newMetricStore(limit int) *metricStore {
	if limit <= 0 {
		limit = 200
	}
	return &metricStore{limit: limit}
}

func (s *metricStore) handle(metric metrics.Metric) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.items = append(s.items, metric)
	if len(s.items) > s.limit {
		s.items = append([]metrics.Metric(nil), s.items[len(s.items)-s.limit:]...)
	}
}

func (s *metricStore) snapshot() []metrics.Metric {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]metrics.Metric, len(s.items))
	copy(out, s.items)
	return out
}

type logRecord struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Component string                 `json:"component,omitempty"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// logStore is a logrus hook keeping the most recent warnings and errors.
type logStore struct {
	mu      sync.RWMutex
	items   []logRecord
	limit   int
	enabled atomic.Bool
}

func newLogStore(limit int) *logStore {
	if limit <= 0 {
		limit = 200
	}
	ls := &logStore{limit: limit}
	ls.enabled.Store(true)
	return ls
}

func (s *logStore) Levels() []logrus.Level {
	return []logrus.Level{logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel, logrus.WarnLevel}
}

func (s *logStore) Fire(entry *logrus.Entry) error {
	if !s.enabled.Load() {
		return nil
	}

	record := logRecord{
		Timestamp: entry.Time,
		Level:     entry.Level.String(),
		Message:   entry.Message,
	}
	if component, ok := entry.Data["component"].(string); ok {
		record.Component = component
	}
	if len(entry.Data) > 0 {
		record.Fields = make(map[string]interface{}, len(entry.Data))
		for k, v := range entry.Data {
			if k == "component" {
				continue
			}
			switch val := v.(type) {
			case error:
				record.Fields[k] = val.Error()
			case fmt.Stringer:
				record.Fields[k] = val.String()
			default:
				record.Fields[k] = val
			}
		}
	}

	s.mu.Lock()
	s.items = append(s.items, record)
	if len(s.items) > s.limit {
		s.items = append([]logRecord(nil), s.items[len(s.items)-s.limit:]...)
	}
	s.mu.Unlock()
	return nil
}

func (s *logStore) snapshot() []logRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]logRecord, len(s.items))
	copy(out, s.items)
	return out
}

func (s *logStore) close() {
	s.enabled.Store(false)
}
