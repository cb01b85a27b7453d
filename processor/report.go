package processor

import (
	"context"
	"time"

	"github.com/google/uuid"

	"fundingflow/config"
	"fundingflow/internal/metrics"
	"fundingflow/logger"
	"fundingflow/models"
)

// Assembler runs one aggregation end to end and shapes the report.
type Assembler struct {
	orchestrator *Orchestrator
	builder      *Builder
	log          *logger.Log
}

func NewAssembler(o *Orchestrator, b *Builder) *Assembler {
	return &Assembler{orchestrator: o, builder: b, log: logger.GetLogger()}
}

// NewAssemblerFromConfig wires an orchestrator and builder from cfg.
func NewAssemblerFromConfig(cfg *config.Config, fetchers []Fetcher) *Assembler {
	o := NewOrchestrator(fetchers, cfg.Aggregator.SourceTimeout)
	b := NewBuilder(cfg.ExchangeOrder(), Thresholds{
		High:   cfg.Comparison.HighThreshold,
		Medium: cfg.Comparison.MediumThreshold,
	}, cfg.Aggregator.TopN)
	return NewAssembler(o, b)
}

// Run performs one aggregation. Source failures only shrink the report.
func (a *Assembler) Run(ctx context.Context) models.Report {
	runID := uuid.New().String()
	start := time.Now()
	log := a.log.WithComponent("aggregator").WithFields(logger.Fields{"run_id": runID})
	log.Info("aggregation run started")

	results := a.orchestrator.Run(ctx)
	sets := make(map[models.Exchange][]models.FundingRecord, len(results))
	for _, r := range results {
		sets[r.Summary.Exchange] = r.Records
	}
	cmp := a.builder.Build(sets)

	report := BuildReport(runID, start, time.Since(start), results, cmp)

	metrics.ObserveRun(time.Since(start))
	logger.RecordRun(time.Since(start), report.Stats.RecordCount)
	metrics.EmitMetric(a.log, "aggregator", "run_duration_ms", report.DurationMs, "gauge", nil)
	metrics.EmitMetric(a.log, "aggregator", "records_produced", report.Stats.RecordCount, "gauge", nil)
	for _, src := range report.Sources {
		if src.Status != models.SourceCompleted {
			metrics.EmitMetric(a.log, "aggregator", "source_failures", 1, "counter", logger.Fields{"exchange": string(src.Exchange), "status": string(src.Status)})
		}
	}

	log.WithFields(logger.Fields{
		"duration_ms":     report.DurationMs,
		"records":         report.Stats.RecordCount,
		"comparison_mode": report.ComparisonMode,
		"entries":         len(report.Comparison),
	}).Info("aggregation run finished")
	return report
}

// BuildReport assembles the outbound payload from finished source results.
func BuildReport(runID string, start time.Time, duration time.Duration, results []SourceResult, cmp Comparison) models.Report {
	report := models.Report{
		RunID:                runID,
		GeneratedAt:          start.UTC(),
		DurationMs:           duration.Milliseconds(),
		Sources:              make([]models.SourceSummary, 0, len(results)),
		IntervalDistribution: cmp.IntervalDistribution,
		ComparisonMode:       cmp.Mode,
		Comparison:           cmp.Entries,
		Stats:                cmp.Stats,
		Records:              make(map[models.Exchange][]models.FundingRecord, len(results)),
	}
	for _, r := range results {
		report.Sources = append(report.Sources, r.Summary)
		records := r.Records
		if records == nil {
			records = []models.FundingRecord{}
		}
		report.Records[r.Summary.Exchange] = records
	}
	if report.IntervalDistribution == nil {
		report.IntervalDistribution = map[int]int{}
	}
	if report.Comparison == nil {
		report.Comparison = []models.ComparisonEntry{}
	}
	return report
}
