package processor

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"fundingflow/config"
	"fundingflow/models"
)

func TestAssemblerRun(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	fetchers := []Fetcher{
		&stubFetcher{ex: models.ExchangeBinance, records: []models.FundingRecord{
			record(models.ExchangeBinance, "BTC", models.Float(0.01), 8),
			record(models.ExchangeBinance, "WIF", models.Float(0.2), 1),
		}},
		&stubFetcher{ex: models.ExchangeBybit, ignoreCtx: true, release: release},
	}
	a := NewAssembler(NewOrchestrator(fetchers, 30*time.Millisecond), newTestBuilder(10))

	report := a.Run(context.Background())
	if _, err := uuid.Parse(report.RunID); err != nil {
		t.Fatalf("run id is not a uuid: %q", report.RunID)
	}
	if len(report.Sources) != 2 || report.Sources[1].Status != models.SourceTimedOut {
		t.Fatalf("unexpected sources: %+v", report.Sources)
	}
	if got := report.Records[models.ExchangeBybit]; got == nil || len(got) != 0 {
		t.Fatalf("timed out source should report an empty set, got %v", got)
	}
	if report.ComparisonMode != models.ComparisonFallback || len(report.Comparison) != 2 {
		t.Fatalf("unexpected comparison: %s %+v", report.ComparisonMode, report.Comparison)
	}
	if report.IntervalDistribution[8] != 1 || report.IntervalDistribution[1] != 1 {
		t.Fatalf("unexpected distribution: %v", report.IntervalDistribution)
	}
}

func TestReportSerializes(t *testing.T) {
	report := BuildReport("run", time.Unix(1700000000, 0), time.Second, nil, Comparison{Mode: models.ComparisonEmpty})
	payload, err := json.Marshal(report)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, key := range []string{"runId", "durationMs", "sources", "intervalDistribution", "comparison", "stats", "records"} {
		if _, ok := decoded[key]; !ok {
			t.Errorf("missing key %q", key)
		}
	}
	if list, ok := decoded["comparison"].([]interface{}); !ok || len(list) != 0 {
		t.Errorf("comparison should be an empty array, got %v", decoded["comparison"])
	}
}

func TestNewAssemblerFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Source.Okx.Enabled = false
	cfg.Source.Kucoin.Enabled = false

	a := NewAssemblerFromConfig(&cfg, nil)
	if a.orchestrator.timeout != cfg.Aggregator.SourceTimeout {
		t.Fatalf("timeout not applied: %v", a.orchestrator.timeout)
	}
	if len(a.builder.order) != 2 || a.builder.order[0] != models.ExchangeBinance {
		t.Fatalf("unexpected order: %v", a.builder.order)
	}
	if a.builder.thresholds.High != cfg.Comparison.HighThreshold {
		t.Fatalf("thresholds not applied: %+v", a.builder.thresholds)
	}
}

type countingRunner struct {
	mu    sync.Mutex
	calls int
	gate  chan struct{}
}

func (r *countingRunner) Run(ctx context.Context) models.Report {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
	if r.gate != nil {
		<-r.gate
	}
	return models.Report{RunID: "stub"}
}

func TestSchedulerRunOnceSkipsOverlap(t *testing.T) {
	runner := &countingRunner{gate: make(chan struct{})}
	published := make(chan models.Report, 2)
	s := NewScheduler(runner, "@every 1h", func(r models.Report) { published <- r })

	done := make(chan bool)
	go func() { done <- s.RunOnce() }()

	// wait for the first run to hold the lock
	deadline := time.After(time.Second)
	for {
		runner.mu.Lock()
		calls := runner.calls
		runner.mu.Unlock()
		if calls == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("first run never started")
		case <-time.After(time.Millisecond):
		}
	}

	if s.RunOnce() {
		t.Fatalf("overlapping run should be skipped")
	}
	close(runner.gate)
	if !<-done {
		t.Fatalf("first run should report success")
	}
	if r := <-published; r.RunID != "stub" {
		t.Fatalf("unexpected report %+v", r)
	}
}

func TestSchedulerStartStop(t *testing.T) {
	runner := &countingRunner{}
	published := make(chan models.Report, 1)
	s := NewScheduler(runner, "@every 1h", func(r models.Report) { published <- r })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.Start(ctx); err == nil {
		t.Fatalf("expected error on second start")
	}
	select {
	case <-published:
	case <-time.After(2 * time.Second):
		t.Fatalf("start should trigger an immediate run")
	}
	s.Stop()
}

func TestSchedulerInvalidSchedule(t *testing.T) {
	s := NewScheduler(&countingRunner{}, "not a schedule", nil)
	if err := s.Start(context.Background()); err == nil {
		t.Fatalf("expected invalid schedule error")
	}
}
