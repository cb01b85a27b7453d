package processor

import (
	"context"
	"errors"
	"sync"
	"time"

	"fundingflow/internal/metrics"
	"fundingflow/logger"
	"fundingflow/models"
)

// Fetcher produces the records of one source. *reader.Adapter implements it.
type Fetcher interface {
	Exchange() models.Exchange
	Fetch(ctx context.Context) ([]models.FundingRecord, error)
}

// SourceResult is what one source contributed to a run. Records is empty
// unless Summary.Status is completed.
type SourceResult struct {
	Records []models.FundingRecord
	Summary models.SourceSummary
}

// Orchestrator runs every fetcher concurrently, each under its own timeout.
type Orchestrator struct {
	fetchers []Fetcher
	timeout  time.Duration
	log      *logger.Log
}

func NewOrchestrator(fetchers []Fetcher, timeout time.Duration) *Orchestrator {
	return &Orchestrator{fetchers: fetchers, timeout: timeout, log: logger.GetLogger()}
}

// Run waits for every source to finish or time out and returns the results
// in fetcher order. It never fails as a whole.
func (o *Orchestrator) Run(ctx context.Context) []SourceResult {
	results := make([]SourceResult, len(o.fetchers))

	var wg sync.WaitGroup
	for i, f := range o.fetchers {
		wg.Add(1)
		go func(i int, f Fetcher) {
			defer wg.Done()
			results[i] = o.runSource(ctx, f)
		}(i, f)
	}
	wg.Wait()
	return results
}

type fetchOutcome struct {
	records []models.FundingRecord
	err     error
}

func (o *Orchestrator) runSource(ctx context.Context, f Fetcher) SourceResult {
	ex := f.Exchange()
	log := o.log.WithComponent("orchestrator").WithFields(logger.Fields{"exchange": ex})
	start := time.Now()

	sctx := ctx
	cancel := context.CancelFunc(func() {})
	if o.timeout > 0 {
		sctx, cancel = context.WithTimeout(ctx, o.timeout)
	}
	defer cancel()

	// buffered so an abandoned fetch can still deliver and exit
	done := make(chan fetchOutcome, 1)
	go func() {
		records, err := f.Fetch(sctx)
		done <- fetchOutcome{records: records, err: err}
	}()

	res := SourceResult{
		Records: []models.FundingRecord{},
		Summary: models.SourceSummary{Exchange: ex},
	}

	select {
	case out := <-done:
		switch {
		case out.err == nil:
			res.Records = out.records
			if res.Records == nil {
				res.Records = []models.FundingRecord{}
			}
			res.Summary.Status = models.SourceCompleted
		case errors.Is(out.err, context.DeadlineExceeded) && sctx.Err() != nil:
			res.Summary.Status = models.SourceTimedOut
			res.Summary.Error = out.err.Error()
		default:
			res.Summary.Status = models.SourceErrored
			res.Summary.Error = out.err.Error()
		}
	case <-sctx.Done():
		res.Summary.Status = models.SourceTimedOut
		if ctx.Err() != nil {
			res.Summary.Status = models.SourceErrored
		}
		res.Summary.Error = sctx.Err().Error()
	}

	res.Summary.Count = len(res.Records)
	res.Summary.DurationMs = time.Since(start).Milliseconds()

	metrics.ObserveSource(string(ex), string(res.Summary.Status), res.Summary.Count)
	logger.RecordSourceOutcome(string(ex), string(res.Summary.Status), res.Summary.Count)

	entry := log.WithFields(logger.Fields{
		"status":      res.Summary.Status,
		"records":     res.Summary.Count,
		"duration_ms": res.Summary.DurationMs,
	})
	switch res.Summary.Status {
	case models.SourceCompleted:
		entry.Info("source completed")
	case models.SourceTimedOut:
		entry.WithFields(logger.Fields{"timeout": o.timeout.String()}).Warn("source timed out; contributing no records")
	default:
		entry.WithFields(logger.Fields{"error": res.Summary.Error}).Warn("source failed; contributing no records")
	}
	return res
}
