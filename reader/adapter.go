package reader

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"fundingflow/config"
	"fundingflow/internal/interval"
	"fundingflow/internal/metrics"
	"fundingflow/logger"
	"fundingflow/models"
)

// Options tunes an Adapter.
type Options struct {
	QuoteAsset string
	BatchSize  int
	BatchDelay time.Duration
	// HistoryCap bounds the history lookups of one run.
	HistoryCap int
	Limiter    *rate.Limiter
	Watchlist  *config.Watchlist
	Engine     *interval.Engine
}

// OptionsFromConfig builds adapter options for ex.
func OptionsFromConfig(cfg *config.Config, ex models.Exchange, wl *config.Watchlist) Options {
	sc, _ := cfg.Source.For(ex)
	return Options{
		QuoteAsset: cfg.Aggregator.QuoteAsset,
		BatchSize:  cfg.Aggregator.BatchSize,
		BatchDelay: cfg.Aggregator.BatchDelay,
		HistoryCap: cfg.Aggregator.HistoryLookupCap,
		Limiter:    NewLimiter(sc.RateLimit),
		Watchlist:  wl,
	}
}

// NewLimiter returns a token bucket for the given settings, or nil when
// requests_per_second is zero.
func NewLimiter(rl config.RateLimitConfig) *rate.Limiter {
	if rl.RequestsPerSecond <= 0 {
		return nil
	}
	burst := rl.BurstSize
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rl.RequestsPerSecond), burst)
}

// Adapter produces FundingRecords from one Source.
type Adapter struct {
	source Source
	opts   Options
	log    *logger.Log
}

func NewAdapter(src Source, opts Options) *Adapter {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	if opts.Engine == nil {
		opts.Engine = interval.NewEngine(nil)
	}
	opts.QuoteAsset = strings.ToUpper(opts.QuoteAsset)
	return &Adapter{source: src, opts: opts, log: logger.GetLogger()}
}

func (a *Adapter) Exchange() models.Exchange {
	return a.source.Exchange()
}

// item is the per-instrument working state of one Fetch call.
type item struct {
	inst     models.Instrument
	snap     models.Snapshot
	estimate interval.Estimate
	resolved bool
	failed   bool
}

// Fetch returns one record per instrument, sorted by symbol. Instrument
// failures are dropped; failing to list instruments or to fetch the bulk
// snapshot fails the whole source.
func (a *Adapter) Fetch(ctx context.Context) ([]models.FundingRecord, error) {
	ex := a.source.Exchange()
	log := a.log.WithComponent(string(ex) + "_reader").WithFields(logger.Fields{"exchange": ex})
	start := time.Now()

	listed, err := a.source.ListInstruments(ctx)
	if err != nil {
		return nil, fmt.Errorf("list instruments: %w", err)
	}
	instruments := a.filter(listed)
	log.WithFields(logger.Fields{"listed": len(listed), "selected": len(instruments)}).Debug("instrument universe resolved")

	var bulk map[string]models.Snapshot
	if sf, ok := a.source.(SnapshotFetcher); ok {
		bulk, err = sf.FetchSnapshots(ctx)
		if err != nil && !isUnavailable(err) {
			metrics.ReportLimit(a.log, string(ex), "", "snapshot", err)
			return nil, fmt.Errorf("fetch snapshots: %w", err)
		}
		if isUnavailable(err) {
			bulk = nil
		}
	}

	items := make([]*item, len(instruments))
	for i, inst := range instruments {
		items[i] = &item{inst: inst}
	}

	if err := a.runBatches(ctx, items, func(ctx context.Context, it *item) {
		a.resolveSnapshot(ctx, it, bulk)
	}); err != nil {
		return nil, err
	}

	if err := a.lookupHistory(ctx, items); err != nil {
		return nil, err
	}

	records := make([]models.FundingRecord, 0, len(items))
	for _, it := range items {
		if it.failed {
			continue
		}
		if !it.resolved {
			it.estimate = a.opts.Engine.Heuristic(it.inst)
		}
		metrics.ObserveIntervalMethod(string(ex), string(it.estimate.Method))
		records = append(records, models.NewFundingRecord(it.inst, it.snap, it.estimate.Hours, it.estimate.Method))
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].Symbol != records[j].Symbol {
			return records[i].Symbol < records[j].Symbol
		}
		return records[i].SourceSymbol < records[j].SourceSymbol
	})

	logger.LogPerformanceEntry(log, string(ex)+"_reader", "fetch_source", time.Since(start), logger.Fields{
		"instruments": len(instruments),
		"records":     len(records),
	})
	logger.LogDataFlowEntry(log, string(ex)+"_api", "aggregator", len(records), "funding_records")
	return records, nil
}

// filter keeps perpetuals in the quote asset that pass the watchlist, one per
// canonical symbol (the first by source symbol wins), ordered by symbol.
func (a *Adapter) filter(listed []models.Instrument) []models.Instrument {
	sorted := make([]models.Instrument, len(listed))
	copy(sorted, listed)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].SourceSymbol < sorted[j].SourceSymbol })

	seen := make(map[string]bool, len(sorted))
	out := make([]models.Instrument, 0, len(sorted))
	for _, inst := range sorted {
		if !inst.Perpetual || inst.Symbol == "" {
			continue
		}
		if a.opts.QuoteAsset != "" && !strings.EqualFold(inst.QuoteAsset, a.opts.QuoteAsset) {
			continue
		}
		if !a.opts.Watchlist.Allows(inst.Symbol) || seen[inst.Symbol] {
			continue
		}
		seen[inst.Symbol] = true
		out = append(out, inst)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// runBatches applies fn to items in fixed-size batches. Each batch fans out
// one goroutine per item and joins before the politeness delay.
func (a *Adapter) runBatches(ctx context.Context, items []*item, fn func(context.Context, *item)) error {
	for startIdx := 0; startIdx < len(items); startIdx += a.opts.BatchSize {
		end := startIdx + a.opts.BatchSize
		if end > len(items) {
			end = len(items)
		}

		var wg sync.WaitGroup
		for _, it := range items[startIdx:end] {
			wg.Add(1)
			go func(it *item) {
				defer wg.Done()
				fn(ctx, it)
			}(it)
		}
		wg.Wait()

		if err := ctx.Err(); err != nil {
			return err
		}
		if end < len(items) && a.opts.BatchDelay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(a.opts.BatchDelay):
			}
		}
	}
	return nil
}

func (a *Adapter) wait(ctx context.Context) error {
	if a.opts.Limiter == nil {
		return nil
	}
	return a.opts.Limiter.Wait(ctx)
}

// resolveSnapshot fills the snapshot and, when the snapshot carries a usable
// settlement pair, the interval of one item.
func (a *Adapter) resolveSnapshot(ctx context.Context, it *item, bulk map[string]models.Snapshot) {
	ex := string(a.source.Exchange())
	log := a.log.WithComponent(ex + "_reader").WithFields(logger.Fields{"symbol": it.inst.SourceSymbol})

	hasFunding := false
	switch {
	case bulk != nil:
		snap, ok := bulk[it.inst.SourceSymbol]
		if !ok {
			log.Debug("instrument missing from bulk snapshot")
			metrics.IncInstrumentFailure(ex, "snapshot")
			it.failed = true
			return
		}
		it.snap = snap
		hasFunding = true
	default:
		if is, ok := a.source.(InstrumentSnapshotter); ok {
			if err := a.wait(ctx); err != nil {
				it.failed = true
				return
			}
			snap, err := is.FetchSnapshot(ctx, it.inst)
			switch {
			case err == nil:
				it.snap = snap
				hasFunding = true
			case isUnavailable(err):
			default:
				log.WithError(err).Warn("failed to fetch funding snapshot")
				metrics.ReportLimit(a.log, ex, it.inst.SourceSymbol, "snapshot", err)
				metrics.IncInstrumentFailure(ex, "snapshot")
				it.failed = true
				return
			}
		}
	}
	it.snap.SourceSymbol = it.inst.SourceSymbol

	if it.snap.MarkPrice == nil {
		if tf, ok := a.source.(TickerFetcher); ok {
			price, err := a.fetchTicker(ctx, tf, it.inst)
			switch {
			case err == nil:
				it.snap.MarkPrice = models.Float(price)
			case isUnavailable(err):
			case !hasFunding:
				// the ticker is all this source offers
				log.WithError(err).Warn("failed to fetch ticker")
				metrics.ReportLimit(a.log, ex, it.inst.SourceSymbol, "ticker", err)
				metrics.IncInstrumentFailure(ex, "ticker")
				it.failed = true
				return
			default:
				log.WithError(err).Debug("ticker unavailable; keeping snapshot without price")
			}
		}
	}

	if est, ok := a.opts.Engine.FromSnapshot(it.snap); ok {
		it.estimate = est
		it.resolved = true
	}
}

func (a *Adapter) fetchTicker(ctx context.Context, tf TickerFetcher, inst models.Instrument) (float64, error) {
	if err := a.wait(ctx); err != nil {
		return 0, err
	}
	return tf.FetchTicker(ctx, inst)
}

// lookupHistory spends the per-run history budget on unresolved items in
// symbol order.
func (a *Adapter) lookupHistory(ctx context.Context, items []*item) error {
	hf, ok := a.source.(HistoryFetcher)
	if !ok || a.opts.HistoryCap <= 0 {
		return nil
	}

	pending := make([]*item, 0, a.opts.HistoryCap)
	for _, it := range items {
		if len(pending) == a.opts.HistoryCap {
			break
		}
		if !it.failed && !it.resolved {
			pending = append(pending, it)
		}
	}
	if len(pending) == 0 {
		return nil
	}

	ex := string(a.source.Exchange())
	fetch := func(ctx context.Context, inst models.Instrument, limit int) ([]models.SettlementEvent, error) {
		if err := a.wait(ctx); err != nil {
			return nil, err
		}
		events, err := hf.FetchHistory(ctx, inst, limit)
		if err != nil && !isUnavailable(err) {
			metrics.ReportLimit(a.log, ex, inst.SourceSymbol, "history", err)
			a.log.WithComponent(ex+"_reader").WithError(err).WithFields(logger.Fields{"symbol": inst.SourceSymbol}).Debug("history lookup failed")
		}
		return events, err
	}

	return a.runBatches(ctx, pending, func(ctx context.Context, it *item) {
		est, ok := a.opts.Engine.FromHistory(ctx, it.inst, fetch)
		metrics.ObserveHistoryLookup(ex, ok)
		if ok {
			it.estimate = est
			it.resolved = true
		}
	})
}
