package interval

import (
	"context"
	"sort"

	"fundingflow/models"
)

// HistoryDepth is the number of settlement events requested for a lookback.
const HistoryDepth = 2

// HistoryFunc fetches the most recent settlement events of one instrument.
type HistoryFunc func(ctx context.Context, inst models.Instrument, limit int) ([]models.SettlementEvent, error)

// Estimate is an inferred interval and the method that produced it.
type Estimate struct {
	Hours  int
	Method models.IntervalMethod
}

// Engine runs the inference chain: snapshot timestamps, snapshot text,
// history lookback, heuristic. It never fails.
type Engine struct {
	classifier Classifier
}

// NewEngine returns an engine using c for the heuristic step. A nil c selects
// DefaultClassifier.
func NewEngine(c Classifier) *Engine {
	if c == nil {
		c = DefaultClassifier()
	}
	return &Engine{classifier: c}
}

// FromSnapshot tries the numeric and then the textual settlement pair of a
// snapshot.
func (e *Engine) FromSnapshot(snap models.Snapshot) (Estimate, bool) {
	if h, ok := Hours(snap.FundingTime, snap.NextFundingTime); ok && Valid(h) {
		return Estimate{Hours: h, Method: models.IntervalMethodTimestamps}, true
	}
	if h, ok := Hours(ParseText(snap.FundingTimeText), ParseText(snap.NextFundingTimeText)); ok && Valid(h) {
		return Estimate{Hours: h, Method: models.IntervalMethodTextual}, true
	}
	return Estimate{}, false
}

// FromHistory measures the gap between the two latest settlements returned
// by fetch. Retrieval errors count as no data.
func (e *Engine) FromHistory(ctx context.Context, inst models.Instrument, fetch HistoryFunc) (Estimate, bool) {
	if fetch == nil {
		return Estimate{}, false
	}
	events, err := fetch(ctx, inst, HistoryDepth)
	if err != nil {
		return Estimate{}, false
	}

	times := make([]int64, 0, len(events))
	for _, ev := range events {
		if ev.SourceSymbol != "" && ev.SourceSymbol != inst.SourceSymbol {
			continue
		}
		if ev.Time.IsZero() {
			continue
		}
		times = append(times, ev.Time.UnixMilli())
	}
	if len(times) < 2 {
		return Estimate{}, false
	}
	sort.Slice(times, func(i, j int) bool { return times[i] > times[j] })

	h, ok := Hours(models.EpochTime(times[1]), models.EpochTime(times[0]))
	if !ok || !Valid(h) {
		return Estimate{}, false
	}
	return Estimate{Hours: h, Method: models.IntervalMethodHistory}, true
}

// Heuristic classifies inst by name.
func (e *Engine) Heuristic(inst models.Instrument) Estimate {
	h := e.classifier.Classify(inst)
	if !Valid(h) {
		h = 4
	}
	return Estimate{Hours: h, Method: models.IntervalMethodHeuristic}
}

// Infer runs the full chain. A nil history skips the lookback.
func (e *Engine) Infer(ctx context.Context, inst models.Instrument, snap models.Snapshot, history HistoryFunc) Estimate {
	if est, ok := e.FromSnapshot(snap); ok {
		return est
	}
	if est, ok := e.FromHistory(ctx, inst, history); ok {
		return est
	}
	return e.Heuristic(inst)
}
