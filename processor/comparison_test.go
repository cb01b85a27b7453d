package processor

import (
	"sort"
	"testing"

	"fundingflow/models"
)

var testOrder = []models.Exchange{models.ExchangeBinance, models.ExchangeBybit}

func newTestBuilder(topN int) *Builder {
	return NewBuilder(testOrder, Thresholds{High: 0.05, Medium: 0.01}, topN)
}

func TestBuildPairedDifferential(t *testing.T) {
	sets := map[models.Exchange][]models.FundingRecord{
		models.ExchangeBinance: {record(models.ExchangeBinance, "BTC", models.Float(0.01), 8)},
		models.ExchangeBybit:   {record(models.ExchangeBybit, "BTC", models.Float(-0.02), 8)},
	}
	cmp := newTestBuilder(10).Build(sets)

	if cmp.Mode != models.ComparisonPaired || len(cmp.Entries) != 1 {
		t.Fatalf("unexpected comparison: %+v", cmp)
	}
	e := cmp.Entries[0]
	if e.Differential == nil || *e.Differential != -0.03 {
		t.Fatalf("expected differential -0.03, got %v", e.Differential)
	}
	if *e.AbsDifferential != 0.03 || e.Classification != models.BandMedium {
		t.Fatalf("unexpected band: %+v", e)
	}
	if e.FavorableExchange != string(models.ExchangeBinance) {
		t.Fatalf("favorable should be the first source, got %q", e.FavorableExchange)
	}
	if e.FirstExchange != models.ExchangeBinance || e.SecondExchange != models.ExchangeBybit {
		t.Fatalf("pair order not fixed: %+v", e)
	}
	if e.HighestExchange != models.ExchangeBinance || e.LowestExchange != models.ExchangeBybit || *e.Spread != 0.03 {
		t.Fatalf("unexpected spread: %+v", e)
	}
}

func TestBuildBandsAndTies(t *testing.T) {
	sets := map[models.Exchange][]models.FundingRecord{
		models.ExchangeBinance: {
			record(models.ExchangeBinance, "AAA", models.Float(0.01), 8),
			record(models.ExchangeBinance, "BBB", models.Float(0.0), 8),
			record(models.ExchangeBinance, "CCC", models.Float(0.005), 8),
		},
		models.ExchangeBybit: {
			record(models.ExchangeBybit, "AAA", models.Float(0.01), 8),
			record(models.ExchangeBybit, "BBB", models.Float(0.1), 8),
			record(models.ExchangeBybit, "CCC", models.Float(0.0), 8),
		},
	}
	cmp := newTestBuilder(10).Build(sets)
	got := map[string]models.ComparisonEntry{}
	for _, e := range cmp.Entries {
		got[e.Symbol] = e
	}
	if got["AAA"].FavorableExchange != models.FavorableEqual || got["AAA"].Classification != models.BandLow {
		t.Errorf("tie misclassified: %+v", got["AAA"])
	}
	if got["BBB"].Classification != models.BandHigh || got["BBB"].FavorableExchange != string(models.ExchangeBybit) {
		t.Errorf("high band misclassified: %+v", got["BBB"])
	}
	if got["CCC"].Classification != models.BandLow {
		t.Errorf("low band misclassified: %+v", got["CCC"])
	}
	// ascending differential: CCC(-0.005), AAA(0), BBB(0.1)
	if cmp.Entries[0].Symbol != "CCC" || cmp.Entries[1].Symbol != "AAA" || cmp.Entries[2].Symbol != "BBB" {
		t.Errorf("unexpected order: %s %s %s", cmp.Entries[0].Symbol, cmp.Entries[1].Symbol, cmp.Entries[2].Symbol)
	}
}

func TestBuildMissingRateSortsLast(t *testing.T) {
	sets := map[models.Exchange][]models.FundingRecord{
		models.ExchangeBinance: {
			record(models.ExchangeBinance, "ETH", nil, 8),
			record(models.ExchangeBinance, "SOL", models.Float(0.02), 8),
		},
		models.ExchangeBybit: {
			record(models.ExchangeBybit, "ETH", models.Float(0.01), 8),
			record(models.ExchangeBybit, "SOL", models.Float(0.03), 8),
		},
	}
	cmp := newTestBuilder(10).Build(sets)
	if len(cmp.Entries) != 2 || cmp.Entries[1].Symbol != "ETH" {
		t.Fatalf("entry without a differential should sort last: %+v", cmp.Entries)
	}
	eth := cmp.Entries[1]
	if eth.Differential != nil || eth.Classification != models.BandUnavailable || eth.FavorableExchange != "" {
		t.Fatalf("unexpected ETH entry: %+v", eth)
	}
}

// A shared symbol without any rate still gets a row so no symbol listed
// twice disappears from the table.
func TestBuildKeepsSharedSymbolWithoutRates(t *testing.T) {
	sets := map[models.Exchange][]models.FundingRecord{
		models.ExchangeBinance: {record(models.ExchangeBinance, "XMR", nil, 8)},
		models.ExchangeBybit:   {record(models.ExchangeBybit, "XMR", nil, 4)},
	}
	cmp := newTestBuilder(10).Build(sets)
	if cmp.Mode != models.ComparisonPaired || len(cmp.Entries) != 1 {
		t.Fatalf("expected one paired row, got %s %+v", cmp.Mode, cmp.Entries)
	}
	xmr := cmp.Entries[0]
	if xmr.Differential != nil || xmr.Classification != models.BandUnavailable || xmr.FavorableExchange != "" {
		t.Fatalf("unexpected XMR entry: %+v", xmr)
	}
	if cmp.Stats.RatedCount != 0 || cmp.Stats.Average != nil || cmp.IntervalDistribution[8] != 1 || cmp.IntervalDistribution[4] != 1 {
		t.Fatalf("rate-less records must stay out of stats but in the histogram: %+v %v", cmp.Stats, cmp.IntervalDistribution)
	}
}

func TestBuildFallbackWhenNoOverlap(t *testing.T) {
	sets := map[models.Exchange][]models.FundingRecord{
		models.ExchangeBinance: {
			record(models.ExchangeBinance, "AAA", models.Float(0.01), 8),
			record(models.ExchangeBinance, "BBB", models.Float(-0.3), 4),
			record(models.ExchangeBinance, "CCC", nil, 4),
		},
		models.ExchangeBybit: {
			record(models.ExchangeBybit, "DDD", models.Float(0.02), 1),
		},
	}
	cmp := newTestBuilder(2).Build(sets)
	if cmp.Mode != models.ComparisonFallback {
		t.Fatalf("expected fallback mode, got %s", cmp.Mode)
	}
	if len(cmp.Entries) != 3 {
		t.Fatalf("expected top 2 of binance plus 1 of bybit, got %+v", cmp.Entries)
	}
	if cmp.Entries[0].Symbol != "BBB" || cmp.Entries[1].Symbol != "AAA" || cmp.Entries[2].Symbol != "DDD" {
		t.Fatalf("unexpected fallback ranking: %+v", cmp.Entries)
	}
	for _, e := range cmp.Entries {
		if e.Classification != models.BandSingleSource || len(e.Legs) != 1 {
			t.Fatalf("unexpected fallback entry: %+v", e)
		}
	}
}

func TestBuildFallbackWithOneSource(t *testing.T) {
	sets := map[models.Exchange][]models.FundingRecord{
		models.ExchangeBinance: {},
		models.ExchangeBybit:   {record(models.ExchangeBybit, "BTC", models.Float(0.01), 8)},
	}
	cmp := newTestBuilder(5).Build(sets)
	if cmp.Mode != models.ComparisonFallback || len(cmp.Entries) != 1 {
		t.Fatalf("one surviving source must still fill the table: %+v", cmp)
	}
}

func TestBuildEmpty(t *testing.T) {
	cmp := newTestBuilder(5).Build(map[models.Exchange][]models.FundingRecord{})
	if cmp.Mode != models.ComparisonEmpty || cmp.Entries == nil || len(cmp.Entries) != 0 {
		t.Fatalf("unexpected empty comparison: %+v", cmp)
	}
	if cmp.Stats.Average != nil || cmp.Stats.Highest != nil || len(cmp.IntervalDistribution) != 0 {
		t.Fatalf("unexpected stats: %+v", cmp.Stats)
	}
}

func TestBuildKeepsEverySharedSymbol(t *testing.T) {
	shared := []string{"ADA", "BTC", "DOGE", "ETH", "XRP"}
	sets := map[models.Exchange][]models.FundingRecord{}
	for i, sym := range shared {
		sets[models.ExchangeBinance] = append(sets[models.ExchangeBinance], record(models.ExchangeBinance, sym, models.Float(float64(i)*0.01), 8))
		sets[models.ExchangeBybit] = append(sets[models.ExchangeBybit], record(models.ExchangeBybit, sym, models.Float(float64(i)*-0.01), 8))
	}
	sets[models.ExchangeBybit] = append(sets[models.ExchangeBybit], record(models.ExchangeBybit, "ONLY", models.Float(0.5), 1))

	cmp := newTestBuilder(10).Build(sets)
	var got []string
	for _, e := range cmp.Entries {
		got = append(got, e.Symbol)
	}
	sort.Strings(got)
	if len(got) != len(shared) {
		t.Fatalf("expected %v, got %v", shared, got)
	}
	for i := range shared {
		if got[i] != shared[i] {
			t.Fatalf("expected %v, got %v", shared, got)
		}
	}
	if cmp.IntervalDistribution[1] != 1 || cmp.IntervalDistribution[8] != 10 {
		t.Fatalf("single-source records must still count in the histogram: %v", cmp.IntervalDistribution)
	}
}

func TestRateStatsExcludeUnavailable(t *testing.T) {
	sets := map[models.Exchange][]models.FundingRecord{
		models.ExchangeBinance: {
			record(models.ExchangeBinance, "BTC", models.Float(0.01), 8),
			record(models.ExchangeBinance, "ETH", nil, 8),
		},
		models.ExchangeBybit: {
			record(models.ExchangeBybit, "BTC", models.Float(-0.03), 8),
		},
	}
	stats := newTestBuilder(10).Build(sets).Stats
	if stats.RecordCount != 3 || stats.RatedCount != 2 {
		t.Fatalf("unexpected counts: %+v", stats)
	}
	if stats.Average == nil || *stats.Average != -0.01 {
		t.Fatalf("average must ignore missing rates, got %v", stats.Average)
	}
	if stats.Highest.Exchange != models.ExchangeBinance || stats.Lowest.Exchange != models.ExchangeBybit {
		t.Fatalf("unexpected extremes: %+v %+v", stats.Highest, stats.Lowest)
	}
}

func TestBuildThreeSourcesUsesFirstTwoListing(t *testing.T) {
	b := NewBuilder([]models.Exchange{models.ExchangeBinance, models.ExchangeBybit, models.ExchangeOkx}, Thresholds{High: 0.05, Medium: 0.01}, 10)
	sets := map[models.Exchange][]models.FundingRecord{
		models.ExchangeBinance: {},
		models.ExchangeBybit:   {record(models.ExchangeBybit, "SOL", models.Float(0.01), 8)},
		models.ExchangeOkx:     {record(models.ExchangeOkx, "SOL", models.Float(0.07), 8)},
	}
	cmp := b.Build(sets)
	e := cmp.Entries[0]
	if e.FirstExchange != models.ExchangeBybit || e.SecondExchange != models.ExchangeOkx {
		t.Fatalf("unexpected pair: %+v", e)
	}
	if len(e.Legs) != 3 || e.Legs[0].Available {
		t.Fatalf("binance leg should be marked unavailable: %+v", e.Legs)
	}
	if *e.Differential != 0.06 || e.Classification != models.BandHigh {
		t.Fatalf("unexpected differential: %+v", e)
	}
}
