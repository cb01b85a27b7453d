package processor

import (
	"math"
	"sort"

	"fundingflow/models"
)

// Thresholds are the band boundaries for absolute differentials, in
// percentage units.
type Thresholds struct {
	High   float64
	Medium float64
}

// Comparison is the merged cross-source view of one run.
type Comparison struct {
	Mode                 models.ComparisonMode
	Entries              []models.ComparisonEntry
	Stats                models.RateStats
	IntervalDistribution map[int]int
}

// Builder merges per-source record sets by symbol. The first two sources in
// order that list a symbol form its pair.
type Builder struct {
	order      []models.Exchange
	thresholds Thresholds
	topN       int
}

func NewBuilder(order []models.Exchange, thresholds Thresholds, topN int) *Builder {
	if topN <= 0 {
		topN = 10
	}
	return &Builder{order: order, thresholds: thresholds, topN: topN}
}

// exchanges returns b.order followed by any other exchange present in sets,
// sorted by name.
func (b *Builder) exchanges(sets map[models.Exchange][]models.FundingRecord) []models.Exchange {
	out := make([]models.Exchange, 0, len(sets))
	seen := make(map[models.Exchange]bool, len(b.order))
	for _, ex := range b.order {
		if !seen[ex] {
			seen[ex] = true
			out = append(out, ex)
		}
	}
	var extra []models.Exchange
	for ex := range sets {
		if !seen[ex] {
			extra = append(extra, ex)
		}
	}
	sort.Slice(extra, func(i, j int) bool { return extra[i] < extra[j] })
	return append(out, extra...)
}

func (b *Builder) Build(sets map[models.Exchange][]models.FundingRecord) Comparison {
	order := b.exchanges(sets)

	bySymbol := make(map[string]map[models.Exchange]models.FundingRecord)
	var symbolsSeen []string
	total := 0
	for _, ex := range order {
		for _, rec := range sets[ex] {
			total++
			m, ok := bySymbol[rec.Symbol]
			if !ok {
				m = make(map[models.Exchange]models.FundingRecord)
				bySymbol[rec.Symbol] = m
				symbolsSeen = append(symbolsSeen, rec.Symbol)
			}
			if _, dup := m[ex]; !dup {
				m[ex] = rec
			}
		}
	}

	cmp := Comparison{
		Mode:                 models.ComparisonPaired,
		Entries:              []models.ComparisonEntry{},
		Stats:                rateStats(order, sets),
		IntervalDistribution: intervalDistribution(order, sets),
	}

	for _, sym := range symbolsSeen {
		listed := bySymbol[sym]
		if len(listed) < 2 {
			continue
		}
		cmp.Entries = append(cmp.Entries, b.pairEntry(sym, order, listed))
	}

	if len(cmp.Entries) > 0 {
		sortByDifferential(cmp.Entries)
		return cmp
	}
	if total == 0 {
		cmp.Mode = models.ComparisonEmpty
		return cmp
	}

	cmp.Mode = models.ComparisonFallback
	for _, ex := range order {
		cmp.Entries = append(cmp.Entries, b.topEntries(ex, sets[ex])...)
	}
	return cmp
}

func (b *Builder) pairEntry(sym string, order []models.Exchange, listed map[models.Exchange]models.FundingRecord) models.ComparisonEntry {
	entry := models.ComparisonEntry{Symbol: sym, Classification: models.BandUnavailable}

	var pair []models.FundingRecord
	var highest, lowest *models.FundingRecord
	for _, ex := range order {
		rec, ok := listed[ex]
		if !ok {
			entry.Legs = append(entry.Legs, models.Leg{Exchange: ex})
			continue
		}
		entry.Legs = append(entry.Legs, legOf(rec))
		if len(pair) < 2 {
			pair = append(pair, rec)
		}
		if rec.FundingRate == nil {
			continue
		}
		r := rec
		if highest == nil || *rec.FundingRate > *highest.FundingRate {
			highest = &r
		}
		if lowest == nil || *rec.FundingRate < *lowest.FundingRate {
			lowest = &r
		}
	}

	first, second := pair[0], pair[1]
	entry.FirstExchange = first.Exchange
	entry.SecondExchange = second.Exchange

	if first.FundingRate != nil && second.FundingRate != nil {
		diff := roundRate(*second.FundingRate - *first.FundingRate)
		abs := math.Abs(diff)
		entry.Differential = &diff
		entry.AbsDifferential = &abs
		entry.Classification = b.band(abs)
		switch {
		case diff > 0:
			entry.FavorableExchange = string(second.Exchange)
		case diff < 0:
			entry.FavorableExchange = string(first.Exchange)
		default:
			entry.FavorableExchange = models.FavorableEqual
		}
	}

	if highest != nil && lowest != nil && highest.Exchange != lowest.Exchange {
		spread := roundRate(*highest.FundingRate - *lowest.FundingRate)
		entry.HighestExchange = highest.Exchange
		entry.LowestExchange = lowest.Exchange
		entry.Spread = &spread
	}
	return entry
}

func (b *Builder) band(abs float64) models.Band {
	switch {
	case abs >= b.thresholds.High:
		return models.BandHigh
	case abs >= b.thresholds.Medium:
		return models.BandMedium
	default:
		return models.BandLow
	}
}

// topEntries ranks one source's records by |rate|, rate-less records last.
func (b *Builder) topEntries(ex models.Exchange, records []models.FundingRecord) []models.ComparisonEntry {
	ranked := make([]models.FundingRecord, len(records))
	copy(ranked, records)
	sort.SliceStable(ranked, func(i, j int) bool {
		ri, rj := ranked[i].FundingRate, ranked[j].FundingRate
		switch {
		case ri == nil && rj == nil:
			return ranked[i].Symbol < ranked[j].Symbol
		case ri == nil:
			return false
		case rj == nil:
			return true
		}
		ai, aj := math.Abs(*ri), math.Abs(*rj)
		if ai != aj {
			return ai > aj
		}
		return ranked[i].Symbol < ranked[j].Symbol
	})
	if len(ranked) > b.topN {
		ranked = ranked[:b.topN]
	}

	out := make([]models.ComparisonEntry, 0, len(ranked))
	for _, rec := range ranked {
		out = append(out, models.ComparisonEntry{
			Symbol:         rec.Symbol,
			Legs:           []models.Leg{legOf(rec)},
			FirstExchange:  ex,
			Classification: models.BandSingleSource,
		})
	}
	return out
}

func legOf(rec models.FundingRecord) models.Leg {
	return models.Leg{
		Exchange:             rec.Exchange,
		Available:            true,
		SourceSymbol:         rec.SourceSymbol,
		FundingRate:          rec.FundingRate,
		FundingIntervalHours: rec.FundingIntervalHours,
		NextFundingTimestamp: rec.NextFundingTimestamp,
		MarkPrice:            rec.MarkPrice,
	}
}

// sortByDifferential orders entries ascending by signed differential, entries
// without one last, ties by symbol.
func sortByDifferential(entries []models.ComparisonEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		di, dj := entries[i].Differential, entries[j].Differential
		switch {
		case di == nil && dj == nil:
			return entries[i].Symbol < entries[j].Symbol
		case di == nil:
			return false
		case dj == nil:
			return true
		case *di != *dj:
			return *di < *dj
		}
		return entries[i].Symbol < entries[j].Symbol
	})
}

// rateStats covers every record with a rate; unavailable rates are left out,
// never counted as zero.
func rateStats(order []models.Exchange, sets map[models.Exchange][]models.FundingRecord) models.RateStats {
	var (
		stats models.RateStats
		sum   float64
	)
	for _, ex := range order {
		for _, rec := range sets[ex] {
			stats.RecordCount++
			if rec.FundingRate == nil {
				continue
			}
			rate := *rec.FundingRate
			stats.RatedCount++
			sum += rate
			if stats.Highest == nil || rate > stats.Highest.Rate {
				stats.Highest = &models.RateExtreme{Exchange: rec.Exchange, Symbol: rec.Symbol, Rate: rate}
			}
			if stats.Lowest == nil || rate < stats.Lowest.Rate {
				stats.Lowest = &models.RateExtreme{Exchange: rec.Exchange, Symbol: rec.Symbol, Rate: rate}
			}
		}
	}
	if stats.RatedCount > 0 {
		avg := roundRate(sum / float64(stats.RatedCount))
		stats.Average = &avg
	}
	return stats
}

func intervalDistribution(order []models.Exchange, sets map[models.Exchange][]models.FundingRecord) map[int]int {
	dist := make(map[int]int)
	for _, ex := range order {
		for _, rec := range sets[ex] {
			dist[rec.FundingIntervalHours]++
		}
	}
	return dist
}

func roundRate(v float64) float64 {
	return math.Round(v*1e10) / 1e10
}
