package models

import "time"

// Band classifies the absolute differential of a comparison entry.
type Band string

const (
	BandHigh         Band = "high"
	BandMedium       Band = "medium"
	BandLow          Band = "low"
	BandUnavailable  Band = "unavailable"
	BandSingleSource Band = "single_source"
)

// FavorableEqual marks an exact tie between both legs.
const FavorableEqual = "equal"

// Leg is the projection of one source's record inside a comparison entry.
// Available is false when the source does not list the symbol.
type Leg struct {
	Exchange             Exchange   `json:"exchange"`
	Available            bool       `json:"available"`
	SourceSymbol         string     `json:"sourceSymbol,omitempty"`
	FundingRate          *float64   `json:"fundingRate"`
	FundingIntervalHours int        `json:"fundingIntervalHours,omitempty"`
	NextFundingTimestamp *time.Time `json:"nextFundingTimestamp,omitempty"`
	MarkPrice            *float64   `json:"markPrice,omitempty"`
}

// ComparisonEntry is the cross-source view of a single symbol.
type ComparisonEntry struct {
	Symbol            string   `json:"symbol"`
	Legs              []Leg    `json:"legs"`
	FirstExchange     Exchange `json:"firstExchange,omitempty"`
	SecondExchange    Exchange `json:"secondExchange,omitempty"`
	Differential      *float64 `json:"differential"`
	AbsDifferential   *float64 `json:"absDifferential"`
	Classification    Band     `json:"classification"`
	FavorableExchange string   `json:"favorableExchange,omitempty"`
	HighestExchange   Exchange `json:"highestExchange,omitempty"`
	LowestExchange    Exchange `json:"lowestExchange,omitempty"`
	Spread            *float64 `json:"spread,omitempty"`
}

// ComparisonMode tells whether the table holds paired entries or the
// per-source fallback.
type ComparisonMode string

const (
	ComparisonPaired   ComparisonMode = "paired"
	ComparisonFallback ComparisonMode = "fallback"
	ComparisonEmpty    ComparisonMode = "empty"
)

// SourceStatus is the terminal state of one source within a run.
type SourceStatus string

const (
	SourceCompleted SourceStatus = "completed"
	SourceTimedOut  SourceStatus = "timed_out"
	SourceErrored   SourceStatus = "errored"
)

// SourceSummary describes how one source finished.
type SourceSummary struct {
	Exchange   Exchange     `json:"exchange"`
	Status     SourceStatus `json:"status"`
	Count      int          `json:"count"`
	DurationMs int64        `json:"durationMs"`
	Error      string       `json:"error,omitempty"`
}

// RateExtreme points at the record holding a highest or lowest rate.
type RateExtreme struct {
	Exchange Exchange `json:"exchange"`
	Symbol   string   `json:"symbol"`
	Rate     float64  `json:"rate"`
}

// RateStats summarises every available rate of a run. Records without a
// rate are not counted.
type RateStats struct {
	Highest     *RateExtreme `json:"highest"`
	Lowest      *RateExtreme `json:"lowest"`
	Average     *float64     `json:"average"`
	RatedCount  int          `json:"ratedCount"`
	RecordCount int          `json:"recordCount"`
}

// Report is the payload handed to the HTTP layer after each run.
type Report struct {
	RunID                string                       `json:"runId"`
	GeneratedAt          time.Time                    `json:"generatedAt"`
	DurationMs           int64                        `json:"durationMs"`
	Sources              []SourceSummary              `json:"sources"`
	IntervalDistribution map[int]int                  `json:"intervalDistribution"`
	ComparisonMode       ComparisonMode               `json:"comparisonMode"`
	Comparison           []ComparisonEntry            `json:"comparison"`
	Stats                RateStats                    `json:"stats"`
	Records              map[Exchange][]FundingRecord `json:"records"`
}
