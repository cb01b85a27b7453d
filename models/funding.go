package models

import "time"

/////////////////////////////////////////////////////////////////////////////
///////////////////////////////// SOURCES ///////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// Exchange identifies a supported funding-rate source.
type Exchange string

const (
	ExchangeBinance Exchange = "binance"
	ExchangeBybit   Exchange = "bybit"
	ExchangeOkx     Exchange = "okx"
	ExchangeKucoin  Exchange = "kucoin"
)

// ParseExchange maps a configuration name onto a known exchange.
func ParseExchange(name string) (Exchange, bool) {
	switch Exchange(name) {
	case ExchangeBinance, ExchangeBybit, ExchangeOkx, ExchangeKucoin:
		return Exchange(name), true
	}
	return "", false
}

// Instrument is one listed contract as reported by a source.
type Instrument struct {
	Exchange     Exchange
	SourceSymbol string
	Symbol       string
	BaseAsset    string
	QuoteAsset   string
	Perpetual    bool
}

// Snapshot is the live funding state of one instrument. Rates are in
// percentage units; zero times and empty strings mean "not reported".
type Snapshot struct {
	SourceSymbol        string
	FundingRate         *float64
	FundingTime         time.Time
	NextFundingTime     time.Time
	FundingTimeText     string
	NextFundingTimeText string
	MarkPrice           *float64
	IndexPrice          *float64
}

// SettlementEvent is one historical funding settlement.
type SettlementEvent struct {
	SourceSymbol string
	Rate         *float64
	Time         time.Time
}

/////////////////////////////////////////////////////////////////////////////
///////////////////////////////// RECORDS ///////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// IntervalMethod names the inference step that produced an interval.
type IntervalMethod string

const (
	IntervalMethodTimestamps IntervalMethod = "timestamps"
	IntervalMethodTextual    IntervalMethod = "datetime_strings"
	IntervalMethodHistory    IntervalMethod = "history"
	IntervalMethodHeuristic  IntervalMethod = "heuristic"
)

// FundingRecord is the normalized funding state of one instrument on one
// source. Values are never mutated after NewFundingRecord returns; nil
// pointers mark fields the source did not provide.
type FundingRecord struct {
	Exchange             Exchange       `json:"exchange"`
	Symbol               string         `json:"symbol"`
	SourceSymbol         string         `json:"sourceSymbol"`
	FundingRate          *float64       `json:"fundingRate"`
	FundingTimestamp     *time.Time     `json:"fundingTimestamp"`
	NextFundingTimestamp *time.Time     `json:"nextFundingTimestamp"`
	FundingIntervalHours int            `json:"fundingIntervalHours"`
	IntervalMethod       IntervalMethod `json:"intervalMethod"`
	MarkPrice            *float64       `json:"markPrice"`
	IndexPrice           *float64       `json:"indexPrice"`
}

// NewFundingRecord combines an instrument, its snapshot (if any) and an
// inferred interval into a record. Pointer fields are copied so the record
// shares no memory with the snapshot.
func NewFundingRecord(inst Instrument, snap Snapshot, hours int, method IntervalMethod) FundingRecord {
	return FundingRecord{
		Exchange:             inst.Exchange,
		Symbol:               inst.Symbol,
		SourceSymbol:         inst.SourceSymbol,
		FundingRate:          copyFloat(snap.FundingRate),
		FundingTimestamp:     timePtr(snap.FundingTime),
		NextFundingTimestamp: timePtr(snap.NextFundingTime),
		FundingIntervalHours: hours,
		IntervalMethod:       method,
		MarkPrice:            copyFloat(snap.MarkPrice),
		IndexPrice:           copyFloat(snap.IndexPrice),
	}
}

// Float returns a pointer to v.
func Float(v float64) *float64 {
	return &v
}

func copyFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	c := t.UTC()
	return &c
}

// EpochTime converts an exchange epoch value to a time. Values below 1e12 are
// read as seconds, everything else as milliseconds. Non-positive values yield
// the zero time.
func EpochTime(v int64) time.Time {
	if v <= 0 {
		return time.Time{}
	}
	if v < 1e12 {
		return time.Unix(v, 0).UTC()
	}
	return time.UnixMilli(v).UTC()
}
