package models

import (
	"encoding/json"
	"testing"
	"time"
)

func TestNewFundingRecordCopiesSnapshot(t *testing.T) {
	inst := Instrument{Exchange: ExchangeBinance, SourceSymbol: "BTCUSDT", Symbol: "BTC"}
	snap := Snapshot{
		SourceSymbol:    "BTCUSDT",
		FundingRate:     Float(0.01),
		NextFundingTime: time.UnixMilli(1700028800000),
		MarkPrice:       Float(35000),
	}
	rec := NewFundingRecord(inst, snap, 8, IntervalMethodHistory)

	*snap.FundingRate = 1
	*snap.MarkPrice = 1
	if *rec.FundingRate != 0.01 || *rec.MarkPrice != 35000 {
		t.Fatalf("record shares memory with snapshot: %+v", rec)
	}
	if rec.FundingTimestamp != nil {
		t.Fatalf("expected unavailable funding timestamp, got %v", rec.FundingTimestamp)
	}
	if rec.NextFundingTimestamp == nil || rec.NextFundingTimestamp.UnixMilli() != 1700028800000 {
		t.Fatalf("unexpected next funding timestamp: %v", rec.NextFundingTimestamp)
	}
	if rec.IndexPrice != nil {
		t.Fatalf("expected nil index price")
	}
}

func TestFundingRecordJSONMarksUnavailable(t *testing.T) {
	rec := NewFundingRecord(Instrument{Exchange: ExchangeOkx, SourceSymbol: "ETH-USDT-SWAP", Symbol: "ETH"}, Snapshot{}, 4, IntervalMethodHeuristic)
	data, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if v, ok := out["fundingRate"]; !ok || v != nil {
		t.Fatalf("fundingRate should be explicit null, got %v", v)
	}
	if out["fundingIntervalHours"] != float64(4) {
		t.Fatalf("unexpected interval: %v", out["fundingIntervalHours"])
	}
}

func TestEpochTime(t *testing.T) {
	cases := []struct {
		in   int64
		want int64
	}{
		{1700000000000, 1700000000000},
		{1700000000, 1700000000000},
		{0, 0},
		{-5, 0},
	}
	for _, c := range cases {
		got := EpochTime(c.in)
		if c.want == 0 {
			if !got.IsZero() {
				t.Errorf("EpochTime(%d) = %v, want zero", c.in, got)
			}
			continue
		}
		if got.UnixMilli() != c.want {
			t.Errorf("EpochTime(%d) = %d, want %d", c.in, got.UnixMilli(), c.want)
		}
	}
}

func TestParseExchange(t *testing.T) {
	if ex, ok := ParseExchange("bybit"); !ok || ex != ExchangeBybit {
		t.Fatalf("ParseExchange(bybit) = %v, %v", ex, ok)
	}
	if _, ok := ParseExchange("mexc"); ok {
		t.Fatalf("unexpected exchange accepted")
	}
}
