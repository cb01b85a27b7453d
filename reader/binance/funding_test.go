package binance

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"fundingflow/config"
	"fundingflow/models"
	"fundingflow/reader"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/fapi/v1/exchangeInfo", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"symbols":[
			{"symbol":"BTCUSDT","status":"TRADING","contractType":"PERPETUAL","baseAsset":"BTC","quoteAsset":"USDT"},
			{"symbol":"1000PEPEUSDT","status":"TRADING","contractType":"PERPETUAL","baseAsset":"1000PEPE","quoteAsset":"USDT"},
			{"symbol":"BTCUSDT_250627","status":"TRADING","contractType":"CURRENT_QUARTER","baseAsset":"BTC","quoteAsset":"USDT"}
		]}`))
	})
	mux.HandleFunc("/fapi/v1/premiumIndex", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[
			{"symbol":"BTCUSDT","markPrice":"35000.5","indexPrice":"34990.1","lastFundingRate":"0.00010000","nextFundingTime":1700028800000,"time":1700000000000},
			{"symbol":"1000PEPEUSDT","markPrice":"0.0012","indexPrice":"0.0012","lastFundingRate":"-0.00020000","nextFundingTime":1700028800000,"time":1700000000000}
		]`))
	})
	mux.HandleFunc("/fapi/v2/ticker/price", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"symbol":"` + r.URL.Query().Get("symbol") + `","price":"35001.00","time":1700000000000}`))
	})
	mux.HandleFunc("/fapi/v1/fundingRate", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("limit") != "2" {
			t.Errorf("unexpected limit %q", r.URL.Query().Get("limit"))
		}
		w.Write([]byte(`[
			{"symbol":"BTCUSDT","fundingRate":"0.00010000","fundingTime":1699971200000},
			{"symbol":"BTCUSDT","fundingRate":"0.00012000","fundingTime":1700000000000}
		]`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testSourceConfig(url string) config.ExchangeSourceConfig {
	return config.ExchangeSourceConfig{
		Enabled: true,
		BaseURL: url,
		Timeout: time.Second,
		ConnectionPool: config.ConnectionPoolConfig{
			MaxIdleConns:    1,
			MaxConnsPerHost: 1,
			IdleConnTimeout: time.Second,
		},
	}
}

func TestSourceCapabilities(t *testing.T) {
	srv := newTestServer(t)
	src := NewSource(testSourceConfig(srv.URL))
	ctx := context.Background()

	insts, err := src.ListInstruments(ctx)
	if err != nil {
		t.Fatalf("ListInstruments: %v", err)
	}
	if len(insts) != 3 || insts[1].Symbol != "PEPE" || !insts[0].Perpetual || insts[2].Perpetual {
		t.Fatalf("unexpected instruments: %+v", insts)
	}

	snaps, err := src.FetchSnapshots(ctx)
	if err != nil {
		t.Fatalf("FetchSnapshots: %v", err)
	}
	btc := snaps["BTCUSDT"]
	if btc.FundingRate == nil || *btc.FundingRate != 0.01 || btc.NextFundingTime.UnixMilli() != 1700028800000 {
		t.Fatalf("unexpected BTC snapshot: %+v", btc)
	}
	if btc.IndexPrice == nil || *btc.IndexPrice != 34990.1 {
		t.Fatalf("index price not decoded: %+v", btc)
	}
	if pepe := snaps["1000PEPEUSDT"]; pepe.FundingRate == nil || *pepe.FundingRate != -0.02 {
		t.Fatalf("unexpected PEPE snapshot: %+v", pepe)
	}

	price, err := src.FetchTicker(ctx, insts[0])
	if err != nil || price != 35001 {
		t.Fatalf("FetchTicker = %v, %v", price, err)
	}

	events, err := src.FetchHistory(ctx, insts[0], 2)
	if err != nil || len(events) != 2 {
		t.Fatalf("FetchHistory = %+v, %v", events, err)
	}
}

func TestSourceThroughAdapter(t *testing.T) {
	srv := newTestServer(t)
	adapter := reader.NewAdapter(NewSource(testSourceConfig(srv.URL)), reader.Options{QuoteAsset: "USDT", BatchSize: 5, HistoryCap: 1})

	records, err := adapter.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 perpetual records, got %d", len(records))
	}
	btc := records[0]
	if btc.Symbol != "BTC" || btc.FundingIntervalHours != 8 || btc.IntervalMethod != models.IntervalMethodHistory {
		t.Fatalf("unexpected BTC record: %+v", btc)
	}
	pepe := records[1]
	if pepe.Symbol != "PEPE" || pepe.IntervalMethod != models.IntervalMethodHeuristic {
		t.Fatalf("history cap should leave PEPE to the heuristic: %+v", pepe)
	}
}

func TestSourceListFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"code":-1003,"msg":"Too many requests"}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	if _, err := NewSource(testSourceConfig(srv.URL)).ListInstruments(context.Background()); err == nil {
		t.Fatalf("expected error on 429")
	}
}
