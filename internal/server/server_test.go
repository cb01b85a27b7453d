package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"fundingflow/config"
	"fundingflow/internal/metrics"
	"fundingflow/logger"
	"fundingflow/models"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	srv := NewServer(config.ServerConfig{Enabled: true, Address: ":0"}, true, logger.GetLogger())
	if srv == nil {
		t.Fatal("expected server, got nil")
	}
	t.Cleanup(srv.cleanup)
	return srv
}

func sampleReport(id string) models.Report {
	return models.Report{
		RunID:          id,
		GeneratedAt:    time.Unix(1700000000, 0).UTC(),
		ComparisonMode: models.ComparisonPaired,
		Comparison: []models.ComparisonEntry{
			{Symbol: "BTC", Differential: models.Float(-0.03), Classification: models.BandMedium},
			{Symbol: "ETH", Differential: models.Float(0.001), Classification: models.BandLow},
		},
		Records: map[models.Exchange][]models.FundingRecord{
			models.ExchangeBinance: {{Exchange: models.ExchangeBinance, Symbol: "BTC", FundingIntervalHours: 8}},
			models.ExchangeBybit:   {{Exchange: models.ExchangeBybit, Symbol: "BTC", FundingIntervalHours: 8}},
		},
		IntervalDistribution: map[int]int{8: 2},
	}
}

func get(t *testing.T, srv *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	res := httptest.NewRecorder()
	srv.buildRouter().ServeHTTP(res, httptest.NewRequest(http.MethodGet, path, nil))
	return res
}

func TestNormalizeAddress(t *testing.T) {
	cases := map[string]string{
		"":                           "0.0.0.0:8080",
		"  :9090  ":                  "0.0.0.0:9090",
		"localhost":                  "localhost:8080",
		"0.0.0.0:80":                 "0.0.0.0:80",
		"[::1]:443":                  "[::1]:443",
		"::1":                        "[::1]:8080",
		"*:8080":                     "0.0.0.0:8080",
		"http://10.0.0.5:8080":       "10.0.0.5:8080",
		"http://:7070":               "0.0.0.0:7070",
		"https://rates.example.com/": "rates.example.com:8080",
	}
	for input, want := range cases {
		if got := normalizeAddress(input); got != want {
			t.Fatalf("normalizeAddress(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestNewServerDisabled(t *testing.T) {
	if srv := NewServer(config.ServerConfig{Enabled: false}, true, logger.GetLogger()); srv != nil {
		t.Fatalf("disabled server should be nil")
	}
	var srv *Server
	srv.Publish(sampleReport("ignored"))
	if srv.Address() != "" {
		t.Fatalf("nil server should have no address")
	}
}

func TestFundingRatesBeforeFirstRun(t *testing.T) {
	srv := newTestServer(t)
	if res := get(t, srv, "/api/funding-rates"); res.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", res.Code)
	}
}

func TestFundingRatesServesLatestReport(t *testing.T) {
	srv := newTestServer(t)
	srv.Publish(sampleReport("first"))
	srv.Publish(sampleReport("second"))

	res := get(t, srv, "/api/funding-rates")
	if res.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", res.Code)
	}
	var got models.Report
	if err := json.Unmarshal(res.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.RunID != "second" || len(got.Comparison) != 2 {
		t.Fatalf("unexpected report: %+v", got)
	}

	res = get(t, srv, "/api/funding-rates?exchange=bybit&symbol=btc")
	var filtered models.Report
	if err := json.Unmarshal(res.Body.Bytes(), &filtered); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(filtered.Records) != 1 || len(filtered.Records[models.ExchangeBybit]) != 1 || len(filtered.Comparison) != 1 {
		t.Fatalf("filters not applied: %+v", filtered)
	}

	if res := get(t, srv, "/api/funding-rates?exchange=ftx"); res.Code != http.StatusBadRequest {
		t.Fatalf("unknown exchange should be rejected, got %d", res.Code)
	}

	// filtering must not leak into the stored report
	if r, _ := srv.reports.get(); len(r.Records) != 2 || len(r.Comparison) != 2 {
		t.Fatalf("stored report mutated: %+v", r)
	}

	var runs struct {
		Runs []runSummary `json:"runs"`
	}
	if err := json.Unmarshal(get(t, srv, "/api/runs").Body.Bytes(), &runs); err != nil || len(runs.Runs) != 2 {
		t.Fatalf("unexpected runs: %+v, %v", runs, err)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	metrics.Init()
	srv := newTestServer(t)
	srv.Publish(sampleReport("run-1"))

	res := get(t, srv, "/healthz")
	if res.Code != http.StatusOK || !strings.Contains(res.Body.String(), "run-1") {
		t.Fatalf("unexpected health response: %d %s", res.Code, res.Body.String())
	}

	metrics.ObserveSource("binance", "completed", 3)
	res = get(t, srv, "/metrics")
	if res.Code != http.StatusOK || !strings.Contains(res.Body.String(), "fundingflow_source_outcomes_total") {
		t.Fatalf("prometheus exposition missing: %d", res.Code)
	}

	metrics.EmitMetric(logger.GetLogger(), "aggregator", "records_produced", 4, "gauge", nil)
	res = get(t, srv, "/api/metrics")
	if res.Code != http.StatusOK || !strings.Contains(res.Body.String(), "records_produced") {
		t.Fatalf("metric store not exposed: %s", res.Body.String())
	}
}

func TestWebsocketReceivesReports(t *testing.T) {
	srv := newTestServer(t)
	srv.Publish(sampleReport("initial"))

	ts := httptest.NewServer(srv.buildRouter())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	read := func() string {
		var msg struct {
			Type string        `json:"type"`
			Data models.Report `json:"data"`
		}
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read: %v", err)
		}
		if msg.Type != "report" {
			t.Fatalf("unexpected message type %q", msg.Type)
		}
		return msg.Data.RunID
	}

	if id := read(); id != "initial" {
		t.Fatalf("expected latest report on connect, got %q", id)
	}

	deadline := time.Now().Add(2 * time.Second)
	for srv.hub.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	srv.Publish(sampleReport("pushed"))
	if id := read(); id != "pushed" {
		t.Fatalf("expected pushed report, got %q", id)
	}
}
