package bybit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	bybit "github.com/bybit-exchange/bybit.go.api"

	"fundingflow/config"
	"fundingflow/internal/symbols"
	"fundingflow/logger"
	"fundingflow/models"
	"fundingflow/reader"
)

const maxInstrumentPages = 20

// Source reads linear perpetual funding data through the Bybit v5 API.
// Instruments report their funding interval in minutes, which lets the
// snapshot carry a complete settlement pair.
type Source struct {
	client *bybit.Client
	log    *logger.Log

	mu        sync.RWMutex
	intervals map[string]time.Duration
}

func NewSource(sc config.ExchangeSourceConfig) *Source {
	log := logger.GetLogger()

	base := strings.TrimRight(sc.BaseURL, "/")
	if base == "" {
		base = "https://api.bybit.com"
	}
	client := bybit.NewBybitHttpClient("", "", bybit.WithBaseURL(base))
	client.HTTPClient = reader.NewHTTPClient(sc)

	log.WithComponent("bybit_reader").WithFields(logger.Fields{
		"base_url":           base,
		"max_idle_conns":     sc.ConnectionPool.MaxIdleConns,
		"max_conns_per_host": sc.ConnectionPool.MaxConnsPerHost,
	}).Info("bybit source initialized")

	return &Source{client: client, log: log, intervals: make(map[string]time.Duration)}
}

func (s *Source) Exchange() models.Exchange {
	return models.ExchangeBybit
}

// call runs one SDK request and decodes its result.
func (s *Source) call(ctx context.Context, op string, params map[string]interface{}, out interface{}) error {
	svc := s.client.NewUtaBybitServiceWithParams(params)

	var (
		retCode int
		retMsg  string
		result  interface{}
	)
	switch op {
	case "instruments":
		resp, err := svc.GetInstrumentInfo(ctx)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		retCode, retMsg, result = resp.RetCode, resp.RetMsg, resp.Result
	case "tickers":
		resp, err := svc.GetMarketTickers(ctx)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		retCode, retMsg, result = resp.RetCode, resp.RetMsg, resp.Result
	case "funding_history":
		resp, err := svc.GetFundingRateHistory(ctx)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		retCode, retMsg, result = resp.RetCode, resp.RetMsg, resp.Result
	default:
		return fmt.Errorf("unknown bybit operation %q", op)
	}
	if retCode != 0 {
		return fmt.Errorf("%s: retCode %d: %s", op, retCode, retMsg)
	}
	return reader.Remarshal(result, out)
}

type instrumentsResult struct {
	List []struct {
		Symbol          string           `json:"symbol"`
		ContractType    string           `json:"contractType"`
		Status          string           `json:"status"`
		BaseCoin        string           `json:"baseCoin"`
		QuoteCoin       string           `json:"quoteCoin"`
		FundingInterval reader.FlexFloat `json:"fundingInterval"`
	} `json:"list"`
	NextPageCursor string `json:"nextPageCursor"`
}

func (s *Source) ListInstruments(ctx context.Context) ([]models.Instrument, error) {
	var (
		out       []models.Instrument
		cursor    string
		intervals = make(map[string]time.Duration)
	)
	for page := 0; page < maxInstrumentPages; page++ {
		params := map[string]interface{}{"category": "linear", "limit": 1000}
		if cursor != "" {
			params["cursor"] = cursor
		}
		var res instrumentsResult
		if err := s.call(ctx, "instruments", params, &res); err != nil {
			return nil, err
		}
		for _, it := range res.List {
			if minutes := it.FundingInterval.Int64(); minutes > 0 {
				intervals[it.Symbol] = time.Duration(minutes) * time.Minute
			}
			out = append(out, models.Instrument{
				Exchange:     models.ExchangeBybit,
				SourceSymbol: it.Symbol,
				Symbol:       symbols.ToCanonical(string(models.ExchangeBybit), it.Symbol, it.QuoteCoin),
				BaseAsset:    it.BaseCoin,
				QuoteAsset:   it.QuoteCoin,
				Perpetual:    it.ContractType == "LinearPerpetual" && it.Status == "Trading",
			})
		}
		if res.NextPageCursor == "" || res.NextPageCursor == cursor {
			break
		}
		cursor = res.NextPageCursor
	}

	s.mu.Lock()
	s.intervals = intervals
	s.mu.Unlock()
	return out, nil
}

type tickersResult struct {
	List []struct {
		Symbol          string           `json:"symbol"`
		LastPrice       reader.FlexFloat `json:"lastPrice"`
		MarkPrice       reader.FlexFloat `json:"markPrice"`
		IndexPrice      reader.FlexFloat `json:"indexPrice"`
		FundingRate     reader.FlexFloat `json:"fundingRate"`
		NextFundingTime reader.FlexFloat `json:"nextFundingTime"`
	} `json:"list"`
}

// FetchSnapshots reads every linear ticker. The current settlement is the
// next one minus the listed funding interval.
func (s *Source) FetchSnapshots(ctx context.Context) (map[string]models.Snapshot, error) {
	var res tickersResult
	if err := s.call(ctx, "tickers", map[string]interface{}{"category": "linear"}, &res); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]models.Snapshot, len(res.List))
	for _, t := range res.List {
		snap := models.Snapshot{
			SourceSymbol:    t.Symbol,
			FundingRate:     t.FundingRate.Percent(),
			NextFundingTime: models.EpochTime(t.NextFundingTime.Int64()),
			MarkPrice:       t.MarkPrice.Ptr(),
			IndexPrice:      t.IndexPrice.Ptr(),
		}
		if snap.MarkPrice == nil {
			snap.MarkPrice = t.LastPrice.Ptr()
		}
		if iv, ok := s.intervals[t.Symbol]; ok && !snap.NextFundingTime.IsZero() {
			snap.FundingTime = snap.NextFundingTime.Add(-iv)
		}
		out[t.Symbol] = snap
	}
	return out, nil
}

func (s *Source) FetchTicker(ctx context.Context, inst models.Instrument) (float64, error) {
	var res tickersResult
	params := map[string]interface{}{"category": "linear", "symbol": inst.SourceSymbol}
	if err := s.call(ctx, "tickers", params, &res); err != nil {
		return 0, err
	}
	for _, t := range res.List {
		if t.Symbol == inst.SourceSymbol && t.LastPrice.Set {
			return t.LastPrice.Value, nil
		}
	}
	return 0, fmt.Errorf("tickers: %s not returned", inst.SourceSymbol)
}

type fundingHistoryResult struct {
	List []struct {
		Symbol               string           `json:"symbol"`
		FundingRate          reader.FlexFloat `json:"fundingRate"`
		FundingRateTimestamp reader.FlexFloat `json:"fundingRateTimestamp"`
	} `json:"list"`
}

func (s *Source) FetchHistory(ctx context.Context, inst models.Instrument, limit int) ([]models.SettlementEvent, error) {
	var res fundingHistoryResult
	params := map[string]interface{}{"category": "linear", "symbol": inst.SourceSymbol, "limit": limit}
	if err := s.call(ctx, "funding_history", params, &res); err != nil {
		return nil, err
	}
	events := make([]models.SettlementEvent, 0, len(res.List))
	for _, row := range res.List {
		events = append(events, models.SettlementEvent{
			SourceSymbol: row.Symbol,
			Rate:         row.FundingRate.Percent(),
			Time:         models.EpochTime(row.FundingRateTimestamp.Int64()),
		})
	}
	return events, nil
}
