package kucoin

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	api "github.com/Kucoin/kucoin-universal-sdk/sdk/golang/pkg/api"
	futuresmarket "github.com/Kucoin/kucoin-universal-sdk/sdk/golang/pkg/generate/futures/market"
	sdktype "github.com/Kucoin/kucoin-universal-sdk/sdk/golang/pkg/types"

	"fundingflow/config"
	"fundingflow/internal/symbols"
	"fundingflow/logger"
	"fundingflow/models"
	"fundingflow/reader"
)

const (
	defaultBaseURL = "https://api-futures.kucoin.com"
	// perpetualType is the contract type KuCoin uses for perpetual swaps.
	perpetualType = "FFWCSX"
	successCode   = "200000"
)

// Source reads KuCoin futures funding data. The contract list carries the
// funding state of every contract, so it doubles as the bulk snapshot. The
// ticker goes through the SDK market API.
type Source struct {
	marketAPI futuresmarket.MarketAPI
	http      *http.Client
	baseURL   string
	log       *logger.Log
	now       func() time.Time
}

func NewSource(sc config.ExchangeSourceConfig) *Source {
	log := logger.GetLogger()

	base := strings.TrimRight(sc.BaseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	timeout := sc.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	transportOpt := sdktype.NewTransportOptionBuilder().
		SetMaxIdleConns(sc.ConnectionPool.MaxIdleConns).
		SetMaxIdleConnsPerHost(sc.ConnectionPool.MaxIdleConns).
		SetMaxConnsPerHost(sc.ConnectionPool.MaxConnsPerHost).
		SetIdleConnTimeout(sc.ConnectionPool.IdleConnTimeout).
		SetTimeout(timeout).
		Build()

	option := sdktype.NewClientOptionBuilder().
		WithFuturesEndpoint(base).
		WithTransportOption(transportOpt).
		Build()

	client := api.NewClient(option)

	log.WithComponent("kucoin_reader").WithFields(logger.Fields{
		"base_url":           base,
		"max_idle_conns":     sc.ConnectionPool.MaxIdleConns,
		"max_conns_per_host": sc.ConnectionPool.MaxConnsPerHost,
	}).Info("kucoin source initialized")

	return &Source{
		marketAPI: client.RestService().GetFuturesService().GetMarketAPI(),
		http:      reader.NewHTTPClient(sc),
		baseURL:   base,
		log:       log,
		now:       time.Now,
	}
}

func (s *Source) Exchange() models.Exchange {
	return models.ExchangeKucoin
}

type envelope struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
}

func (e envelope) check(op string) error {
	if e.Code != successCode {
		return fmt.Errorf("%s: code %s: %s", op, e.Code, e.Msg)
	}
	return nil
}

type contract struct {
	Symbol                  string           `json:"symbol"`
	BaseCurrency            string           `json:"baseCurrency"`
	QuoteCurrency           string           `json:"quoteCurrency"`
	Type                    string           `json:"type"`
	Status                  string           `json:"status"`
	FundingFeeRate          reader.FlexFloat `json:"fundingFeeRate"`
	NextFundingRateTime     reader.FlexFloat `json:"nextFundingRateTime"`
	NextFundingRateDateTime reader.FlexFloat `json:"nextFundingRateDateTime"`
	FundingRateGranularity  reader.FlexFloat `json:"fundingRateGranularity"`
	MarkPrice               reader.FlexFloat `json:"markPrice"`
	IndexPrice              reader.FlexFloat `json:"indexPrice"`
}

func (s *Source) activeContracts(ctx context.Context) ([]contract, error) {
	var resp struct {
		envelope
		Data []contract `json:"data"`
	}
	if err := reader.GetJSON(ctx, s.http, s.baseURL+"/api/v1/contracts/active", &resp); err != nil {
		return nil, fmt.Errorf("active contracts: %w", err)
	}
	if err := resp.check("active contracts"); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

func (s *Source) ListInstruments(ctx context.Context) ([]models.Instrument, error) {
	contracts, err := s.activeContracts(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]models.Instrument, 0, len(contracts))
	for _, c := range contracts {
		out = append(out, models.Instrument{
			Exchange:     models.ExchangeKucoin,
			SourceSymbol: c.Symbol,
			Symbol:       symbols.ToCanonical(string(models.ExchangeKucoin), c.Symbol, c.QuoteCurrency),
			BaseAsset:    c.BaseCurrency,
			QuoteAsset:   c.QuoteCurrency,
			Perpetual:    c.Type == perpetualType && c.Status == "Open",
		})
	}
	return out, nil
}

// FetchSnapshots derives snapshots from the contract list. Older payloads
// only carry nextFundingRateTime, a countdown in milliseconds.
func (s *Source) FetchSnapshots(ctx context.Context) (map[string]models.Snapshot, error) {
	contracts, err := s.activeContracts(ctx)
	if err != nil {
		return nil, err
	}
	now := s.now()

	out := make(map[string]models.Snapshot, len(contracts))
	for _, c := range contracts {
		snap := models.Snapshot{
			SourceSymbol: c.Symbol,
			FundingRate:  c.FundingFeeRate.Percent(),
			MarkPrice:    c.MarkPrice.Ptr(),
			IndexPrice:   c.IndexPrice.Ptr(),
		}
		switch {
		case c.NextFundingRateDateTime.Int64() > 0:
			snap.NextFundingTime = models.EpochTime(c.NextFundingRateDateTime.Int64())
		case c.NextFundingRateTime.Int64() > 0:
			snap.NextFundingTime = now.Add(time.Duration(c.NextFundingRateTime.Int64()) * time.Millisecond).UTC()
		}
		if g := c.FundingRateGranularity.Int64(); g > 0 && !snap.NextFundingTime.IsZero() {
			snap.FundingTime = snap.NextFundingTime.Add(-time.Duration(g) * time.Millisecond)
		}
		out[c.Symbol] = snap
	}
	return out, nil
}

type symbolTicker struct {
	MarkPrice      reader.FlexFloat `json:"markPrice"`
	LastTradePrice reader.FlexFloat `json:"lastTradePrice"`
}

func (s *Source) FetchTicker(ctx context.Context, inst models.Instrument) (float64, error) {
	req := futuresmarket.NewGetSymbolReqBuilder().SetSymbol(inst.SourceSymbol).Build()
	resp, err := s.marketAPI.GetSymbol(req, ctx)
	if err != nil {
		return 0, fmt.Errorf("symbol: %w", err)
	}
	if resp == nil {
		return 0, fmt.Errorf("empty response for symbol %s", inst.SourceSymbol)
	}
	var t symbolTicker
	if err := reader.Remarshal(resp, &t); err != nil {
		return 0, err
	}
	if t.MarkPrice.Set {
		return t.MarkPrice.Value, nil
	}
	if t.LastTradePrice.Set {
		return t.LastTradePrice.Value, nil
	}
	return 0, fmt.Errorf("symbol %s has no price", inst.SourceSymbol)
}

// FetchHistory asks for the last few days of settlements and keeps the
// newest limit events.
func (s *Source) FetchHistory(ctx context.Context, inst models.Instrument, limit int) ([]models.SettlementEvent, error) {
	to := s.now()
	from := to.Add(-time.Duration(limit+1) * 24 * time.Hour)

	q := url.Values{}
	q.Set("symbol", inst.SourceSymbol)
	q.Set("from", strconv.FormatInt(from.UnixMilli(), 10))
	q.Set("to", strconv.FormatInt(to.UnixMilli(), 10))

	var resp struct {
		envelope
		Data []struct {
			Symbol      string           `json:"symbol"`
			FundingRate reader.FlexFloat `json:"fundingRate"`
			Timepoint   int64            `json:"timepoint"`
		} `json:"data"`
	}
	if err := reader.GetJSON(ctx, s.http, s.baseURL+"/api/v1/contract/funding-rates?"+q.Encode(), &resp); err != nil {
		return nil, fmt.Errorf("funding history: %w", err)
	}
	if err := resp.check("funding history"); err != nil {
		return nil, err
	}

	events := make([]models.SettlementEvent, 0, len(resp.Data))
	for _, row := range resp.Data {
		events = append(events, models.SettlementEvent{
			SourceSymbol: row.Symbol,
			Rate:         row.FundingRate.Percent(),
			Time:         models.EpochTime(row.Timepoint),
		})
	}
	sort.Slice(events, func(i, j int) bool { return events[i].Time.After(events[j].Time) })
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}
