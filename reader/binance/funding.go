package binance

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	futures "github.com/adshao/go-binance/v2/futures"

	"fundingflow/config"
	"fundingflow/internal/symbols"
	"fundingflow/logger"
	"fundingflow/models"
	"fundingflow/reader"
)

// Source reads USDⓈ-M perpetual funding data through the go-binance futures
// client. Premium index snapshots carry only the next settlement, so the
// interval normally comes from funding history.
type Source struct {
	client *futures.Client
	log    *logger.Log
}

func NewSource(sc config.ExchangeSourceConfig) *Source {
	log := logger.GetLogger()

	client := futures.NewClient("", "")
	client.HTTPClient = reader.NewHTTPClient(sc)
	if sc.BaseURL != "" {
		client.SetApiEndpoint(strings.TrimRight(sc.BaseURL, "/"))
	}

	log.WithComponent("binance_reader").WithFields(logger.Fields{
		"base_url":           sc.BaseURL,
		"max_idle_conns":     sc.ConnectionPool.MaxIdleConns,
		"max_conns_per_host": sc.ConnectionPool.MaxConnsPerHost,
		"timeout":            sc.Timeout,
	}).Info("binance source initialized")

	return &Source{client: client, log: log}
}

func (s *Source) Exchange() models.Exchange {
	return models.ExchangeBinance
}

func (s *Source) ListInstruments(ctx context.Context) ([]models.Instrument, error) {
	start := time.Now()
	info, err := s.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("exchange info: %w", err)
	}
	logger.LogPerformanceEntry(s.log.WithComponent("binance_reader"), "binance_reader", "exchange_info", time.Since(start), nil)

	out := make([]models.Instrument, 0, len(info.Symbols))
	for _, sym := range info.Symbols {
		out = append(out, models.Instrument{
			Exchange:     models.ExchangeBinance,
			SourceSymbol: sym.Symbol,
			Symbol:       symbols.ToCanonical(string(models.ExchangeBinance), sym.Symbol, sym.QuoteAsset),
			BaseAsset:    sym.BaseAsset,
			QuoteAsset:   sym.QuoteAsset,
			Perpetual:    sym.ContractType == futures.ContractTypePerpetual && sym.Status == "TRADING",
		})
	}
	return out, nil
}

type premiumIndex struct {
	Symbol          string           `json:"symbol"`
	MarkPrice       reader.FlexFloat `json:"markPrice"`
	IndexPrice      reader.FlexFloat `json:"indexPrice"`
	LastFundingRate reader.FlexFloat `json:"lastFundingRate"`
	NextFundingTime int64            `json:"nextFundingTime"`
}

// FetchSnapshots reads the premium index of every symbol in one call.
func (s *Source) FetchSnapshots(ctx context.Context) (map[string]models.Snapshot, error) {
	res, err := s.client.NewPremiumIndexService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("premium index: %w", err)
	}
	var rows []premiumIndex
	if err := reader.Remarshal(res, &rows); err != nil {
		return nil, err
	}

	out := make(map[string]models.Snapshot, len(rows))
	for _, row := range rows {
		out[row.Symbol] = models.Snapshot{
			SourceSymbol:    row.Symbol,
			FundingRate:     row.LastFundingRate.Percent(),
			NextFundingTime: models.EpochTime(row.NextFundingTime),
			MarkPrice:       row.MarkPrice.Ptr(),
			IndexPrice:      row.IndexPrice.Ptr(),
		}
	}
	return out, nil
}

func (s *Source) FetchTicker(ctx context.Context, inst models.Instrument) (float64, error) {
	prices, err := s.client.NewListPricesService().Symbol(inst.SourceSymbol).Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("ticker price: %w", err)
	}
	for _, p := range prices {
		if p.Symbol == inst.SourceSymbol {
			return strconv.ParseFloat(p.Price, 64)
		}
	}
	return 0, fmt.Errorf("ticker price: %s not returned", inst.SourceSymbol)
}

type fundingRate struct {
	Symbol      string           `json:"symbol"`
	FundingRate reader.FlexFloat `json:"fundingRate"`
	FundingTime int64            `json:"fundingTime"`
}

func (s *Source) FetchHistory(ctx context.Context, inst models.Instrument, limit int) ([]models.SettlementEvent, error) {
	res, err := s.client.NewFundingRateService().Symbol(inst.SourceSymbol).Limit(limit).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("funding rate history: %w", err)
	}
	var rows []fundingRate
	if err := reader.Remarshal(res, &rows); err != nil {
		return nil, err
	}

	events := make([]models.SettlementEvent, 0, len(rows))
	for _, row := range rows {
		events = append(events, models.SettlementEvent{
			SourceSymbol: row.Symbol,
			Rate:         row.FundingRate.Percent(),
			Time:         models.EpochTime(row.FundingTime),
		})
	}
	return events, nil
}
