package okx

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"fundingflow/config"
	"fundingflow/internal/metrics"
	"fundingflow/internal/symbols"
	"fundingflow/logger"
	"fundingflow/models"
	"fundingflow/reader"
)

const defaultBaseURL = "https://www.okx.com"

// Source reads OKX swap funding data from the public v5 REST API. Funding
// rates of every swap come from one instId=ANY request and mark prices from
// the swap mark-price listing; deployments that reject ANY fall back to the
// per-instrument snapshot.
type Source struct {
	http    *http.Client
	baseURL string
	log     *logger.Log
}

func NewSource(sc config.ExchangeSourceConfig) *Source {
	log := logger.GetLogger()

	base := strings.TrimRight(sc.BaseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}

	log.WithComponent("okx_reader").WithFields(logger.Fields{
		"base_url":           base,
		"local_ip":           sc.LocalIP,
		"max_conns_per_host": sc.ConnectionPool.MaxConnsPerHost,
	}).Info("okx source initialized")

	return &Source{http: reader.NewHTTPClient(sc), baseURL: base, log: log}
}

func (s *Source) Exchange() models.Exchange {
	return models.ExchangeOkx
}

// apiError is a non-zero code in the v5 envelope.
type apiError struct {
	Op   string
	Code string
	Msg  string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%s: code %s: %s", e.Op, e.Code, e.Msg)
}

// rejected reports a request the API refused as malformed, either through
// the envelope code or an HTTP 400.
func rejected(err error) bool {
	var ae *apiError
	if errors.As(err, &ae) {
		return true
	}
	var se *metrics.StatusError
	return errors.As(err, &se) && se.StatusCode == http.StatusBadRequest
}

// get fetches path and decodes the data array of the v5 envelope.
func (s *Source) get(ctx context.Context, op, path string, q url.Values, data interface{}) error {
	u := s.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	var resp struct {
		Code string      `json:"code"`
		Msg  string      `json:"msg"`
		Data interface{} `json:"data"`
	}
	resp.Data = data
	if err := reader.GetJSON(ctx, s.http, u, &resp); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if resp.Code != "0" {
		return &apiError{Op: op, Code: resp.Code, Msg: resp.Msg}
	}
	return nil
}

type instrument struct {
	InstID    string `json:"instId"`
	Uly       string `json:"uly"`
	SettleCcy string `json:"settleCcy"`
	CtValCcy  string `json:"ctValCcy"`
	CtType    string `json:"ctType"`
	State     string `json:"state"`
}

func (s *Source) ListInstruments(ctx context.Context) ([]models.Instrument, error) {
	var rows []instrument
	if err := s.get(ctx, "instruments", "/api/v5/public/instruments", url.Values{"instType": {"SWAP"}}, &rows); err != nil {
		return nil, err
	}

	out := make([]models.Instrument, 0, len(rows))
	for _, row := range rows {
		base, quote := row.CtValCcy, row.SettleCcy
		if parts := strings.Split(row.Uly, "-"); len(parts) == 2 {
			base, quote = parts[0], parts[1]
		}
		out = append(out, models.Instrument{
			Exchange:     models.ExchangeOkx,
			SourceSymbol: row.InstID,
			Symbol:       symbols.ToCanonical(string(models.ExchangeOkx), row.InstID, quote),
			BaseAsset:    base,
			QuoteAsset:   quote,
			Perpetual:    row.State == "live" && strings.HasSuffix(row.InstID, "-SWAP"),
		})
	}
	return out, nil
}

type fundingRow struct {
	InstID          string           `json:"instId"`
	FundingRate     reader.FlexFloat `json:"fundingRate"`
	FundingTime     reader.FlexFloat `json:"fundingTime"`
	NextFundingTime reader.FlexFloat `json:"nextFundingTime"`
}

func (r fundingRow) snapshot() models.Snapshot {
	return models.Snapshot{
		SourceSymbol:    r.InstID,
		FundingRate:     r.FundingRate.Percent(),
		FundingTime:     models.EpochTime(r.FundingTime.Int64()),
		NextFundingTime: models.EpochTime(r.NextFundingTime.Int64()),
	}
}

// FetchSnapshots reads the funding state of every swap in one request and
// joins the swap mark prices. A rejected ANY request reports the capability
// as unavailable so the adapter snapshots per instrument.
func (s *Source) FetchSnapshots(ctx context.Context) (map[string]models.Snapshot, error) {
	var rows []fundingRow
	if err := s.get(ctx, "funding rates", "/api/v5/public/funding-rate", url.Values{"instId": {"ANY"}}, &rows); err != nil {
		if rejected(err) {
			s.log.WithComponent("okx_reader").WithError(err).Warn("bulk funding rates rejected; using per-instrument snapshots")
			return nil, fmt.Errorf("%w: %v", reader.ErrCapabilityUnavailable, err)
		}
		return nil, err
	}

	out := make(map[string]models.Snapshot, len(rows))
	for _, row := range rows {
		out[row.InstID] = row.snapshot()
	}

	var marks []struct {
		InstID string           `json:"instId"`
		MarkPx reader.FlexFloat `json:"markPx"`
	}
	if err := s.get(ctx, "mark prices", "/api/v5/public/mark-price", url.Values{"instType": {"SWAP"}}, &marks); err != nil {
		s.log.WithComponent("okx_reader").WithError(err).Warn("mark prices unavailable; falling back to tickers")
		return out, nil
	}
	for _, m := range marks {
		if snap, ok := out[m.InstID]; ok {
			snap.MarkPrice = m.MarkPx.Ptr()
			out[m.InstID] = snap
		}
	}
	return out, nil
}

// FetchSnapshot reads the funding state of one swap. fundingTime is the
// upcoming settlement and nextFundingTime the one after it.
func (s *Source) FetchSnapshot(ctx context.Context, inst models.Instrument) (models.Snapshot, error) {
	var rows []fundingRow
	if err := s.get(ctx, "funding rate", "/api/v5/public/funding-rate", url.Values{"instId": {inst.SourceSymbol}}, &rows); err != nil {
		return models.Snapshot{}, err
	}
	if len(rows) == 0 {
		return models.Snapshot{}, fmt.Errorf("funding rate: %s not returned", inst.SourceSymbol)
	}
	snap := rows[0].snapshot()
	snap.SourceSymbol = inst.SourceSymbol
	return snap, nil
}

func (s *Source) FetchTicker(ctx context.Context, inst models.Instrument) (float64, error) {
	var rows []struct {
		InstID string           `json:"instId"`
		Last   reader.FlexFloat `json:"last"`
	}
	if err := s.get(ctx, "ticker", "/api/v5/market/ticker", url.Values{"instId": {inst.SourceSymbol}}, &rows); err != nil {
		return 0, err
	}
	if len(rows) == 0 || !rows[0].Last.Set {
		return 0, fmt.Errorf("ticker: %s has no price", inst.SourceSymbol)
	}
	return rows[0].Last.Value, nil
}

func (s *Source) FetchHistory(ctx context.Context, inst models.Instrument, limit int) ([]models.SettlementEvent, error) {
	var rows []struct {
		InstID      string           `json:"instId"`
		FundingRate reader.FlexFloat `json:"fundingRate"`
		FundingTime reader.FlexFloat `json:"fundingTime"`
	}
	q := url.Values{"instId": {inst.SourceSymbol}, "limit": {strconv.Itoa(limit)}}
	if err := s.get(ctx, "funding history", "/api/v5/public/funding-rate-history", q, &rows); err != nil {
		return nil, err
	}

	events := make([]models.SettlementEvent, 0, len(rows))
	for _, row := range rows {
		events = append(events, models.SettlementEvent{
			SourceSymbol: row.InstID,
			Rate:         row.FundingRate.Percent(),
			Time:         models.EpochTime(row.FundingTime.Int64()),
		})
	}
	return events, nil
}
