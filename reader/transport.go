package reader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"fundingflow/config"
	"fundingflow/internal/metrics"
)

const userAgent = "fundingflow/1.0"

type userAgentTransport struct {
	agent string
	base  http.RoundTripper
}

func (t userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", t.agent)
	return t.base.RoundTrip(req)
}

// NewTransport builds the pooled transport of one exchange. Outbound
// connections bind to sc.LocalIP when it is set.
func NewTransport(sc config.ExchangeSourceConfig) *http.Transport {
	pool := sc.ConnectionPool
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        pool.MaxIdleConns,
		MaxIdleConnsPerHost: pool.MaxIdleConns,
		MaxConnsPerHost:     pool.MaxConnsPerHost,
		IdleConnTimeout:     pool.IdleConnTimeout,
	}
	if sc.LocalIP != "" {
		if ip := net.ParseIP(sc.LocalIP); ip != nil {
			dialer := &net.Dialer{LocalAddr: &net.TCPAddr{IP: ip}, Timeout: 10 * time.Second}
			transport.DialContext = dialer.DialContext
		}
	}
	return transport
}

// NewHTTPClient wraps NewTransport with a timeout and user agent.
func NewHTTPClient(sc config.ExchangeSourceConfig) *http.Client {
	timeout := sc.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &http.Client{
		Transport: userAgentTransport{agent: userAgent, base: NewTransport(sc)},
		Timeout:   timeout,
	}
}

// GetJSON issues a GET and decodes the body into out. Non-2xx responses
// become *metrics.StatusError.
func GetJSON(ctx context.Context, client *http.Client, url string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &metrics.StatusError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(body))}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Remarshal converts an SDK response into a local struct through JSON.
func Remarshal(in interface{}, out interface{}) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal response: %w", err)
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// FlexFloat decodes a JSON number or a numeric string. Empty strings and
// null leave it unset.
type FlexFloat struct {
	Value float64
	Set   bool
}

func (f *FlexFloat) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*f = FlexFloat{}
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("invalid number %q: %w", s, err)
	}
	*f = FlexFloat{Value: v, Set: true}
	return nil
}

func (f FlexFloat) MarshalJSON() ([]byte, error) {
	if !f.Set {
		return []byte("null"), nil
	}
	return []byte(strconv.FormatFloat(f.Value, 'f', -1, 64)), nil
}

// Ptr returns nil when unset.
func (f FlexFloat) Ptr() *float64 {
	if !f.Set {
		return nil
	}
	v := f.Value
	return &v
}

// Percent converts a decimal rate (0.0001) into percentage units (0.01).
func (f FlexFloat) Percent() *float64 {
	if !f.Set {
		return nil
	}
	// rounded to 1e-10 so 0.0001 maps to exactly 0.01
	v := math.Round(f.Value*100*1e10) / 1e10
	return &v
}

// Int64 truncates the value, zero when unset.
func (f FlexFloat) Int64() int64 {
	if !f.Set {
		return 0
	}
	return int64(f.Value)
}
