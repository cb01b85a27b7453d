package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"fundingflow/models"
)

// DefaultConfigPath is used when no -config flag is given.
const DefaultConfigPath = "config/config.yml"

var envConfigPaths = map[string]string{
	environmentProduction: "config/config.production.yml",
	environmentStaging:    "config/config.staging.yml",
}

// ScheduleParser parses aggregator.schedule (cron with a seconds field).
var ScheduleParser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

type Config struct {
	Fundingflow FundingflowConfig `yaml:"fundingflow"`
	Logging     LoggingConfig     `yaml:"logging"`
	Aggregator  AggregatorConfig  `yaml:"aggregator"`
	Comparison  ComparisonConfig  `yaml:"comparison"`
	Source      SourceConfig      `yaml:"source"`
	Server      ServerConfig      `yaml:"server"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

type FundingflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type LoggingConfig struct {
	Level          string        `yaml:"level"`
	Format         string        `yaml:"format"`
	Output         string        `yaml:"output"`
	MaxAge         int           `yaml:"max_age"`
	ReportInterval time.Duration `yaml:"report_interval"`
}

// AggregatorConfig drives one aggregation run.
type AggregatorConfig struct {
	SourceTimeout    time.Duration `yaml:"source_timeout"`
	BatchSize        int           `yaml:"batch_size"`
	BatchDelay       time.Duration `yaml:"batch_delay"`
	HistoryLookupCap int           `yaml:"history_lookup_cap"`
	TopN             int           `yaml:"top_n"`
	QuoteAsset       string        `yaml:"quote_asset"`
	Schedule         string        `yaml:"schedule"`
	Watchlist        string        `yaml:"watchlist"`
}

// ComparisonConfig holds the fixed source order and band thresholds. The
// thresholds are absolute differentials in percentage units.
type ComparisonConfig struct {
	Order           []string `yaml:"order"`
	HighThreshold   float64  `yaml:"high_threshold"`
	MediumThreshold float64  `yaml:"medium_threshold"`
}

type ConnectionPoolConfig struct {
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	MaxConnsPerHost int           `yaml:"max_conns_per_host"`
	IdleConnTimeout time.Duration `yaml:"idle_conn_timeout"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	BurstSize         int     `yaml:"burst_size"`
}

// ExchangeSourceConfig configures the REST client of one exchange.
type ExchangeSourceConfig struct {
	Enabled        bool                 `yaml:"enabled"`
	BaseURL        string               `yaml:"base_url"`
	LocalIP        string               `yaml:"local_ip"`
	Timeout        time.Duration        `yaml:"timeout"`
	ConnectionPool ConnectionPoolConfig `yaml:"connection_pool"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
}

type SourceConfig struct {
	Binance ExchangeSourceConfig `yaml:"binance"`
	Bybit   ExchangeSourceConfig `yaml:"bybit"`
	Okx     ExchangeSourceConfig `yaml:"okx"`
	Kucoin  ExchangeSourceConfig `yaml:"kucoin"`
}

// For returns the settings of ex.
func (s SourceConfig) For(ex models.Exchange) (ExchangeSourceConfig, bool) {
	switch ex {
	case models.ExchangeBinance:
		return s.Binance, true
	case models.ExchangeBybit:
		return s.Bybit, true
	case models.ExchangeOkx:
		return s.Okx, true
	case models.ExchangeKucoin:
		return s.Kucoin, true
	}
	return ExchangeSourceConfig{}, false
}

type ServerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

type MetricsConfig struct {
	Prometheus bool             `yaml:"prometheus"`
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Region          string `yaml:"region"`
	Namespace       string `yaml:"namespace"`
	Dashboard       string `yaml:"dashboard"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// ExchangeOrder returns the enabled exchanges in comparison order.
func (c *Config) ExchangeOrder() []models.Exchange {
	out := make([]models.Exchange, 0, len(c.Comparison.Order))
	for _, name := range c.Comparison.Order {
		ex, ok := models.ParseExchange(strings.ToLower(name))
		if !ok {
			continue
		}
		if sc, _ := c.Source.For(ex); sc.Enabled {
			out = append(out, ex)
		}
	}
	return out
}

func defaultSource(baseURL string) ExchangeSourceConfig {
	return ExchangeSourceConfig{
		Enabled: true,
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
		ConnectionPool: ConnectionPoolConfig{
			MaxIdleConns:    32,
			MaxConnsPerHost: 16,
			IdleConnTimeout: 90 * time.Second,
		},
		RateLimit: RateLimitConfig{RequestsPerSecond: 5, BurstSize: 1},
	}
}

// Default returns the configuration used for every key a file leaves out.
func Default() Config {
	return Config{
		Fundingflow: FundingflowConfig{Name: "fundingflow", Version: "dev"},
		Logging:     LoggingConfig{Level: "info", Format: "json", Output: "stdout", ReportInterval: time.Minute},
		Aggregator: AggregatorConfig{
			SourceTimeout:    30 * time.Second,
			BatchSize:        10,
			BatchDelay:       100 * time.Millisecond,
			HistoryLookupCap: 20,
			TopN:             10,
			QuoteAsset:       "USDT",
			Schedule:         "0 */5 * * * *",
		},
		Comparison: ComparisonConfig{
			Order:           []string{"binance", "bybit", "okx", "kucoin"},
			HighThreshold:   0.05,
			MediumThreshold: 0.01,
		},
		Source: SourceConfig{
			Binance: defaultSource("https://fapi.binance.com"),
			Bybit:   defaultSource("https://api.bybit.com"),
			Okx:     defaultSource("https://www.okx.com"),
			Kucoin:  defaultSource("https://api-futures.kucoin.com"),
		},
		Server:  ServerConfig{Enabled: true, Address: ":8080"},
		Metrics: MetricsConfig{Prometheus: true, CloudWatch: CloudWatchConfig{Namespace: "FundingFlow", Dashboard: "FundingFlow"}},
	}
}

func LoadConfig(path string) (*Config, error) {
	path = resolveEnvSpecificPath(path, DefaultConfigPath, envConfigPaths)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := applyEnvOverrides(&config); err != nil {
		return nil, err
	}

	config.Aggregator.QuoteAsset = strings.ToUpper(strings.TrimSpace(config.Aggregator.QuoteAsset))

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyEnvOverrides(cfg *Config) error {
	if v := strings.TrimSpace(os.Getenv("AGGREGATOR_SOURCE_TIMEOUT")); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid AGGREGATOR_SOURCE_TIMEOUT %q: %w", v, err)
		}
		cfg.Aggregator.SourceTimeout = d
	}
	if v := os.Getenv("AWS_REGION"); v != "" {
		cfg.Metrics.CloudWatch.Region = strings.TrimSpace(v)
	}
	if cfg.Metrics.CloudWatch.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			cfg.Metrics.CloudWatch.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			cfg.Metrics.CloudWatch.SecretAccessKey = strings.TrimSpace(v)
		}
	}
	return nil
}

func validateConfig(cfg *Config) error {
	if cfg.Fundingflow.Name == "" {
		return fmt.Errorf("fundingflow.name is required")
	}
	if cfg.Fundingflow.Version == "" {
		return fmt.Errorf("fundingflow.version is required")
	}

	agg := cfg.Aggregator
	if agg.SourceTimeout <= 0 {
		return fmt.Errorf("aggregator.source_timeout must be greater than 0")
	}
	if agg.BatchSize <= 0 {
		return fmt.Errorf("aggregator.batch_size must be greater than 0")
	}
	if agg.BatchDelay < 0 {
		return fmt.Errorf("aggregator.batch_delay must not be negative")
	}
	if agg.HistoryLookupCap < 0 {
		return fmt.Errorf("aggregator.history_lookup_cap must not be negative")
	}
	if agg.TopN <= 0 {
		return fmt.Errorf("aggregator.top_n must be greater than 0")
	}
	if agg.QuoteAsset == "" {
		return fmt.Errorf("aggregator.quote_asset is required")
	}
	if agg.Schedule != "" {
		if _, err := ScheduleParser.Parse(agg.Schedule); err != nil {
			return fmt.Errorf("aggregator.schedule %q is invalid: %w", agg.Schedule, err)
		}
	}

	cmp := cfg.Comparison
	if len(cmp.Order) == 0 {
		return fmt.Errorf("comparison.order must list at least one exchange")
	}
	seen := make(map[models.Exchange]bool, len(cmp.Order))
	for _, name := range cmp.Order {
		ex, ok := models.ParseExchange(strings.ToLower(name))
		if !ok {
			return fmt.Errorf("comparison.order: unknown exchange '%s'", name)
		}
		if seen[ex] {
			return fmt.Errorf("comparison.order: duplicate exchange '%s'", name)
		}
		seen[ex] = true
	}
	if cmp.MediumThreshold < 0 || cmp.HighThreshold < cmp.MediumThreshold {
		return fmt.Errorf("comparison thresholds must satisfy 0 <= medium_threshold <= high_threshold")
	}

	for _, ex := range []models.Exchange{models.ExchangeBinance, models.ExchangeBybit, models.ExchangeOkx, models.ExchangeKucoin} {
		sc, _ := cfg.Source.For(ex)
		if !sc.Enabled {
			continue
		}
		if sc.BaseURL == "" {
			return fmt.Errorf("source.%s.base_url is required when the source is enabled", ex)
		}
		if sc.RateLimit.RequestsPerSecond < 0 || sc.RateLimit.BurstSize < 0 {
			return fmt.Errorf("source.%s.rate_limit must not be negative", ex)
		}
	}
	if len(cfg.ExchangeOrder()) == 0 {
		return fmt.Errorf("at least one source listed in comparison.order must be enabled")
	}

	if cfg.Server.Enabled && cfg.Server.Address == "" {
		return fmt.Errorf("server.address is required when the server is enabled")
	}

	return nil
}
