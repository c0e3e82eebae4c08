// Package config defines all configuration for the trading desk.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via TRADEDESK_* environment variables.
// Broker credentials follow the Alpaca SDK convention (APCA_API_KEY_ID,
// APCA_API_SECRET_KEY) and are read by the SDK itself when left empty here.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Trading     TradingConfig     `mapstructure:"trading"`
	Guardrails  GuardrailsConfig  `mapstructure:"guardrails"`
	Cache       CacheConfig       `mapstructure:"cache"`
	Providers   ProvidersConfig   `mapstructure:"providers"`
	Concurrency ConcurrencyConfig `mapstructure:"concurrency"`
	Monitor     MonitorConfig     `mapstructure:"monitor"`
	Paths       PathsConfig       `mapstructure:"paths"`
	Broker      BrokerConfig      `mapstructure:"broker"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	TimeZone    string            `mapstructure:"time_zone"`
}

// TradingConfig sets the portfolio construction limits every stage honors.
//
//   - MaxPositions: hard upper bound on open positions.
//   - MinPositions / TargetPositionCount: soft bounds the optimizer aims for.
//   - TargetInvestedRatio: fraction of capital the optimizer should deploy.
//   - MaxPositionPct: no single allocation may exceed this fraction of portfolio value.
//   - MaxCapitalDeployedPct: running cap the Portfolio stage enforces on new buys.
//   - MaxSectorPct: sector concentration ceiling checked by Compliance.
//   - MinCompositeScore: floor below which candidates never reach the plan.
//   - MinTradeDollars: orders below this notional are dropped as noise.
//   - MaxHoldDays: time-based exit horizon for flat positions.
//   - RestrictedSymbols: never traded, enforced by Compliance.
type TradingConfig struct {
	MaxPositions          int      `mapstructure:"max_positions"`
	MinPositions          int      `mapstructure:"min_positions"`
	TargetPositionCount   int      `mapstructure:"target_position_count"`
	TargetInvestedRatio   float64  `mapstructure:"target_invested_ratio"`
	MaxPositionPct        float64  `mapstructure:"max_position_pct"`
	MaxCapitalDeployedPct float64  `mapstructure:"max_capital_deployed_pct"`
	MaxSectorPct          float64  `mapstructure:"max_sector_pct"`
	MinCompositeScore     float64  `mapstructure:"min_composite_score"`
	MinTradeDollars       float64  `mapstructure:"min_trade_dollar_threshold"`
	MaxHoldDays           int      `mapstructure:"max_hold_days"`
	MinCandidates         int      `mapstructure:"min_candidates"`
	TargetCandidates      int      `mapstructure:"target_candidates"`
	RestrictedSymbols     []string `mapstructure:"restricted_symbols"`
	MaxPerTradeRiskPct    float64  `mapstructure:"max_per_trade_risk_pct"`
}

// GuardrailsConfig tunes the session gates.
// Circuit breaker thresholds are daily-loss percentages: below Yellow is
// NORMAL, then YELLOW, ORANGE (new buys blocked), RED (everything blocked).
type GuardrailsConfig struct {
	PlanFreshnessHours int           `mapstructure:"plan_freshness_hours"`
	CircuitBreaker     CircuitConfig `mapstructure:"circuit_breaker"`
}

type CircuitConfig struct {
	Yellow float64 `mapstructure:"yellow"`
	Orange float64 `mapstructure:"orange"`
	Red    float64 `mapstructure:"red"`
}

// CacheConfig sets the shared TTL for the price-data and sentiment caches.
type CacheConfig struct {
	TTLHours int `mapstructure:"ttl_hours"`
}

// ProvidersConfig holds external provider endpoints and per-call timeouts.
// Timeouts are seconds; LLMDeep covers the final optimizer call which may
// legitimately take minutes.
type ProvidersConfig struct {
	SentimentBaseURL    string `mapstructure:"sentiment_base_url"`
	FundamentalsBaseURL string `mapstructure:"fundamentals_base_url"`
	LLMBaseURL          string `mapstructure:"llm_base_url"`
	LLMModel            string `mapstructure:"llm_model"`
	LLMAPIKey           string `mapstructure:"llm_api_key"`
	SentimentAPIKey     string `mapstructure:"sentiment_api_key"`

	Timeouts TimeoutsConfig `mapstructure:"timeouts"`
}

type TimeoutsConfig struct {
	BrokerSec     int `mapstructure:"broker"`
	MarketDataSec int `mapstructure:"market_data"`
	SentimentSec  int `mapstructure:"sentiment"`
	LLMFastSec    int `mapstructure:"llm_fast"`
	LLMDeepSec    int `mapstructure:"llm_deep"`
	StoreSec      int `mapstructure:"store"`
}

// ConcurrencyConfig bounds per-stage fan-out and provider batching so
// rate limits are respected.
type ConcurrencyConfig struct {
	PerStageFanout     int `mapstructure:"per_stage_fanout"`
	SentimentBatchSize int `mapstructure:"sentiment_batch_size"`
	SentimentBatchWait int `mapstructure:"sentiment_batch_delay_s"`
}

// MonitorConfig controls the position-monitor loop.
type MonitorConfig struct {
	IntervalHours int `mapstructure:"interval_hours"`
}

// PathsConfig sets the on-disk roots the desk works with.
type PathsConfig struct {
	DataDir     string `mapstructure:"data_dir"`     // sqlite database location
	MessagesDir string `mapstructure:"messages_dir"` // Outbox/Inbox/Archive roots
	PlansDir    string `mapstructure:"plans_dir"`    // proposed_trades_*.json
	UniverseCSV string `mapstructure:"universe_csv"` // one ticker per line
}

// BrokerConfig holds Alpaca connectivity. Empty key/secret defer to the
// APCA_* environment variables the SDK reads natively.
type BrokerConfig struct {
	APIKey    string `mapstructure:"api_key"`
	APISecret string `mapstructure:"api_secret"`
	BaseURL   string `mapstructure:"base_url"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: TRADEDESK_LLM_API_KEY,
// TRADEDESK_SENTIMENT_API_KEY, APCA_API_KEY_ID, APCA_API_SECRET_KEY.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("TRADEDESK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if key := os.Getenv("TRADEDESK_LLM_API_KEY"); key != "" {
		cfg.Providers.LLMAPIKey = key
	}
	if key := os.Getenv("TRADEDESK_SENTIMENT_API_KEY"); key != "" {
		cfg.Providers.SentimentAPIKey = key
	}
	if key := os.Getenv("APCA_API_KEY_ID"); key != "" {
		cfg.Broker.APIKey = key
	}
	if secret := os.Getenv("APCA_API_SECRET_KEY"); secret != "" {
		cfg.Broker.APISecret = secret
	}

	return &cfg, nil
}

// Default returns a config with all defaults applied and no file read.
// Used by tests and tooling that only needs the numeric knobs.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("trading.max_positions", 20)
	v.SetDefault("trading.min_positions", 10)
	v.SetDefault("trading.target_position_count", 20)
	v.SetDefault("trading.target_invested_ratio", 0.90)
	v.SetDefault("trading.max_position_pct", 0.10)
	v.SetDefault("trading.max_capital_deployed_pct", 0.90)
	v.SetDefault("trading.max_sector_pct", 0.30)
	v.SetDefault("trading.min_composite_score", 55.0)
	v.SetDefault("trading.min_trade_dollar_threshold", 25.0)
	v.SetDefault("trading.max_hold_days", 14)
	v.SetDefault("trading.min_candidates", 3)
	v.SetDefault("trading.target_candidates", 80)
	v.SetDefault("trading.max_per_trade_risk_pct", 1.5)
	v.SetDefault("guardrails.plan_freshness_hours", 4)
	v.SetDefault("guardrails.circuit_breaker.yellow", 5.0)
	v.SetDefault("guardrails.circuit_breaker.orange", 10.0)
	v.SetDefault("guardrails.circuit_breaker.red", 15.0)
	v.SetDefault("cache.ttl_hours", 16)
	v.SetDefault("providers.timeouts.broker", 30)
	v.SetDefault("providers.timeouts.market_data", 30)
	v.SetDefault("providers.timeouts.sentiment", 30)
	v.SetDefault("providers.timeouts.llm_fast", 45)
	v.SetDefault("providers.timeouts.llm_deep", 600)
	v.SetDefault("providers.timeouts.store", 5)
	v.SetDefault("concurrency.per_stage_fanout", 5)
	v.SetDefault("concurrency.sentiment_batch_size", 5)
	v.SetDefault("concurrency.sentiment_batch_delay_s", 5)
	v.SetDefault("monitor.interval_hours", 4)
	v.SetDefault("paths.data_dir", "data")
	v.SetDefault("paths.messages_dir", "messages")
	v.SetDefault("paths.plans_dir", "plans")
	v.SetDefault("paths.universe_csv", "configs/universe.csv")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("time_zone", "America/New_York")
}

// Validate checks all required fields and value ranges. Invalid
// configuration is fatal at startup.
func (c *Config) Validate() error {
	if c.Trading.MaxPositions < 1 {
		return fmt.Errorf("trading.max_positions must be >= 1")
	}
	if c.Trading.MinPositions < 1 {
		return fmt.Errorf("trading.min_positions must be >= 1")
	}
	if c.Trading.TargetInvestedRatio <= 0 || c.Trading.TargetInvestedRatio > 1 {
		return fmt.Errorf("trading.target_invested_ratio must be in (0,1]")
	}
	if c.Trading.MaxPositionPct <= 0 || c.Trading.MaxPositionPct > 1 {
		return fmt.Errorf("trading.max_position_pct must be in (0,1]")
	}
	if c.Trading.MinTradeDollars < 0 {
		return fmt.Errorf("trading.min_trade_dollar_threshold must be >= 0")
	}
	cb := c.Guardrails.CircuitBreaker
	if !(cb.Yellow > 0 && cb.Yellow < cb.Orange && cb.Orange < cb.Red) {
		return fmt.Errorf("guardrails.circuit_breaker thresholds must satisfy 0 < yellow < orange < red")
	}
	if c.Cache.TTLHours <= 0 {
		return fmt.Errorf("cache.ttl_hours must be > 0")
	}
	if c.Guardrails.PlanFreshnessHours <= 0 {
		return fmt.Errorf("guardrails.plan_freshness_hours must be > 0")
	}
	if c.Concurrency.PerStageFanout <= 0 {
		return fmt.Errorf("concurrency.per_stage_fanout must be > 0")
	}
	if _, err := time.LoadLocation(c.TimeZone); err != nil {
		return fmt.Errorf("time_zone %q: %w", c.TimeZone, err)
	}
	return nil
}

// CacheTTL returns the cache TTL as a duration.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLHours) * time.Hour
}

// PlanFreshness returns the plan-freshness window as a duration.
func (c *Config) PlanFreshness() time.Duration {
	return time.Duration(c.Guardrails.PlanFreshnessHours) * time.Hour
}

// Timeout helpers — every blocking call site derives its context deadline
// from one of these.

func (t TimeoutsConfig) Broker() time.Duration { return time.Duration(t.BrokerSec) * time.Second }
func (t TimeoutsConfig) MarketData() time.Duration {
	return time.Duration(t.MarketDataSec) * time.Second
}
func (t TimeoutsConfig) Sentiment() time.Duration { return time.Duration(t.SentimentSec) * time.Second }
func (t TimeoutsConfig) LLMFast() time.Duration   { return time.Duration(t.LLMFastSec) * time.Second }
func (t TimeoutsConfig) LLMDeep() time.Duration   { return time.Duration(t.LLMDeepSec) * time.Second }
func (t TimeoutsConfig) Store() time.Duration     { return time.Duration(t.StoreSec) * time.Second }
