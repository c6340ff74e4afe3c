package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/vitos/ethpulse/internal/domain"
)

// ErrInvalidConfig marks configuration that must not be used for a run.
var ErrInvalidConfig = errors.New("invalid config")

const DefaultPath = "config/config.yaml"

type Config struct {
	Symbol      string           `yaml:"symbol" default:"ETHUSDT" validate:"required"`
	Interval    string           `yaml:"interval" default:"5m" validate:"required"`
	LookbackMin int              `yaml:"lookback_min" default:"240" validate:"gte=1"`
	Timeframe   string           `yaml:"timeframe" default:"5m" validate:"required"`
	PivotMode   domain.PivotMode `yaml:"pivot_mode" default:"floor" validate:"oneof=floor donchian none"`

	Strategy domain.StrategyParams   `yaml:",inline"`
	Backtest domain.SimulationParams `yaml:"backtest"`

	Exchange ExchangeConfig `yaml:"exchange"`
	Whales   WhalesConfig   `yaml:"whales"`
	Storage  StorageConfig  `yaml:"storage"`
	Output   OutputConfig   `yaml:"output"`
	Logging  LoggingConfig  `yaml:"logging"`
	Server   ServerConfig   `yaml:"server"`
}

type ExchangeConfig struct {
	Name              string  `yaml:"name" default:"binance" validate:"oneof=binance bybit"`
	RESTEndpoint      string  `yaml:"rest_endpoint"`
	WSEndpoint        string  `yaml:"ws_endpoint"`
	APIKey            string  `yaml:"api_key"`
	APISecret         string  `yaml:"api_secret"`
	RequestsPerSecond float64 `yaml:"requests_per_second" default:"10" validate:"gt=0"`
	MaxRetries        int     `yaml:"max_retries" default:"3" validate:"gte=0"`
}

type WhalesConfig struct {
	Enabled      bool   `yaml:"enabled" default:"true"`
	SantimentURL string `yaml:"santiment_url" default:"https://api.santiment.net/graphql"`
	Slug         string `yaml:"slug" default:"ethereum"`
	APIKey       string `yaml:"api_key"`
}

type StorageConfig struct {
	Path string `yaml:"path" default:"ethpulse.db" validate:"required"`
}

type OutputConfig struct {
	Dir string `yaml:"dir" default:"runs"`
}

type LoggingConfig struct {
	Level string `yaml:"level" default:"info"`
	File  string `yaml:"file"`
}

type ServerConfig struct {
	Port int `yaml:"port" default:"8080" validate:"gte=1,lte=65535"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	var c Config
	_ = defaults.Set(&c)
	return &c
}

// Load reads the YAML file at path and overlays keys from the environment
// (and a .env file when present).
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	c, err := Decode(f)
	if err != nil {
		return nil, err
	}

	// Missing .env is normal outside development.
	_ = godotenv.Load()
	c.applyEnv()
	return c, nil
}

// Decode parses YAML on top of the defaults. Unknown keys and values failing
// validation are rejected with ErrInvalidConfig.
func Decode(r io.Reader) (*Config, error) {
	c := Default()

	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: parse: %v", ErrInvalidConfig, err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if _, err := c.TimeframeDuration(); err != nil {
		return err
	}
	if _, err := c.IntervalDuration(); err != nil {
		return err
	}
	return nil
}

// TimeframeDuration is the primary backtest timeframe, e.g. "5m" or "1h".
func (c *Config) TimeframeDuration() (time.Duration, error) {
	return parseTimeframe("timeframe", c.Timeframe)
}

// IntervalDuration is the live kline interval.
func (c *Config) IntervalDuration() (time.Duration, error) {
	return parseTimeframe("interval", c.Interval)
}

// ParseTimeframe parses an exchange interval such as "5m", "4h" or "1d".
func ParseTimeframe(s string) (time.Duration, error) {
	if n, ok := strings.CutSuffix(s, "d"); ok {
		days, err := strconv.Atoi(n)
		if err != nil || days <= 0 {
			return 0, fmt.Errorf("invalid day count %q", n)
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}

func parseTimeframe(field, s string) (time.Duration, error) {
	d, err := ParseTimeframe(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %s %q: %v", ErrInvalidConfig, field, s, err)
	}
	if d < time.Minute || d%time.Minute != 0 {
		return 0, fmt.Errorf("%w: %s %q must be a whole number of minutes", ErrInvalidConfig, field, s)
	}
	return d, nil
}

func (c *Config) applyEnv() {
	switch c.Exchange.Name {
	case "binance":
		setFromEnv(&c.Exchange.APIKey, "BINANCE_API_KEY")
		setFromEnv(&c.Exchange.APISecret, "BINANCE_SECRET_KEY")
		setFromEnv(&c.Exchange.RESTEndpoint, "BINANCE_FAPI_BASE")
	case "bybit":
		setFromEnv(&c.Exchange.APIKey, "BYBIT_API_KEY")
		setFromEnv(&c.Exchange.APISecret, "BYBIT_API_SECRET")
		setFromEnv(&c.Exchange.RESTEndpoint, "BYBIT_BASE")
	}
	setFromEnv(&c.Whales.APIKey, "SANTIMENT_API_KEY")
}

func setFromEnv(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}
