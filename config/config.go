package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"

	"github.com/yitech/marketfeed/adapter/indexer"
	"github.com/yitech/marketfeed/model/interval"
	"github.com/yitech/marketfeed/pkg/logger"
)

// Config represents the application configuration.
type Config struct {
	App     AppConfig     `envPrefix:"APP_" yaml:"app"`
	Indexer IndexerConfig `envPrefix:"INDEXER_" yaml:"indexer"`
	Stream  StreamConfig  `envPrefix:"STREAM_" yaml:"stream"`
	GRPC    ServerConfig  `envPrefix:"GRPC_" yaml:"grpc"`
	HTTP    ServerConfig  `envPrefix:"HTTP_" yaml:"http"`
}

// AppConfig represents the process-wide settings.
type AppConfig struct {
	Name        string `env:"NAME" envDefault:"marketfeed" yaml:"name"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info" yaml:"log_level"`
	Development bool   `env:"DEVELOPMENT" envDefault:"false" yaml:"development"`
}

// IndexerConfig locates the upstream indexer.
type IndexerConfig struct {
	RestURL     string        `env:"REST_URL" envDefault:"http://localhost:8080" yaml:"rest_url"`
	WSURL       string        `env:"WS_URL" envDefault:"ws://localhost:8080" yaml:"ws_url"`
	HTTPTimeout time.Duration `env:"HTTP_TIMEOUT" envDefault:"10s" yaml:"http_timeout"`
}

// StreamConfig holds the subscription and the reconnect tuning.
type StreamConfig struct {
	Symbol         string        `env:"SYMBOL" envDefault:"ETH/USDC" yaml:"symbol"`
	Timeframes     []string      `env:"TIMEFRAMES" envSeparator:"," envDefault:"1m,5m,15m,1h" yaml:"timeframes"`
	Orderbook      bool          `env:"ORDERBOOK" envDefault:"true" yaml:"orderbook"`
	OHLCV          bool          `env:"OHLCV" envDefault:"true" yaml:"ohlcv"`
	BaseDelay      time.Duration `env:"BASE_DELAY" envDefault:"1s" yaml:"base_delay"`
	MaxAttempts    int           `env:"MAX_ATTEMPTS" envDefault:"5" yaml:"max_attempts"`
	PingInterval   time.Duration `env:"PING_INTERVAL" envDefault:"20s" yaml:"ping_interval"`
	BackfillWindow time.Duration `env:"BACKFILL_WINDOW" envDefault:"24h" yaml:"backfill_window"`
	MaxLen         int           `env:"MAX_LEN" envDefault:"100" yaml:"max_len"`
}

// ServerConfig is a listen address for one downstream surface.
type ServerConfig struct {
	Addr string `env:"ADDR" yaml:"addr"`
}

// Load reads the environment (and a .env file if present), then overlays
// the YAML file at path when path is not empty.
func Load(path string) (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.GRPC.Addr == "" {
		cfg.GRPC.Addr = ":50051"
	}
	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = ":8090"
	}

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if err := checkURL("indexer.rest_url", c.Indexer.RestURL, "http", "https"); err != nil {
		return err
	}
	if err := checkURL("indexer.ws_url", c.Indexer.WSURL, "ws", "wss"); err != nil {
		return err
	}
	if c.Indexer.HTTPTimeout <= 0 {
		return fmt.Errorf("config: indexer.http_timeout must be positive")
	}
	if c.Stream.Symbol == "" {
		return fmt.Errorf("config: stream.symbol must not be empty")
	}
	for _, tf := range c.Stream.Timeframes {
		if _, err := interval.Get(tf); err != nil {
			return fmt.Errorf("config: stream.timeframes: %w (want one of %v)", err, interval.Names())
		}
	}
	if c.Stream.BaseDelay <= 0 {
		return fmt.Errorf("config: stream.base_delay must be positive")
	}
	if c.Stream.MaxAttempts < 0 {
		return fmt.Errorf("config: stream.max_attempts must not be negative")
	}
	if c.Stream.PingInterval <= 0 {
		return fmt.Errorf("config: stream.ping_interval must be positive")
	}
	if c.Stream.BackfillWindow <= 0 {
		return fmt.Errorf("config: stream.backfill_window must be positive")
	}
	if c.Stream.MaxLen <= 0 {
		return fmt.Errorf("config: stream.max_len must be positive")
	}
	switch logger.Level(c.App.LogLevel) {
	case logger.DebugLevel, logger.InfoLevel, logger.WarnLevel, logger.ErrorLevel:
	default:
		return fmt.Errorf("config: app.log_level: unknown level %q", c.App.LogLevel)
	}
	return nil
}

// Subscription maps the stream section onto indexer options.
func (c *Config) Subscription() indexer.SubscriptionOptions {
	return indexer.SubscriptionOptions{
		Orderbook:  c.Stream.Orderbook,
		OHLCV:      c.Stream.OHLCV,
		Symbol:     c.Stream.Symbol,
		Timeframes: append([]string(nil), c.Stream.Timeframes...),
	}
}

// LoggerOptions maps the app section onto logger options.
func (c *Config) LoggerOptions() []logger.Options {
	opts := []logger.Options{logger.WithLoggingLevel(logger.Level(c.App.LogLevel))}
	if c.App.Development {
		opts = append(opts, logger.WithDevelopment())
	}
	return opts
}

func checkURL(field, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("config: %s: %w", field, err)
	}
	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("config: %s: want %v url with a host, got %q", field, schemes, raw)
}
