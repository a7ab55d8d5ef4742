package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Env      string         `mapstructure:"env"` // "dev" or "prod"
	Provider ProviderConfig `mapstructure:"provider"`
	Stream   StreamConfig   `mapstructure:"stream"`
	Bus      BusConfig      `mapstructure:"bus"`
	Feed     FeedConfig     `mapstructure:"feed"`
	Diag     DiagConfig     `mapstructure:"diag"`
	Log      LogConfig      `mapstructure:"log"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

type ProviderConfig struct {
	Key    string `mapstructure:"key"`
	Secret string `mapstructure:"secret"`

	// SSM parameter names used for the credentials when env is "prod".
	KeyParam    string `mapstructure:"key_param"`
	SecretParam string `mapstructure:"secret_param"`

	REST RESTConfig `mapstructure:"rest"`
	WS   WSConfig   `mapstructure:"ws"`
}

type RESTConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type WSConfig struct {
	URL              string        `mapstructure:"url"`
	Channels         []string      `mapstructure:"channels"` // "trades", "quotes"
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	PongWait         time.Duration `mapstructure:"pong_wait"`
	WriteWait        time.Duration `mapstructure:"write_wait"`
}

// StreamConfig holds the reconnect policy.
type StreamConfig struct {
	BackoffInitial time.Duration `mapstructure:"backoff_initial"`
	BackoffMax     time.Duration `mapstructure:"backoff_max"`
	MaxRetries     int           `mapstructure:"max_retries"` // 0 = unbounded
}

type BusConfig struct {
	BufferSize int `mapstructure:"buffer_size"` // per subscriber
}

// FeedConfig selects what is charted and where history and points come from.
type FeedConfig struct {
	Symbols        []string      `mapstructure:"symbols"`
	LoadUniverse   bool          `mapstructure:"load_universe"`   // add the provider's tradable symbols to the universe
	StrictUniverse bool          `mapstructure:"strict_universe"` // reject ticks for symbols outside the universe
	History        string        `mapstructure:"history"`         // "none", "rest", "postgres" or "redis"
	Surface        string        `mapstructure:"surface"`         // "memory" or "redis"
	SeedTimeout    time.Duration `mapstructure:"seed_timeout"`
}

type DiagConfig struct {
	Retention      int           `mapstructure:"retention"`
	SinkBuffer     int           `mapstructure:"sink_buffer"`
	SinkTimeout    time.Duration `mapstructure:"sink_timeout"`
	LogEvents      bool          `mapstructure:"log_events"`
	Persist        bool          `mapstructure:"persist"` // write the trace to postgres
	DiagnoseWindow time.Duration `mapstructure:"diagnose_window"`
	DiagnoseEvery  time.Duration `mapstructure:"diagnose_every"` // 0 disables the periodic health log
}

// Options defines the logger configuration options.
type LogConfig struct {
	Level       string `mapstructure:"level"`       // log level: "debug", "info", "warn", "error"
	Format      string `mapstructure:"format"`      // log format: "json" or "console"
	OutputFile  string `mapstructure:"output_file"` // file path to store logs (optional)
	Environment string `mapstructure:"environment"` // environment: "dev" or "prod"
}

type RedisConfig struct {
	Addr          string `mapstructure:"addr"`
	Password      string `mapstructure:"password"`
	DB            int    `mapstructure:"db"`
	ChannelPrefix string `mapstructure:"channel_prefix"`
	KeyPrefix     string `mapstructure:"key_prefix"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
	Path    string `mapstructure:"path"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", "dev")

	v.SetDefault("provider.key_param", "/livefeed/provider/key")
	v.SetDefault("provider.secret_param", "/livefeed/provider/secret")
	v.SetDefault("provider.rest.base_url", "https://data.alpaca.markets")
	v.SetDefault("provider.rest.timeout", 10*time.Second)
	v.SetDefault("provider.ws.url", "wss://stream.data.alpaca.markets/v2/iex")
	v.SetDefault("provider.ws.channels", []string{"trades", "quotes"})
	v.SetDefault("provider.ws.handshake_timeout", 10*time.Second)
	v.SetDefault("provider.ws.pong_wait", 60*time.Second)
	v.SetDefault("provider.ws.write_wait", 10*time.Second)

	v.SetDefault("stream.backoff_initial", time.Second)
	v.SetDefault("stream.backoff_max", 30*time.Second)
	v.SetDefault("stream.max_retries", 0)

	v.SetDefault("bus.buffer_size", 1024)

	v.SetDefault("feed.history", "rest")
	v.SetDefault("feed.surface", "memory")
	v.SetDefault("feed.seed_timeout", 30*time.Second)

	v.SetDefault("diag.retention", 100000)
	v.SetDefault("diag.sink_buffer", 4096)
	v.SetDefault("diag.sink_timeout", 2*time.Second)
	v.SetDefault("diag.diagnose_window", time.Minute)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.environment", "dev")

	v.SetDefault("postgres.host", "localhost")
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.sslmode", "disable")
	v.SetDefault("postgres.timezone", "UTC")
	v.SetDefault("postgres.ssm_prefix", "/livefeed/db/")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.channel_prefix", "chart.")
	v.SetDefault("redis.key_prefix", "chart:last:")

	v.SetDefault("metrics.addr", ":9102")
	v.SetDefault("metrics.path", "/metrics")
}

// Load loads application configuration using Viper.
// It reads from config.yaml and overrides with environment variables.
// An empty path searches the usual locations next to the binary.
func Load(path string) (*Config, error) {
	// Values in .env become real environment variables; a missing file is fine.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config") // config.yaml
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("config")

		ex, _ := os.Executable()
		if strings.Contains(ex, "go-build") {
			pwd, _ := os.Getwd()
			v.AddConfigPath(filepath.Join(pwd, "../../config"))
		} else {
			v.AddConfigPath(filepath.Join(filepath.Dir(ex), "../config"))
		}
	}

	// Support environment variables with dot notation (e.g., PROVIDER_WS_URL)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if c.Provider.WS.URL == "" {
		errs = append(errs, errors.New("provider.ws.url is required"))
	}
	if c.Stream.BackoffInitial <= 0 {
		errs = append(errs, errors.New("stream.backoff_initial must be positive"))
	}
	if c.Stream.BackoffMax < c.Stream.BackoffInitial {
		errs = append(errs, errors.New("stream.backoff_max must not be below stream.backoff_initial"))
	}
	if c.Stream.MaxRetries < 0 {
		errs = append(errs, errors.New("stream.max_retries must not be negative"))
	}
	if c.Bus.BufferSize <= 0 {
		errs = append(errs, errors.New("bus.buffer_size must be positive"))
	}
	if c.Diag.Retention <= 0 {
		errs = append(errs, errors.New("diag.retention must be positive"))
	}

	switch c.Feed.History {
	case "none":
	case "rest":
		if c.Provider.REST.BaseURL == "" {
			errs = append(errs, errors.New("feed.history=rest needs provider.rest.base_url"))
		}
	case "postgres":
	case "redis":
		if c.Feed.Surface != "redis" {
			errs = append(errs, errors.New("feed.history=redis needs feed.surface=redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("feed.history: unknown source %q", c.Feed.History))
	}

	switch c.Feed.Surface {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("feed.surface: unknown surface %q", c.Feed.Surface))
	}

	for _, ch := range c.Provider.WS.Channels {
		if ch != "trades" && ch != "quotes" {
			errs = append(errs, fmt.Errorf("provider.ws.channels: unknown channel %q", ch))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// UsesPostgres reports whether any component needs a database connection.
func (c *Config) UsesPostgres() bool {
	return c.Feed.History == "postgres" || c.Diag.Persist
}
