// Package config loads partnerd settings from defaults, an optional YAML
// file, .env files and PARTNERD_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable, e.g. PARTNERD_SERVER_ADDR
const EnvPrefix = "PARTNERD"

type Server struct {
	Addr         string   `mapstructure:"addr"`
	PublicURL    string   `mapstructure:"public_url"`
	MetricsAddr  string   `mapstructure:"metrics_addr"`
	APIKeys      []string `mapstructure:"api_keys"`
	RateLimitRPS float64  `mapstructure:"rate_limit_rps"`
	RateBurst    int      `mapstructure:"rate_limit_burst"`
	TLSCert      string   `mapstructure:"tls_cert"`
	TLSKey       string   `mapstructure:"tls_key"`
	ClientCA     string   `mapstructure:"client_ca"` // requires client certificates when set
}

type Store struct {
	Type            string        `mapstructure:"type"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type Queue struct {
	// Mode is "local" (store-backed dispatcher) or "hosted"
	Mode           string `mapstructure:"mode"`
	URL            string `mapstructure:"url"`
	Token          string `mapstructure:"token"`
	Retries        int    `mapstructure:"retries"`
	SigningKey     string `mapstructure:"signing_key"`
	NextSigningKey string `mapstructure:"next_signing_key"`
	// Delivery is "direct" (call the runner in process) or "http" (POST the
	// signed payload to the destination URL); local mode only.
	Delivery        string        `mapstructure:"delivery"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	BatchSize       int           `mapstructure:"batch_size"`
	Concurrency     int           `mapstructure:"concurrency"`
	DeliveryTimeout time.Duration `mapstructure:"delivery_timeout"`
	// VisibilityTimeout bounds how long a local message may stay
	// delivering before it is redelivered.
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout"`
}

type Stripe struct {
	SecretKey     string        `mapstructure:"secret_key"`
	BaseURL       string        `mapstructure:"base_url"`
	Timeout       time.Duration `mapstructure:"timeout"`
	Retries       int64         `mapstructure:"retries"`
	RatePerSecond float64       `mapstructure:"rate_per_second"`
	Burst         int           `mapstructure:"burst"`
}

type SMTP struct {
	Host          string  `mapstructure:"host"`
	Port          int     `mapstructure:"port"`
	Username      string  `mapstructure:"username"`
	Password      string  `mapstructure:"password"`
	From          string  `mapstructure:"from"`
	RatePerSecond float64 `mapstructure:"rate_per_second"`
	Burst         int     `mapstructure:"burst"`
}

type Payouts struct {
	FeeRate      string            `mapstructure:"fee_rate"`
	BaseCurrency string            `mapstructure:"base_currency"`
	Rates        map[string]string `mapstructure:"rates"`
}

// PageSize overrides the page size of one job. A list, since job names
// contain dots that viper would read as nesting.
type PageSize struct {
	Job  string `mapstructure:"job"`
	Size int    `mapstructure:"size"`
}

type Jobs struct {
	PageSizes     []PageSize    `mapstructure:"page_sizes"`
	ExportDir     string        `mapstructure:"export_dir"`
	SchedulesFile string        `mapstructure:"schedules_file"`
	CheckInterval time.Duration `mapstructure:"check_interval"`
	StaleAfter    time.Duration `mapstructure:"stale_after"`
}

type Cleanup struct {
	Enabled          bool          `mapstructure:"enabled"`
	RunRetention     time.Duration `mapstructure:"run_retention"`
	MessageRetention time.Duration `mapstructure:"message_retention"`
	Interval         time.Duration `mapstructure:"interval"`
}

type Logging struct {
	Level     string `mapstructure:"level"`
	JSON      bool   `mapstructure:"json"`
	Dir       string `mapstructure:"dir"`
	MaxSizeMB int64  `mapstructure:"max_size_mb"` // rotate the log file past this size, 0 disables
}

type Tracing struct {
	Enabled     bool    `mapstructure:"enabled"`
	Endpoint    string  `mapstructure:"endpoint"`
	Insecure    bool    `mapstructure:"insecure"`
	Environment string  `mapstructure:"environment"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Config is the full partnerd configuration
type Config struct {
	Server  Server  `mapstructure:"server"`
	Store   Store   `mapstructure:"store"`
	Queue   Queue   `mapstructure:"queue"`
	Stripe  Stripe  `mapstructure:"stripe"`
	SMTP    SMTP    `mapstructure:"smtp"`
	Payouts Payouts `mapstructure:"payouts"`
	Jobs    Jobs    `mapstructure:"jobs"`
	Cleanup Cleanup `mapstructure:"cleanup"`
	Logging Logging `mapstructure:"logging"`
	Tracing Tracing `mapstructure:"tracing"`
}

var defaults = map[string]interface{}{
	"server.addr":             ":8080",
	"server.metrics_addr":     ":9090",
	"server.api_keys":         []string{},
	"server.rate_limit_rps":   50.0,
	"server.rate_limit_burst": 100,
	"server.public_url":       "",
	"server.tls_cert":         "",
	"server.tls_key":          "",
	"server.client_ca":        "",

	"store.type":              "sqlite",
	"store.dsn":               "partnerbatch.db",
	"store.max_open_conns":    25,
	"store.max_idle_conns":    5,
	"store.conn_max_lifetime": "5m",

	"queue.mode":               "local",
	"queue.url":                "https://qstash.upstash.io",
	"queue.token":              "",
	"queue.retries":            3,
	"queue.signing_key":        "",
	"queue.next_signing_key":   "",
	"queue.delivery":           "direct",
	"queue.poll_interval":      "1s",
	"queue.batch_size":         10,
	"queue.concurrency":        4,
	"queue.delivery_timeout":   "5m",
	"queue.visibility_timeout": "10m",

	"stripe.secret_key":      "",
	"stripe.base_url":        "",
	"stripe.timeout":         "30s",
	"stripe.retries":         2,
	"stripe.rate_per_second": 25.0,
	"stripe.burst":           5,

	"smtp.host":            "",
	"smtp.port":            587,
	"smtp.username":        "",
	"smtp.password":        "",
	"smtp.from":            "partners@localhost",
	"smtp.rate_per_second": 10.0,
	"smtp.burst":           10,

	"payouts.fee_rate":      "0.03",
	"payouts.base_currency": "USD",

	"jobs.export_dir":     "exports",
	"jobs.schedules_file": "",
	"jobs.check_interval": "30s",
	"jobs.stale_after":    "6h",

	"cleanup.enabled":           true,
	"cleanup.run_retention":     "720h",
	"cleanup.message_retention": "168h",
	"cleanup.interval":          "24h",

	"logging.level":       "info",
	"logging.json":        false,
	"logging.dir":         "",
	"logging.max_size_mb": 100,

	"tracing.enabled":      false,
	"tracing.endpoint":     "localhost:4318",
	"tracing.insecure":     true,
	"tracing.environment":  "development",
	"tracing.sample_ratio": 1.0,
}

// NewViper returns a viper instance with defaults and environment binding.
// Callers may bind command-line flags onto it before Load.
func NewViper() *viper.Viper {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// LoadOptions selects the files Load reads
type LoadOptions struct {
	ConfigFile string   // explicit YAML file; searched for when empty
	EnvFiles   []string // .env files; missing files are ignored
}

// Load reads configuration into a Config. Precedence, highest first:
// flags bound on v, environment, .env files, config file, defaults.
func Load(v *viper.Viper, opts LoadOptions) (*Config, error) {
	envFiles := opts.EnvFiles
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		// godotenv never overrides variables already set in the environment
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", f, err)
		}
	}

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		v.SetConfigName("partnerd")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/partnerd")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	// Comma-separated lists from the environment arrive as one element
	cfg.Server.APIKeys = splitList(cfg.Server.APIKeys)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func splitList(in []string) []string {
	var out []string
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Validate checks settings that would otherwise fail at first use
func (c *Config) Validate() error {
	switch c.Store.Type {
	case "memory", "sqlite", "postgres", "postgresql":
	default:
		return fmt.Errorf("store.type: unsupported %q", c.Store.Type)
	}

	switch c.Queue.Mode {
	case "local":
		if c.Queue.Delivery != "direct" && c.Queue.Delivery != "http" {
			return fmt.Errorf("queue.delivery: must be direct or http, got %q", c.Queue.Delivery)
		}
		if c.Queue.Delivery == "http" && c.Queue.SigningKey == "" {
			return errors.New("queue.signing_key: required for http delivery")
		}
	case "hosted":
		if c.Queue.Token == "" {
			return errors.New("queue.token: required in hosted mode")
		}
		if c.Server.PublicURL == "" {
			return errors.New("server.public_url: required in hosted mode")
		}
		if c.Queue.SigningKey == "" {
			return errors.New("queue.signing_key: required in hosted mode")
		}
	default:
		return fmt.Errorf("queue.mode: must be local or hosted, got %q", c.Queue.Mode)
	}

	if c.Queue.Retries < 0 {
		return errors.New("queue.retries: must not be negative")
	}
	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		return errors.New("server.tls_cert and server.tls_key must be set together")
	}
	for _, ps := range c.Jobs.PageSizes {
		if ps.Job == "" || ps.Size <= 0 {
			return fmt.Errorf("jobs.page_sizes: %q needs a job name and a positive size", ps.Job)
		}
	}
	return nil
}

// PageSizeMap returns the page size overrides by job name
func (c *Config) PageSizeMap() map[string]int {
	out := make(map[string]int, len(c.Jobs.PageSizes))
	for _, ps := range c.Jobs.PageSizes {
		out[ps.Job] = ps.Size
	}
	return out
}

// RateTable returns the FX quotes keyed by upper-case currency code; viper
// lowercases map keys.
func (c *Config) RateTable() map[string]string {
	out := make(map[string]string, len(c.Payouts.Rates))
	for cur, rate := range c.Payouts.Rates {
		out[strings.ToUpper(cur)] = rate
	}
	return out
}

// BaseURL is where the queue delivers cron requests
func (c *Config) BaseURL() string {
	if c.Server.PublicURL != "" {
		return strings.TrimRight(c.Server.PublicURL, "/")
	}
	addr := c.Server.Addr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	scheme := "http"
	if c.Server.TLSCert != "" {
		scheme = "https"
	}
	return scheme + "://" + addr
}
