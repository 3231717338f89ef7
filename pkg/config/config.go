// Package config loads the engine configuration from defaults, an optional
// YAML file, an optional .env file and DAEDALUS_ prefixed environment variables.
//
// Nested keys map to environment variables by upper-casing and replacing
// dots with underscores: retry.collect.delay is DAEDALUS_RETRY_COLLECT_DELAY.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"github.com/wehubfusion/Daedalus/pkg/bus"
	"github.com/wehubfusion/Daedalus/pkg/concurrency"
	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/external"
	"github.com/wehubfusion/Daedalus/pkg/pipeline"
	"github.com/wehubfusion/Daedalus/pkg/script/javascript"
	"github.com/wehubfusion/Daedalus/pkg/status"
	"github.com/wehubfusion/Daedalus/pkg/storage"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "DAEDALUS"

// Config is the complete engine configuration.
type Config struct {
	Log      LogConfig             `mapstructure:"log"`
	NATS     NATSConfig            `mapstructure:"nats"`
	Kafka    KafkaConfig           `mapstructure:"kafka"`
	Bus      BusConfig             `mapstructure:"bus"`
	Status   StatusConfig          `mapstructure:"status"`
	Retry    pipeline.RetryConfig  `mapstructure:"retry"`
	Breaker  BreakerConfig         `mapstructure:"breaker"`
	External ExternalConfig        `mapstructure:"external"`
	Consul   external.ConsulConfig `mapstructure:"consul"`
	Dedup    DedupConfig           `mapstructure:"dedup"`
	Redis    RedisConfig           `mapstructure:"redis"`
	S3       storage.S3Config      `mapstructure:"s3"`
	Azure    AzureConfig           `mapstructure:"azure"`
	Ingest   IngestConfig          `mapstructure:"ingest"`
	Script   ScriptConfig          `mapstructure:"script"`
	Store    StoreConfig           `mapstructure:"store"`
	Tracing  TracingConfig         `mapstructure:"tracing"`
	Sentry   SentryConfig          `mapstructure:"sentry"`
	Pipeline PipelineConfig        `mapstructure:"pipeline"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

type NATSConfig struct {
	URL           string        `mapstructure:"url"`
	Name          string        `mapstructure:"name"`
	Token         string        `mapstructure:"token"`
	Username      string        `mapstructure:"username"`
	Password      string        `mapstructure:"password"`
	MaxReconnects int           `mapstructure:"max_reconnects"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
	Timeout       time.Duration `mapstructure:"timeout"`
	FetchWait     time.Duration `mapstructure:"fetch_wait"`
}

type KafkaConfig struct {
	Brokers      []string      `mapstructure:"brokers"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	Retries      int           `mapstructure:"retries"`
}

// BusConfig selects the transports. Control messages always travel over
// NATS JetStream unless Transport is memory; status events may go to Kafka.
type BusConfig struct {
	Transport       string `mapstructure:"transport"`        // nats | memory
	StatusTransport string `mapstructure:"status_transport"` // nats | kafka | memory
	Namespace       string `mapstructure:"namespace"`
}

type StatusConfig struct {
	QueueSize      int           `mapstructure:"queue_size"`
	Workers        int           `mapstructure:"workers"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelay     time.Duration `mapstructure:"retry_delay"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`
}

type BreakerConfig struct {
	Threshold         int64         `mapstructure:"threshold"`
	Cooldown          time.Duration `mapstructure:"cooldown"`
	HalfOpenSuccesses int64         `mapstructure:"half_open_successes"`
}

type ExternalConfig struct {
	Timeout       time.Duration     `mapstructure:"timeout"`
	Attempts      int               `mapstructure:"attempts"`
	RetryDelay    time.Duration     `mapstructure:"retry_delay"`
	MaxConcurrent int               `mapstructure:"max_concurrent"`
	Resolver      string            `mapstructure:"resolver"` // static | consul
	Scheme        string            `mapstructure:"scheme"`
	Services      map[string]string `mapstructure:"services"` // static base URL overrides
}

type DedupConfig struct {
	Backend  string        `mapstructure:"backend"` // memory | redis
	Window   time.Duration `mapstructure:"window"`
	Capacity int           `mapstructure:"capacity"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

type AzureConfig struct {
	ConnectionString string `mapstructure:"connection_string"`
}

type IngestConfig struct {
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	FileCheckInterval time.Duration `mapstructure:"file_check_interval"`
	FTPTimeout        time.Duration `mapstructure:"ftp_timeout"`
}

type ScriptConfig struct {
	Timeout       time.Duration `mapstructure:"timeout"`
	MinPoolSize   int           `mapstructure:"min_pool_size"`
	MaxPoolSize   int           `mapstructure:"max_pool_size"`
	MaxReuseCount int           `mapstructure:"max_reuse_count"`
	Strict        bool          `mapstructure:"strict"`
}

type StoreConfig struct {
	Backend string `mapstructure:"backend"` // memory | postgres
	DSN     string `mapstructure:"dsn"`
}

type TracingConfig struct {
	Enabled        bool    `mapstructure:"enabled"`
	ServiceName    string  `mapstructure:"service_name"`
	ServiceVersion string  `mapstructure:"service_version"`
	Environment    string  `mapstructure:"environment"`
	OTLPEndpoint   string  `mapstructure:"otlp_endpoint"`
	SampleRatio    float64 `mapstructure:"sample_ratio"`
}

type SentryConfig struct {
	DSN         string  `mapstructure:"dsn"`
	Environment string  `mapstructure:"environment"`
	Release     string  `mapstructure:"release"`
	SampleRate  float64 `mapstructure:"sample_rate"`
}

type PipelineConfig struct {
	QueueSize    int `mapstructure:"queue_size"`
	StageWorkers int `mapstructure:"stage_workers"`
}

// Options selects the optional files read by Load.
type Options struct {
	ConfigFile string
	EnvFile    string
}

// Load reads the configuration. Missing optional files are an error only when
// named explicitly.
func Load(opts Options) (*Config, error) {
	if opts.EnvFile != "" {
		if err := godotenv.Load(opts.EnvFile); err != nil {
			return nil, fmt.Errorf("failed to load env file %s: %w", opts.EnvFile, err)
		}
	} else if _, err := os.Stat(".env"); err == nil {
		_ = godotenv.Load()
	}

	v := viper.New()
	SetDefaults(v, concurrency.LoadConfig())

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", opts.ConfigFile, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SetDefaults registers a default for every key so environment overrides
// reach nested values.
func SetDefaults(v *viper.Viper, cc *concurrency.Config) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("nats.name", "daedalus")
	v.SetDefault("nats.token", "")
	v.SetDefault("nats.username", "")
	v.SetDefault("nats.password", "")
	v.SetDefault("nats.max_reconnects", 10)
	v.SetDefault("nats.reconnect_wait", 2*time.Second)
	v.SetDefault("nats.timeout", 5*time.Second)
	v.SetDefault("nats.fetch_wait", 2*time.Second)

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.batch_timeout", 10*time.Millisecond)
	v.SetDefault("kafka.write_timeout", 10*time.Second)
	v.SetDefault("kafka.retries", 3)

	v.SetDefault("bus.transport", "nats")
	v.SetDefault("bus.status_transport", "nats")
	v.SetDefault("bus.namespace", "daedalus")

	sd := status.DefaultConfig()
	v.SetDefault("status.queue_size", sd.QueueSize)
	v.SetDefault("status.workers", cc.StatusWorkers)
	v.SetDefault("status.max_retries", sd.MaxRetries)
	v.SetDefault("status.retry_delay", sd.RetryDelay)
	v.SetDefault("status.publish_timeout", sd.PublishTimeout)

	rd := pipeline.DefaultRetryConfig()
	for key, p := range map[string]pipeline.Policy{
		"starting": rd.Starting,
		"collect":  rd.Collect,
		"script":   rd.Script,
		"external": rd.External,
		"plugin":   rd.Plugin,
	} {
		v.SetDefault("retry."+key+".max_redeliveries", p.MaxRedeliveries)
		v.SetDefault("retry."+key+".delay", p.Delay)
	}

	bd := concurrency.DefaultBreakerConfig()
	v.SetDefault("breaker.threshold", bd.FailureThreshold)
	v.SetDefault("breaker.cooldown", bd.ResetTimeout)
	v.SetDefault("breaker.half_open_successes", bd.HalfOpenSuccesses)

	ed := external.DefaultConfig()
	v.SetDefault("external.timeout", ed.Timeout)
	v.SetDefault("external.attempts", ed.Attempts)
	v.SetDefault("external.retry_delay", ed.RetryDelay)
	v.SetDefault("external.max_concurrent", cc.MaxConcurrent)
	v.SetDefault("external.resolver", "static")
	v.SetDefault("external.scheme", "http")
	v.SetDefault("external.services", map[string]string{})

	v.SetDefault("consul.address", "127.0.0.1:8500")
	v.SetDefault("consul.scheme", "http")
	v.SetDefault("consul.datacenter", "")
	v.SetDefault("consul.token", "")
	v.SetDefault("consul.tag", "")

	v.SetDefault("dedup.backend", "memory")
	v.SetDefault("dedup.window", 24*time.Hour)
	v.SetDefault("dedup.capacity", 100000)

	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "daedalus:idempotent")

	v.SetDefault("s3.region", "us-east-1")
	v.SetDefault("s3.endpoint", "")
	v.SetDefault("s3.access_key", "")
	v.SetDefault("s3.secret_key", "")
	v.SetDefault("s3.force_path_style", false)

	v.SetDefault("azure.connection_string", "")

	v.SetDefault("ingest.poll_interval", 5*time.Second)
	v.SetDefault("ingest.file_check_interval", time.Second)
	v.SetDefault("ingest.ftp_timeout", 30*time.Second)

	jd := javascript.DefaultConfig()
	v.SetDefault("script.timeout", jd.Timeout)
	v.SetDefault("script.min_pool_size", jd.MinPoolSize)
	v.SetDefault("script.max_pool_size", max(jd.MaxPoolSize, cc.EffectiveCPUs))
	v.SetDefault("script.max_reuse_count", jd.MaxReuseCount)
	v.SetDefault("script.strict", false)

	v.SetDefault("store.backend", "memory")
	v.SetDefault("store.dsn", "")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "daedalus")
	v.SetDefault("tracing.service_version", "dev")
	v.SetDefault("tracing.environment", "development")
	v.SetDefault("tracing.otlp_endpoint", "127.0.0.1:4318")
	v.SetDefault("tracing.sample_ratio", 1.0)

	v.SetDefault("sentry.dsn", "")
	v.SetDefault("sentry.environment", "development")
	v.SetDefault("sentry.release", "")
	v.SetDefault("sentry.sample_rate", 1.0)

	v.SetDefault("pipeline.queue_size", 128)
	v.SetDefault("pipeline.stage_workers", cc.StageWorkers)
}

// Validate checks the enumerated settings.
func (c *Config) Validate() error {
	checks := []struct {
		key     string
		value   string
		allowed []string
	}{
		{"bus.transport", c.Bus.Transport, []string{"nats", "memory"}},
		{"bus.status_transport", c.Bus.StatusTransport, []string{"nats", "kafka", "memory"}},
		{"external.resolver", c.External.Resolver, []string{"static", "consul"}},
		{"dedup.backend", c.Dedup.Backend, []string{"memory", "redis"}},
		{"store.backend", c.Store.Backend, []string{"memory", "postgres"}},
	}
	for _, ch := range checks {
		if !contains(ch.allowed, ch.value) {
			return sdkerrors.NewValidationError("INVALID_CONFIG",
				fmt.Sprintf("%s must be one of %s, got %q", ch.key, strings.Join(ch.allowed, "|"), ch.value), nil)
		}
	}
	if c.Store.Backend == "postgres" && c.Store.DSN == "" {
		return sdkerrors.NewValidationError("INVALID_CONFIG", "store.dsn is required for the postgres store", nil)
	}
	if c.Bus.StatusTransport == "kafka" && len(c.Kafka.Brokers) == 0 {
		return sdkerrors.NewValidationError("INVALID_CONFIG", "kafka.brokers is required for kafka status events", nil)
	}
	if c.Bus.StatusTransport == "nats" && c.Bus.Transport == "memory" {
		return sdkerrors.NewValidationError("INVALID_CONFIG", "nats status events need the nats transport", nil)
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// Subjects returns the bus subjects of the configured namespace.
func (c *Config) Subjects() bus.Subjects {
	return bus.NewSubjects(c.Bus.Namespace)
}

// CallerConfig returns the external caller settings.
func (c *Config) CallerConfig() external.Config {
	return external.Config{
		Timeout:       c.External.Timeout,
		Attempts:      c.External.Attempts,
		RetryDelay:    c.External.RetryDelay,
		MaxConcurrent: c.External.MaxConcurrent,
		Breaker: concurrency.BreakerConfig{
			FailureThreshold:  c.Breaker.Threshold,
			ResetTimeout:      c.Breaker.Cooldown,
			HalfOpenSuccesses: c.Breaker.HalfOpenSuccesses,
		},
	}
}

// ReporterConfig returns the status reporter settings.
func (c *Config) ReporterConfig() status.Config {
	return status.Config{
		Subjects:       c.Subjects(),
		QueueSize:      c.Status.QueueSize,
		Workers:        c.Status.Workers,
		MaxRetries:     c.Status.MaxRetries,
		RetryDelay:     c.Status.RetryDelay,
		PublishTimeout: c.Status.PublishTimeout,
	}
}

// JavaScriptConfig returns the embedded JavaScript executor settings.
func (c *Config) JavaScriptConfig() javascript.Config {
	return javascript.Config{
		Timeout:       c.Script.Timeout,
		MinPoolSize:   c.Script.MinPoolSize,
		MaxPoolSize:   c.Script.MaxPoolSize,
		MaxReuseCount: c.Script.MaxReuseCount,
		Strict:        c.Script.Strict,
	}
}

// KafkaPublisherConfig returns the Kafka publisher settings.
func (c *Config) KafkaPublisherConfig() bus.KafkaConfig {
	return bus.KafkaConfig{
		Brokers:      c.Kafka.Brokers,
		BatchTimeout: c.Kafka.BatchTimeout,
		WriteTimeout: c.Kafka.WriteTimeout,
		Retries:      c.Kafka.Retries,
	}
}
