package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/spf13/viper"
)

const VERSION = "1.0"

type Config struct {
	Server      ServerConfig
	Database    DatabaseConfig
	Security    SecurityConfig
	Tracing     TracingConfig
	Stream      StreamConfig
	Dispatcher  DispatcherConfig
	Telemetry   bool
	Environment string
	LogLevel    string
	Version     string
}

type ServerConfig struct {
	Port int
	Host string
	SSL  SSLConfig

	// ReadTimeout/WriteTimeout bound the management and producer HTTP APIs.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// ShutdownGracePeriod is how long the dispatcher is given to drain
	// in-flight deliveries before the process exits.
	ShutdownGracePeriod time.Duration
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string

	// SchemaPrefix is the prefix for per-tenant schema names, e.g.
	// "tenant_<id>". It is loaded but not applied: schema names reach the
	// repositories as given. Schema names are validated against identifierPattern before being
	// interpolated into any SQL statement, since PostgreSQL does not
	// support binding identifiers as query parameters.
	SchemaPrefix string
}

// SecurityConfig holds the passphrase used to encrypt endpoint secrets
// at rest (see pkg/crypto.EncryptString/Decrypt).
type SecurityConfig struct {
	SecretKey string
}

type SSLConfig struct {
	Enabled  bool
	CertFile string
	KeyFile  string
}

type TracingConfig struct {
	Enabled             bool
	ServiceName         string
	SamplingProbability float64

	// Trace exporter configuration
	TraceExporter string // "jaeger", "stackdriver", "zipkin", "datadog", "xray", "none"

	// Jaeger settings
	JaegerEndpoint string

	// Zipkin settings
	ZipkinEndpoint string

	// Stackdriver settings
	StackdriverProjectID string

	// Datadog settings
	DatadogAgentAddress string
	DatadogAPIKey       string

	// AWS X-Ray settings
	XRayRegion string

	// General agent endpoint (for exporters that support a common agent)
	AgentEndpoint string

	// Metrics exporter configuration
	MetricsExporter string // "prometheus", "stackdriver", "datadog", "none" or comma-separated list
	PrometheusPort  int
}

// StreamConfig configures the Redis Streams backed stream log (C2).
type StreamConfig struct {
	Addr         string
	Password     string
	DB           int
	ConsumerName string

	// Partitions is the number of stream keys a category is sharded across.
	Partitions int

	// ClaimMinIdleTime is how long a pending entry must sit unacked before
	// another consumer may claim it via XCLAIM.
	ClaimMinIdleTime time.Duration
}

// DispatcherConfig holds the delivery orchestrator's settings (C10) and
// default retry policy values (C6/C9) as loaded from the environment.
// The application reads only Tenants and Categories from it: the
// dispatcher runs with service.DefaultDispatcherConfig(), and endpoints
// without their own retry policy get domain.DefaultRetryPolicy(). The
// other fields are loaded but not applied.
type DispatcherConfig struct {
	// MaxConcurrentDeliveries is a ceiling on in-flight HTTP delivery
	// attempts across all endpoints.
	MaxConcurrentDeliveries int

	// PerEndpointRate and PerEndpointBurst are a sustained deliveries-per-
	// second rate and a burst size for a single endpoint.
	PerEndpointRate float64
	PerEndpointBurst int

	BatchSize          int
	ReconcileInterval  time.Duration
	PollInterval       time.Duration

	// Default retry policy values; their defaults equal
	// domain.DefaultRetryPolicy().
	DefaultMaxAttempts   int
	DefaultBaseDelay     time.Duration
	DefaultMaxDelay      time.Duration
	DefaultBackoffFactor float64
	DefaultJitterFraction float64

	HTTPRequestTimeout time.Duration

	// Tenants lists the schema_name values this process consumes
	// deliveries for, and Categories the event categories within each.
	// A deployment that onboards tenants dynamically would replace this
	// with a discovery call; a fixed list keeps a single process's
	// responsibility explicit.
	Tenants    []string
	Categories []string
}

// LoadOptions contains options for loading configuration
type LoadOptions struct {
	EnvFile string // Optional environment file to load (e.g., ".env", ".env.test")
}

// Load loads the configuration with default options
func Load() (*Config, error) {
	return LoadWithOptions(LoadOptions{EnvFile: ".env"})
}

// LoadWithOptions loads the configuration with the specified options
func LoadWithOptions(opts LoadOptions) (*Config, error) {
	v := viper.New()

	v.SetDefault("SERVER_PORT", 8080)
	v.SetDefault("SERVER_HOST", "0.0.0.0")
	v.SetDefault("SERVER_READ_TIMEOUT", "15s")
	v.SetDefault("SERVER_WRITE_TIMEOUT", "15s")
	v.SetDefault("SERVER_SHUTDOWN_GRACE_PERIOD", "30s")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "eventrelay")
	v.SetDefault("DB_SSLMODE", "require")
	v.SetDefault("DB_SCHEMA_PREFIX", "tenant")

	v.SetDefault("ENVIRONMENT", "production")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("VERSION", VERSION)

	v.SetDefault("STREAM_ADDR", "localhost:6379")
	v.SetDefault("STREAM_DB", 0)
	v.SetDefault("STREAM_CONSUMER_NAME", "")
	v.SetDefault("STREAM_PARTITIONS", 4)
	v.SetDefault("STREAM_CLAIM_MIN_IDLE_TIME", "30s")

	v.SetDefault("DISPATCHER_MAX_CONCURRENT_DELIVERIES", 256)
	v.SetDefault("DISPATCHER_PER_ENDPOINT_RATE", 10.0)
	v.SetDefault("DISPATCHER_PER_ENDPOINT_BURST", 20)
	v.SetDefault("DISPATCHER_BATCH_SIZE", 100)
	v.SetDefault("DISPATCHER_RECONCILE_INTERVAL", "15s")
	v.SetDefault("DISPATCHER_POLL_INTERVAL", "1s")
	v.SetDefault("DISPATCHER_DEFAULT_MAX_ATTEMPTS", 10)
	v.SetDefault("DISPATCHER_DEFAULT_BASE_DELAY", "30s")
	v.SetDefault("DISPATCHER_DEFAULT_MAX_DELAY", "1h")
	v.SetDefault("DISPATCHER_DEFAULT_BACKOFF_FACTOR", 2.0)
	v.SetDefault("DISPATCHER_DEFAULT_JITTER_FRACTION", 0.2)
	v.SetDefault("DISPATCHER_HTTP_REQUEST_TIMEOUT", "10s")
	v.SetDefault("DISPATCHER_TENANTS", "")
	v.SetDefault("DISPATCHER_CATEGORIES", "")

	// Default tracing config
	v.SetDefault("TRACING_ENABLED", false)
	v.SetDefault("TRACING_SERVICE_NAME", "eventrelay-dispatcher")
	v.SetDefault("TRACING_SAMPLING_PROBABILITY", 0.1)
	v.SetDefault("TRACING_TRACE_EXPORTER", "none")
	v.SetDefault("TRACING_JAEGER_ENDPOINT", "http://localhost:14268/api/traces")
	v.SetDefault("TRACING_ZIPKIN_ENDPOINT", "http://localhost:9411/api/v2/spans")
	v.SetDefault("TRACING_STACKDRIVER_PROJECT_ID", "")
	v.SetDefault("TRACING_DATADOG_AGENT_ADDRESS", "localhost:8126")
	v.SetDefault("TRACING_DATADOG_API_KEY", "")
	v.SetDefault("TRACING_XRAY_REGION", "us-west-2")
	v.SetDefault("TRACING_AGENT_ENDPOINT", "localhost:8126")
	v.SetDefault("TRACING_METRICS_EXPORTER", "prometheus")
	v.SetDefault("TRACING_PROMETHEUS_PORT", 9464)

	v.SetDefault("TELEMETRY", true)

	if opts.EnvFile != "" {
		v.SetConfigName(opts.EnvFile)
		v.SetConfigType("env")

		currentPath, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("error getting current directory: %w", err)
		}

		v.AddConfigPath(currentPath)

		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	secretKey := v.GetString("SECRET_KEY")
	if secretKey == "" {
		return nil, fmt.Errorf("SECRET_KEY must be set")
	}

	config := &Config{
		Server: ServerConfig{
			Port: v.GetInt("SERVER_PORT"),
			Host: v.GetString("SERVER_HOST"),
			SSL: SSLConfig{
				Enabled:  v.GetBool("SSL_ENABLED"),
				CertFile: v.GetString("SSL_CERT_FILE"),
				KeyFile:  v.GetString("SSL_KEY_FILE"),
			},
			ReadTimeout:         v.GetDuration("SERVER_READ_TIMEOUT"),
			WriteTimeout:        v.GetDuration("SERVER_WRITE_TIMEOUT"),
			ShutdownGracePeriod: v.GetDuration("SERVER_SHUTDOWN_GRACE_PERIOD"),
		},
		Database: DatabaseConfig{
			Host:         v.GetString("DB_HOST"),
			Port:         v.GetInt("DB_PORT"),
			User:         v.GetString("DB_USER"),
			Password:     v.GetString("DB_PASSWORD"),
			DBName:       v.GetString("DB_NAME"),
			SSLMode:      v.GetString("DB_SSLMODE"),
			SchemaPrefix: v.GetString("DB_SCHEMA_PREFIX"),
		},
		Security: SecurityConfig{
			SecretKey: secretKey,
		},
		Stream: StreamConfig{
			Addr:             v.GetString("STREAM_ADDR"),
			Password:         v.GetString("STREAM_PASSWORD"),
			DB:               v.GetInt("STREAM_DB"),
			ConsumerName:     v.GetString("STREAM_CONSUMER_NAME"),
			Partitions:       v.GetInt("STREAM_PARTITIONS"),
			ClaimMinIdleTime: v.GetDuration("STREAM_CLAIM_MIN_IDLE_TIME"),
		},
		Dispatcher: DispatcherConfig{
			MaxConcurrentDeliveries: v.GetInt("DISPATCHER_MAX_CONCURRENT_DELIVERIES"),
			PerEndpointRate:         v.GetFloat64("DISPATCHER_PER_ENDPOINT_RATE"),
			PerEndpointBurst:        v.GetInt("DISPATCHER_PER_ENDPOINT_BURST"),
			BatchSize:               v.GetInt("DISPATCHER_BATCH_SIZE"),
			ReconcileInterval:       v.GetDuration("DISPATCHER_RECONCILE_INTERVAL"),
			PollInterval:            v.GetDuration("DISPATCHER_POLL_INTERVAL"),
			DefaultMaxAttempts:      v.GetInt("DISPATCHER_DEFAULT_MAX_ATTEMPTS"),
			DefaultBaseDelay:        v.GetDuration("DISPATCHER_DEFAULT_BASE_DELAY"),
			DefaultMaxDelay:         v.GetDuration("DISPATCHER_DEFAULT_MAX_DELAY"),
			DefaultBackoffFactor:    v.GetFloat64("DISPATCHER_DEFAULT_BACKOFF_FACTOR"),
			DefaultJitterFraction:   v.GetFloat64("DISPATCHER_DEFAULT_JITTER_FRACTION"),
			HTTPRequestTimeout:      v.GetDuration("DISPATCHER_HTTP_REQUEST_TIMEOUT"),
			Tenants:                 splitAndTrim(v.GetString("DISPATCHER_TENANTS")),
			Categories:              splitAndTrim(v.GetString("DISPATCHER_CATEGORIES")),
		},
		Telemetry: v.GetBool("TELEMETRY"),
		Tracing: TracingConfig{
			Enabled:             v.GetBool("TRACING_ENABLED"),
			ServiceName:         v.GetString("TRACING_SERVICE_NAME"),
			SamplingProbability: v.GetFloat64("TRACING_SAMPLING_PROBABILITY"),

			TraceExporter: v.GetString("TRACING_TRACE_EXPORTER"),

			JaegerEndpoint: v.GetString("TRACING_JAEGER_ENDPOINT"),

			ZipkinEndpoint: v.GetString("TRACING_ZIPKIN_ENDPOINT"),

			StackdriverProjectID: v.GetString("TRACING_STACKDRIVER_PROJECT_ID"),

			DatadogAgentAddress: v.GetString("TRACING_DATADOG_AGENT_ADDRESS"),
			DatadogAPIKey:       v.GetString("TRACING_DATADOG_API_KEY"),

			XRayRegion: v.GetString("TRACING_XRAY_REGION"),

			AgentEndpoint: v.GetString("TRACING_AGENT_ENDPOINT"),

			MetricsExporter: v.GetString("TRACING_METRICS_EXPORTER"),
			PrometheusPort:  v.GetInt("TRACING_PROMETHEUS_PORT"),
		},

		Environment: v.GetString("ENVIRONMENT"),
		LogLevel:    v.GetString("LOG_LEVEL"),
		Version:     v.GetString("VERSION"),
	}

	return config, nil
}

// splitAndTrim splits a comma-separated env value into a slice, dropping
// empty entries so an unset variable yields nil rather than [""].
func splitAndTrim(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// IsDevelopment returns true if the environment is set to development
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
