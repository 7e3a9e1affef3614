// Package config loads the service configuration from defaults, an optional
// YAML file, the environment and command-line flags, in that order.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// ErrInvalidConfig is returned by Validate
var ErrInvalidConfig = errors.New("config: invalid configuration")

const defaultAMQPPort = 5672

// Config is the root service configuration
type Config struct {
	RabbitMQ RabbitMQConfig    `mapstructure:"rabbitmq"`
	Redis    RedisConfig       `mapstructure:"redis"`
	Bridge   BridgeConfig      `mapstructure:"bridge"`
	HTTP     HTTPConfig        `mapstructure:"http"`
	Breaker  BreakerConfig     `mapstructure:"breaker"`
	Tracing  TracingConfig     `mapstructure:"tracing"`
	Labels   map[string]string `mapstructure:"labels"`
	Log      LogConfig         `mapstructure:"log"`
}

// RabbitMQConfig locates the broker and the work queue
type RabbitMQConfig struct {
	Username     string `mapstructure:"username"`
	Password     string `mapstructure:"password"`
	VirtualHost  string `mapstructure:"virtualhost"`
	Hostname     string `mapstructure:"hostname"`
	// Port is kept as text; values that do not parse fall back to 5672
	Port         string `mapstructure:"port"`
	QueueName    string `mapstructure:"queuename"`
	DeclareQueue bool   `mapstructure:"declarequeue"`
}

// RedisConfig locates the result store
type RedisConfig struct {
	ConnectionString string `mapstructure:"connectionstring"`
}

// BridgeConfig tunes the request/response bridge
type BridgeConfig struct {
	Timeout            time.Duration `mapstructure:"timeout"`
	MaxPendingRequests int           `mapstructure:"maxpending"`
}

// BreakerConfig tunes the circuit breakers in front of RabbitMQ and Redis.
// A zero FailureThreshold disables them.
type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failurethreshold"`
	OpenTimeout      time.Duration `mapstructure:"opentimeout"`
}

// TracingConfig configures span export. An empty Endpoint keeps tracing
// in-process: spans are created and propagated but not exported.
type TracingConfig struct {
	// Endpoint is the OTLP/HTTP collector host:port
	Endpoint    string  `mapstructure:"endpoint"`
	URLPath     string  `mapstructure:"urlpath"`
	Insecure    bool    `mapstructure:"insecure"`
	SampleRatio float64 `mapstructure:"sampleratio"`
}

// HTTPConfig configures the HTTP server
type HTTPConfig struct {
	ListenAddr      string        `mapstructure:"listenaddr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdowntimeout"`
	MaxBodyBytes    int64         `mapstructure:"maxbodybytes"`
}

// LogConfig selects the slog handler
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: text or json
	Format string `mapstructure:"format"`
}

// Default returns the configuration used when nothing is set
func Default() *Config {
	return &Config{
		RabbitMQ: RabbitMQConfig{
			Username:     "guest",
			Password:     "guest",
			VirtualHost:  "/",
			Hostname:     "localhost",
			Port:         strconv.Itoa(defaultAMQPPort),
			QueueName:    "rpc_queue",
			DeclareQueue: true,
		},
		Redis: RedisConfig{
			ConnectionString: "redis://localhost:6379",
		},
		Bridge: BridgeConfig{
			Timeout: 10 * time.Second,
		},
		HTTP: HTTPConfig{
			ListenAddr:      "0.0.0.0:5001",
			ShutdownTimeout: 15 * time.Second,
			MaxBodyBytes:    16 << 20,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			OpenTimeout:      30 * time.Second,
		},
		Tracing: TracingConfig{
			URLPath:     "/v1/traces",
			Insecure:    true,
			SampleRatio: 1,
		},
		Labels: map[string]string{"0": "cat", "1": "dog"},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// flagKeys maps command-line flags to configuration keys
var flagKeys = map[string]string{
	"rabbitmq-host":  "rabbitmq.hostname",
	"rabbitmq-port":  "rabbitmq.port",
	"rabbitmq-vhost": "rabbitmq.virtualhost",
	"queue":          "rabbitmq.queuename",
	"declare-queue":  "rabbitmq.declarequeue",
	"redis":          "redis.connectionstring",
	"timeout":        "bridge.timeout",
	"max-pending":    "bridge.maxpending",
	"listen-addr":    "http.listenaddr",
	"otlp-endpoint":  "tracing.endpoint",
	"log-level":      "log.level",
	"log-format":     "log.format",
}

// RegisterFlags adds the flags Load understands to fs
func RegisterFlags(fs *pflag.FlagSet) {
	d := Default()
	fs.String("rabbitmq-host", d.RabbitMQ.Hostname, "RabbitMQ host name")
	fs.String("rabbitmq-port", d.RabbitMQ.Port, "RabbitMQ port")
	fs.String("rabbitmq-vhost", d.RabbitMQ.VirtualHost, "RabbitMQ virtual host")
	fs.String("queue", d.RabbitMQ.QueueName, "work queue name")
	fs.Bool("declare-queue", d.RabbitMQ.DeclareQueue, "declare the work queue on start")
	fs.String("redis", d.Redis.ConnectionString, "Redis connection string")
	fs.Duration("timeout", d.Bridge.Timeout, "synchronous call timeout")
	fs.Int("max-pending", d.Bridge.MaxPendingRequests, "maximum synchronous calls in flight, 0 for unlimited")
	fs.String("listen-addr", d.HTTP.ListenAddr, "HTTP listen address")
	fs.String("otlp-endpoint", d.Tracing.Endpoint, "OTLP/HTTP trace collector host:port, empty disables export")
	fs.String("log-level", d.Log.Level, "log level: debug, info, warn, error")
	fs.String("log-format", d.Log.Format, "log format: text or json")
}

// Load reads configuration from path (if non-empty, else PROCAPI_CONFIG or
// ./procapi.yaml when present), the environment and the changed flags in fs.
// Environment names are the keys upper-cased with "." replaced by "_",
// e.g. RABBITMQ_HOSTNAME.
func Load(path string, fs *pflag.FlagSet) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("rabbitmq.username", cfg.RabbitMQ.Username)
	v.SetDefault("rabbitmq.password", cfg.RabbitMQ.Password)
	v.SetDefault("rabbitmq.virtualhost", cfg.RabbitMQ.VirtualHost)
	v.SetDefault("rabbitmq.hostname", cfg.RabbitMQ.Hostname)
	v.SetDefault("rabbitmq.port", cfg.RabbitMQ.Port)
	v.SetDefault("rabbitmq.queuename", cfg.RabbitMQ.QueueName)
	v.SetDefault("rabbitmq.declarequeue", cfg.RabbitMQ.DeclareQueue)
	v.SetDefault("redis.connectionstring", cfg.Redis.ConnectionString)
	v.SetDefault("bridge.timeout", cfg.Bridge.Timeout)
	v.SetDefault("bridge.maxpending", cfg.Bridge.MaxPendingRequests)
	v.SetDefault("http.listenaddr", cfg.HTTP.ListenAddr)
	v.SetDefault("http.shutdowntimeout", cfg.HTTP.ShutdownTimeout)
	v.SetDefault("http.maxbodybytes", cfg.HTTP.MaxBodyBytes)
	v.SetDefault("breaker.failurethreshold", cfg.Breaker.FailureThreshold)
	v.SetDefault("breaker.opentimeout", cfg.Breaker.OpenTimeout)
	v.SetDefault("tracing.endpoint", cfg.Tracing.Endpoint)
	v.SetDefault("tracing.urlpath", cfg.Tracing.URLPath)
	v.SetDefault("tracing.insecure", cfg.Tracing.Insecure)
	v.SetDefault("tracing.sampleratio", cfg.Tracing.SampleRatio)
	v.SetDefault("labels", cfg.Labels)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)

	// the workers share REDIS_CONNECTION_STRING with this service
	if err := v.BindEnv("redis.connectionstring", "REDIS_CONNECTION_STRING", "REDIS_CONNECTIONSTRING"); err != nil {
		return nil, fmt.Errorf("bind env: %w", err)
	}

	if fs != nil {
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	if path == "" {
		path = os.Getenv("PROCAPI_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("procapi")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the values Load cannot default
func (c *Config) Validate() error {
	switch {
	case strings.TrimSpace(c.RabbitMQ.Hostname) == "":
		return fmt.Errorf("%w: rabbitmq.hostname is empty", ErrInvalidConfig)
	case strings.TrimSpace(c.RabbitMQ.QueueName) == "":
		return fmt.Errorf("%w: rabbitmq.queuename is empty", ErrInvalidConfig)
	case strings.TrimSpace(c.Redis.ConnectionString) == "":
		return fmt.Errorf("%w: redis.connectionstring is empty", ErrInvalidConfig)
	case c.Bridge.Timeout <= 0:
		return fmt.Errorf("%w: bridge.timeout must be positive, got %s", ErrInvalidConfig, c.Bridge.Timeout)
	case c.Bridge.MaxPendingRequests < 0:
		return fmt.Errorf("%w: bridge.maxpending must not be negative", ErrInvalidConfig)
	case c.Breaker.FailureThreshold < 0:
		return fmt.Errorf("%w: breaker.failurethreshold must not be negative", ErrInvalidConfig)
	case c.Breaker.FailureThreshold > 0 && c.Breaker.OpenTimeout <= 0:
		return fmt.Errorf("%w: breaker.opentimeout must be positive", ErrInvalidConfig)
	case c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1:
		return fmt.Errorf("%w: tracing.sampleratio must be within [0, 1]", ErrInvalidConfig)
	}

	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("%w: invalid log.level %q", ErrInvalidConfig, c.Log.Level)
	}

	switch strings.ToLower(strings.TrimSpace(c.Log.Format)) {
	case "text", "json":
	default:
		return fmt.Errorf("%w: invalid log.format %q", ErrInvalidConfig, c.Log.Format)
	}

	return nil
}

// PortNumber returns the broker port, falling back to 5672 for values that
// are not a valid port
func (r RabbitMQConfig) PortNumber() int {
	port, err := strconv.Atoi(strings.TrimSpace(r.Port))
	if err != nil || port <= 0 || port > 65535 {
		return defaultAMQPPort
	}
	return port
}

// AMQPURL assembles the broker URL. Credentials and the virtual host are
// escaped; the default virtual host "/" becomes an empty path.
func (r RabbitMQConfig) AMQPURL() string {
	u := url.URL{
		Scheme: "amqp",
		User:   url.UserPassword(r.Username, r.Password),
		Host:   net.JoinHostPort(r.Hostname, strconv.Itoa(r.PortNumber())),
		Path:   "/",
	}

	vhost := strings.TrimSpace(r.VirtualHost)
	if vhost != "" && vhost != "/" {
		u.Path = "/" + vhost
		u.RawPath = "/" + url.PathEscape(vhost)
	}

	return u.String()
}
