package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/nmxmxh/ovasabi-relay/internal/transport"
)

type Config struct {
	AppEnv      string `env:"APP_ENV" envDefault:"development"`
	AppName     string `env:"APP_NAME" envDefault:"ovasabi-relay"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	HTTPAddr    string `env:"HTTP_ADDR" envDefault:":8080"`
	MetricsAddr string `env:"METRICS_ADDR" envDefault:":9090"`

	TransportAdapter   string        `env:"EVENT_TRANSPORT" envDefault:"memory"`
	AMQPURL            string        `env:"AMQP_URL"`
	AMQPExchange       string        `env:"AMQP_EXCHANGE" envDefault:"ovasabi.events"`
	AMQPReconnectDelay time.Duration `env:"AMQP_RECONNECT_DELAY" envDefault:"1s"`
	AMQPMaxReconnects  int           `env:"AMQP_MAX_RECONNECTS" envDefault:"10"`
	KafkaBrokers       []string      `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaGroupID       string        `env:"KAFKA_GROUP_ID" envDefault:"ovasabi-relay"`

	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`
	RedisPoolSize int    `env:"REDIS_POOL_SIZE" envDefault:"10"`

	DatabaseURL string `env:"DATABASE_URL"`
	JWTSecret   string `env:"JWT_SECRET"`

	WebhookMaxRetries  int           `env:"WEBHOOK_MAX_RETRIES" envDefault:"3"`
	WebhookRetryDelay  time.Duration `env:"WEBHOOK_RETRY_DELAY" envDefault:"1s"`
	WebhookTimeout     time.Duration `env:"WEBHOOK_TIMEOUT" envDefault:"30s"`
	WebhookMaxInFlight int64         `env:"WEBHOOK_MAX_IN_FLIGHT" envDefault:"64"`

	BusQueueSize int `env:"EVENT_BUS_QUEUE_SIZE" envDefault:"1024"`
	BusWorkers   int `env:"EVENT_BUS_WORKERS" envDefault:"8"`

	PresenceTTL         time.Duration `env:"PRESENCE_TTL" envDefault:"1h"`
	PresenceGraceWindow time.Duration `env:"PRESENCE_GRACE_WINDOW" envDefault:"5s"`

	WSAllowedOrigins []string `env:"WS_ALLOWED_ORIGINS" envSeparator:"," envDefault:"localhost,127.0.0.1"`

	TracingEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:"localhost:4317"`

	warnings []string
}

// Load reads the configuration from the environment and validates it.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return errors.New("missing required environment variable JWT_SECRET")
	}
	known := false
	for _, name := range transport.Names() {
		if name == c.TransportAdapter {
			known = true
			break
		}
	}
	if !known {
		return fmt.Errorf("EVENT_TRANSPORT %q is not available (compiled in: %v)", c.TransportAdapter, transport.Names())
	}
	// A durable broker is used only when its address is configured too.
	missing := ""
	switch c.TransportAdapter {
	case "amqp":
		if c.AMQPURL == "" {
			missing = "AMQP_URL"
		}
	case "kafka":
		if len(c.KafkaBrokers) == 0 {
			missing = "KAFKA_BROKERS"
		}
	case "redis":
		if c.RedisAddr == "" {
			missing = "REDIS_ADDR"
		}
	}
	if missing != "" {
		c.warnings = append(c.warnings, fmt.Sprintf(
			"EVENT_TRANSPORT=%s without %s, falling back to %s", c.TransportAdapter, missing, transport.MemoryName))
		c.TransportAdapter = transport.MemoryName
	}
	if c.BusWorkers <= 0 || c.BusQueueSize <= 0 {
		return errors.New("EVENT_BUS_WORKERS and EVENT_BUS_QUEUE_SIZE must be positive")
	}
	return nil
}

// Warnings lists the adjustments Validate made to the loaded values.
func (c *Config) Warnings() []string {
	return c.warnings
}

// IsProduction reports whether the service runs with production settings.
func (c *Config) IsProduction() bool {
	return c.AppEnv == "production"
}
