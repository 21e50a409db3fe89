package common

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	HTTPPort    int    `envconfig:"HTTP_PORT" default:"8080"`
	MetricsPort int    `envconfig:"METRICS_PORT" default:"9090"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	DatabaseURL string `envconfig:"DATABASE_URL"`

	KafkaBrokers        []string `envconfig:"KAFKA_BROKERS" default:"localhost:9092"`
	NotificationTopic   string   `envconfig:"NOTIFICATION_TOPIC" default:"notifications"`
	DLQTopic            string   `envconfig:"DLQ_TOPIC" default:"dlq.dispatch"`
	ProviderEventsTopic string   `envconfig:"PROVIDER_EVENTS_TOPIC" default:"provider.events"`

	OTLPEndpoint string `envconfig:"OTLP_ENDPOINT"`
	ServiceName  string `ignored:"true"`

	QueueDepth        int `envconfig:"QUEUE_DEPTH" default:"256"`
	WorkersPerChannel int `envconfig:"WORKERS_PER_CHANNEL" default:"4"`
	QueueMaxAttempts  int `envconfig:"QUEUE_MAX_ATTEMPTS" default:"3"`

	CircuitFailureThreshold int           `envconfig:"CIRCUIT_FAILURE_THRESHOLD" default:"5"`
	CircuitSuccessThreshold int           `envconfig:"CIRCUIT_SUCCESS_THRESHOLD" default:"2"`
	CircuitCallTimeout      time.Duration `envconfig:"CIRCUIT_CALL_TIMEOUT" default:"5s"`
	CircuitResetTimeout     time.Duration `envconfig:"CIRCUIT_RESET_TIMEOUT" default:"30s"`

	BulkheadMaxConcurrent int `envconfig:"BULKHEAD_MAX_CONCURRENT" default:"10"`

	RetryMaxAttempts  int           `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`
	RetryInitialDelay time.Duration `envconfig:"RETRY_INITIAL_DELAY" default:"200ms"`
	RetryMaxDelay     time.Duration `envconfig:"RETRY_MAX_DELAY" default:"5s"`

	WebhookTimeout   time.Duration `envconfig:"WEBHOOK_TIMEOUT" default:"10s"`
	BulkSubmitPerSec float64       `envconfig:"BULK_SUBMIT_PER_SEC" default:"100"`
	BulkSubmitBurst  int           `envconfig:"BULK_SUBMIT_BURST" default:"10"`
}

func LoadConfig(service string) (*Config, error) {
	cfg := &Config{}
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("load config for %s: %w", service, err)
	}
	cfg.ServiceName = service
	return cfg, nil
}
