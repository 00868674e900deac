package notifier_config

import (
	"time"

	pginfra "github.com/wardline/notify/internal/repository/postgres"
	"github.com/wardline/notify/internal/repository/rabbit"
	"github.com/wardline/notify/internal/services/notifier"
	"github.com/wardline/notify/internal/services/retrysweep"
)

type ConsumerCfg struct {
	// MaxRetries bounds broker-level redeliveries before a message is
	// dead-lettered.
	MaxRetries int `mapstructure:"max_retries"`
}

type BulkCfg struct {
	BatchSize int           `mapstructure:"batch_size"`
	Pause     time.Duration `mapstructure:"pause"`
}

type KafkaCfg struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type ServerCfg struct {
	HTTPAddr        string        `mapstructure:"http_addr"`
	MetricsAddr     string        `mapstructure:"metrics_addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	DeliveryTimeout time.Duration `mapstructure:"delivery_timeout"`
}

type OTELCfg struct {
	Endpoint string `mapstructure:"endpoint"`
	Service  string `mapstructure:"service"`
	Env      string `mapstructure:"env"`
}

type Config struct {
	DB       pginfra.Config      `mapstructure:"db"`
	Rabbit   rabbit.Config       `mapstructure:"rabbit"`
	Consumer ConsumerCfg         `mapstructure:"consumer"`
	Retry    retrysweep.Config   `mapstructure:"retry"`
	Bulk     BulkCfg             `mapstructure:"bulk"`
	SMTP     notifier.SMTPConfig `mapstructure:"smtp"`
	SMS      notifier.SMSConfig  `mapstructure:"sms"`
	Web      notifier.WebConfig  `mapstructure:"web"`
	Kafka    KafkaCfg            `mapstructure:"kafka"`
	Server   ServerCfg           `mapstructure:"server"`
	OTEL     OTELCfg             `mapstructure:"otel"`
	LogLevel string              `mapstructure:"log_level"`
}
