// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"taskmaster/internal/infra/shell"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

// Broker backends.
const (
	BrokerEtcd   = "etcd"
	BrokerMemory = "memory"
)

// Executor kinds.
const (
	ExecutorSleep = "sleep"
	ExecutorShell = "shell"
	ExecutorHTTP  = "http"
)

// Config holds all configuration for our application.
// The mapstructure tags are used by Viper to unmarshal the data.
type Config struct {
	Broker         string        `mapstructure:"broker" validate:"oneof=etcd memory"`
	EtcdEndpoints  []string      `mapstructure:"etcd_endpoints" validate:"required_if=Broker etcd,dive,required"`
	EtcdTimeout    time.Duration `mapstructure:"etcd_timeout" validate:"gt=0"`
	SessionTTL     time.Duration `mapstructure:"session_ttl" validate:"gte=1s"`
	HttpListenAddr string        `mapstructure:"http_listen_addr" validate:"required"`

	OrderedQueue   string        `mapstructure:"ordered_queue" validate:"required"`
	RegularQueues  []string      `mapstructure:"regular_queues" validate:"required,min=1,dive,required"`
	RegularWorkers int           `mapstructure:"regular_workers" validate:"gtefield=QueueCount"`
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay" validate:"gt=0"`

	Executor       string        `mapstructure:"executor" validate:"oneof=sleep shell http"`
	SleepDuration  time.Duration `mapstructure:"sleep_duration" validate:"gte=0"`
	Shell          string        `mapstructure:"shell" validate:"required_if=Executor shell"`
	WebhookURL     string        `mapstructure:"webhook_url" validate:"required_if=Executor http,omitempty,url"`
	WebhookTimeout time.Duration `mapstructure:"webhook_timeout" validate:"gt=0"`

	BreakerFailures uint32        `mapstructure:"breaker_failures"`
	BreakerTimeout  time.Duration `mapstructure:"breaker_timeout" validate:"gt=0"`

	TraceEnabled     bool    `mapstructure:"trace_enabled"`
	TraceSampleRatio float64 `mapstructure:"trace_sample_ratio" validate:"gte=0,lte=1"`

	ReportSchedule  string        `mapstructure:"report_schedule" validate:"required,cron"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`

	// QueueCount mirrors len(RegularQueues) so every regular queue gets at
	// least one consumer.
	QueueCount int `mapstructure:"-"`
}

// Load loads configuration from file and environment variables.
// Environment variables use the TASKMASTER_ prefix, e.g.
// TASKMASTER_REGULAR_WORKERS=4.
func Load() (*Config, error) {
	return load(viper.New())
}

func load(v *viper.Viper) (*Config, error) {
	// Set default values
	v.SetDefault("broker", BrokerEtcd)
	v.SetDefault("etcd_endpoints", []string{"localhost:2379"})
	v.SetDefault("etcd_timeout", "5s")
	v.SetDefault("session_ttl", "10s")
	v.SetDefault("http_listen_addr", ":8000")
	v.SetDefault("ordered_queue", "taskmaster.tasks.ordered")
	v.SetDefault("regular_queues", []string{"taskmaster.tasks.regular"})
	v.SetDefault("regular_workers", 2)
	v.SetDefault("reconnect_delay", "3s")
	v.SetDefault("executor", ExecutorSleep)
	v.SetDefault("sleep_duration", "2s")
	v.SetDefault("shell", shell.DefaultShell)
	v.SetDefault("webhook_url", "")
	v.SetDefault("webhook_timeout", "30s")
	v.SetDefault("breaker_failures", 5)
	v.SetDefault("breaker_timeout", "10s")
	v.SetDefault("trace_enabled", true)
	v.SetDefault("trace_sample_ratio", 1.0)
	v.SetDefault("report_schedule", "*/15 * * * * *")
	v.SetDefault("shutdown_timeout", "30s")

	// Set config file details
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath(".")

	// Read environment variables
	v.SetEnvPrefix("taskmaster")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			// Config file was found but another error was produced
			return nil, fmt.Errorf("read config: %w", err)
		}
		// No config file; defaults and env vars apply.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	c.QueueCount = len(c.RegularQueues)

	validate := validator.New()
	_ = validate.RegisterValidation("cron", func(fl validator.FieldLevel) bool {
		_, err := ReportParser().Parse(fl.Field().String())
		return err == nil
	})

	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// ReportParser parses report schedules. Schedules carry a leading seconds
// field.
func ReportParser() cron.Parser {
	return cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
}
