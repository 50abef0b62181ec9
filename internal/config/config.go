package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values come from defaults, then an optional YAML file named by
// CONFIG_FILE, then environment variables (a local .env is loaded first).
type ServerConfig struct {
	HTTPAddr        string        `yaml:"http_addr" validate:"required"`
	ReadTimeout     time.Duration `yaml:"read_timeout" validate:"gt=0"`
	WriteTimeout    time.Duration `yaml:"write_timeout" validate:"gt=0"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" validate:"gt=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`

	RedisAddr     string `yaml:"redis_addr" validate:"required_if=StoreBackend redis"`
	RedisPassword string `yaml:"redis_password"`
	RedisGeoKey   string `yaml:"redis_geo_key" validate:"required"`

	KafkaBrokers []string `yaml:"kafka_brokers"`
	KafkaTopic   string   `yaml:"kafka_topic" validate:"required"`

	PGDSN         string `yaml:"pg_dsn" validate:"required_if=StoreBackend postgres"`
	RunMigrations bool   `yaml:"migrate"`
	StoreBackend  string `yaml:"store_backend" validate:"oneof=memory redis postgres"`

	AMQPURL      string `yaml:"amqp_url"`
	AMQPExchange string `yaml:"amqp_exchange" validate:"required"`
	PushEndpoint string `yaml:"push_endpoint" validate:"omitempty,url"`
	PushKey      string `yaml:"push_key"`
	JWTSecret    string `yaml:"jwt_secret"`

	AlertCooldown     time.Duration `yaml:"alert_cooldown" validate:"gt=0"`
	TrackCap          int           `yaml:"track_cap" validate:"gt=0"`
	RideRetention     time.Duration `yaml:"ride_retention" validate:"gte=0"`
	NotifyTimeout     time.Duration `yaml:"notify_timeout" validate:"gt=0"`
	StoreTimeout      time.Duration `yaml:"store_timeout" validate:"gt=0"`
	SideEffectWorkers int           `yaml:"side_effect_workers" validate:"gt=0"`
	SideEffectQueue   int           `yaml:"side_effect_queue" validate:"gtefield=SideEffectWorkers"`
	MaxClockSkew      time.Duration `yaml:"max_clock_skew" validate:"gt=0"`
	MaxSampleAge      time.Duration `yaml:"max_sample_age" validate:"gt=0"`
	SubscriberBuffer  int           `yaml:"subscriber_buffer" validate:"gt=0"`

	LogLevel string `yaml:"log_level" validate:"oneof=debug info warn warning error"`
	LogFile  string `yaml:"log_file"`
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:          ":8080",
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		ShutdownTimeout:   15 * time.Second,
		RedisGeoKey:       "rides_geo",
		KafkaTopic:        "ride-events",
		StoreBackend:      "memory",
		AMQPExchange:      "ride_alerts",
		AlertCooldown:     15 * time.Second,
		TrackCap:          500,
		RideRetention:     10 * time.Minute,
		NotifyTimeout:     3 * time.Second,
		StoreTimeout:      2 * time.Second,
		SideEffectWorkers: 8,
		SideEffectQueue:   1024,
		MaxClockSkew:      2 * time.Minute,
		MaxSampleAge:      time.Hour,
		SubscriberBuffer:  32,
		LogLevel:          "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	loadDotEnv()
	if err := loadFile(os.Getenv("CONFIG_FILE"), &cfg); err != nil {
		return cfg, err
	}
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	if v, ok := os.LookupEnv("REDIS_PASSWORD"); ok {
		cfg.RedisPassword = v
	}
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	setStringFromEnv(&cfg.PGDSN, "PG_DSN")
	if v := os.Getenv("MIGRATE"); v != "" {
		cfg.RunMigrations = strings.EqualFold(v, "true")
	}
	if v := os.Getenv("STORE_BACKEND"); v != "" {
		cfg.StoreBackend = strings.ToLower(strings.TrimSpace(v))
	}

	setStringFromEnv(&cfg.AMQPURL, "AMQP_URL")
	setStringFromEnv(&cfg.AMQPExchange, "AMQP_EXCHANGE")
	setStringFromEnv(&cfg.PushEndpoint, "PUSH_ENDPOINT")
	setStringFromEnv(&cfg.PushKey, "PUSH_KEY")
	setStringFromEnv(&cfg.JWTSecret, "JWT_SECRET")

	setDurationFromEnv(&cfg.AlertCooldown, "ALERT_COOLDOWN", &errs)
	setIntFromEnv(&cfg.TrackCap, "TRACK_CAP", &errs)
	setDurationFromEnv(&cfg.RideRetention, "RIDE_RETENTION", &errs)
	setDurationFromEnv(&cfg.NotifyTimeout, "NOTIFY_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.StoreTimeout, "STORE_TIMEOUT", &errs)
	setIntFromEnv(&cfg.SideEffectWorkers, "SIDE_EFFECT_WORKERS", &errs)
	setIntFromEnv(&cfg.SideEffectQueue, "SIDE_EFFECT_QUEUE", &errs)
	setDurationFromEnv(&cfg.MaxClockSkew, "MAX_CLOCK_SKEW", &errs)
	setDurationFromEnv(&cfg.MaxSampleAge, "MAX_SAMPLE_AGE", &errs)
	setIntFromEnv(&cfg.SubscriberBuffer, "SUBSCRIBER_BUFFER", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	setStringFromEnv(&cfg.LogFile, "LOG_FILE")

	if len(errs) == 0 {
		if err := validate.Struct(cfg); err != nil {
			errs = append(errs, err)
		}
	}
	return cfg, errors.Join(errs...)
}

// ConsumerConfig is the configuration of the stream consumer that mirrors
// ride positions into Redis.
type ConsumerConfig struct {
	KafkaBrokers []string `validate:"min=1"`
	KafkaTopic   string   `validate:"required"`
	KafkaGroup   string   `validate:"required"`

	RedisAddr     string `validate:"required"`
	RedisPassword string
	RedisGeoKey   string `validate:"required"`

	MetricsAddr   string        `validate:"required"`
	RetryAttempts int           `validate:"gt=0"`
	RetryDelay    time.Duration `validate:"gt=0"`
	LogLevel      string
	LogFile       string
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	loadDotEnv()
	cfg := ConsumerConfig{
		KafkaBrokers:  []string{"localhost:9092"},
		KafkaTopic:    "ride-events",
		KafkaGroup:    "ride-watch-consumer",
		RedisAddr:     "localhost:6379",
		RedisGeoKey:   "rides_geo",
		MetricsAddr:   ":2112",
		RetryAttempts: 3,
		RetryDelay:    200 * time.Millisecond,
		LogLevel:      "info",
	}
	var errs []error
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	setIntFromEnv(&cfg.RetryAttempts, "CONSUMER_RETRY_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.RetryDelay, "CONSUMER_RETRY_DELAY", &errs)
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	setStringFromEnv(&cfg.LogFile, "LOG_FILE")

	if len(errs) == 0 {
		if err := validate.Struct(cfg); err != nil {
			errs = append(errs, err)
		}
	}
	return cfg, errors.Join(errs...)
}

var validate = validator.New()

// loadDotEnv reads .env (or DOTENV_FILE) without overriding variables that
// are already set. A missing file is not an error.
func loadDotEnv() {
	name := os.Getenv("DOTENV_FILE")
	if name == "" {
		name = ".env"
	}
	_ = godotenv.Load(name)
}

func loadFile(path string, cfg *ServerConfig) error {
	if path == "" {
		return nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
