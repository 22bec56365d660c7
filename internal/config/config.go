package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Kafka     KafkaConfig
	JWT       JWTConfig
	Ledger    LedgerConfig
	Payment   PaymentConfig
	Notifier  NotifierConfig
	Dashboard DashboardConfig
	Jobs      JobsConfig
	LogLevel  string
}

type ServerConfig struct {
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// DatabaseConfig holds database configuration. An empty Host runs the
// service on the in-memory store.
type DatabaseConfig struct {
	Host            string
	Port            string
	User            string
	Password        string
	Name            string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

func (r RedisConfig) Addr() string {
	return r.Host + ":" + r.Port
}

type KafkaConfig struct {
	Brokers string
	Topic   string
}

type JWTConfig struct {
	SecretKey string
}

type LedgerConfig struct {
	MaxRetries int
}

type PaymentConfig struct {
	LargePaymentThreshold decimal.Decimal
	CreditWarningRatio    decimal.Decimal
}

type NotifierConfig struct {
	HeartbeatInterval    time.Duration
	ReconnectBaseDelay   time.Duration
	MaxReconnectAttempts int
}

type DashboardConfig struct {
	CacheTTL         time.Duration
	WarningPercent   decimal.Decimal
	CriticalPercent  decimal.Decimal
	LowCreditPercent decimal.Decimal
	UpcomingWindow   time.Duration
}

type JobsConfig struct {
	StalePaymentSchedule string
	StaleAfter           time.Duration
	BatchSize            int
}

var envBindings = map[string]string{
	"server.port":                     "PORT",
	"database.host":                   "DATABASE_HOST",
	"database.port":                   "DATABASE_PORT",
	"database.user":                   "DATABASE_USER",
	"database.password":               "DATABASE_PASSWORD",
	"database.name":                   "DATABASE_NAME",
	"database.ssl_mode":               "DATABASE_SSL_MODE",
	"redis.host":                      "REDIS_HOST",
	"redis.port":                      "REDIS_PORT",
	"redis.password":                  "REDIS_PASSWORD",
	"redis.db":                        "REDIS_DB",
	"kafka.brokers":                   "KAFKA_BROKERS",
	"kafka.topic":                     "KAFKA_TOPIC",
	"jwt.secret_key":                  "JWT_SECRET_KEY",
	"ledger.max_retries":              "LEDGER_MAX_RETRIES",
	"payment.large_payment_threshold": "PAYMENT_LARGE_THRESHOLD",
	"payment.credit_warning_ratio":    "PAYMENT_CREDIT_WARNING_RATIO",
	"notifier.heartbeat_interval":     "NOTIFIER_HEARTBEAT_INTERVAL",
	"notifier.reconnect_base_delay":   "NOTIFIER_RECONNECT_BASE_DELAY",
	"notifier.max_reconnect_attempts": "NOTIFIER_MAX_RECONNECT_ATTEMPTS",
	"dashboard.cache_ttl":             "DASHBOARD_CACHE_TTL",
	"dashboard.warning_percent":       "DASHBOARD_WARNING_PERCENT",
	"dashboard.critical_percent":      "DASHBOARD_CRITICAL_PERCENT",
	"dashboard.low_credit_percent":    "DASHBOARD_LOW_CREDIT_PERCENT",
	"dashboard.upcoming_window":       "DASHBOARD_UPCOMING_WINDOW",
	"jobs.stale_payment_schedule":     "JOBS_STALE_PAYMENT_SCHEDULE",
	"jobs.stale_after":                "JOBS_STALE_AFTER",
	"jobs.batch_size":                 "JOBS_BATCH_SIZE",
	"log.level":                       "LOG_LEVEL",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)

	v.SetDefault("database.host", "")
	v.SetDefault("database.port", "5432")
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "password")
	v.SetDefault("database.name", "creditcore")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)

	v.SetDefault("redis.host", "")
	v.SetDefault("redis.port", "6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("kafka.brokers", "")
	v.SetDefault("kafka.topic", "credit.balance-updates")

	v.SetDefault("ledger.max_retries", 3)
	v.SetDefault("payment.large_payment_threshold", "1000000")
	v.SetDefault("payment.credit_warning_ratio", "0.8")

	v.SetDefault("notifier.heartbeat_interval", 30*time.Second)
	v.SetDefault("notifier.reconnect_base_delay", time.Second)
	v.SetDefault("notifier.max_reconnect_attempts", 5)

	v.SetDefault("dashboard.cache_ttl", 5*time.Minute)
	v.SetDefault("dashboard.warning_percent", "75")
	v.SetDefault("dashboard.critical_percent", "90")
	v.SetDefault("dashboard.low_credit_percent", "10")
	v.SetDefault("dashboard.upcoming_window", 7*24*time.Hour)

	v.SetDefault("jobs.stale_payment_schedule", "@every 5m")
	v.SetDefault("jobs.stale_after", 15*time.Minute)
	v.SetDefault("jobs.batch_size", 50)

	v.SetDefault("log.level", "info")
}

// Load reads configFile (if it exists) and the environment. Environment
// variables override the file.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, err
		}
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("read config %s: %w", configFile, err)
			}
		}
		// .env files carry the environment names, lift them onto dotted keys
		for key, env := range envBindings {
			if name := strings.ToLower(env); v.InConfig(name) {
				v.SetDefault(key, v.Get(name))
			}
		}
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:            v.GetString("server.port"),
			ReadTimeout:     v.GetDuration("server.read_timeout"),
			WriteTimeout:    v.GetDuration("server.write_timeout"),
			ShutdownTimeout: v.GetDuration("server.shutdown_timeout"),
		},
		Database: DatabaseConfig{
			Host:            v.GetString("database.host"),
			Port:            v.GetString("database.port"),
			User:            v.GetString("database.user"),
			Password:        v.GetString("database.password"),
			Name:            v.GetString("database.name"),
			SSLMode:         v.GetString("database.ssl_mode"),
			MaxOpenConns:    v.GetInt("database.max_open_conns"),
			MaxIdleConns:    v.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: v.GetDuration("database.conn_max_lifetime"),
		},
		Redis: RedisConfig{
			Host:     v.GetString("redis.host"),
			Port:     v.GetString("redis.port"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Kafka: KafkaConfig{
			Brokers: v.GetString("kafka.brokers"),
			Topic:   v.GetString("kafka.topic"),
		},
		JWT:    JWTConfig{SecretKey: v.GetString("jwt.secret_key")},
		Ledger: LedgerConfig{MaxRetries: v.GetInt("ledger.max_retries")},
		Notifier: NotifierConfig{
			HeartbeatInterval:    v.GetDuration("notifier.heartbeat_interval"),
			ReconnectBaseDelay:   v.GetDuration("notifier.reconnect_base_delay"),
			MaxReconnectAttempts: v.GetInt("notifier.max_reconnect_attempts"),
		},
		Jobs: JobsConfig{
			StalePaymentSchedule: v.GetString("jobs.stale_payment_schedule"),
			StaleAfter:           v.GetDuration("jobs.stale_after"),
			BatchSize:            v.GetInt("jobs.batch_size"),
		},
		LogLevel: v.GetString("log.level"),
	}

	var err error
	if cfg.Payment.LargePaymentThreshold, err = decimalKey(v, "payment.large_payment_threshold"); err != nil {
		return nil, err
	}
	if cfg.Payment.CreditWarningRatio, err = decimalKey(v, "payment.credit_warning_ratio"); err != nil {
		return nil, err
	}

	cfg.Dashboard.CacheTTL = v.GetDuration("dashboard.cache_ttl")
	cfg.Dashboard.UpcomingWindow = v.GetDuration("dashboard.upcoming_window")
	if cfg.Dashboard.WarningPercent, err = decimalKey(v, "dashboard.warning_percent"); err != nil {
		return nil, err
	}
	if cfg.Dashboard.CriticalPercent, err = decimalKey(v, "dashboard.critical_percent"); err != nil {
		return nil, err
	}
	if cfg.Dashboard.LowCreditPercent, err = decimalKey(v, "dashboard.low_credit_percent"); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decimalKey(v *viper.Viper, key string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(v.GetString(key))
	if err != nil {
		return decimal.Zero, fmt.Errorf("config %s: %w", key, err)
	}
	return d, nil
}
