package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const (
	EnvPrefix = "restockd"

	AppEnvDev  = "development"
	AppEnvProd = "production"

	EnvAppEnv = "RESTOCKD_APP_ENV"
	EnvDBDSN  = "RESTOCKD_DB_DSN"
	EnvDBHost = "RESTOCKD_DB_HOST"
	EnvDBUser = "RESTOCKD_DB_USER"
	EnvDBName = "RESTOCKD_DB_NAME"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}

type Config struct {
	App          AppConfig
	Service      ServiceConfig
	DB           DBConfig
	Redis        RedisConfig
	GCP          GCPConfig
	PubSub       PubSubConfig
	Outbox       OutboxConfig
	Routing      RoutingConfig
	Cron         CronConfig
	FeatureFlags FeatureFlagsConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"RESTOCKD_APP_ENV" required:"true"`
	LogLevel     string `envconfig:"RESTOCKD_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"RESTOCKD_LOG_WARN_STACK" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"RESTOCKD_SERVICE_KIND" default:"worker"`
}

type DBConfig struct {
	DSN    string `envconfig:"RESTOCKD_DB_DSN"`
	Driver string `envconfig:"RESTOCKD_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"RESTOCKD_DB_HOST"`
	LegacyPort     int    `envconfig:"RESTOCKD_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"RESTOCKD_DB_USER"`
	LegacyPassword string `envconfig:"RESTOCKD_DB_PASSWORD"`
	LegacyName     string `envconfig:"RESTOCKD_DB_NAME"`
	LegacySSLMode  string `envconfig:"RESTOCKD_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"RESTOCKD_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"RESTOCKD_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"RESTOCKD_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"RESTOCKD_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

type RedisConfig struct {
	URL          string        `envconfig:"RESTOCKD_REDIS_URL" required:"true"`
	Address      string        `envconfig:"RESTOCKD_REDIS_ADDR"`
	Password     string        `envconfig:"RESTOCKD_REDIS_PASSWORD"`
	DB           int           `envconfig:"RESTOCKD_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"RESTOCKD_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"RESTOCKD_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"RESTOCKD_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"RESTOCKD_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"RESTOCKD_REDIS_WRITE_TIMEOUT" default:"5s"`
}

type GCPConfig struct {
	ProjectID              string `envconfig:"RESTOCKD_GCP_PROJECT_ID" required:"true"`
	CredentialsJSON        string `envconfig:"RESTOCKD_GCP_CREDENTIALS_JSON"`
	ApplicationCredentials string `envconfig:"RESTOCKD_GOOGLE_APPLICATION_CREDENTIALS"`
}

type PubSubConfig struct {
	DomainTopic             string `envconfig:"RESTOCKD_PUBSUB_DOMAIN_TOPIC" required:"true"`
	DomainSubscription      string `envconfig:"RESTOCKD_PUBSUB_DOMAIN_SUBSCRIPTION" required:"true"`
	VendorReplySubscription string `envconfig:"RESTOCKD_PUBSUB_VENDOR_REPLY_SUBSCRIPTION" required:"true"`
}

type OutboxConfig struct {
	BatchSize      int `envconfig:"RESTOCKD_OUTBOX_PUBLISH_BATCH_SIZE" default:"50"`
	PollIntervalMS int `envconfig:"RESTOCKD_OUTBOX_PUBLISH_POLL_MS" default:"500"`
	MaxAttempts    int `envconfig:"RESTOCKD_OUTBOX_MAX_ATTEMPTS" default:"10"`
}

// RoutingConfig bounds the vendor response window and overall order life.
type RoutingConfig struct {
	ResponseWindow time.Duration `envconfig:"RESTOCKD_ROUTING_RESPONSE_WINDOW" default:"30m"`
	OrderTTL       time.Duration `envconfig:"RESTOCKD_ORDER_TTL" default:"24h"`
}

type CronConfig struct {
	Interval time.Duration `envconfig:"RESTOCKD_CRON_INTERVAL" default:"1m"`
}

type FeatureFlagsConfig struct {
	AutoMigrate bool `envconfig:"RESTOCKD_AUTO_MIGRATE" default:"false"`
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}

	missing := []string{}
	legacyValues := map[string]string{
		EnvDBHost: db.LegacyHost,
		EnvDBUser: db.LegacyUser,
		EnvDBName: db.LegacyName,
	}
	for _, env := range legacyDBEnvVars {
		if legacyValues[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.LegacyUser)
	if db.LegacyPassword != "" {
		userInfo = url.UserPassword(db.LegacyUser, db.LegacyPassword)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.LegacyHost, db.LegacyPort),
		Path:   db.LegacyName,
	}

	if db.LegacySSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.LegacySSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
