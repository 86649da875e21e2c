package config

import (
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var config = viper.New()

type Config struct {
	AppEnv     string `mapstructure:"APP_ENV"`
	AppName    string `mapstructure:"APP_NAME"`
	AppVersion string `mapstructure:"APP_VERSION"`
	TLS        struct {
		Enable   bool   `mapstructure:"ENABLE"`
		CertPath string `mapstructure:"CERT_PATH"`
		KeyPath  string `mapstructure:"KEY_PATH"`
	} `mapstructure:"TLS"`
	Log struct {
		Level  string `mapstructure:"LEVEL"`
		Format string `mapstructure:"FORMAT"`
	} `mapstructure:"LOG"`
	Otel struct {
		Addr     string            `mapstructure:"ADDR"`
		Protocol string            `mapstructure:"PROTOCOL"`
		Insecure bool              `mapstructure:"INSECURE"`
		Headers  map[string]string `mapstructure:"HEADERS"`
		Timeout  time.Duration     `mapstructure:"TIMEOUT"`
	} `mapstructure:"OTEL"`
	Server struct {
		Addr         string        `mapstructure:"ADDR"`
		ReadTimeout  time.Duration `mapstructure:"READ_TIMEOUT"`
		WriteTimeout time.Duration `mapstructure:"WRITE_TIMEOUT"`
		IdleTimeout  time.Duration `mapstructure:"IDLE_TIMEOUT"`
	} `mapstructure:"HTTP_SERVER"`
	Database struct {
		Type           string `mapstructure:"TYPE"`
		Host           string `mapstructure:"HOST"`
		Port           string `mapstructure:"PORT"`
		DBNAME         string `mapstructure:"DBNAME"`
		User           string `mapstructure:"USER"`
		Password       string `mapstructure:"PASSWORD"`
		SSLMode        string `mapstructure:"SSLMODE"`
		Timezone       string `mapstructure:"TIMEZONE"`
		Path           string `mapstructure:"PATH"`
		Metrics        bool   `mapstructure:"METRICS"`
		ConnectionPool struct {
			MaxIdleConn     int           `mapstructure:"MAX_IDLE_CONN"`
			MaxOpenConns    int           `mapstructure:"MAX_OPEN_CONNS"`
			ConnMaxLifetime time.Duration `mapstructure:"CONN_MAX_LIFETIME"`
			ConnMaxIdleTime time.Duration `mapstructure:"CONN_MAX_IDLE_TIME"`
		} `mapstructure:"CONNECTION_POOL"`
	} `mapstructure:"DATABASE"`
	Redis struct {
		Addr        string        `mapstructure:"ADDR"`
		Password    string        `mapstructure:"PASSWORD"`
		DB          int           `mapstructure:"DB"`
		PoolSize    int           `mapstructure:"POOL_SIZE"`
		PoolTimeout time.Duration `mapstructure:"POOL_TIMEOUT"`
	} `mapstructure:"REDIS"`
	AccessControl struct {
		Policy string `mapstructure:"POLICY"`
	} `mapstructure:"ACCESS_CONTROL"`
	Distribution Distribution `mapstructure:"DISTRIBUTION"`
}

// Distribution tunes the job runner and the engine behind it.
type Distribution struct {
	Queue               string        `mapstructure:"QUEUE"`
	Concurrency         int           `mapstructure:"CONCURRENCY"`
	MaxRetry            int           `mapstructure:"MAX_RETRY"`
	RetryBaseDelay      time.Duration `mapstructure:"RETRY_BASE_DELAY"`
	RetryMaxDelay       time.Duration `mapstructure:"RETRY_MAX_DELAY"`
	JobTimeout          time.Duration `mapstructure:"JOB_TIMEOUT"`
	InflightTTL         time.Duration `mapstructure:"INFLIGHT_TTL"`
	EligibilityCacheTTL time.Duration `mapstructure:"ELIGIBILITY_CACHE_TTL"`
	ReconcileTolerance  int64         `mapstructure:"RECONCILE_TOLERANCE"`
	ReconcileHour       int           `mapstructure:"RECONCILE_HOUR"`
	SnowflakeNode       int64         `mapstructure:"SNOWFLAKE_NODE"`
}

var Module = fx.Module("config", fx.Provide(LoadConfig))

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("APP_NAME", "lead-distributor")
	v.SetDefault("HTTP_SERVER.ADDR", "8080")
	v.SetDefault("HTTP_SERVER.READ_TIMEOUT", 15*time.Second)
	v.SetDefault("HTTP_SERVER.WRITE_TIMEOUT", 15*time.Second)
	v.SetDefault("HTTP_SERVER.IDLE_TIMEOUT", 60*time.Second)
	v.SetDefault("LOG.LEVEL", "info")
	v.SetDefault("OTEL.PROTOCOL", "grpc")
	v.SetDefault("OTEL.INSECURE", true)
	v.SetDefault("OTEL.TIMEOUT", 10*time.Second)
	v.SetDefault("DATABASE.TYPE", "postgres")
	v.SetDefault("DATABASE.SSLMODE", "disable")
	v.SetDefault("DATABASE.TIMEZONE", "UTC")
	v.SetDefault("REDIS.ADDR", "127.0.0.1:6379")
	v.SetDefault("REDIS.POOL_SIZE", 10)
	v.SetDefault("REDIS.POOL_TIMEOUT", 4*time.Second)
	v.SetDefault("DISTRIBUTION.QUEUE", "distribution")
	v.SetDefault("DISTRIBUTION.CONCURRENCY", 10)
	v.SetDefault("DISTRIBUTION.MAX_RETRY", 5)
	v.SetDefault("DISTRIBUTION.RETRY_BASE_DELAY", 10*time.Second)
	v.SetDefault("DISTRIBUTION.RETRY_MAX_DELAY", 30*time.Minute)
	v.SetDefault("DISTRIBUTION.JOB_TIMEOUT", 2*time.Minute)
	v.SetDefault("DISTRIBUTION.INFLIGHT_TTL", 30*time.Minute)
	v.SetDefault("DISTRIBUTION.ELIGIBILITY_CACHE_TTL", 5*time.Minute)
	v.SetDefault("DISTRIBUTION.RECONCILE_TOLERANCE", 0)
	v.SetDefault("DISTRIBUTION.RECONCILE_HOUR", 2)
	v.SetDefault("DISTRIBUTION.SNOWFLAKE_NODE", 1)
}

func LoadConfig() *Config {
	// A local .env only fills variables the environment does not set.
	if err := godotenv.Load(); err == nil {
		zap.L().Info("loaded .env")
	}

	config.SetConfigName("config")
	config.SetConfigType("yaml")
	config.AddConfigPath(".")

	config.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	config.AutomaticEnv()
	setDefaults(config)

	if err := config.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			zap.L().Error("failed to read config file", zap.Error(err))
			os.Exit(1)
		}
		zap.L().Warn("config.yaml not found, using defaults and environment")
	}

	var cfg Config
	if err := config.Unmarshal(&cfg); err != nil {
		zap.L().Error("failed to unmarshal config", zap.Error(err))
		os.Exit(1)
	}

	return &cfg
}

// Default returns a Config populated only with defaults. Used by tests and tools.
func Default() *Config {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}
