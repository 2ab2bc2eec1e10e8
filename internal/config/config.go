package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Routing    RoutingConfig    `yaml:"routing" mapstructure:"routing"`
	Matrix     MatrixConfig     `yaml:"matrix" mapstructure:"matrix"`
	Indicator  IndicatorConfig  `yaml:"indicator" mapstructure:"indicator"`
	Redis      RedisConfig      `yaml:"redis" mapstructure:"redis"`
	Temporal   TemporalConfig   `yaml:"temporal" mapstructure:"temporal"`
	Population PopulationConfig `yaml:"population" mapstructure:"population"`
}

// StoreConfig configures the PostGIS database.
type StoreConfig struct {
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// ServerConfig configures the HTTP invocation surface.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// RoutingConfig configures the external routing backend.
// Profiles maps a mode name (walk, bike, car) to the backend profile. With
// PerVariant each mode variant has its own instance, named
// <profile>_v<variant id>.
type RoutingConfig struct {
	BaseURL          string            `yaml:"base_url" mapstructure:"base_url"`
	ManagerURL       string            `yaml:"manager_url" mapstructure:"manager_url"`
	Profiles         map[string]string `yaml:"profiles" mapstructure:"profiles"`
	PerVariant       bool              `yaml:"per_variant" mapstructure:"per_variant"`
	TimeoutSecs      int               `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RateLimit        float64           `yaml:"rate_limit" mapstructure:"rate_limit"`
	ReadyTimeoutSecs int               `yaml:"ready_timeout_secs" mapstructure:"ready_timeout_secs"`
	StartOnDemand    bool              `yaml:"start_on_demand" mapstructure:"start_on_demand"`
	MaxRetries       int               `yaml:"max_retries" mapstructure:"max_retries"`
}

// Timeout returns the per-request timeout.
func (c RoutingConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecs) * time.Second
}

// ReadyTimeout returns how long to wait for a lazily started router.
func (c RoutingConfig) ReadyTimeout() time.Duration {
	return time.Duration(c.ReadyTimeoutSecs) * time.Second
}

// MatrixConfig configures travel-time matrix construction.
// Speeds are km/h, distances are meters, times are minutes.
type MatrixConfig struct {
	ChunkSize         int                `yaml:"chunk_size" mapstructure:"chunk_size"`
	Speeds            map[string]float64 `yaml:"speeds" mapstructure:"speeds"`
	MaxDistances      map[string]float64 `yaml:"max_distances" mapstructure:"max_distances"`
	MaxDirectWalktime float64            `yaml:"max_direct_walktime" mapstructure:"max_direct_walktime"`
	MaxAccessDistance float64            `yaml:"max_access_distance" mapstructure:"max_access_distance"`
	AirFallback       bool               `yaml:"air_fallback" mapstructure:"air_fallback"`
	Concurrency       int                `yaml:"concurrency" mapstructure:"concurrency"`
}

// IndicatorConfig configures indicator computation.
type IndicatorConfig struct {
	CacheTTLSecs  int `yaml:"cache_ttl_secs" mapstructure:"cache_ttl_secs"`
	LegendClasses int `yaml:"legend_classes" mapstructure:"legend_classes"`
}

// CacheTTL returns the indicator result cache TTL.
func (c IndicatorConfig) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSecs) * time.Second
}

// RedisConfig configures the cross-process event bridge.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled" mapstructure:"enabled"`
	Addr     string `yaml:"addr" mapstructure:"addr"`
	Password string `yaml:"password" mapstructure:"password"`
	DB       int    `yaml:"db" mapstructure:"db"`
	Channel  string `yaml:"channel" mapstructure:"channel"`
}

// TemporalConfig configures the background task runner.
type TemporalConfig struct {
	Enabled             bool   `yaml:"enabled" mapstructure:"enabled"`
	HostPort            string `yaml:"host_port" mapstructure:"host_port"`
	Namespace           string `yaml:"namespace" mapstructure:"namespace"`
	TaskQueue           string `yaml:"task_queue" mapstructure:"task_queue"`
	ActivityTimeoutMins int    `yaml:"activity_timeout_mins" mapstructure:"activity_timeout_mins"`
}

// ActivityTimeout returns the limit of one background job.
func (c TemporalConfig) ActivityTimeout() time.Duration {
	return time.Duration(c.ActivityTimeoutMins) * time.Minute
}

// PopulationConfig configures population disaggregation.
type PopulationConfig struct {
	// Language of the disaggregation report, a BCP 47 tag.
	Language string `yaml:"language" mapstructure:"language"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("DAVIPLAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 1)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("routing.base_url", "http://localhost:5000")
	v.SetDefault("routing.manager_url", "")
	v.SetDefault("routing.profiles", map[string]string{
		"walk": "foot",
		"bike": "bicycle",
		"car":  "car",
	})
	v.SetDefault("routing.per_variant", false)
	v.SetDefault("routing.timeout_secs", 60)
	v.SetDefault("routing.rate_limit", 20.0)
	v.SetDefault("routing.ready_timeout_secs", 120)
	v.SetDefault("routing.start_on_demand", true)
	v.SetDefault("routing.max_retries", 3)
	v.SetDefault("matrix.chunk_size", 100)
	v.SetDefault("matrix.speeds", map[string]float64{
		"walk": 4.5,
		"bike": 15,
		"car":  30,
	})
	v.SetDefault("matrix.max_distances", map[string]float64{
		"walk": 2000,
		"bike": 10000,
		"car":  50000,
	})
	v.SetDefault("matrix.max_direct_walktime", 15.0)
	v.SetDefault("matrix.max_access_distance", 1000.0)
	v.SetDefault("matrix.air_fallback", false)
	v.SetDefault("matrix.concurrency", 2)
	v.SetDefault("indicator.cache_ttl_secs", 600)
	v.SetDefault("indicator.legend_classes", 5)
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.channel", "daviplan:events")
	v.SetDefault("temporal.enabled", false)
	v.SetDefault("temporal.host_port", "localhost:7233")
	v.SetDefault("temporal.namespace", "default")
	v.SetDefault("temporal.task_queue", "daviplan")
	v.SetDefault("temporal.activity_timeout_mins", 240)
	v.SetDefault("population.language", "de")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks that the settings required by a command mode are present.
func (c *Config) Validate(mode string) error {
	var errs []string

	requireDB := func() {
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required")
		}
	}

	switch mode {
	case "migrate", "indicator", "population", "areas", "defaults", "maintenance":
		requireDB()
	case "matrix", "worker":
		requireDB()
		if c.Routing.BaseURL == "" {
			errs = append(errs, "routing.base_url is required")
		}
		if c.Matrix.ChunkSize < 1 || c.Matrix.ChunkSize > 1000 {
			errs = append(errs, "matrix.chunk_size must be between 1 and 1000")
		}
		if c.Matrix.MaxDirectWalktime < 0 {
			errs = append(errs, "matrix.max_direct_walktime must be >= 0")
		}
		for name, speed := range c.Matrix.Speeds {
			if speed <= 0 {
				errs = append(errs, fmt.Sprintf("matrix.speeds.%s must be > 0", name))
			}
		}
		if mode == "worker" && c.Temporal.Enabled && c.Temporal.TaskQueue == "" {
			errs = append(errs, "temporal.task_queue is required when temporal is enabled")
		}
	case "serve":
		requireDB()
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
		if c.Redis.Enabled && c.Redis.Addr == "" {
			errs = append(errs, "redis.addr is required when redis is enabled")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
