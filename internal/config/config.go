package config

import (
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/clu-extract/internal/arcgis"
)

// Config holds the full application configuration.
type Config struct {
	Service   ServiceConfig   `yaml:"service" mapstructure:"service"`
	Subdivide SubdivideConfig `yaml:"subdivide" mapstructure:"subdivide"`
	Retry     RetryConfig     `yaml:"retry" mapstructure:"retry"`
	AOI       AOIConfig       `yaml:"aoi" mapstructure:"aoi"`
	Output    OutputConfig    `yaml:"output" mapstructure:"output"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// ServiceConfig locates the feature service and carries the host-issued token.
type ServiceConfig struct {
	URL               string  `yaml:"url" mapstructure:"url"`
	Token             string  `yaml:"token" mapstructure:"token"`
	TokenFile         string  `yaml:"token_file" mapstructure:"token_file"`
	TimeoutSecs       int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	UserAgent         string  `yaml:"user_agent" mapstructure:"user_agent"`
	IDField           string  `yaml:"id_field" mapstructure:"id_field"`
}

// SubdivideConfig tunes the recursive AOI subdivision.
type SubdivideConfig struct {
	// Threshold overrides the layer's maxRecordCount when > 0.
	Threshold int     `yaml:"threshold" mapstructure:"threshold"`
	MaxDepth  int     `yaml:"max_depth" mapstructure:"max_depth"`
	MinExtent float64 `yaml:"min_extent" mapstructure:"min_extent"`
	Strategy  string  `yaml:"strategy" mapstructure:"strategy"`
	Paginate  bool    `yaml:"paginate" mapstructure:"paginate"`
	PageSize  int     `yaml:"page_size" mapstructure:"page_size"`
}

// RetryConfig configures backoff for transient service failures.
type RetryConfig struct {
	MaxAttempts      int `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
}

// AOIConfig configures AOI loading.
type AOIConfig struct {
	DefaultSRID int `yaml:"default_srid" mapstructure:"default_srid"`
}

// OutputConfig configures the output feature class.
type OutputConfig struct {
	Prefix     string `yaml:"prefix" mapstructure:"prefix"`
	ReportPath string `yaml:"report_path" mapstructure:"report_path"`
	// MetricsPath, when set, receives a Prometheus textfile after each run.
	MetricsPath string `yaml:"metrics_path" mapstructure:"metrics_path"`
	Schema      string `yaml:"schema" mapstructure:"schema"`
	BatchSize   int    `yaml:"batch_size" mapstructure:"batch_size"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from .env, config.yaml and the environment.
func Load() (*Config, error) {
	// .env is optional; real environment variables win over it.
	_ = godotenv.Load(".env")

	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("CLU")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("service.url", arcgis.DefaultLayerURL)
	v.SetDefault("service.token", "")
	v.SetDefault("service.token_file", "")
	v.SetDefault("service.timeout_secs", 60)
	v.SetDefault("service.requests_per_second", 5.0)
	v.SetDefault("service.user_agent", "clu-extract/1.0")
	v.SetDefault("service.id_field", "clu_identifier")
	v.SetDefault("subdivide.threshold", 0)
	v.SetDefault("subdivide.max_depth", 16)
	v.SetDefault("subdivide.min_extent", 0.0)
	v.SetDefault("subdivide.strategy", "probe")
	v.SetDefault("subdivide.paginate", true)
	v.SetDefault("subdivide.page_size", 0)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff_ms", 1000)
	v.SetDefault("retry.max_backoff_ms", 30000)
	v.SetDefault("aoi.default_srid", 4326)
	v.SetDefault("output.prefix", "CLU_")
	v.SetDefault("output.report_path", "")
	v.SetDefault("output.metrics_path", "")
	v.SetDefault("output.schema", "public")
	v.SetDefault("output.batch_size", 50000)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

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

// Validate checks the settings a command needs. mode is one of "aoi",
// "tract" or "service".
func (c *Config) Validate(mode string) error {
	var errs []string

	if c.Service.URL == "" {
		errs = append(errs, "service.url is required")
	}
	if c.Service.TimeoutSecs <= 0 {
		errs = append(errs, "service.timeout_secs must be > 0")
	}
	if c.Service.RequestsPerSecond <= 0 {
		errs = append(errs, "service.requests_per_second must be > 0")
	}

	switch mode {
	case "service":
	case "aoi", "tract":
		if c.Subdivide.Threshold < 0 {
			errs = append(errs, "subdivide.threshold must be >= 0")
		}
		if c.Subdivide.MaxDepth < 0 || c.Subdivide.MaxDepth > 32 {
			errs = append(errs, "subdivide.max_depth must be between 0 and 32")
		}
		if c.Subdivide.MinExtent < 0 {
			errs = append(errs, "subdivide.min_extent must be >= 0")
		}
		if c.Subdivide.Strategy != "probe" && c.Subdivide.Strategy != "count" {
			errs = append(errs, fmt.Sprintf("subdivide.strategy %q must be probe or count", c.Subdivide.Strategy))
		}
		if c.Subdivide.PageSize < 0 {
			errs = append(errs, "subdivide.page_size must be >= 0")
		}
		if c.Output.BatchSize < 0 {
			errs = append(errs, "output.batch_size must be >= 0")
		}
		if mode == "aoi" && c.AOI.DefaultSRID <= 0 {
			errs = append(errs, "aoi.default_srid must be > 0")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.New("config: " + strings.Join(errs, "; "))
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
