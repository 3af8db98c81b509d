package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Labor      LaborConfig      `yaml:"labor" mapstructure:"labor"`
	Fetch      FetchConfig      `yaml:"fetch" mapstructure:"fetch"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// LaborConfig configures the weekly labor import.
type LaborConfig struct {
	Layout             LayoutConfig `yaml:"layout" mapstructure:"layout"`
	BurdenRate         float64      `yaml:"burden_rate" mapstructure:"burden_rate"`
	MaxDailyHours      float64      `yaml:"max_daily_hours" mapstructure:"max_daily_hours"`
	ChunkSize          int          `yaml:"chunk_size" mapstructure:"chunk_size"`
	ErrorFloor         int          `yaml:"error_floor" mapstructure:"error_floor"`
	ErrorRatio         float64      `yaml:"error_ratio" mapstructure:"error_ratio"`
	MaxReportedErrors  int          `yaml:"max_reported_errors" mapstructure:"max_reported_errors"`
	WeekEndingWeekday  string       `yaml:"week_ending_weekday" mapstructure:"week_ending_weekday"`
	Atomic             bool         `yaml:"atomic" mapstructure:"atomic"`
	MaxConcurrentFiles int          `yaml:"max_concurrent_files" mapstructure:"max_concurrent_files"`
	Retry              RetryConfig  `yaml:"retry" mapstructure:"retry"`
}

// LayoutConfig locates the fixed cells and columns of the labor sheet.
// Row and column indexes are zero-based.
type LayoutConfig struct {
	SheetName        string `yaml:"sheet_name" mapstructure:"sheet_name"`
	MinRows          int    `yaml:"min_rows" mapstructure:"min_rows"`
	JobRow           int    `yaml:"job_row" mapstructure:"job_row"`
	JobCol           int    `yaml:"job_col" mapstructure:"job_col"`
	WeekRow          int    `yaml:"week_row" mapstructure:"week_row"`
	WeekCol          int    `yaml:"week_col" mapstructure:"week_col"`
	HeaderRow        int    `yaml:"header_row" mapstructure:"header_row"`
	NumberHeader     string `yaml:"number_header" mapstructure:"number_header"`
	NameHeader       string `yaml:"name_header" mapstructure:"name_header"`
	NumberCol        int    `yaml:"number_col" mapstructure:"number_col"`
	NameCol          int    `yaml:"name_col" mapstructure:"name_col"`
	CraftCol         int    `yaml:"craft_col" mapstructure:"craft_col"`
	STCol            int    `yaml:"st_col" mapstructure:"st_col"`
	OTCol            int    `yaml:"ot_col" mapstructure:"ot_col"`
	FirstDayCol      int    `yaml:"first_day_col" mapstructure:"first_day_col"`
	NumberPattern    string `yaml:"number_pattern" mapstructure:"number_pattern"`
	SentinelContains string `yaml:"sentinel_contains" mapstructure:"sentinel_contains"`
}

// RetryConfig configures retries of transient store errors.
type RetryConfig struct {
	MaxAttempts    int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoff int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoff     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier     float64 `yaml:"multiplier" mapstructure:"multiplier"`
}

// FetchConfig configures remote workbook downloads.
type FetchConfig struct {
	UserAgent   string  `yaml:"user_agent" mapstructure:"user_agent"`
	TimeoutSecs int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxRetries  int     `yaml:"max_retries" mapstructure:"max_retries"`
	RateLimit   float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
	MaxUploadMB    int      `yaml:"max_upload_mb" mapstructure:"max_upload_mb"`
}

// MonitoringConfig configures failure alerting.
type MonitoringConfig struct {
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	StalePendingMins     int     `yaml:"stale_pending_mins" mapstructure:"stale_pending_mins"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("JOBCOST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.max_upload_mb", 20)
	v.SetDefault("monitoring.webhook_url", "")
	v.SetDefault("monitoring.failure_rate_threshold", 0.25)
	v.SetDefault("monitoring.stale_pending_mins", 60)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("fetch.user_agent", "jobcost-cli/1.0")
	v.SetDefault("fetch.timeout_secs", 60)
	v.SetDefault("fetch.max_retries", 3)
	v.SetDefault("fetch.rate_limit", 2.0)

	v.SetDefault("labor.burden_rate", 0.28)
	v.SetDefault("labor.max_daily_hours", 16.0)
	v.SetDefault("labor.chunk_size", 100)
	v.SetDefault("labor.error_floor", 5)
	v.SetDefault("labor.error_ratio", 0.10)
	v.SetDefault("labor.max_reported_errors", 10)
	v.SetDefault("labor.week_ending_weekday", "sunday")
	v.SetDefault("labor.atomic", false)
	v.SetDefault("labor.max_concurrent_files", 2)
	v.SetDefault("labor.retry.max_attempts", 3)
	v.SetDefault("labor.retry.initial_backoff_ms", 200)
	v.SetDefault("labor.retry.max_backoff_ms", 2000)
	v.SetDefault("labor.retry.multiplier", 2.0)

	v.SetDefault("labor.layout.sheet_name", "Labor Distribution")
	v.SetDefault("labor.layout.min_rows", 7)
	v.SetDefault("labor.layout.job_row", 1)
	v.SetDefault("labor.layout.job_col", 1)
	v.SetDefault("labor.layout.week_row", 2)
	v.SetDefault("labor.layout.week_col", 1)
	v.SetDefault("labor.layout.header_row", 5)
	v.SetDefault("labor.layout.number_header", "Emp #")
	v.SetDefault("labor.layout.name_header", "Employee Name")
	v.SetDefault("labor.layout.number_col", 0)
	v.SetDefault("labor.layout.name_col", 1)
	v.SetDefault("labor.layout.craft_col", 2)
	v.SetDefault("labor.layout.st_col", 3)
	v.SetDefault("labor.layout.ot_col", 4)
	v.SetDefault("labor.layout.first_day_col", 5)
	v.SetDefault("labor.layout.number_pattern", `^\d{3,10}$`)
	v.SetDefault("labor.layout.sentinel_contains", "total")

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

// Validate checks that the values required by the given command mode are
// present and in range. Modes: "import", "serve", "migrate", "store".
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "import", "serve", "migrate", "store":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	switch c.Store.Driver {
	case "postgres":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required")
		}
	case "sqlite":
	default:
		errs = append(errs, "store.driver must be postgres or sqlite")
	}

	if mode == "import" || mode == "serve" {
		errs = append(errs, c.Labor.validate()...)
	}

	if mode == "serve" && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		errs = append(errs, "server.port must be > 0 and <= 65535")
	}

	if len(errs) > 0 {
		return eris.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (l LaborConfig) validate() []string {
	var errs []string
	if l.BurdenRate < 0 || l.BurdenRate > 1 {
		errs = append(errs, "labor.burden_rate must be between 0 and 1")
	}
	if l.MaxDailyHours <= 0 || l.MaxDailyHours > 24 {
		errs = append(errs, "labor.max_daily_hours must be between 0 and 24")
	}
	if l.ChunkSize < 1 {
		errs = append(errs, "labor.chunk_size must be >= 1")
	}
	if l.ErrorFloor < 0 {
		errs = append(errs, "labor.error_floor must be >= 0")
	}
	if l.ErrorRatio < 0 || l.ErrorRatio > 1 {
		errs = append(errs, "labor.error_ratio must be between 0 and 1")
	}
	if l.MaxReportedErrors < 1 {
		errs = append(errs, "labor.max_reported_errors must be >= 1")
	}
	if l.MaxConcurrentFiles < 1 || l.MaxConcurrentFiles > 16 {
		errs = append(errs, "labor.max_concurrent_files must be between 1 and 16")
	}
	if l.Layout.SheetName == "" {
		errs = append(errs, "labor.layout.sheet_name is required")
	}
	if l.Layout.HeaderRow < 0 || l.Layout.MinRows <= l.Layout.HeaderRow {
		errs = append(errs, "labor.layout.min_rows must be greater than header_row")
	}
	return errs
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
