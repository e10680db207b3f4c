// Package config provides configuration management for the lay engine.
package config

// Config represents the complete application configuration
type Config struct {
	App      AppConfig      `mapstructure:"app" validate:"required"`
	Exchange ExchangeConfig `mapstructure:"exchange" validate:"required"`
	Engine   EngineConfig   `mapstructure:"engine" validate:"required"`
	Store    StoreConfig    `mapstructure:"store" validate:"required"`
	Archive  ArchiveConfig  `mapstructure:"archive"`
	API      APIConfig      `mapstructure:"api" validate:"required"`
	Metrics  MetricsConfig  `mapstructure:"metrics" validate:"required"`
}

// AppConfig represents application-level configuration
type AppConfig struct {
	Name        string `mapstructure:"name" validate:"required"`
	Environment string `mapstructure:"environment" validate:"required,environment"`
	LogLevel    string `mapstructure:"log_level" validate:"required,loglevel"`
}

// ExchangeConfig represents exchange API configuration
type ExchangeConfig struct {
	APIURL         string  `mapstructure:"api_url" validate:"required,url"`
	AccountURL     string  `mapstructure:"account_url" validate:"required,url"`
	LoginURL       string  `mapstructure:"login_url" validate:"required,url"`
	KeepAliveURL   string  `mapstructure:"keepalive_url" validate:"required,url"`
	StreamURL      string  `mapstructure:"stream_url"`
	AppKey         string  `mapstructure:"app_key" validate:"required"`
	Username       string  `mapstructure:"username"`
	Password       string  `mapstructure:"password"`
	TimeoutSeconds int     `mapstructure:"timeout_seconds" validate:"required,gt=0"`
	RateLimit      float64 `mapstructure:"rate_limit" validate:"required,gt=0"`
	StreamEnabled  bool    `mapstructure:"stream_enabled"`
}

// EngineConfig seeds the engine's hot-swappable runtime configuration.
// After process start these values are mutated only via the control surface.
type EngineConfig struct {
	DryRun               bool     `mapstructure:"dry_run"`
	PollIntervalSeconds  int      `mapstructure:"poll_interval_seconds" validate:"required,gt=0"`
	ProcessWindowMinutes int      `mapstructure:"process_window_minutes" validate:"required,min=1,max=60"`
	Countries            []string `mapstructure:"countries" validate:"required,min=1,countries"`
	PointValue           int      `mapstructure:"point_value" validate:"required,pointvalue"`
	SpreadControlEnabled bool     `mapstructure:"spread_control_enabled"`
	JOFSEnabled          bool     `mapstructure:"jofs_enabled"`
	MinOdds              float64  `mapstructure:"min_odds" validate:"required,gt=1"`
	MaxLayOdds           float64  `mapstructure:"max_lay_odds" validate:"required,gt=1"`
	Timezone             string   `mapstructure:"timezone" validate:"required"`
}

// StoreConfig represents the two-tier persistence configuration
type StoreConfig struct {
	StatePath    string `mapstructure:"state_path" validate:"required"`
	ReportsDir   string `mapstructure:"reports_dir" validate:"required"`
	Bucket       string `mapstructure:"bucket"`
	BlobKey      string `mapstructure:"blob_key"`
	AWSRegion    string `mapstructure:"aws_region"`
	FlushSeconds int    `mapstructure:"flush_seconds" validate:"required,gt=0"`
}

// ArchiveConfig represents the optional Postgres cleared-bet archive
type ArchiveConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Name     string `mapstructure:"name"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	SSLMode  string `mapstructure:"ssl_mode"`
	Schedule string `mapstructure:"schedule"`
}

// APIConfig represents the control surface HTTP server configuration
type APIConfig struct {
	Address string `mapstructure:"address" validate:"required"`
}

// MetricsConfig represents metrics and monitoring configuration
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path" validate:"required"`
}

// IsProduction checks if the application is running in production mode
func (c *Config) IsProduction() bool {
	return c.App.Environment == "production"
}
