// Package config provides configuration management for the lay engine.
package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Load reads and parses the configuration from file and environment variables.
// It expands environment variable placeholders in the YAML file (${VAR_NAME}).
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath == "" {
		configPath = "config/config.yaml"
	}

	v.SetConfigType("yaml")
	v.SetEnvPrefix("LAY_ENGINE")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	// Read and expand the configuration file if it exists; environment
	// variables alone are enough to run.
	if data, err := os.ReadFile(configPath); err == nil {
		expanded := os.ExpandEnv(string(data))
		if err := v.ReadConfig(bytes.NewBufferString(expanded)); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "lay-engine")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.log_level", "info")

	v.SetDefault("exchange.api_url", "https://api.betfair.com/exchange/betting/json-rpc/v1")
	v.SetDefault("exchange.account_url", "https://api.betfair.com/exchange/account/json-rpc/v1")
	v.SetDefault("exchange.login_url", "https://identitysso.betfair.com/api/login")
	v.SetDefault("exchange.keepalive_url", "https://identitysso.betfair.com/api/keepAlive")
	v.SetDefault("exchange.stream_url", "wss://stream-api.betfair.com/api")
	v.SetDefault("exchange.timeout_seconds", 10)
	v.SetDefault("exchange.rate_limit", 5.0)
	v.SetDefault("exchange.stream_enabled", false)

	v.SetDefault("engine.dry_run", true)
	v.SetDefault("engine.poll_interval_seconds", 30)
	v.SetDefault("engine.process_window_minutes", 12)
	v.SetDefault("engine.countries", []string{"GB", "IE"})
	v.SetDefault("engine.point_value", 1)
	v.SetDefault("engine.spread_control_enabled", false)
	v.SetDefault("engine.jofs_enabled", false)
	v.SetDefault("engine.min_odds", 2.0)
	v.SetDefault("engine.max_lay_odds", 50.0)
	v.SetDefault("engine.timezone", "Europe/London")

	v.SetDefault("store.state_path", "data/engine_state.json")
	v.SetDefault("store.reports_dir", "data/reports")
	v.SetDefault("store.blob_key", "engine_state.json")
	v.SetDefault("store.flush_seconds", 150)

	v.SetDefault("archive.schedule", "@hourly")

	v.SetDefault("api.address", ":8080")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
}
