package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvFile is read before the environment is applied. A missing file is fine.
var EnvFile = ".env"

// Load resolves configuration by layering defaults, the YAML file at path
// (skipped when path is empty), the .env file and CCU_* environment
// variables, then validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if strings.TrimSpace(path) != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}

	if err := godotenv.Load(EnvFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load %s: %w", EnvFile, err)
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyFile(cfg *Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

type envBinding struct {
	key   string
	apply func(cfg *Config, value string) error
}

func stringVar(dst func(*Config) *string) func(*Config, string) error {
	return func(cfg *Config, v string) error {
		*dst(cfg) = v
		return nil
	}
}

func intVar(dst func(*Config) *int) func(*Config, string) error {
	return func(cfg *Config, v string) error {
		n, err := parseInt(v)
		if err != nil {
			return err
		}
		*dst(cfg) = n
		return nil
	}
}

func floatVar(dst func(*Config) *float64) func(*Config, string) error {
	return func(cfg *Config, v string) error {
		f, err := parseFloat(v)
		if err != nil {
			return err
		}
		*dst(cfg) = f
		return nil
	}
}

func boolVar(dst func(*Config) *bool) func(*Config, string) error {
	return func(cfg *Config, v string) error {
		b, err := parseBool(v)
		if err != nil {
			return err
		}
		*dst(cfg) = b
		return nil
	}
}

var envBindings = []envBinding{
	{"CCU_API_MODE", func(cfg *Config, v string) error {
		cfg.APIMode = Mode(strings.ToLower(v))
		return nil
	}},
	{"CCU_NAME", stringVar(func(c *Config) *string { return &c.CCUName })},
	{"CCU_EMAIL", stringVar(func(c *Config) *string { return &c.Email })},
	{"CCU_DEVICE_IP", stringVar(func(c *Config) *string { return &c.DeviceIP })},
	{"CCU_LOCAL_PORT", intVar(func(c *Config) *int { return &c.LocalPort })},
	{"CCU_HTTP_ADDRESS", stringVar(func(c *Config) *string { return &c.HTTPAddress })},
	{"CCU_CLOUD_URL", stringVar(func(c *Config) *string { return &c.CloudBaseURL })},
	{"CCU_CLOUD_V2_URL", stringVar(func(c *Config) *string { return &c.CloudV2BaseURL })},
	{"CCU_INTERVAL_SECONDS", intVar(func(c *Config) *int { return &c.CCUIntervalSeconds })},
	{"CCU_INACTIVITY_TIMEOUT_SECONDS", intVar(func(c *Config) *int { return &c.InactivityTimeoutSeconds })},
	{"CCU_COMMAND_RETRIES", intVar(func(c *Config) *int { return &c.CommandRetries })},
	{"CCU_COMMAND_RETRY_DELAY_MS", intVar(func(c *Config) *int { return &c.CommandRetryDelayMS })},
	{"CCU_COMMAND_TIMEOUT_MS", intVar(func(c *Config) *int { return &c.CommandTimeoutMS })},
	{"CCU_SEASON_ENABLED", boolVar(func(c *Config) *bool { return &c.Season.Enabled })},
	{"CCU_SEASON_WINTER_FROM", stringVar(func(c *Config) *string { return &c.Season.WinterFrom })},
	{"CCU_SEASON_WINTER_TO", stringVar(func(c *Config) *string { return &c.Season.WinterTo })},
	{"CCU_SEASON_DAILY_HOUR", intVar(func(c *Config) *int { return &c.Season.DailyHour })},
	{"CCU_SEASON_WINTER_MIN_SOC", floatVar(func(c *Config) *float64 { return &c.Season.WinterMinSOC })},
	{"CCU_SEASON_SUMMER_MIN_SOC", floatVar(func(c *Config) *float64 { return &c.Season.SummerMinSOC })},
	{"CCU_SEASON_OVERRIDE_THRESHOLD", floatVar(func(c *Config) *float64 { return &c.Season.OverrideThreshold })},
	{"CCU_SEASON_OVERRIDE_MIN_SOC", floatVar(func(c *Config) *float64 { return &c.Season.OverrideMinSOC })},
	{"CCU_SEASON_FEED_IN_MAX_SOC", floatVar(func(c *Config) *float64 { return &c.Season.FeedInMaxSOC })},
	{"CCU_CALIBRATION_ENABLED", boolVar(func(c *Config) *bool { return &c.Calibration.Enabled })},
	{"CCU_CALIBRATION_SETTINGS_FILE", stringVar(func(c *Config) *string { return &c.Calibration.SettingsFile })},
	{"CCU_BASELOAD_ENABLED", boolVar(func(c *Config) *bool { return &c.BaseLoad.Enabled })},
	{"CCU_BASELOAD_THRESHOLD", floatVar(func(c *Config) *float64 { return &c.BaseLoad.Threshold })},
	{"CCU_BASELOAD_POWER_TARGET", floatVar(func(c *Config) *float64 { return &c.BaseLoad.PowerTarget })},
	{"CCU_BASELOAD_ADJUSTMENT", floatVar(func(c *Config) *float64 { return &c.BaseLoad.Adjustment })},
	{"CCU_DATABASE_URL", stringVar(func(c *Config) *string { return &c.DatabaseURL })},
	{"CCU_MQTT_BROKER", stringVar(func(c *Config) *string { return &c.MQTT.Broker })},
	{"CCU_MQTT_TOPIC_PREFIX", stringVar(func(c *Config) *string { return &c.MQTT.TopicPrefix })},
	{"CCU_MQTT_CLIENT_ID", stringVar(func(c *Config) *string { return &c.MQTT.ClientID })},
	{"CCU_MQTT_USERNAME", stringVar(func(c *Config) *string { return &c.MQTT.Username })},
	{"CCU_MQTT_PASSWORD", stringVar(func(c *Config) *string { return &c.MQTT.Password })},
	{"CCU_VERSIONS_ENABLED", boolVar(func(c *Config) *bool { return &c.Versions.Enabled })},
	{"CCU_LOG_FILE", stringVar(func(c *Config) *string { return &c.LogFile })},
	{"CCU_LOG_LEVEL", stringVar(func(c *Config) *string { return &c.LogLevel })},
}

func applyEnv(cfg *Config) error {
	var errs []error
	for _, b := range envBindings {
		v, ok := os.LookupEnv(b.key)
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		if err := b.apply(cfg, strings.TrimSpace(v)); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", b.key, err))
		}
	}
	return errors.Join(errs...)
}
