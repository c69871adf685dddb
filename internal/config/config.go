package config

import (
	"errors"
	"fmt"
	"time"
)

// Mode selects where telemetry comes from.
type Mode string

const (
	ModeLocal   Mode = "local"
	ModeCloud   Mode = "cloud"
	ModeCloudV2 Mode = "cloud_v2"
)

func (m Mode) Valid() bool {
	switch m {
	case ModeLocal, ModeCloud, ModeCloudV2:
		return true
	}
	return false
}

// Config captures every runtime setting of the bridge. Values are layered
// by Load: defaults, an optional YAML file, a .env file and finally CCU_*
// environment variables.
type Config struct {
	APIMode        Mode   `yaml:"api_mode"`
	CCUName        string `yaml:"ccu_name"`
	Email          string `yaml:"email"`
	DeviceIP       string `yaml:"device_ip"`
	LocalPort      int    `yaml:"local_port"`
	HTTPAddress    string `yaml:"http_address"`
	CloudBaseURL   string `yaml:"cloud_base_url"`
	CloudV2BaseURL string `yaml:"cloud_v2_base_url"`

	CCUIntervalSeconds  int `yaml:"ccu_interval_seconds"`
	InfoIntervalSeconds int `yaml:"info_interval_seconds"`

	InactivityTimeoutSeconds int `yaml:"inactivity_timeout_seconds"`
	SweepIntervalSeconds     int `yaml:"sweep_interval_seconds"`

	CommandRetries      int `yaml:"command_retries"`
	CommandRetryDelayMS int `yaml:"command_retry_delay_ms"`
	CommandTimeoutMS    int `yaml:"command_timeout_ms"`

	Season      SeasonConfig      `yaml:"season"`
	Calibration CalibrationConfig `yaml:"calibration"`
	BaseLoad    BaseLoadConfig    `yaml:"baseload"`

	// SOCLeaf is the telemetry leaf carrying the battery state of charge.
	SOCLeaf string `yaml:"soc_leaf"`

	WaitForDeviceTimeoutSeconds  int `yaml:"wait_for_device_timeout_seconds"`
	WaitForDeviceIntervalSeconds int `yaml:"wait_for_device_interval_seconds"`

	// DatabaseURL selects the Postgres state store; empty keeps state in memory.
	DatabaseURL string `yaml:"database_url"`

	MQTT     MQTTConfig     `yaml:"mqtt"`
	Versions VersionsConfig `yaml:"versions"`

	LogFile  string `yaml:"log_file"`
	LogLevel string `yaml:"log_level"`
}

type SeasonConfig struct {
	Enabled           bool    `yaml:"enabled"`
	WinterFrom        string  `yaml:"winter_from"`
	WinterTo          string  `yaml:"winter_to"`
	DailyHour         int     `yaml:"daily_hour"`
	WinterMinSOC      float64 `yaml:"winter_min_soc"`
	SummerMinSOC      float64 `yaml:"summer_min_soc"`
	OverrideThreshold float64 `yaml:"override_threshold"`
	OverrideMinSOC    float64 `yaml:"override_min_soc"`
	FeedInMaxSOC      float64 `yaml:"feed_in_max_soc"`
}

type CalibrationConfig struct {
	// Enabled seeds the settings file when it does not exist yet.
	Enabled      bool    `yaml:"enabled"`
	SettingsFile string  `yaml:"settings_file"`
	DownMin      float64 `yaml:"down_min"`
	DownMax      float64 `yaml:"down_max"`
	UpMin        float64 `yaml:"up_min"`
	UpMax        float64 `yaml:"up_max"`
	FlipLow      float64 `yaml:"flip_low"`
	FlipHigh     float64 `yaml:"flip_high"`
}

type BaseLoadConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Threshold   float64 `yaml:"threshold"`
	PowerTarget float64 `yaml:"power_target"`
	Adjustment  float64 `yaml:"adjustment"`
}

type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	TopicPrefix string `yaml:"topic_prefix"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
}

type VersionsConfig struct {
	Enabled         bool `yaml:"enabled"`
	IntervalSeconds int  `yaml:"interval_seconds"`
}

const (
	defaultLocalPort       = 5501
	defaultHTTPAddress     = ":8080"
	defaultCloudBaseURL    = "http://maxxicharge.mr-bond.de:3301/"
	defaultCloudV2BaseURL  = "https://maxxisun.app:3000"
	defaultCCUInterval     = 30
	defaultInfoInterval    = 300
	defaultInactivity      = 90
	defaultSweepInterval   = 10
	defaultRetries         = 1
	defaultRetryDelayMS    = 2000
	defaultCommandTimeout  = 15000
	defaultSettingsFile    = "data/settings.yaml"
	defaultSOCLeaf         = "SOC"
	defaultWaitTimeout     = 60
	defaultWaitInterval    = 5
	defaultTopicPrefix     = "ccubridge"
	defaultClientID        = "ccubridge"
	defaultVersionInterval = 6 * 3600
	defaultLogLevel        = "info"
)

// Interval bounds in milliseconds, shared with ValidateInterval.
const (
	MinCCUIntervalV1MS   = 5_000
	MinCCUIntervalV2MS   = 10_000
	MaxPollIntervalMS    = 3_600_000
	MinInfoIntervalMS    = 180_000
	MinVersionIntervalMS = 300_000
	MaxVersionIntervalMS = 86_400_000
)

// Default returns the configuration used when nothing else is provided.
func Default() Config {
	return Config{
		APIMode:                  ModeLocal,
		LocalPort:                defaultLocalPort,
		HTTPAddress:              defaultHTTPAddress,
		CloudBaseURL:             defaultCloudBaseURL,
		CloudV2BaseURL:           defaultCloudV2BaseURL,
		CCUIntervalSeconds:       defaultCCUInterval,
		InfoIntervalSeconds:      defaultInfoInterval,
		InactivityTimeoutSeconds: defaultInactivity,
		SweepIntervalSeconds:     defaultSweepInterval,
		CommandRetries:           defaultRetries,
		CommandRetryDelayMS:      defaultRetryDelayMS,
		CommandTimeoutMS:         defaultCommandTimeout,
		Season: SeasonConfig{
			DailyHour:         8,
			WinterMinSOC:      60,
			SummerMinSOC:      10,
			OverrideThreshold: 55,
			OverrideMinSOC:    40,
			FeedInMaxSOC:      97,
		},
		Calibration: CalibrationConfig{
			SettingsFile: defaultSettingsFile,
			DownMin:      0,
			DownMax:      100,
			UpMin:        99,
			UpMax:        100,
			FlipLow:      1,
			FlipHigh:     99,
		},
		BaseLoad: BaseLoadConfig{
			Threshold:   97,
			PowerTarget: 50,
			Adjustment:  30,
		},
		SOCLeaf:                      defaultSOCLeaf,
		WaitForDeviceTimeoutSeconds:  defaultWaitTimeout,
		WaitForDeviceIntervalSeconds: defaultWaitInterval,
		MQTT: MQTTConfig{
			TopicPrefix: defaultTopicPrefix,
			ClientID:    defaultClientID,
		},
		Versions: VersionsConfig{
			IntervalSeconds: defaultVersionInterval,
		},
		LogLevel: defaultLogLevel,
	}
}

// Validate reports settings the bridge cannot start with.
func (c Config) Validate() error {
	var errs []error
	if !c.APIMode.Valid() {
		errs = append(errs, fmt.Errorf("api_mode %q: must be local, cloud or cloud_v2", c.APIMode))
	}
	if c.APIMode != ModeLocal && c.CCUName == "" {
		errs = append(errs, errors.New("ccu_name is required in cloud modes"))
	}
	if c.APIMode == ModeCloudV2 && c.Email == "" {
		errs = append(errs, errors.New("email is required in cloud_v2 mode"))
	}
	if c.LocalPort <= 0 || c.LocalPort > 65535 {
		errs = append(errs, fmt.Errorf("local_port %d out of range", c.LocalPort))
	}
	if c.InactivityTimeoutSeconds <= 0 {
		errs = append(errs, errors.New("inactivity_timeout_seconds must be positive"))
	}
	if c.SweepIntervalSeconds <= 0 {
		errs = append(errs, errors.New("sweep_interval_seconds must be positive"))
	}
	if c.CommandRetries < 0 {
		errs = append(errs, errors.New("command_retries cannot be negative"))
	}
	if c.Season.DailyHour < 0 || c.Season.DailyHour > 23 {
		errs = append(errs, fmt.Errorf("season.daily_hour %d out of range", c.Season.DailyHour))
	}
	if c.Season.Enabled {
		if _, err := ParseSeasonDate(c.Season.WinterFrom); err != nil {
			errs = append(errs, fmt.Errorf("season.winter_from: %w", err))
		}
		if _, err := ParseSeasonDate(c.Season.WinterTo); err != nil {
			errs = append(errs, fmt.Errorf("season.winter_to: %w", err))
		}
	}
	if c.SOCLeaf == "" {
		errs = append(errs, errors.New("soc_leaf cannot be empty"))
	}
	return errors.Join(errs...)
}

// CCUInterval is the telemetry polling period, clamped for the active mode.
func (c Config) CCUInterval() time.Duration {
	lo := float64(MinCCUIntervalV1MS)
	if c.APIMode == ModeCloudV2 {
		lo = MinCCUIntervalV2MS
	}
	return millis(ValidateInterval(c.CCUIntervalSeconds*1000, lo, MaxPollIntervalMS))
}

// InfoInterval is the settings polling period.
func (c Config) InfoInterval() time.Duration {
	return millis(ValidateInterval(c.InfoIntervalSeconds*1000, MinInfoIntervalMS, MaxPollIntervalMS))
}

// VersionInterval is the firmware version polling period.
func (c Config) VersionInterval() time.Duration {
	return millis(ValidateInterval(c.Versions.IntervalSeconds*1000, MinVersionIntervalMS, MaxVersionIntervalMS))
}

func (c Config) InactivityTimeout() time.Duration {
	return time.Duration(c.InactivityTimeoutSeconds) * time.Second
}

func (c Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

func (c Config) CommandRetryDelay() time.Duration {
	return time.Duration(c.CommandRetryDelayMS) * time.Millisecond
}

func (c Config) CommandTimeout() time.Duration {
	return time.Duration(c.CommandTimeoutMS) * time.Millisecond
}

func (c Config) WaitForDeviceTimeout() time.Duration {
	return time.Duration(c.WaitForDeviceTimeoutSeconds) * time.Second
}

func (c Config) WaitForDeviceInterval() time.Duration {
	return time.Duration(c.WaitForDeviceIntervalSeconds) * time.Second
}

func millis(ms float64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
