// Package drmconfig loads the JSON configuration and credential files
// spec.md §6 describes, applying environment-variable overrides on top.
package drmconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Settings mirrors the config file's "settings" object.
type Settings struct {
	LogCtrlVerbosity            int     `json:"log_ctrl_verbosity"`
	LogFileVerbosity            int     `json:"log_file_verbosity"`
	HostDataVerbosity           int     `json:"host_data_verbosity"` // 0=full, 1=partial, 2=none
	FrequencyDetectionPeriodMS  int     `json:"frequency_detection_period"`
	FrequencyDetectionThreshold float64 `json:"frequency_detection_threshold"`
	WSRetryPeriodLongSec        int     `json:"ws_retry_period_long"`
	WSRetryPeriodShortSec       int     `json:"ws_retry_period_short"`
	WSAPIRetryDurationSec       int     `json:"ws_api_retry_duration"`
	// Supplemented from original_source's ws_client.cpp (spec.md §6 only
	// gestures at "request and connection timeouts"): explicit fields.
	WSRequestTimeoutSec    float64 `json:"ws_request_timeout"`
	WSConnectionTimeoutSec float64 `json:"ws_connection_timeout"`
}

// Licensing mirrors the config file's "licensing" object.
type Licensing struct {
	URL        string `json:"url"`
	NodeLocked bool   `json:"nodelocked"`
	LicenseDir string `json:"license_dir"`
}

// DRM mirrors the config file's "drm" object.
type DRM struct {
	FrequencyMHz              float64 `json:"frequency_mhz"`
	BypassFrequencyDetection  bool    `json:"bypass_frequency_detection"`
	Software                  bool    `json:"drm_software"`
}

// Config is the full parsed configuration file, plus the two
// environment-only controller timing overrides (not part of the JSON
// shape; zero means the variable was unset or not an integer). No
// controller driver in this module reads these two fields.
type Config struct {
	Settings  Settings  `json:"settings"`
	Licensing Licensing `json:"licensing"`
	DRM       DRM       `json:"drm"`

	ControllerTimeout   time.Duration `json:"-"`
	ControllerPollSleep time.Duration `json:"-"`
}

// Credentials is the parsed credential file.
type Credentials struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

// Defaults matching spec.md §6.
func defaultSettings() Settings {
	return Settings{
		FrequencyDetectionPeriodMS:  100,
		FrequencyDetectionThreshold: 10.0,
		WSRetryPeriodLongSec:        60,
		WSRetryPeriodShortSec:       2,
		WSAPIRetryDurationSec:       60,
		WSRequestTimeoutSec:         10,
		WSConnectionTimeoutSec:      1,
	}
}

// LoadConfig reads and parses the JSON configuration file at path, then
// applies environment-variable overrides (ONEPORTAL_URL,
// DRM_CONTROLLER_TIMEOUT_IN_MICRO_SECONDS, DRM_CONTROLLER_SLEEP_IN_MICRO_SECONDS)
// so they take precedence, per spec.md §6.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{Settings: defaultSettings()}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("drmconfig: read config file: %w", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("drmconfig: parse config file: %w", err)
	}
	if cfg.Settings.WSRetryPeriodShortSec >= cfg.Settings.WSRetryPeriodLongSec {
		return nil, fmt.Errorf("drmconfig: ws_retry_period_short must be strictly less than ws_retry_period_long")
	}

	if v := os.Getenv("ONEPORTAL_URL"); v != "" {
		cfg.Licensing.URL = v
	}
	applyControllerTimingOverrides(cfg)
	return cfg, nil
}

// applyControllerTimingOverrides reads the microsecond-valued controller
// environment variables and stores them, converted to time.Duration, on
// the config.
func applyControllerTimingOverrides(cfg *Config) {
	if v, ok := envMicroseconds("DRM_CONTROLLER_TIMEOUT_IN_MICRO_SECONDS"); ok {
		cfg.ControllerTimeout = v
	}
	if v, ok := envMicroseconds("DRM_CONTROLLER_SLEEP_IN_MICRO_SECONDS"); ok {
		cfg.ControllerPollSleep = v
	}
}

func envMicroseconds(name string) (time.Duration, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	var micros int64
	if _, err := fmt.Sscanf(v, "%d", &micros); err != nil {
		return 0, false
	}
	return time.Duration(micros) * time.Microsecond, true
}

// LoadCredentials reads and parses the JSON credential file at path, then
// applies ONEPORTAL_CLIENT_ID/ONEPORTAL_CLIENT_SECRET overrides.
func LoadCredentials(path string) (*Credentials, error) {
	creds := &Credentials{}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("drmconfig: read credentials file: %w", err)
	}
	if err := json.Unmarshal(data, creds); err != nil {
		return nil, fmt.Errorf("drmconfig: parse credentials file: %w", err)
	}
	if v := os.Getenv("ONEPORTAL_CLIENT_ID"); v != "" {
		creds.ClientID = v
	}
	if v := os.Getenv("ONEPORTAL_CLIENT_SECRET"); v != "" {
		creds.ClientSecret = v
	}
	return creds, nil
}
