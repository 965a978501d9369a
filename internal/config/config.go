package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// NOTE: This file provides the configuration model and full YAML-based
// load/save behavior, including first-run config creation and 0600
// permissions (the file carries the API auth key and a Google service
// account path).

// SheetsConfig points at the spreadsheet used as the canonical
// reservation store.
type SheetsConfig struct {
	// CredentialsFile is the path to a Google service-account JSON key.
	CredentialsFile string `yaml:"credentials_file" json:"credentials_file"`
	// SpreadsheetID is the target spreadsheet.
	SpreadsheetID string `yaml:"spreadsheet_id" json:"spreadsheet_id"`
	// Year is the calendar year the spreadsheet tracks. Candidates whose
	// check-in falls outside it classify as outside_year.
	Year int `yaml:"year" json:"year"`
}

// CaptureConfig drives the optional headless-browser HAR capture.
type CaptureConfig struct {
	// URL is the host dashboard page whose network exchanges are recorded.
	URL string `yaml:"url" json:"url"`
	// TimeoutSec bounds the whole capture run.
	TimeoutSec int `yaml:"timeout_sec" json:"timeout_sec"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the API.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA timezone all day-level logic is computed in
	// (e.g. "Europe/Paris").
	Timezone string `yaml:"timezone" json:"timezone"`

	// AuthKey is the shared secret required on every endpoint except
	// /health. Empty disables the check (development only).
	AuthKey string `yaml:"auth_key" json:"auth_key"`

	// RefreshCron is a cron-style schedule string (e.g. "*/15 * * * *")
	// used for periodic feed refresh. Empty disables the background loop.
	RefreshCron string `yaml:"refresh" json:"refresh"`

	// Sheets configures the canonical spreadsheet store.
	Sheets SheetsConfig `yaml:"sheets" json:"sheets"`

	// Capture configures headless HAR capture. Optional.
	Capture CaptureConfig `yaml:"capture" json:"capture"`

	// StatusPath is the file backing the per-reservation status store.
	StatusPath string `yaml:"status_path" json:"status_path"`

	// HARPath is where the last uploaded or captured bulk export is kept
	// so a preview can be re-run without re-uploading.
	HARPath string `yaml:"har_path" json:"har_path"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:      "127.0.0.1:8080",
		Timezone:    "Europe/Paris",
		AuthKey:     "",
		RefreshCron: "*/15 * * * *",
		Sheets: SheetsConfig{
			CredentialsFile: "/etc/rentcal/service-account.json",
			Year:            0, // 0 means "current year at startup"
		},
		Capture: CaptureConfig{
			TimeoutSec: 60,
		},
		StatusPath: "/var/lib/rentcal/status.json",
		HARPath:    "/var/lib/rentcal/last-export.har",
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = "127.0.0.1:8080"
	}
	if c.Timezone == "" {
		c.Timezone = "Europe/Paris"
	}
	if c.StatusPath == "" {
		c.StatusPath = "/var/lib/rentcal/status.json"
	}
	if c.HARPath == "" {
		c.HARPath = "/var/lib/rentcal/last-export.har"
	}
	if c.Capture.TimeoutSec <= 0 {
		c.Capture.TimeoutSec = 60
	}
	if c.Sheets.CredentialsFile == "" {
		c.Sheets.CredentialsFile = "/etc/rentcal/service-account.json"
	}
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()

	return &cfg, nil
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Marshals cfg to YAML.
//   - Writes atomically via a temp file + rename.
//   - Ensures final file permissions are 0600.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	// Atomic write: write to temp file in same directory then rename.
	tmp, err := os.CreateTemp(dir, ".rentcal-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	// Ensure we clean up temp file on error.
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}

	if err := os.Rename(tmpName, path); err != nil {
		return err
	}

	return nil
}

// Save is a convenience method on Config that delegates to the
// package-level Save function.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
